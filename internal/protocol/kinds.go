package protocol

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// WorkKind is the closed set of executable work types.
type WorkKind string

const (
	KindShellExec       WorkKind = "shell.exec"
	KindConnectorAction WorkKind = "connector.action"
	KindAgentRun        WorkKind = "agent.run"
)

var knownKinds = []WorkKind{KindShellExec, KindConnectorAction, KindAgentRun}

// KnownKinds returns every accepted work kind.
func KnownKinds() []WorkKind {
	return slices.Clone(knownKinds)
}

func (k WorkKind) Valid() bool {
	return slices.Contains(knownKinds, k)
}

// ParseWorkKind validates a raw kind string.
func ParseWorkKind(raw string) (WorkKind, error) {
	k := WorkKind(strings.TrimSpace(raw))
	if !k.Valid() {
		return "", fmt.Errorf("unknown work kind %q", raw)
	}
	return k, nil
}

// Selector narrows eligible workers. Every non-empty field must match.
type Selector struct {
	Tag     string `json:"tag,omitempty"`
	Group   string `json:"group,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Pool    string `json:"pool,omitempty"`
}

// NeedsLabels reports whether matching consults the authoritative label set.
func (s Selector) NeedsLabels() bool {
	return s.Tag != "" || s.Group != "" || s.Pool != ""
}

// Labels is the authoritative routing label set held by the control plane.
type Labels struct {
	Tags   []string `json:"tags,omitempty"`
	Groups []string `json:"groups,omitempty"`
	Pool   string   `json:"pool,omitempty"`
}

// Matches applies the tag, group and pool fields of sel. Membership is an
// exact string comparison.
func (l Labels) Matches(sel Selector) bool {
	if sel.Tag != "" && !slices.Contains(l.Tags, sel.Tag) {
		return false
	}
	if sel.Group != "" && !slices.Contains(l.Groups, sel.Group) {
		return false
	}
	if sel.Pool != "" && l.Pool != sel.Pool {
		return false
	}
	return true
}

// WorkerRecord is the control-plane authorization record for one worker
// credential.
type WorkerRecord struct {
	OrgID      string    `json:"orgId"`
	WorkerID   string    `json:"workerId"`
	Labels     Labels    `json:"labels"`
	Revoked    bool      `json:"revoked"`
	LastSeenAt time.Time `json:"lastSeenAt,omitempty"`
}

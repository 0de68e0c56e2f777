package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
)

// Request is one unit of work to route to a worker.
type Request struct {
	OrgID       string            `json:"orgId"`
	WorkflowID  string            `json:"workflowId,omitempty"`
	RunID       string            `json:"runId"`
	NodeID      string            `json:"nodeId"`
	Attempt     int               `json:"attempt"`
	Kind        protocol.WorkKind `json:"kind"`
	ConnectorID string            `json:"connectorId,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Secrets     map[string]string `json:"secrets,omitempty"`
	Selector    protocol.Selector `json:"selector,omitempty"`
	TimeoutMs   int64             `json:"timeoutMs,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`

	// Turn is set for interactive session turns. The worker receives
	// session-open and session-turn instead of execute.
	Turn *Turn `json:"-"`
}

// Turn carries the front-end input of one session turn.
type Turn struct {
	Input  string
	Config json.RawMessage
}

// ID is the idempotency key of the request within its organization.
func (r Request) ID() string {
	return protocol.RequestID(r.RunID, r.NodeID, r.Attempt)
}

// key identifies the request across organizations.
func (r Request) key() string {
	return protocol.OrgRequestID(r.OrgID, r.ID())
}

// Timeout returns the requested deadline or zero when unset.
func (r Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Validate checks the fields the engine depends on.
func (r Request) Validate() error {
	var errs []error
	if err := protocol.ValidateOrgID(r.OrgID); err != nil {
		errs = append(errs, fmt.Errorf("orgId: %w", err))
	}
	if strings.TrimSpace(r.RunID) == "" || strings.TrimSpace(r.NodeID) == "" {
		errs = append(errs, errors.New("runId and nodeId are required"))
	}
	if strings.Contains(r.RunID, ":") || strings.Contains(r.NodeID, ":") {
		errs = append(errs, errors.New("runId and nodeId must not contain ':'"))
	}
	if r.Attempt < 1 {
		errs = append(errs, errors.New("attempt must be >= 1"))
	}
	if !r.Kind.Valid() {
		errs = append(errs, fmt.Errorf("unknown kind %q", r.Kind))
	}
	if r.Kind == protocol.KindConnectorAction && r.ConnectorID == "" {
		errs = append(errs, errors.New("connectorId is required for connector.action"))
	}
	if r.TimeoutMs < 0 {
		errs = append(errs, errors.New("timeoutMs must not be negative"))
	}
	return errors.Join(errs...)
}

// AsyncStatus is the outcome reported by DispatchAsync.
type AsyncStatus string

const (
	AsyncDispatched AsyncStatus = "dispatched"
	AsyncCached     AsyncStatus = "cached"
	AsyncRejected   AsyncStatus = "rejected"
)

// AsyncOutcome is returned by DispatchAsync. Result is set for cached and
// rejected outcomes.
type AsyncOutcome struct {
	RequestID string                `json:"requestId"`
	Status    AsyncStatus           `json:"status"`
	WorkerID  string                `json:"workerId,omitempty"`
	Result    *protocol.ResultEntry `json:"result,omitempty"`
}

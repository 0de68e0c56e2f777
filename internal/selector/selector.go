// Package selector picks one eligible worker for a dispatch. It is a pure
// function of its inputs; the registry owns the state and the cursor.
package selector

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
)

// ErrNoWorker is returned when no candidate passes the filter.
var ErrNoWorker = errors.New("no worker available")

// Policy is the load-balancing rule applied to eligible workers.
type Policy string

const (
	PolicyLeastInFlight Policy = "least-in-flight"
	PolicyRoundRobin    Policy = "round-robin"
)

func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(strings.TrimSpace(raw)); p {
	case "":
		return PolicyLeastInFlight, nil
	case PolicyLeastInFlight, PolicyRoundRobin:
		return p, nil
	default:
		return "", fmt.Errorf("unknown selection policy %q", raw)
	}
}

// Candidate is the selection view of one connected worker.
type Candidate struct {
	WorkerID     string
	Kinds        []protocol.WorkKind
	Connectors   []string
	MaxInFlight  int
	InFlight     int
	Labels       protocol.Labels
	LastDispatch time.Time
}

// Requirements describe what the work needs from a worker.
type Requirements struct {
	Kind        protocol.WorkKind
	ConnectorID string
	Selector    protocol.Selector
}

// Eligible applies every filter rule to one candidate.
func Eligible(c Candidate, req Requirements) bool {
	if !slices.Contains(c.Kinds, req.Kind) {
		return false
	}
	if c.InFlight >= c.MaxInFlight {
		return false
	}
	if req.ConnectorID != "" && len(c.Connectors) > 0 && !slices.Contains(c.Connectors, req.ConnectorID) {
		return false
	}
	if req.Selector.AgentID != "" && req.Selector.AgentID != c.WorkerID {
		return false
	}
	return c.Labels.Matches(req.Selector)
}

// Filter returns the eligible candidates in worker id order.
func Filter(candidates []Candidate, req Requirements) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if Eligible(c, req) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b Candidate) int { return strings.Compare(a.WorkerID, b.WorkerID) })
	return out
}

// Select chooses a worker and returns the cursor to store for the next
// round-robin pick. The cursor is ignored by least-in-flight.
func Select(candidates []Candidate, req Requirements, policy Policy, cursor int) (Candidate, int, error) {
	eligible := Filter(candidates, req)
	if len(eligible) == 0 {
		return Candidate{}, cursor, ErrNoWorker
	}
	switch policy {
	case PolicyRoundRobin:
		if cursor < 0 {
			cursor = 0
		}
		i := cursor % len(eligible)
		return eligible[i], i + 1, nil
	default:
		best := eligible[0]
		for _, c := range eligible[1:] {
			if lessLoaded(c, best) {
				best = c
			}
		}
		return best, cursor, nil
	}
}

// lessLoaded orders by in-flight, then least recently dispatched, then id.
func lessLoaded(a, b Candidate) bool {
	if a.InFlight != b.InFlight {
		return a.InFlight < b.InFlight
	}
	if !a.LastDispatch.Equal(b.LastDispatch) {
		return a.LastDispatch.Before(b.LastDispatch)
	}
	return a.WorkerID < b.WorkerID
}

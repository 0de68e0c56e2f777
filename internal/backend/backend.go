// Package backend runs the work a worker accepts: shell commands on the host
// or in a Docker sandbox, HTTP connector actions, and agent turns.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/go-dispatch/internal/protocol"
)

// ErrUnsupportedKind is returned for a kind with no registered backend.
var ErrUnsupportedKind = errors.New("unsupported work kind")

// Job is one execute frame as seen by a backend.
type Job struct {
	RequestID   string
	Kind        protocol.WorkKind
	ConnectorID string
	Payload     json.RawMessage
	Secrets     map[string]string
}

// Emit streams a progress event for the running job. The caller assigns
// sequence numbers.
type Emit func(ev protocol.ExecuteEvent)

// Backend executes one kind of work. A non-nil error with a non-nil output
// reports a failure that still produced output.
type Backend interface {
	Execute(ctx context.Context, job Job, emit Emit) (json.RawMessage, error)
}

// Set routes jobs to backends by kind.
type Set struct {
	byKind map[protocol.WorkKind]Backend
}

func NewSet() *Set {
	return &Set{byKind: make(map[protocol.WorkKind]Backend)}
}

func (s *Set) Register(kind protocol.WorkKind, b Backend) {
	s.byKind[kind] = b
}

// Kinds lists the registered kinds in protocol order.
func (s *Set) Kinds() []protocol.WorkKind {
	var out []protocol.WorkKind
	for _, k := range protocol.KnownKinds() {
		if _, ok := s.byKind[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (s *Set) Execute(ctx context.Context, job Job, emit Emit) (json.RawMessage, error) {
	b, ok := s.byKind[job.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, job.Kind)
	}
	if emit == nil {
		emit = func(protocol.ExecuteEvent) {}
	}
	return b.Execute(ctx, job, emit)
}

func eventData(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// Package continuation hands terminal results and progress events back to
// the control plane through a durable queue. Job ids are derived from the
// organization and request id, so republishing the same outcome is a no-op
// downstream.
package continuation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
)

const (
	KindResult = "result"
	KindEvent  = "event"
)

// Job is one queued continuation.
type Job struct {
	JobID     string                 `json:"jobId"`
	Kind      string                 `json:"kind"`
	RequestID string                 `json:"requestId"`
	OrgID     string                 `json:"orgId,omitempty"`
	Meta      *protocol.DispatchMeta `json:"meta,omitempty"`
	Result    *protocol.ResultEntry  `json:"result,omitempty"`
	Event     *Event                 `json:"event,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Event is a streamed progress report attached to an event job.
type Event struct {
	Seq   int64           `json:"seq"`
	Type  string          `json:"type"`
	Level string          `json:"level,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ResultJobID and EventJobID are scoped by organization, since request ids
// repeat across organizations.
func ResultJobID(orgID, requestID string) string {
	return "result:" + protocol.OrgRequestID(orgID, requestID)
}

func EventJobID(orgID, requestID string, seq int64) string {
	return fmt.Sprintf("event:%s:%d", protocol.OrgRequestID(orgID, requestID), seq)
}

func decodeJob(raw []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return job, fmt.Errorf("decode continuation job: %w", err)
	}
	return job, nil
}

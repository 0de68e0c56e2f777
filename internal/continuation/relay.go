package continuation

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/protocol"
)

type Config struct {
	Queue   Queue
	Metrics *otel.Metrics
	Logger  *slog.Logger
	// Attempts bounds retries of a failed enqueue. Default 3.
	Attempts int
	Backoff  time.Duration
}

// Relay publishes continuation jobs. Publication is best effort: failures
// are retried briefly, logged and returned, never escalated.
type Relay struct {
	queue    Queue
	metrics  *otel.Metrics
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

func NewRelay(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	return &Relay{
		queue:    cfg.Queue,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
	}
}

func (r *Relay) Queue() Queue { return r.queue }

// PublishResult queues the canonical result of a request. Callers always
// pass the entry that won the results store, so a republish carries the
// same body under the same job id.
func (r *Relay) PublishResult(ctx context.Context, orgID string, meta *protocol.DispatchMeta, entry protocol.ResultEntry) error {
	if meta != nil && orgID == "" {
		orgID = meta.OrgID
	}
	return r.publish(ctx, Job{
		JobID:     ResultJobID(orgID, entry.RequestID),
		Kind:      KindResult,
		RequestID: entry.RequestID,
		OrgID:     orgID,
		Meta:      meta,
		Result:    &entry,
		CreatedAt: time.Now().UTC(),
	})
}

// PublishEvent queues one streamed progress event.
func (r *Relay) PublishEvent(ctx context.Context, orgID, requestID string, ev Event) error {
	return r.publish(ctx, Job{
		JobID:     EventJobID(orgID, requestID, ev.Seq),
		Kind:      KindEvent,
		RequestID: requestID,
		OrgID:     orgID,
		Event:     &ev,
		CreatedAt: time.Now().UTC(),
	})
}

func (r *Relay) publish(ctx context.Context, job Job) error {
	if r == nil || r.queue == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		var inserted bool
		inserted, err = r.queue.Enqueue(ctx, job)
		if err == nil {
			if inserted {
				r.metrics.IncContinuation(ctx, job.Kind, nil)
			} else {
				r.logger.Debug("continuation already queued", "job_id", job.JobID)
			}
			return nil
		}
		if attempt < r.attempts-1 {
			time.Sleep(r.backoff << attempt)
		}
	}
	r.metrics.IncContinuation(ctx, job.Kind, err)
	r.logger.Error("continuation publish failed", "job_id", job.JobID, "request_id", job.RequestID, "error", err)
	return err
}

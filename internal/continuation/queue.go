package continuation

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/redis/go-redis/v9"
)

// Queue is a first-writer-wins job queue keyed by job id.
type Queue interface {
	// Enqueue reports false when a job with the same id already exists.
	Enqueue(ctx context.Context, job Job) (bool, error)
	// Pending lists undelivered jobs oldest first.
	Pending(ctx context.Context, limit int) ([]Job, error)
	// Ack marks a job delivered.
	Ack(ctx context.Context, jobID string) (bool, error)
	Close() error
}

// OpenQueue builds a queue from a backend URL: sqlite:// (default),
// redis://host:port/db or memory://.
func OpenQueue(rawURL string, db *persistence.Store, dedupWindow time.Duration) (Queue, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		rawURL = "sqlite://"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse continuation url: %w", err)
	}
	switch u.Scheme {
	case "sqlite":
		if db == nil {
			return nil, fmt.Errorf("sqlite continuation queue requires an open record store")
		}
		return NewSQLiteQueue(db), nil
	case "redis", "rediss":
		opts, prefix, err := ParseRedisURL(u)
		if err != nil {
			return nil, err
		}
		return NewRedisQueue(redis.NewClient(opts), prefix, dedupWindow), nil
	case "memory":
		return NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unsupported continuation scheme %q", u.Scheme)
	}
}

// ParseRedisURL splits the optional prefix query parameter from a redis URL
// before handing the rest to go-redis, which rejects unknown options.
func ParseRedisURL(u *url.URL) (*redis.Options, string, error) {
	q := u.Query()
	prefix := q.Get("prefix")
	q.Del("prefix")
	clean := *u
	clean.RawQuery = q.Encode()
	opts, err := redis.ParseURL(clean.String())
	if err != nil {
		return nil, "", fmt.Errorf("parse redis url: %w", err)
	}
	return opts, prefix, nil
}

// SQLiteQueue stores jobs in the record store's continuation_jobs table.
type SQLiteQueue struct {
	db *persistence.Store
}

func NewSQLiteQueue(db *persistence.Store) *SQLiteQueue {
	return &SQLiteQueue{db: db}
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	raw, err := encodeJob(job)
	if err != nil {
		return false, err
	}
	return q.db.EnqueueContinuation(ctx, job.JobID, job.Kind, job.RequestID, job.OrgID, raw)
}

func (q *SQLiteQueue) Pending(ctx context.Context, limit int) ([]Job, error) {
	recs, err := q.db.ListContinuations(ctx, persistence.ContinuationPending, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(recs))
	for _, rec := range recs {
		job, err := decodeJob([]byte(rec.Payload))
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, jobID string) (bool, error) {
	return q.db.MarkContinuationDelivered(ctx, jobID)
}

// Close is a no-op; the record store is owned by the caller.
func (q *SQLiteQueue) Close() error { return nil }

// MemoryQueue is a process-local queue for development and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	seen    map[string]bool
	pending []Job
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{seen: make(map[string]bool)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[job.JobID] {
		return false, nil
	}
	q.seen[job.JobID] = true
	q.pending = append(q.pending, job)
	return true, nil
}

func (q *MemoryQueue) Pending(_ context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]Job(nil), q.pending[:n]...), nil
}

func (q *MemoryQueue) Ack(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.pending {
		if job.JobID == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Close() error { return nil }

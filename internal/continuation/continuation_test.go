package continuation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/redis/go-redis/v9"
)

func queues(t *testing.T) map[string]Queue {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rq := NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", time.Hour)
	t.Cleanup(func() { _ = rq.Close() })

	return map[string]Queue{
		"sqlite": NewSQLiteQueue(db),
		"redis":  rq,
		"memory": NewMemoryQueue(),
	}
}

func TestQueue_DuplicateJobIsNoop(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			entry := protocol.Failure("r:n:1", protocol.ErrExecutionTimeout, "deadline")
			job := Job{JobID: ResultJobID("org-1", "r:n:1"), Kind: KindResult, RequestID: "r:n:1", OrgID: "org-1", Result: &entry}

			inserted, err := q.Enqueue(ctx, job)
			if err != nil || !inserted {
				t.Fatalf("first Enqueue = %v, %v", inserted, err)
			}
			inserted, err = q.Enqueue(ctx, job)
			if err != nil || inserted {
				t.Fatalf("duplicate Enqueue = %v, %v", inserted, err)
			}

			pending, err := q.Pending(ctx, 10)
			if err != nil {
				t.Fatalf("Pending: %v", err)
			}
			if len(pending) != 1 || pending[0].Result == nil || pending[0].Result.Code() != protocol.ErrExecutionTimeout {
				t.Fatalf("pending = %+v", pending)
			}

			acked, err := q.Ack(ctx, job.JobID)
			if err != nil || !acked {
				t.Fatalf("Ack = %v, %v", acked, err)
			}
			if pending, _ := q.Pending(ctx, 10); len(pending) != 0 {
				t.Fatalf("pending after ack = %d", len(pending))
			}
			// Acked jobs still dedup a late republish.
			if inserted, _ := q.Enqueue(ctx, job); inserted {
				t.Fatal("republish after ack was enqueued")
			}
		})
	}
}

func TestQueue_PendingKeepsOrder(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			for seq := int64(1); seq <= 3; seq++ {
				job := Job{JobID: EventJobID("org-1", "r:n:1", seq), Kind: KindEvent, RequestID: "r:n:1", Event: &Event{Seq: seq, Type: "log"}}
				if _, err := q.Enqueue(ctx, job); err != nil {
					t.Fatalf("Enqueue: %v", err)
				}
				time.Sleep(2 * time.Millisecond)
			}
			pending, err := q.Pending(ctx, 2)
			if err != nil {
				t.Fatalf("Pending: %v", err)
			}
			if len(pending) != 2 || pending[0].Event.Seq != 1 || pending[1].Event.Seq != 2 {
				t.Fatalf("pending = %+v", pending)
			}
		})
	}
}

type failingQueue struct {
	*MemoryQueue
	failures int
}

func (q *failingQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	if q.failures > 0 {
		q.failures--
		return false, errors.New("queue unavailable")
	}
	return q.MemoryQueue.Enqueue(ctx, job)
}

func TestRelay_RetriesThenSucceeds(t *testing.T) {
	q := &failingQueue{MemoryQueue: NewMemoryQueue(), failures: 2}
	relay := NewRelay(Config{Queue: q, Backoff: time.Millisecond})

	entry := protocol.ResultEntry{RequestID: "r:n:1", Status: protocol.StatusSucceeded}
	meta := &protocol.DispatchMeta{RequestID: "r:n:1", OrgID: "org-1"}
	if err := relay.PublishResult(context.Background(), "", meta, entry); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}
	pending, _ := q.Pending(context.Background(), 10)
	if len(pending) != 1 || pending[0].OrgID != "org-1" || pending[0].JobID != "result:org-1:r:n:1" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestRelay_SameRequestIDInTwoOrgs(t *testing.T) {
	q := NewMemoryQueue()
	relay := NewRelay(Config{Queue: q, Backoff: time.Millisecond})
	ctx := context.Background()

	for _, org := range []string{"org-a", "org-b"} {
		entry := protocol.ResultEntry{RequestID: "r:n:1", Status: protocol.StatusSucceeded, WorkerID: "w-" + org}
		if err := relay.PublishResult(ctx, org, nil, entry); err != nil {
			t.Fatalf("PublishResult(%s): %v", org, err)
		}
	}
	pending, _ := q.Pending(ctx, 10)
	if len(pending) != 2 {
		t.Fatalf("pending = %d jobs, want 2", len(pending))
	}
	if pending[0].JobID == pending[1].JobID {
		t.Fatalf("job ids collide: %q", pending[0].JobID)
	}
}

func TestRelay_GivesUpAfterAttempts(t *testing.T) {
	q := &failingQueue{MemoryQueue: NewMemoryQueue(), failures: 10}
	relay := NewRelay(Config{Queue: q, Attempts: 2, Backoff: time.Millisecond})
	if err := relay.PublishEvent(context.Background(), "org-1", "r:n:1", Event{Seq: 1}); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
}

func TestOpenQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	if _, err := OpenQueue("sqlite://", nil, time.Hour); err == nil {
		t.Fatal("sqlite without store should fail")
	}
	q, err := OpenQueue("redis://"+mr.Addr()+"/0?prefix=x:", nil, time.Hour)
	if err != nil {
		t.Fatalf("OpenQueue redis: %v", err)
	}
	_ = q.Close()
	if _, err := OpenQueue("kafka://", nil, time.Hour); err == nil {
		t.Fatal("unknown scheme should fail")
	}
}

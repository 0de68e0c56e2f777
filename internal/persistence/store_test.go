package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/protocol"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dispatch.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, dbPath := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	for _, table := range []string{"worker_credentials", "sessions", "session_events", "result_cache", "continuation_jobs", "audit_log"} {
		name := queryOneString(t, db, fmt.Sprintf("SELECT name FROM sqlite_master WHERE type='table' AND name='%s';", table))
		if name != table {
			t.Fatalf("missing table %s", table)
		}
	}

	// Reopening an up-to-date database must succeed.
	_ = store.Close()
	reopened, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = reopened.Close()
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered';`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(dbPath); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestCredentials_IssueLookupRevoke(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	token, err := store.IssueWorkerCredential(ctx, "org-1", "w1", protocol.Labels{Tags: []string{"gpu"}, Pool: "east"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec, err := store.LookupCredential(ctx, persistence.HashToken(token))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.OrgID != "org-1" || rec.WorkerID != "w1" || rec.Labels.Pool != "east" || len(rec.Labels.Tags) != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if _, err := store.LookupCredential(ctx, persistence.HashToken("nope")); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("unknown token err = %v, want ErrNotFound", err)
	}

	revoked, err := store.RevokeWorker(ctx, "org-1", "w1")
	if err != nil || !revoked {
		t.Fatalf("revoke = %v, %v", revoked, err)
	}
	rec, err = store.WorkerRecord(ctx, "org-1", "w1")
	if err != nil {
		t.Fatalf("worker record: %v", err)
	}
	if !rec.Revoked {
		t.Fatal("expected revoked record")
	}

	// Rotating issues a new token and clears revocation; the old token stops working.
	rotated, err := store.IssueWorkerCredential(ctx, "org-1", "w1", protocol.Labels{})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := store.LookupCredential(ctx, persistence.HashToken(token)); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("old token err = %v, want ErrNotFound", err)
	}
	rec, err = store.LookupCredential(ctx, persistence.HashToken(rotated))
	if err != nil || rec.Revoked {
		t.Fatalf("rotated lookup = %+v, %v", rec, err)
	}
}

func TestCredentials_SetLabelsAndTouch(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.IssueWorkerCredential(ctx, "org-1", "w1", protocol.Labels{}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := store.SetWorkerLabels(ctx, "org-1", "w1", protocol.Labels{Groups: []string{"build"}}); err != nil {
		t.Fatalf("set labels: %v", err)
	}
	if err := store.SetWorkerLabels(ctx, "org-1", "ghost", protocol.Labels{}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("set labels on unknown worker err = %v", err)
	}
	seen := time.Now().UTC().Truncate(time.Second)
	if err := store.TouchWorker(ctx, "org-1", "w1", seen); err != nil {
		t.Fatalf("touch: %v", err)
	}
	recs, err := store.ListWorkerRecords(ctx, "org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || len(recs[0].Labels.Groups) != 1 || recs[0].Labels.Groups[0] != "build" {
		t.Fatalf("records = %+v", recs)
	}
	if !recs[0].LastSeenAt.Equal(seen) {
		t.Fatalf("last seen = %v, want %v", recs[0].LastSeenAt, seen)
	}
}

func TestSessionEvents_SequenceIsGapFreeUnderConcurrency(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	const writers, perWriter = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := store.AppendSessionEvent(ctx, protocol.SessionEvent{
					OrgID: "org-1", SessionID: "s1", Type: protocol.EventTurnDelta,
				}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	events, err := store.ListSessionEventsFrom(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != writers*perWriter {
		t.Fatalf("got %d events, want %d", len(events), writers*perWriter)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}

	tail, err := store.ListSessionEventsTail(ctx, "s1", 5)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 5 || tail[0].Seq != 36 || tail[4].Seq != 40 {
		t.Fatalf("tail seqs = %d..%d (len %d)", tail[0].Seq, tail[len(tail)-1].Seq, len(tail))
	}
	lo, hi, err := store.SessionEventBounds(ctx, "s1")
	if err != nil || lo != 1 || hi != 40 {
		t.Fatalf("bounds = %d, %d, %v", lo, hi, err)
	}
}

func TestSessionEvents_OwnerIsEnforced(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.AppendSessionEvent(ctx, protocol.SessionEvent{OrgID: "org-1", SessionID: "s1", Type: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := store.AppendSessionEvent(ctx, protocol.SessionEvent{OrgID: "org-2", SessionID: "s1", Type: "x"})
	if !errors.Is(err, persistence.ErrSessionOwner) {
		t.Fatalf("err = %v, want ErrSessionOwner", err)
	}
	owner, err := store.SessionOwner(ctx, "s1")
	if err != nil || owner != "org-1" {
		t.Fatalf("owner = %q, %v", owner, err)
	}
	if owner, _ := store.SessionOwner(ctx, "missing"); owner != "" {
		t.Fatalf("owner of missing session = %q", owner)
	}
}

func TestCache_FirstWriterWinsUntilExpiry(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stored, err := store.CacheSetNX(ctx, "k", []byte("first"), now.Add(time.Minute), now)
	if err != nil || !stored {
		t.Fatalf("first set = %v, %v", stored, err)
	}
	stored, err = store.CacheSetNX(ctx, "k", []byte("second"), now.Add(time.Minute), now)
	if err != nil || stored {
		t.Fatalf("second set = %v, %v; want not stored", stored, err)
	}
	v, ok, err := store.CacheGet(ctx, "k", now)
	if err != nil || !ok || string(v) != "first" {
		t.Fatalf("get = %q, %v, %v", v, ok, err)
	}

	later := now.Add(2 * time.Minute)
	if _, ok, _ := store.CacheGet(ctx, "k", later); ok {
		t.Fatal("expired entry must not be returned")
	}
	stored, err = store.CacheSetNX(ctx, "k", []byte("third"), later.Add(time.Minute), later)
	if err != nil || !stored {
		t.Fatalf("set after expiry = %v, %v", stored, err)
	}
}

func TestContinuations_EnqueueIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	inserted, err := store.EnqueueContinuation(ctx, "result:org-1:r:n:1", "dispatch.result", "r:n:1", "org-1", []byte(`{}`))
	if err != nil || !inserted {
		t.Fatalf("enqueue = %v, %v", inserted, err)
	}
	inserted, err = store.EnqueueContinuation(ctx, "result:org-1:r:n:1", "dispatch.result", "r:n:1", "org-1", []byte(`{"late":true}`))
	if err != nil || inserted {
		t.Fatalf("duplicate enqueue = %v, %v; want ignored", inserted, err)
	}
	jobs, err := store.ListContinuations(ctx, persistence.ContinuationPending, 10)
	if err != nil || len(jobs) != 1 || jobs[0].Payload != `{}` {
		t.Fatalf("jobs = %+v, %v", jobs, err)
	}
	ok, err := store.MarkContinuationDelivered(ctx, "result:org-1:r:n:1")
	if err != nil || !ok {
		t.Fatalf("mark delivered = %v, %v", ok, err)
	}
	if jobs, _ := store.ListContinuations(ctx, persistence.ContinuationPending, 10); len(jobs) != 0 {
		t.Fatalf("pending after delivery = %d", len(jobs))
	}
}

func TestRunRetention_PurgesOldRowsOnly(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -40)

	if _, err := store.AppendSessionEvent(ctx, protocol.SessionEvent{OrgID: "o", SessionID: "s", Type: "x", CreatedAt: old}); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if _, err := store.AppendSessionEvent(ctx, protocol.SessionEvent{OrgID: "o", SessionID: "s", Type: "x"}); err != nil {
		t.Fatalf("append new: %v", err)
	}
	now := time.Now()
	if _, err := store.CacheSetNX(ctx, "gone", []byte("v"), now.Add(-time.Second), now.Add(-time.Minute)); err != nil {
		t.Fatalf("cache set: %v", err)
	}

	res, err := store.RunRetention(ctx, persistence.RetentionPolicy{SessionEventDays: 30}, now)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedSessionEvents != 1 || res.PurgedCacheEntries != 1 {
		t.Fatalf("result = %+v", res)
	}
	events, _ := store.ListSessionEventsFrom(ctx, "s", 0, 0)
	if len(events) != 1 || events[0].Seq != 2 {
		t.Fatalf("remaining events = %+v", events)
	}
}

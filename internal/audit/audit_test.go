package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/shared"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	SetFingerprint("cfg-abc")
	t.Cleanup(func() { SetFingerprint("") })

	before := DenyCount()
	Record(DecisionDeny, "worker.connect", "credential revoked", "org-1/w1")
	Record(DecisionAllow, "worker.connect", "credential valid", "org-1/w2")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "deny" || first["action"] != "worker.connect" {
		t.Fatalf("first entry = %#v", first)
	}
	if first["config_fingerprint"] != "cfg-abc" {
		t.Fatalf("config_fingerprint = %#v, want cfg-abc", first["config_fingerprint"])
	}
	if got := DenyCount() - before; got != 1 {
		t.Fatalf("deny count delta = %d, want 1", got)
	}
}

func TestRecordRedactsCredentials(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(DecisionDeny, "worker.connect", "unknown credential gdw_0123456789abcdef0123456789abcdef", "org-1")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "gdw_0123") {
		t.Fatalf("credential leaked into audit log: %s", raw)
	}
}

func TestRecordWritesAuditTable(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	SetDB(store.DB())
	t.Cleanup(func() { SetDB(nil) })

	Record(DecisionDeny, "dispatch.revalidate", "revoked", "org-1/w1")

	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action = 'dispatch.revalidate' AND decision = 'deny';`).Scan(&count); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("audit rows = %d, want 1", count)
	}
}

func TestRecordContextCarriesTraceID(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	SetDB(store.DB())
	t.Cleanup(func() { SetDB(nil) })

	ctx := shared.WithTraceID(context.Background(), "trace-42")
	RecordContext(ctx, DecisionAllow, "worker.connect", "credential accepted", "org-1/w9")
	Record(DecisionAllow, "worker.connect", "no trace", "org-1/w10")

	var traceID string
	if err := store.DB().QueryRow(`SELECT trace_id FROM audit_log WHERE subject = 'org-1/w9';`).Scan(&traceID); err != nil {
		t.Fatalf("query: %v", err)
	}
	if traceID != "trace-42" {
		t.Fatalf("trace_id = %q, want trace-42", traceID)
	}
	if err := store.DB().QueryRow(`SELECT trace_id FROM audit_log WHERE subject = 'org-1/w10';`).Scan(&traceID); err != nil {
		t.Fatalf("query: %v", err)
	}
	if traceID != "" {
		t.Fatalf("trace_id without context = %q, want empty", traceID)
	}
}

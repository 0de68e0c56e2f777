// Package audit records worker admission decisions: connects allowed or
// denied at the handshake and credentials found revoked during dispatch.
// Entries go to logs/audit.jsonl under the home directory and, once SetDB
// is called, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-dispatch/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

type entry struct {
	Timestamp         string `json:"timestamp"`
	TraceID           string `json:"trace_id,omitempty"`
	Decision          string `json:"decision"`
	Action            string `json:"action"`
	Reason            string `json:"reason"`
	ConfigFingerprint string `json:"config_fingerprint,omitempty"`
	Subject           string `json:"subject,omitempty"`
}

type sink struct {
	mu          sync.Mutex
	file        *os.File
	db          *sql.DB
	fingerprint string
}

var (
	std       sink
	denyCount atomic.Int64
)

// Init opens the JSONL file. It is a no-op while a file is already open.
func Init(homeDir string) error {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	std.file = f
	return nil
}

func SetDB(d *sql.DB) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = d
}

// SetFingerprint tags subsequent entries with the effective config
// fingerprint.
func SetFingerprint(fp string) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.fingerprint = fp
}

// Close detaches the database and closes the file; Init may reopen it.
func Close() error {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = nil
	if std.file == nil {
		return nil
	}
	err := std.file.Close()
	std.file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record writes one decision without a trace id.
func Record(decision, action, reason, subject string) {
	RecordContext(context.Background(), decision, action, reason, subject)
}

// RecordContext writes one decision tagged with the trace id carried by ctx.
// Credentials in reason and subject are redacted first.
func RecordContext(ctx context.Context, decision, action, reason, subject string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	std.write(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   traceID,
		Decision:  decision,
		Action:    action,
		Reason:    shared.Redact(reason),
		Subject:   shared.Redact(subject),
	})
}

func (s *sink) write(e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ConfigFingerprint = s.fingerprint

	if s.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = s.file.Write(append(b, '\n'))
		}
	}
	if s.db != nil {
		_, _ = s.db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, config_fingerprint)
			VALUES (?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.Subject, e.Action, e.Decision, e.Reason, e.ConfigFingerprint)
	}
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
)

const maxSessionEventPage = 1000

// AppendSessionEvent assigns the next sequence number for the session and
// stores the event. The session row is created on first use and bound to the
// event's organization.
func (s *Store) AppendSessionEvent(ctx context.Context, ev protocol.SessionEvent) (protocol.SessionEvent, error) {
	if ev.SessionID == "" || ev.OrgID == "" {
		return ev, fmt.Errorf("append session event: org id and session id required")
	}
	if ev.Level == "" {
		ev.Level = protocol.LevelInfo
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO sessions (id, org_id) VALUES (?, ?);
		`, ev.SessionID, ev.OrgID); err != nil {
			return fmt.Errorf("ensure session: %w", err)
		}
		var owner string
		if err := tx.QueryRowContext(ctx, `SELECT org_id FROM sessions WHERE id = ?;`, ev.SessionID).Scan(&owner); err != nil {
			return fmt.Errorf("read session owner: %w", err)
		}
		if owner != ev.OrgID {
			return ErrSessionOwner
		}

		var next int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = ?;
		`, ev.SessionID).Scan(&next); err != nil {
			return fmt.Errorf("next session seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_events (session_id, seq, org_id, event_type, level, request_id, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, ev.SessionID, next, ev.OrgID, ev.Type, ev.Level, ev.RequestID, payload, ev.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert session event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, ev.SessionID); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append tx: %w", err)
		}
		ev.Seq = next
		return nil
	})
	if err != nil {
		return ev, err
	}
	return ev, nil
}

// SessionOwner returns the organization owning a session, or "" if the
// session has no events yet.
func (s *Store) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT org_id FROM sessions WHERE id = ?;`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session owner: %w", err)
	}
	return owner, nil
}

// ListSessionEventsFrom returns events with seq > afterSeq in order.
func (s *Store) ListSessionEventsFrom(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]protocol.SessionEvent, error) {
	if limit <= 0 || limit > maxSessionEventPage {
		limit = maxSessionEventPage
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT org_id, session_id, seq, event_type, level, request_id, payload_json, created_at
		FROM session_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	return scanSessionEvents(rows)
}

// ListSessionEventsTail returns the last limit events in ascending order.
func (s *Store) ListSessionEventsTail(ctx context.Context, sessionID string, limit int) ([]protocol.SessionEvent, error) {
	if limit <= 0 || limit > maxSessionEventPage {
		limit = maxSessionEventPage
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT org_id, session_id, seq, event_type, level, request_id, payload_json, created_at
		FROM session_events
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session tail: %w", err)
	}
	out, err := scanSessionEvents(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// SessionEventBounds returns the lowest and highest stored seq.
func (s *Store) SessionEventBounds(ctx context.Context, sessionID string) (minSeq, maxSeq int64, err error) {
	var lo, hi sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(seq), MAX(seq) FROM session_events WHERE session_id = ?;
	`, sessionID).Scan(&lo, &hi); err != nil {
		return 0, 0, fmt.Errorf("session event bounds: %w", err)
	}
	return lo.Int64, hi.Int64, nil
}

func scanSessionEvents(rows *sql.Rows) ([]protocol.SessionEvent, error) {
	defer rows.Close()
	var out []protocol.SessionEvent
	for rows.Next() {
		var (
			ev      protocol.SessionEvent
			payload string
		)
		if err := rows.Scan(&ev.OrgID, &ev.SessionID, &ev.Seq, &ev.Type, &ev.Level, &ev.RequestID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session event rows: %w", err)
	}
	return out, nil
}

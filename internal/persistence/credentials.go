package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/google/uuid"
)

// HashToken returns the stored form of a worker bearer credential.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewWorkerToken generates an opaque bearer credential.
func NewWorkerToken() string {
	return "gdw_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// IssueWorkerCredential creates or rotates the credential for a worker and
// returns the plaintext token. Only its hash is stored.
func (s *Store) IssueWorkerCredential(ctx context.Context, orgID, workerID string, labels protocol.Labels) (string, error) {
	if strings.TrimSpace(orgID) == "" || strings.TrimSpace(workerID) == "" {
		return "", fmt.Errorf("org id and worker id required")
	}
	tags, groups, err := encodeLabels(labels)
	if err != nil {
		return "", err
	}
	token := NewWorkerToken()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO worker_credentials (org_id, worker_id, token_hash, tags_json, groups_json, pool, revoked, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(org_id, worker_id) DO UPDATE SET
				token_hash = excluded.token_hash,
				tags_json = excluded.tags_json,
				groups_json = excluded.groups_json,
				pool = excluded.pool,
				revoked = 0,
				revoked_at = NULL,
				updated_at = CURRENT_TIMESTAMP;
		`, orgID, workerID, HashToken(token), tags, groups, labels.Pool)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("issue worker credential: %w", err)
	}
	return token, nil
}

// LookupCredential resolves a token hash to its authorization record.
// Revoked records are returned with Revoked set; callers decide.
func (s *Store) LookupCredential(ctx context.Context, tokenHash string) (protocol.WorkerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT org_id, worker_id, tags_json, groups_json, pool, revoked, last_seen_at
		FROM worker_credentials
		WHERE token_hash = ?;
	`, tokenHash)
	rec, err := scanWorkerRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.WorkerRecord{}, ErrNotFound
	}
	if err != nil {
		return protocol.WorkerRecord{}, fmt.Errorf("lookup credential: %w", err)
	}
	return rec, nil
}

// WorkerRecord returns the current authorization record for one worker.
func (s *Store) WorkerRecord(ctx context.Context, orgID, workerID string) (protocol.WorkerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT org_id, worker_id, tags_json, groups_json, pool, revoked, last_seen_at
		FROM worker_credentials
		WHERE org_id = ? AND worker_id = ?;
	`, orgID, workerID)
	rec, err := scanWorkerRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.WorkerRecord{}, ErrNotFound
	}
	if err != nil {
		return protocol.WorkerRecord{}, fmt.Errorf("worker record: %w", err)
	}
	return rec, nil
}

// ListWorkerRecords lists authorization records, optionally for one org.
func (s *Store) ListWorkerRecords(ctx context.Context, orgID string) ([]protocol.WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT org_id, worker_id, tags_json, groups_json, pool, revoked, last_seen_at
		FROM worker_credentials
		WHERE ? = '' OR org_id = ?
		ORDER BY org_id, worker_id;
	`, orgID, orgID)
	if err != nil {
		return nil, fmt.Errorf("list worker records: %w", err)
	}
	defer rows.Close()

	var out []protocol.WorkerRecord
	for rows.Next() {
		rec, err := scanWorkerRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan worker record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker record rows: %w", err)
	}
	return out, nil
}

// SetWorkerLabels replaces the authoritative labels of a worker.
func (s *Store) SetWorkerLabels(ctx context.Context, orgID, workerID string, labels protocol.Labels) error {
	tags, groups, err := encodeLabels(labels)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_credentials
		SET tags_json = ?, groups_json = ?, pool = ?, updated_at = CURRENT_TIMESTAMP
		WHERE org_id = ? AND worker_id = ?;
	`, tags, groups, labels.Pool, orgID, workerID)
	if err != nil {
		return fmt.Errorf("set worker labels: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeWorker marks a credential revoked. It reports whether a live
// credential was revoked.
func (s *Store) RevokeWorker(ctx context.Context, orgID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_credentials
		SET revoked = 1, revoked_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE org_id = ? AND worker_id = ? AND revoked = 0;
	`, orgID, workerID)
	if err != nil {
		return false, fmt.Errorf("revoke worker: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchWorker records the last heartbeat time on the authorization record.
func (s *Store) TouchWorker(ctx context.Context, orgID, workerID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE worker_credentials SET last_seen_at = ? WHERE org_id = ? AND worker_id = ?;
	`, at.UTC(), orgID, workerID); err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	return nil
}

func encodeLabels(labels protocol.Labels) (tags, groups string, err error) {
	tagsJSON, err := json.Marshal(nonNil(labels.Tags))
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	groupsJSON, err := json.Marshal(nonNil(labels.Groups))
	if err != nil {
		return "", "", fmt.Errorf("encode groups: %w", err)
	}
	return string(tagsJSON), string(groupsJSON), nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func scanWorkerRecord(scanFn func(dest ...any) error) (protocol.WorkerRecord, error) {
	var (
		rec      protocol.WorkerRecord
		tags     string
		groups   string
		revoked  int
		lastSeen sql.NullTime
	)
	if err := scanFn(&rec.OrgID, &rec.WorkerID, &tags, &groups, &rec.Labels.Pool, &revoked, &lastSeen); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(tags), &rec.Labels.Tags); err != nil {
		return rec, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(groups), &rec.Labels.Groups); err != nil {
		return rec, fmt.Errorf("decode groups: %w", err)
	}
	rec.Revoked = revoked != 0
	if lastSeen.Valid {
		rec.LastSeenAt = lastSeen.Time
	}
	return rec, nil
}

package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	ContinuationPending   = "PENDING"
	ContinuationDelivered = "DELIVERED"
)

// ContinuationRecord is one queued continuation job.
type ContinuationRecord struct {
	JobID       string     `json:"job_id"`
	Kind        string     `json:"kind"`
	RequestID   string     `json:"request_id"`
	OrgID       string     `json:"org_id"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// EnqueueContinuation inserts a job unless one with the same id exists. It
// reports whether the job was new.
func (s *Store) EnqueueContinuation(ctx context.Context, jobID, kind, requestID, orgID string, payload []byte) (bool, error) {
	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO continuation_jobs (job_id, kind, request_id, org_id, payload_json, status, created_at)
			VALUES (?, ?, ?, ?, ?, 'PENDING', ?);
		`, jobID, kind, requestID, orgID, string(payload), time.Now().UTC())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("enqueue continuation: %w", err)
	}
	return inserted, nil
}

// ListContinuations returns jobs in creation order, optionally filtered by
// status.
func (s *Store) ListContinuations(ctx context.Context, status string, limit int) ([]ContinuationRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, kind, request_id, org_id, payload_json, status, created_at, delivered_at
		FROM continuation_jobs
		WHERE ? = '' OR status = ?
		ORDER BY created_at ASC, job_id ASC
		LIMIT ?;
	`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list continuations: %w", err)
	}
	defer rows.Close()

	var out []ContinuationRecord
	for rows.Next() {
		var (
			rec       ContinuationRecord
			delivered sql.NullTime
		)
		if err := rows.Scan(&rec.JobID, &rec.Kind, &rec.RequestID, &rec.OrgID, &rec.Payload, &rec.Status, &rec.CreatedAt, &delivered); err != nil {
			return nil, fmt.Errorf("scan continuation: %w", err)
		}
		if delivered.Valid {
			t := delivered.Time
			rec.DeliveredAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("continuation rows: %w", err)
	}
	return out, nil
}

// MarkContinuationDelivered is called by the consumer once a job has been
// applied to its owning record.
func (s *Store) MarkContinuationDelivered(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE continuation_jobs SET status = 'DELIVERED', delivered_at = ?
		WHERE job_id = ? AND status = 'PENDING';
	`, time.Now().UTC(), jobID)
	if err != nil {
		return false, fmt.Errorf("mark continuation delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedSessionEvents int64 `json:"purged_session_events"`
	PurgedContinuations int64 `json:"purged_continuations"`
	PurgedAuditLogs     int64 `json:"purged_audit_logs"`
	PurgedCacheEntries  int64 `json:"purged_cache_entries"`
}

// RetentionPolicy holds retention windows in days. Zero keeps forever.
type RetentionPolicy struct {
	SessionEventDays int
	ContinuationDays int
	AuditLogDays     int
}

// RunRetention deletes records older than the configured windows plus every
// expired cache row. Pending continuation jobs are never purged. The job is
// idempotent.
func (s *Store) RunRetention(ctx context.Context, policy RetentionPolicy, now time.Time) (RetentionResult, error) {
	var result RetentionResult
	now = now.UTC()

	if policy.SessionEventDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.SessionEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM session_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge session_events: %w", err)
		}
		result.PurgedSessionEvents, _ = res.RowsAffected()
	}

	if policy.ContinuationDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.ContinuationDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM continuation_jobs WHERE status = 'DELIVERED' AND created_at < ?;
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge continuation_jobs: %w", err)
		}
		result.PurgedContinuations, _ = res.RowsAffected()
	}

	if policy.AuditLogDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.AuditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	purged, err := s.PurgeExpiredCache(ctx, now)
	if err != nil {
		return result, err
	}
	result.PurgedCacheEntries = purged
	return result, nil
}

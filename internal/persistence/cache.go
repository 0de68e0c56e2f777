package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheGet returns an unexpired value from the result cache.
func (s *Store) CacheGet(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM result_cache WHERE key = ? AND expires_at > ?;
	`, key, now.UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return value, true, nil
}

// CacheSetNX stores value unless an unexpired entry exists for key. It
// reports whether this call wrote the entry.
func (s *Store) CacheSetNX(ctx context.Context, key string, value []byte, expiresAt, now time.Time) (bool, error) {
	var stored bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO result_cache (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
			WHERE result_cache.expires_at <= ?;
		`, key, value, expiresAt.UnixMilli(), now.UnixMilli())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		stored = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cache set: %w", err)
	}
	return stored, nil
}

// PurgeExpiredCache deletes expired result cache rows.
func (s *Store) PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM result_cache WHERE expires_at <= ?;`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge result_cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

package resultstore

import (
	"context"
	"time"

	"github.com/basket/go-dispatch/internal/persistence"
)

// SQLite stores results in the record store's result_cache table so every
// gateway process sharing the database file sees the same outcomes.
type SQLite struct {
	db  *persistence.Store
	now func() time.Time
}

func NewSQLite(db *persistence.Store) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.db.CacheGet(ctx, key, s.now())
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	return s.db.CacheSetNX(ctx, key, value, now.Add(ttl), now)
}

// Close is a no-op; the record store is owned by the caller.
func (s *SQLite) Close() error { return nil }

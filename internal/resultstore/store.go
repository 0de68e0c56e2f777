// Package resultstore holds dispatch outcomes keyed by request id. Every
// backend is first-writer-wins: once a key is set it is never overwritten
// until it expires.
package resultstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/redis/go-redis/v9"
)

// Store is a TTL key/value store with set-if-absent semantics.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value only if key is absent or expired and reports whether
	// this call wrote it.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Close() error
}

const DefaultIOTimeout = 2 * time.Second

// Open builds a store from a backend URL: memory://, sqlite:// (the shared
// record store) or redis://host:port/db.
func Open(rawURL string, db *persistence.Store) (Store, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		rawURL = "memory://"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse results store url: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return NewMemory(time.Minute), nil
	case "sqlite":
		if db == nil {
			return nil, fmt.Errorf("sqlite results store requires an open record store")
		}
		return NewSQLite(db), nil
	case "redis", "rediss":
		q := u.Query()
		prefix := q.Get("prefix")
		q.Del("prefix")
		clean := *u
		clean.RawQuery = q.Encode()
		opts, err := redis.ParseURL(clean.String())
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return NewRedis(redis.NewClient(opts), prefix), nil
	default:
		return nil, fmt.Errorf("unsupported results store scheme %q", u.Scheme)
	}
}

type timeoutStore struct {
	inner   Store
	timeout time.Duration
}

// WithTimeout bounds every operation on s by d. The bound is detached from
// the caller's cancellation so that a write issued after a request deadline
// still completes.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		d = DefaultIOTimeout
	}
	return &timeoutStore{inner: s, timeout: d}
}

func (t *timeoutStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	return t.inner.Get(ctx, key)
}

func (t *timeoutStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	return t.inner.Set(ctx, key, value, ttl)
}

func (t *timeoutStore) Close() error { return t.inner.Close() }

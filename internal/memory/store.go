// Package memory is the worker-local fact store answered by memory-sync and
// memory-query frames.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultQueryLimit = 20
	maxQueryLimit     = 200
	// touchBoost is added to relevance each time an entry is returned.
	touchBoost = 0.05
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	key             TEXT PRIMARY KEY,
	content         TEXT NOT NULL,
	tags            TEXT NOT NULL DEFAULT '[]',
	relevance_score REAL NOT NULL DEFAULT 1.0,
	access_count    INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	last_accessed   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_rank ON memories(relevance_score DESC, updated_at DESC);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the memory database at path. ":memory:" is accepted
// for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create memory directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil && path != ":memory:" {
		_ = db.Close()
		return nil, fmt.Errorf("memory pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Sync upserts entries. An update resets relevance to 1.0. Entries without a
// key are skipped; the stored count is returned.
func (s *Store) Sync(ctx context.Context, entries []protocol.MemoryEntry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sync: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	stored := 0
	for _, e := range entries {
		key := strings.TrimSpace(e.Key)
		if key == "" {
			continue
		}
		tags, err := json.Marshal(nonNil(e.Tags))
		if err != nil {
			return 0, fmt.Errorf("encode tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memories (key, content, tags, relevance_score, access_count, created_at, updated_at, last_accessed)
			VALUES (?, ?, ?, 1.0, 0, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				content = excluded.content,
				tags = excluded.tags,
				relevance_score = 1.0,
				updated_at = excluded.updated_at,
				last_accessed = excluded.last_accessed;`,
			key, e.Content, string(tags), now, now, now); err != nil {
			return 0, fmt.Errorf("upsert %q: %w", key, err)
		}
		stored++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sync: %w", err)
	}
	return stored, nil
}

// Query returns entries whose key, content or tags contain query, most
// relevant first. An empty query returns the top entries. Returned entries
// get a small relevance boost.
func (s *Store) Query(ctx context.Context, query string, limit int) ([]protocol.MemoryEntry, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	like := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, content, tags FROM memories
		WHERE key LIKE ?1 ESCAPE '\' OR content LIKE ?1 ESCAPE '\' OR tags LIKE ?1 ESCAPE '\'
		ORDER BY relevance_score DESC, updated_at DESC
		LIMIT ?2;`, like, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	var out []protocol.MemoryEntry
	for rows.Next() {
		var e protocol.MemoryEntry
		var tags string
		if err := rows.Scan(&e.Key, &e.Content, &tags); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		_ = json.Unmarshal([]byte(tags), &e.Tags)
		out = append(out, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.touch(ctx, out)
	return out, nil
}

func (s *Store) touch(ctx context.Context, entries []protocol.MemoryEntry) {
	now := s.now().UnixMilli()
	for _, e := range entries {
		_, _ = s.db.ExecContext(ctx, `
			UPDATE memories
			SET access_count = access_count + 1,
			    last_accessed = ?,
			    relevance_score = MIN(1.0, relevance_score + ?)
			WHERE key = ?;`, now, touchBoost, e.Key)
	}
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

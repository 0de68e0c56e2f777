package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
)

const (
	resultKeyPrefix = "result:"
	metaKeyPrefix   = "meta:"
)

// Results stores typed ResultEntry and DispatchMeta records with one TTL.
// Keys are scoped by organization. DispatchMeta is also kept in a local
// memory layer so an orphan result can find its owner when the shared
// store missed the write.
type Results struct {
	store Store
	local *Memory
	ttl   time.Duration
}

func NewResults(store Store, ttl time.Duration) *Results {
	return &Results{store: store, local: NewMemory(time.Minute), ttl: ttl}
}

func (r *Results) TTL() time.Duration { return r.ttl }

// Close stops the local layer. The shared store belongs to the caller.
func (r *Results) Close() error { return r.local.Close() }

func resultKey(orgID, requestID string) string {
	return resultKeyPrefix + protocol.OrgRequestID(orgID, requestID)
}

func metaKey(orgID, requestID string) string {
	return metaKeyPrefix + protocol.OrgRequestID(orgID, requestID)
}

// PutEntry writes entry for orgID if no entry exists for its request id. It
// returns the canonical entry: the one written now or the one already
// stored.
func (r *Results) PutEntry(ctx context.Context, orgID string, entry protocol.ResultEntry) (protocol.ResultEntry, bool, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return entry, false, fmt.Errorf("encode result entry: %w", err)
	}
	stored, err := r.store.Set(ctx, resultKey(orgID, entry.RequestID), raw, r.ttl)
	if err != nil {
		return entry, false, err
	}
	if stored {
		return entry, true, nil
	}
	existing, ok, err := r.GetEntry(ctx, orgID, entry.RequestID)
	if err != nil {
		return entry, false, err
	}
	if !ok {
		// Expired between the two calls; the caller's entry stands.
		return entry, false, nil
	}
	return existing, false, nil
}

func (r *Results) GetEntry(ctx context.Context, orgID, requestID string) (protocol.ResultEntry, bool, error) {
	var entry protocol.ResultEntry
	ok, err := get(ctx, r.store, resultKey(orgID, requestID), &entry)
	return entry, ok, err
}

// PutMeta records DispatchMeta for an async dispatch in the local layer and
// the shared store. An existing record is kept. The error reports the
// shared write only.
func (r *Results) PutMeta(ctx context.Context, meta protocol.DispatchMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode dispatch meta: %w", err)
	}
	key := metaKey(meta.OrgID, meta.RequestID)
	_, _ = r.local.Set(ctx, key, raw, r.ttl)
	_, err = r.store.Set(ctx, key, raw, r.ttl)
	return err
}

// GetMeta reads the local layer first, then the shared store.
func (r *Results) GetMeta(ctx context.Context, orgID, requestID string) (protocol.DispatchMeta, bool, error) {
	var meta protocol.DispatchMeta
	key := metaKey(orgID, requestID)
	if ok, err := get(ctx, r.local, key, &meta); err == nil && ok {
		return meta, true, nil
	}
	ok, err := get(ctx, r.store, key, &meta)
	return meta, ok, err
}

func get(ctx context.Context, s Store, key string, dst any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

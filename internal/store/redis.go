package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soltybet/wager-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of the contract state. Writes go to the primary store and refresh
// the cache; state reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

const stateKey = "wager:state"

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveState(ctx context.Context, state *model.ContractState, intents []model.TransferIntent) error {
	if err := s.primary.SaveState(ctx, state, intents); err != nil {
		// A conflict means another writer moved ahead; drop our copy.
		s.rdb.Del(ctx, stateKey)
		return err
	}
	s.cacheJSON(ctx, stateKey, state)
	return nil
}

// The outbox is never cached: the dispatcher decides what to send from the
// pending list, so it must always come from the primary.

func (s *CachedStore) MarkTransferred(ctx context.Context, intentID string) error {
	return s.primary.MarkTransferred(ctx, intentID)
}

func (s *CachedStore) MarkFailed(ctx context.Context, intentID, reason string) (int, error) {
	return s.primary.MarkFailed(ctx, intentID, reason)
}

func (s *CachedStore) PendingTransfers(ctx context.Context) ([]model.PendingTransfer, error) {
	return s.primary.PendingTransfers(ctx)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadState(ctx context.Context) (*model.ContractState, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, stateKey).Bytes()
	if err == nil {
		st := model.NewContractState()
		if json.Unmarshal(data, st) == nil {
			return st, nil
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, stateKey, st)
	return st, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

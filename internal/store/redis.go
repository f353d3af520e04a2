package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fightbook/market-engine/internal/contest"
	"github.com/fightbook/market-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// the read-only lookup paths: contest records and book depth. The ledger
// path (orders, trades, positions, credits) is never cached — those
// reads must see transactional state.
//
// Mutations do not flow through this wrapper: engine passes run against
// transaction-bound stores. Callers that commit a change to a contest's
// trading state or its book invalidate the stale keys through the
// CacheInvalidator methods. Cache misses and Redis failures fall back to
// the primary store.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

// --- Read-through ---

func (s *CachedStore) GetContest(ctx context.Context, id string) (*contest.Contest, error) {
	data, err := s.rdb.Get(ctx, contestKey(id)).Bytes()
	if err == nil {
		var c contest.Contest
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.Store.GetContest(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, contestKey(id), data, s.ttl)
	}
	return c, nil
}

func (s *CachedStore) BookDepth(ctx context.Context, contestID string) ([]model.PriceLevel, error) {
	data, err := s.rdb.Get(ctx, depthKey(contestID)).Bytes()
	if err == nil {
		var levels []model.PriceLevel
		if json.Unmarshal(data, &levels) == nil {
			return levels, nil
		}
	}

	levels, err := s.Store.BookDepth(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(levels); err == nil {
		s.rdb.Set(ctx, depthKey(contestID), data, s.ttl)
	}
	return levels, nil
}

// --- Post-commit invalidation ---

func (s *CachedStore) InvalidateContest(ctx context.Context, contestID string) {
	s.rdb.Del(ctx, contestKey(contestID))
}

func (s *CachedStore) InvalidateDepth(ctx context.Context, contestID string) {
	s.rdb.Del(ctx, depthKey(contestID))
}

func contestKey(id string) string { return fmt.Sprintf("contest:%s", id) }
func depthKey(id string) string   { return fmt.Sprintf("depth:%s", id) }

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockfighter/battle-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the leaderboard and record lookups. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall back.
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

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveBattleRecord(ctx context.Context, rec *model.BattleRecord) error {
	if err := s.primary.SaveBattleRecord(ctx, rec); err != nil {
		return err
	}
	s.cacheRecord(ctx, rec)
	// New record may change any leaderboard page; drop them all.
	s.invalidateLeaderboards(ctx)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBattleRecord(ctx context.Context, id string) (*model.BattleRecord, error) {
	data, err := s.rdb.Get(ctx, recordKey(id)).Bytes()
	if err == nil {
		var rec model.BattleRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := s.primary.GetBattleRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheRecord(ctx, rec)
	return rec, nil
}

func (s *CachedStore) Leaderboard(ctx context.Context, limit int) ([]model.BattleRecord, error) {
	data, err := s.rdb.Get(ctx, leaderboardKey(limit)).Bytes()
	if err == nil {
		var records []model.BattleRecord
		if json.Unmarshal(data, &records) == nil {
			return records, nil
		}
	}

	records, err := s.primary.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(records); err == nil {
		s.rdb.Set(ctx, leaderboardKey(limit), data, s.ttl)
	}
	return records, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUserBattles(ctx context.Context, userID string) ([]model.BattleRecord, error) {
	return s.primary.ListUserBattles(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheRecord(ctx context.Context, rec *model.BattleRecord) {
	if data, err := json.Marshal(rec); err == nil {
		s.rdb.Set(ctx, recordKey(rec.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidateLeaderboards(ctx context.Context) {
	iter := s.rdb.Scan(ctx, 0, "leaderboard:*", 100).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
}

func recordKey(id string) string      { return fmt.Sprintf("battle:%s", id) }
func leaderboardKey(limit int) string { return fmt.Sprintf("leaderboard:%d", limit) }

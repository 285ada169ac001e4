package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stockfighter/battle-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.BattleRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.BattleRecord),
	}
}

func (s *MemoryStore) SaveBattleRecord(_ context.Context, rec *model.BattleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("battle record %s already exists", rec.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *rec
	s.records[rec.ID] = &copy
	return nil
}

func (s *MemoryStore) GetBattleRecord(_ context.Context, id string) (*model.BattleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("battle record %s not found", id)
	}
	copy := *rec
	return &copy, nil
}

func (s *MemoryStore) ListUserBattles(_ context.Context, userID string) ([]model.BattleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.BattleRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	return out, nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]model.BattleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.BattleRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReturnPercent.Equal(out[j].ReturnPercent) {
			return out[i].ReturnPercent.GreaterThan(out[j].ReturnPercent)
		}
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

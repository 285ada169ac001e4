// Package store defines the persistence interface for finished battles.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// leaderboard cache), and in-memory (for testing and dev). Battle sessions
// themselves live in memory; only completed records are persisted.
package store

import (
	"context"

	"github.com/stockfighter/battle-engine/internal/model"
)

// Store is the persistence interface for battle records, the leaderboard,
// and per-user battle history.
type Store interface {
	// SaveBattleRecord persists a completed battle. Records are immutable
	// once written.
	SaveBattleRecord(ctx context.Context, rec *model.BattleRecord) error

	// GetBattleRecord retrieves one record by battle ID.
	GetBattleRecord(ctx context.Context, id string) (*model.BattleRecord, error)

	// ListUserBattles returns a user's battle history, most recent first.
	ListUserBattles(ctx context.Context, userID string) ([]model.BattleRecord, error)

	// Leaderboard returns the top records by return percent.
	Leaderboard(ctx context.Context, limit int) ([]model.BattleRecord, error)
}

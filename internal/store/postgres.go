package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockfighter/battle-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveBattleRecord(ctx context.Context, rec *model.BattleRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO battle_records
		   (id, user_id, winner_id, user_won, return_percent, final_value, starting_cash, timeframe_days, goal_label, completed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		rec.ID, rec.UserID, string(rec.WinnerID), rec.UserWon,
		rec.ReturnPercent.String(), rec.FinalValue.String(), rec.StartingCash.String(),
		rec.TimeframeDays, rec.GoalLabel, rec.CompletedAt,
	)
	return err
}

const recordColumns = `id, user_id, winner_id, user_won,
       return_percent::TEXT, final_value::TEXT, starting_cash::TEXT,
       timeframe_days, goal_label, completed_at`

func (s *PostgresStore) GetBattleRecord(ctx context.Context, id string) (*model.BattleRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM battle_records WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("get battle record %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListUserBattles(ctx context.Context, userID string) ([]model.BattleRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM battle_records WHERE user_id = $1 ORDER BY completed_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]model.BattleRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM battle_records ORDER BY return_percent DESC, completed_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scannable) (*model.BattleRecord, error) {
	var rec model.BattleRecord
	var winner, returnS, finalS, startingS string

	if err := row.Scan(&rec.ID, &rec.UserID, &winner, &rec.UserWon,
		&returnS, &finalS, &startingS,
		&rec.TimeframeDays, &rec.GoalLabel, &rec.CompletedAt); err != nil {
		return nil, err
	}

	rec.WinnerID = model.Participant(winner)
	rec.ReturnPercent, _ = decimal.NewFromString(returnS)
	rec.FinalValue, _ = decimal.NewFromString(finalS)
	rec.StartingCash, _ = decimal.NewFromString(startingS)
	return &rec, nil
}

func scanRecords(rows pgx.Rows) ([]model.BattleRecord, error) {
	var records []model.BattleRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Package results computes the final standing of a battle: per-participant
// return and the winner. Evaluation is pure; persistence of the outcome is
// delegated to the caller as a fire-and-forget side effect.
package results

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockfighter/battle-engine/internal/ledger"
	"github.com/stockfighter/battle-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// returnScale is the number of decimal places for return_percent.
const returnScale int32 = 4

// Evaluate computes each participant's final value and percentage return and
// determines the winner by strictly highest return. Ties break by the fixed
// priority human > autonomousBot > roboAdvisor (the order of
// model.Participants).
func Evaluate(
	portfolios map[model.Participant]*model.Portfolio,
	instruments []model.Instrument,
	cfg model.BattleConfig,
	trends map[model.Participant][]model.TrendPoint,
) model.BattleResult {
	result := model.BattleResult{
		PerParticipant: make(map[model.Participant]model.ParticipantResult, len(portfolios)),
		Trends:         trends,
	}

	var bestReturn decimal.Decimal
	for _, id := range model.Participants {
		p, ok := portfolios[id]
		if !ok {
			continue
		}
		finalValue := ledger.TotalValue(p, instruments)
		returnPct := finalValue.Sub(cfg.StartingCash).
			Div(cfg.StartingCash).
			Mul(hundred).
			Round(returnScale)

		result.PerParticipant[id] = model.ParticipantResult{
			FinalValue:    finalValue,
			ReturnPercent: returnPct,
			StrategyLabel: p.StrategyLabel,
		}

		// Strictly-greater comparison: earlier participants win ties.
		if result.WinnerID == "" || returnPct.GreaterThan(bestReturn) {
			result.WinnerID = id
			bestReturn = returnPct
		}
	}
	return result
}

// Record converts a finished battle into its persisted form for the
// leaderboard and user history.
func Record(battleID, userID string, cfg model.BattleConfig, result model.BattleResult, completedAt time.Time) *model.BattleRecord {
	human := result.PerParticipant[model.ParticipantHuman]
	return &model.BattleRecord{
		ID:            battleID,
		UserID:        userID,
		WinnerID:      result.WinnerID,
		UserWon:       result.WinnerID == model.ParticipantHuman,
		ReturnPercent: human.ReturnPercent,
		FinalValue:    human.FinalValue,
		StartingCash:  cfg.StartingCash,
		TimeframeDays: cfg.TimeframeDays,
		GoalLabel:     cfg.GoalLabel,
		CompletedAt:   completedAt,
	}
}

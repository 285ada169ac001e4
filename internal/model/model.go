// Package model defines the core domain types shared across the battle engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Participant identifies one of the three battle contestants.
type Participant string

const (
	ParticipantHuman Participant = "human"
	ParticipantBot   Participant = "autonomousBot"
	ParticipantRobo  Participant = "roboAdvisor"
)

// Participants lists all contestants in canonical order. The order doubles
// as the tie-break priority for winner determination.
var Participants = []Participant{ParticipantHuman, ParticipantBot, ParticipantRobo}

// Phase is one state of the battle state machine. Exactly one phase is
// active at a time.
type Phase string

const (
	PhaseSetup       Phase = "setup"
	PhaseHuman       Phase = "human"
	PhaseAutonomous  Phase = "autonomous"
	PhaseRoboAdvisor Phase = "robo_advisor"
	PhaseResults     Phase = "results"
	PhaseComplete    Phase = "complete"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p == PhaseComplete }

// Owner returns the participant that may trade during this phase, or ""
// for phases with no trading window.
func (p Phase) Owner() Participant {
	switch p {
	case PhaseHuman:
		return ParticipantHuman
	case PhaseAutonomous:
		return ParticipantBot
	case PhaseRoboAdvisor:
		return ParticipantRobo
	default:
		return ""
	}
}

// Instrument is one tradable simulated stock. Price is mutated only by the
// market tick; ChangePercent is recomputed on every tick as
// (price - priorPrice) / priorPrice.
type Instrument struct {
	Symbol        string          `json:"symbol" db:"symbol"`
	Name          string          `json:"name" db:"name"`
	Sector        string          `json:"sector" db:"sector"`
	Price         decimal.Decimal `json:"price" db:"price"`
	PriorPrice    decimal.Decimal `json:"prior_price" db:"prior_price"`
	ChangePercent decimal.Decimal `json:"change_percent" db:"change_percent"`
}

// Portfolio is one participant's cash plus share holdings. Cash never goes
// negative and holdings never go negative; both invariants are enforced by
// the ledger, not here.
type Portfolio struct {
	Owner         Participant      `json:"owner"`
	Cash          decimal.Decimal  `json:"cash"`
	Holdings      map[string]int64 `json:"holdings"` // symbol → shares
	StartingValue decimal.Decimal  `json:"starting_value"`
	StrategyLabel string           `json:"strategy_label,omitempty"`
}

// NewPortfolio creates an empty portfolio funded with startingCash.
func NewPortfolio(owner Participant, startingCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		Owner:         owner,
		Cash:          startingCash,
		Holdings:      make(map[string]int64),
		StartingValue: startingCash,
	}
}

// Clone returns a deep copy. Sessions hand copies to readers so a snapshot
// can never alias live state.
func (p *Portfolio) Clone() *Portfolio {
	cp := *p
	cp.Holdings = make(map[string]int64, len(p.Holdings))
	for sym, shares := range p.Holdings {
		cp.Holdings[sym] = shares
	}
	return &cp
}

// TradeSide is the direction of a trade intent.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeIntent is a request to buy or sell shares, produced either by a
// policy's decision function or directly from a user command.
type TradeIntent struct {
	Owner  Participant `json:"owner"`
	Symbol string      `json:"symbol"`
	Side   TradeSide   `json:"side"`
	Shares int64       `json:"shares"`
}

// BattleConfig is immutable for the duration of one battle.
type BattleConfig struct {
	TimeframeDays  int             `json:"timeframe_days"`
	StartingCash   decimal.Decimal `json:"starting_cash"`
	GoalLabel      string          `json:"goal_label,omitempty"`
	GoalCostTarget decimal.Decimal `json:"goal_cost_target,omitempty"`
}

// TrendPoint is one day of a participant's portfolio value history.
type TrendPoint struct {
	Day   int             `json:"day"`
	Value decimal.Decimal `json:"value"`
}

// ParticipantResult is one contestant's final standing.
type ParticipantResult struct {
	FinalValue    decimal.Decimal `json:"final_value"`
	ReturnPercent decimal.Decimal `json:"return_percent"`
	StrategyLabel string          `json:"strategy_label,omitempty"`
}

// BattleResult is computed once at the transition into the Results phase and
// never mutated afterward.
type BattleResult struct {
	PerParticipant map[Participant]ParticipantResult `json:"per_participant"`
	WinnerID       Participant                       `json:"winner_id"`
	Trends         map[Participant][]TrendPoint      `json:"trends"`
}

// BattleRecord is the persisted form of a finished battle, used for
// leaderboards and per-user history.
type BattleRecord struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	WinnerID      Participant     `json:"winner_id" db:"winner_id"`
	UserWon       bool            `json:"user_won" db:"user_won"`
	ReturnPercent decimal.Decimal `json:"return_percent" db:"return_percent"`
	FinalValue    decimal.Decimal `json:"final_value" db:"final_value"`
	StartingCash  decimal.Decimal `json:"starting_cash" db:"starting_cash"`
	TimeframeDays int             `json:"timeframe_days" db:"timeframe_days"`
	GoalLabel     string          `json:"goal_label,omitempty" db:"goal_label"`
	CompletedAt   time.Time       `json:"completed_at" db:"completed_at"`
}

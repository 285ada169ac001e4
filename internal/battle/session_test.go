package battle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockfighter/battle-engine/internal/advisor"
	"github.com/stockfighter/battle-engine/internal/battle"
	"github.com/stockfighter/battle-engine/internal/market"
	"github.com/stockfighter/battle-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// testOptions builds a deterministic manually-stepped session config.
func testOptions(days int) battle.Options {
	return battle.Options{
		Config: model.BattleConfig{
			TimeframeDays: days,
			StartingCash:  d(10000),
		},
		Instruments: []market.InstrumentDef{
			{Symbol: "TECH", Name: "TechNova Inc", Sector: "technology", StartPrice: d(100)},
			{Symbol: "HLTH", Name: "Helix Health", Sector: "healthcare", StartPrice: d(80)},
		},
		Seed:        42,
		DayInterval: 0, // manual stepping
	}
}

func newTestSession(t *testing.T, days int) *battle.Session {
	t.Helper()
	s := battle.NewSession("battle-test", "user-1", testOptions(days))
	t.Cleanup(s.Stop)
	return s
}

// waitForPhase polls until the session reaches the phase or the deadline
// passes; the robo-advisor phase resolves on a goroutine.
func waitForPhase(t *testing.T, s *battle.Session, want model.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %s, stuck at %s", want, s.Phase())
}

func TestSession_StartsInSetup(t *testing.T) {
	s := newTestSession(t, 5)

	if got := s.Phase(); got != model.PhaseSetup {
		t.Errorf("new session phase: want setup, got %s", got)
	}
	for _, id := range model.Participants {
		p := s.Portfolio(id)
		if !p.Cash.Equal(d(10000)) {
			t.Errorf("%s cash: want 10000, got %s", id, p.Cash)
		}
		if len(p.Holdings) != 0 {
			t.Errorf("%s should start with no holdings", id)
		}
	}
}

func TestSession_StartEntersHumanPhase(t *testing.T) {
	s := newTestSession(t, 5)

	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := s.Phase(); got != model.PhaseHuman {
		t.Errorf("phase after start: want human, got %s", got)
	}
	if err := s.Start(); !errors.Is(err, battle.ErrPhaseInactive) {
		t.Errorf("second start: want ErrPhaseInactive, got %v", err)
	}
}

func TestSession_TradeBeforeStartRejected(t *testing.T) {
	s := newTestSession(t, 5)

	err := s.SubmitTrade(model.TradeIntent{Symbol: "TECH", Side: model.SideBuy, Shares: 1})
	if !errors.Is(err, battle.ErrPhaseInactive) {
		t.Errorf("want ErrPhaseInactive, got %v", err)
	}
}

func TestSession_HumanTradeFlow(t *testing.T) {
	s := newTestSession(t, 30)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	// Buy 10 TECH at the 100 start price.
	err := s.SubmitTrade(model.TradeIntent{Symbol: "TECH", Side: model.SideBuy, Shares: 10})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	p := s.Portfolio(model.ParticipantHuman)
	if !p.Cash.Equal(d(9000)) {
		t.Errorf("cash after buy: want 9000, got %s", p.Cash)
	}
	if p.Holdings["TECH"] != 10 {
		t.Errorf("holdings after buy: want 10, got %d", p.Holdings["TECH"])
	}

	// Total value right after the buy equals starting cash.
	if tv := s.TotalValue(model.ParticipantHuman); !tv.Equal(d(10000)) {
		t.Errorf("total value after buy at constant price: want 10000, got %s", tv)
	}
}

func TestSession_TradeForOtherParticipantRejected(t *testing.T) {
	s := newTestSession(t, 30)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	err := s.SubmitTrade(model.TradeIntent{
		Owner:  model.ParticipantBot,
		Symbol: "TECH",
		Side:   model.SideBuy,
		Shares: 1,
	})
	if !errors.Is(err, battle.ErrWrongParticipant) {
		t.Errorf("want ErrWrongParticipant, got %v", err)
	}
	if p := s.Portfolio(model.ParticipantBot); len(p.Holdings) != 0 {
		t.Error("bot portfolio must be untouched by rejected intent")
	}
}

func TestSession_CountdownAdvancesPhase(t *testing.T) {
	s := newTestSession(t, 3)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if got := s.Phase(); got != model.PhaseHuman {
			t.Fatalf("step %d: want human phase, got %s", i, got)
		}
		s.StepDay()
	}

	if got := s.Phase(); got != model.PhaseAutonomous {
		t.Errorf("after countdown: want autonomous, got %s", got)
	}
}

func TestSession_TradeAfterCountdownRejected(t *testing.T) {
	s := newTestSession(t, 1)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.StepDay() // countdown hits zero, phase advances

	err := s.SubmitTrade(model.TradeIntent{Symbol: "TECH", Side: model.SideBuy, Shares: 1})
	if !errors.Is(err, battle.ErrPhaseInactive) {
		t.Errorf("trade after human phase ended: want ErrPhaseInactive, got %v", err)
	}
}

func TestSession_ProceedEndsPhaseEarly(t *testing.T) {
	s := newTestSession(t, 30)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	if err := s.Proceed(); err != nil {
		t.Fatalf("proceed failed: %v", err)
	}
	if got := s.Phase(); got != model.PhaseAutonomous {
		t.Errorf("after proceed: want autonomous, got %s", got)
	}
}

func TestSession_HumanPortfolioFrozenAfterHandoff(t *testing.T) {
	s := newTestSession(t, 30)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.SubmitTrade(model.TradeIntent{Symbol: "TECH", Side: model.SideBuy, Shares: 5}); err != nil {
		t.Fatal(err)
	}
	before := s.Portfolio(model.ParticipantHuman)

	if err := s.Proceed(); err != nil {
		t.Fatal(err)
	}
	// Run bot days; only the bot's portfolio may change.
	for i := 0; i < 9; i++ {
		s.StepDay()
	}

	after := s.Portfolio(model.ParticipantHuman)
	if !after.Cash.Equal(before.Cash) {
		t.Errorf("human cash changed during autonomous phase: %s → %s", before.Cash, after.Cash)
	}
	if after.Holdings["TECH"] != before.Holdings["TECH"] {
		t.Errorf("human holdings changed during autonomous phase")
	}
}

func TestSession_FullBattleWithFallbackProjection(t *testing.T) {
	s := newTestSession(t, 2)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.StepDay()
	s.StepDay() // human phase ends
	waitForPhase(t, s, model.PhaseAutonomous)
	s.StepDay()
	s.StepDay() // autonomous phase ends, robo resolution kicks off
	waitForPhase(t, s, model.PhaseResults)

	result, err := s.Result()
	if err != nil {
		t.Fatalf("result not ready: %v", err)
	}
	if len(result.PerParticipant) != 3 {
		t.Errorf("want 3 participant results, got %d", len(result.PerParticipant))
	}
	if result.WinnerID == "" {
		t.Error("winner must be determined")
	}

	// No simulator configured: the robo-advisor takes the fallback path.
	robo := result.PerParticipant[model.ParticipantRobo]
	if robo.StrategyLabel != advisor.StrategyFallback {
		t.Errorf("robo strategy: want %q, got %q", advisor.StrategyFallback, robo.StrategyLabel)
	}
	minFinal := d(10000).Mul(d(1 + advisor.FallbackGrowthMin))
	maxFinal := d(10000).Mul(d(1 + advisor.FallbackGrowthMax))
	if robo.FinalValue.LessThan(minFinal) || robo.FinalValue.GreaterThan(maxFinal) {
		t.Errorf("robo final value %s outside fallback band [%s, %s]",
			robo.FinalValue, minFinal, maxFinal)
	}
	if len(result.Trends[model.ParticipantRobo]) != 2 {
		t.Errorf("robo trend should cover the 2-day timeframe, got %d points",
			len(result.Trends[model.ParticipantRobo]))
	}
}

// fixedSimulator returns a canned projection.
type fixedSimulator struct {
	proj advisor.Projection
	err  error
}

func (f *fixedSimulator) Simulate(context.Context, int, decimal.Decimal) (advisor.Projection, error) {
	return f.proj, f.err
}

func TestSession_ExternalProjectionApplied(t *testing.T) {
	opts := testOptions(2)
	opts.Simulator = &fixedSimulator{proj: advisor.Projection{
		FinalValue: d(11000),
		Strategy:   "balanced-index",
	}}
	s := battle.NewSession("battle-sim", "user-1", opts)
	t.Cleanup(s.Stop)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Proceed()
	s.Proceed()
	waitForPhase(t, s, model.PhaseResults)

	result, err := s.Result()
	if err != nil {
		t.Fatal(err)
	}
	robo := result.PerParticipant[model.ParticipantRobo]
	if !robo.FinalValue.Equal(d(11000)) {
		t.Errorf("robo final value: want 11000, got %s", robo.FinalValue)
	}
	if robo.StrategyLabel != "balanced-index" {
		t.Errorf("robo strategy: want balanced-index, got %q", robo.StrategyLabel)
	}
	// Trend was absent from the projection, so one is synthesized.
	if len(result.Trends[model.ParticipantRobo]) == 0 {
		t.Error("missing trend should be synthesized")
	}
}

func TestSession_SimulatorFailureFallsBack(t *testing.T) {
	opts := testOptions(1)
	opts.Simulator = &fixedSimulator{err: advisor.ErrSimulationUnavailable}
	s := battle.NewSession("battle-fb", "user-1", opts)
	t.Cleanup(s.Stop)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Proceed()
	s.Proceed()
	waitForPhase(t, s, model.PhaseResults)

	result, err := s.Result()
	if err != nil {
		t.Fatal(err)
	}
	if got := result.PerParticipant[model.ParticipantRobo].StrategyLabel; got != advisor.StrategyFallback {
		t.Errorf("failed simulation must fall back: want %q, got %q", advisor.StrategyFallback, got)
	}
}

func TestSession_ResultsBeforeReady(t *testing.T) {
	s := newTestSession(t, 30)
	if _, err := s.Result(); !errors.Is(err, battle.ErrResultsNotReady) {
		t.Errorf("want ErrResultsNotReady, got %v", err)
	}
}

func TestSession_CompleteProducesRecord(t *testing.T) {
	s := newTestSession(t, 1)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Proceed()
	s.Proceed()
	waitForPhase(t, s, model.PhaseResults)

	record, err := s.Complete()
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if record.ID != "battle-test" || record.UserID != "user-1" {
		t.Errorf("record identity wrong: %+v", record)
	}
	if !record.StartingCash.Equal(d(10000)) {
		t.Errorf("record starting cash: want 10000, got %s", record.StartingCash)
	}
	if got := s.Phase(); got != model.PhaseComplete {
		t.Errorf("phase after complete: want complete, got %s", got)
	}

	if _, err := s.Complete(); !errors.Is(err, battle.ErrPhaseInactive) {
		t.Errorf("second complete: want ErrPhaseInactive, got %v", err)
	}
}

func TestSession_CompleteBeforeResultsRejected(t *testing.T) {
	s := newTestSession(t, 30)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Complete(); !errors.Is(err, battle.ErrPhaseInactive) {
		t.Errorf("want ErrPhaseInactive, got %v", err)
	}
}

func TestSession_SnapshotIsDeepCopy(t *testing.T) {
	s := newTestSession(t, 30)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	snap.Portfolios[model.ParticipantHuman].Cash = d(1)
	snap.Portfolios[model.ParticipantHuman].Holdings["TECH"] = 999

	p := s.Portfolio(model.ParticipantHuman)
	if !p.Cash.Equal(d(10000)) {
		t.Error("mutating a snapshot portfolio must not touch live state")
	}
	if p.Holdings["TECH"] != 0 {
		t.Error("mutating snapshot holdings must not touch live state")
	}
}

func TestSession_TrendsRecordedPerActivePhase(t *testing.T) {
	s := newTestSession(t, 2)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.StepDay()
	s.StepDay()
	waitForPhase(t, s, model.PhaseAutonomous)
	s.StepDay()
	s.StepDay()
	waitForPhase(t, s, model.PhaseResults)

	result, err := s.Result()
	if err != nil {
		t.Fatal(err)
	}
	if got := len(result.Trends[model.ParticipantHuman]); got != 2 {
		t.Errorf("human trend: want 2 points, got %d", got)
	}
	if got := len(result.Trends[model.ParticipantBot]); got != 2 {
		t.Errorf("bot trend: want 2 points, got %d", got)
	}
	for i, pt := range result.Trends[model.ParticipantHuman] {
		if pt.Day != i+1 {
			t.Errorf("trend days must restart at 1 per phase: index %d has day %d", i, pt.Day)
		}
	}
}

func TestSession_StopIdempotent(t *testing.T) {
	opts := testOptions(30)
	opts.DayInterval = 10 * time.Millisecond
	s := battle.NewSession("battle-loop", "user-1", opts)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(35 * time.Millisecond)

	s.Stop()
	s.Stop() // second stop must not panic or hang

	snap := s.Snapshot()
	if snap.Day == 0 {
		t.Error("step loop should have advanced at least one day before stop")
	}
}

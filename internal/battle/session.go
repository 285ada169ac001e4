// Package battle implements the round-based three-way trading battle: the
// phase state machine, the per-session step loop that drives market ticks,
// bot decisions, and the countdown in one ordered step, and the session
// manager with an explicit create/destroy lifecycle.
package battle

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockfighter/battle-engine/internal/advisor"
	"github.com/stockfighter/battle-engine/internal/ledger"
	"github.com/stockfighter/battle-engine/internal/market"
	"github.com/stockfighter/battle-engine/internal/metrics"
	"github.com/stockfighter/battle-engine/internal/model"
	"github.com/stockfighter/battle-engine/internal/narrative"
	"github.com/stockfighter/battle-engine/internal/policy"
	"github.com/stockfighter/battle-engine/internal/results"
)

var (
	// ErrPhaseInactive is returned for any command that does not match the
	// currently active phase, including trades arriving after the phase's
	// countdown reached zero.
	ErrPhaseInactive = errors.New("battle: phase not active for this command")

	// ErrWrongParticipant is returned when a trade intent targets a
	// portfolio other than the active phase owner's.
	ErrWrongParticipant = errors.New("battle: trade targets a non-active participant")

	// ErrResultsNotReady is returned when results are requested before the
	// battle has reached the Results phase.
	ErrResultsNotReady = errors.New("battle: results not ready")
)

// Narrator is the optional LLM collaborator that produces market events.
type Narrator interface {
	MarketEvent(ctx context.Context, snapshot []model.Instrument) (*narrative.MarketEvent, error)
}

// Event is pushed to the broadcast hook on every observable state change.
type Event struct {
	Type        string              `json:"type"`
	BattleID    string              `json:"battle_id"`
	Phase       model.Phase         `json:"phase"`
	Day         int                 `json:"day,omitempty"`
	Instruments []model.Instrument  `json:"instruments,omitempty"`
	Intent      *model.TradeIntent  `json:"intent,omitempty"`
	Headline    string              `json:"headline,omitempty"`
	Result      *model.BattleResult `json:"result,omitempty"`
}

// Event types sent through the broadcast hook.
const (
	EventPhaseChanged    = "phase_changed"
	EventMarketTick      = "market_tick"
	EventTradeExecuted   = "trade_executed"
	EventMarketEvent     = "market_event"
	EventBattleCompleted = "battle_completed"
)

// Options configures one battle session.
type Options struct {
	Config      model.BattleConfig
	Instruments []market.InstrumentDef // empty → market.DefaultUniverse
	Seed        int64                  // 0 → time-based seed
	DayInterval time.Duration          // real time per simulated day; 0 → manual stepping only
	BotEvery    int                    // simulated days between bot decisions; default 3
	EventEvery  int                    // days between narrative events; 0 → off
	Simulator   advisor.Simulator      // nil → fallback growth formula only
	Narrator    Narrator               // nil → no market events
}

// Session is one battle. All state mutations are serialized through mu and
// applied in a fixed order inside stepDay, so the bot can never decide
// against a price the market tick is about to replace.
type Session struct {
	ID     string
	UserID string

	mu         sync.Mutex
	cfg        model.BattleConfig
	phase      model.Phase
	market     *market.Model
	portfolios map[model.Participant]*model.Portfolio
	trends     map[model.Participant][]model.TrendPoint
	rng        *rand.Rand

	day           int // simulated day within the current phase
	remainingDays int // countdown; trading gates off at zero

	bot        *policy.Bot
	botEvery   int
	eventEvery int
	sim        advisor.Simulator
	narrator   Narrator

	dayInterval time.Duration
	stop        chan struct{}
	loopDone    chan struct{}

	roboPending bool
	result      *model.BattleResult

	createdAt  time.Time
	lastActive time.Time

	// notify receives events for WebSocket fanout; must not block.
	notify func(Event)
}

// NewSession creates a battle in the Setup phase with randomized instrument
// prices and freshly funded portfolios.
func NewSession(id, userID string, opts Options) *Session {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	defs := opts.Instruments
	if len(defs) == 0 {
		defs = market.DefaultUniverse
	}
	botEvery := opts.BotEvery
	if botEvery <= 0 {
		botEvery = 3
	}

	now := time.Now().UTC()
	s := &Session{
		ID:          id,
		UserID:      userID,
		cfg:         opts.Config,
		phase:       model.PhaseSetup,
		market:      market.New(defs, rng),
		portfolios:  make(map[model.Participant]*model.Portfolio, len(model.Participants)),
		trends:      make(map[model.Participant][]model.TrendPoint),
		rng:         rng,
		bot:         policy.NewBot(),
		botEvery:    botEvery,
		eventEvery:  opts.EventEvery,
		sim:         opts.Simulator,
		narrator:    opts.Narrator,
		dayInterval: opts.DayInterval,
		stop:        make(chan struct{}),
		createdAt:   now,
		lastActive:  now,
		notify:      func(Event) {},
	}
	for _, id := range model.Participants {
		s.portfolios[id] = model.NewPortfolio(id, opts.Config.StartingCash)
	}
	return s
}

// SetNotify installs the event broadcast hook. The hook is invoked with the
// session lock held and must not block.
func (s *Session) SetNotify(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.notify = fn
	}
}

// Start transitions Setup → Human and, when a day interval is configured,
// launches the step loop. The loop is the only writer of market prices.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != model.PhaseSetup {
		return ErrPhaseInactive
	}
	s.enterPhase(model.PhaseHuman)

	if s.dayInterval > 0 {
		s.loopDone = make(chan struct{})
		go s.runLoop()
	}
	return nil
}

// runLoop fires one ordered step per day interval until stopped.
func (s *Session) runLoop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.dayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.StepDay()
		}
	}
}

// StepDay advances the battle one simulated day. Order within a step is
// fixed: market tick, then bot decision, then countdown. Outside the two
// trading phases a step is a no-op, so a live ticker is harmless while the
// robo-advisor call is pending.
func (s *Session) StepDay() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != model.PhaseHuman && s.phase != model.PhaseAutonomous {
		return
	}

	s.day++
	instruments := s.market.Tick()
	s.notify(Event{Type: EventMarketTick, BattleID: s.ID, Phase: s.phase, Day: s.day, Instruments: instruments})

	if s.narrator != nil && s.eventEvery > 0 && s.day%s.eventEvery == 0 {
		s.applyNarrativeEvent(instruments)
		instruments = s.market.Snapshot()
	}

	if s.phase == model.PhaseAutonomous && s.day%s.botEvery == 0 {
		s.runBotDecision(instruments)
	}

	owner := s.phase.Owner()
	value := ledger.TotalValue(s.portfolios[owner], s.market.Snapshot())
	s.trends[owner] = append(s.trends[owner], model.TrendPoint{Day: s.day, Value: value})

	s.remainingDays--
	if s.remainingDays <= 0 {
		s.advancePhase()
	}
}

// applyNarrativeEvent asks the narrator for a market event and applies its
// impact tag as a sector price multiplier. Failures are logged and ignored —
// narrative is flavor, never load-bearing.
func (s *Session) applyNarrativeEvent(instruments []model.Instrument) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ev, err := s.narrator.MarketEvent(ctx, instruments)
	if err != nil {
		slog.Warn("narrative event failed", "battle", s.ID, "err", err)
		return
	}
	if pct := ev.ImpactPct(); pct != 0 {
		s.market.ApplyImpact(ev.Sector, pct)
	}
	s.notify(Event{Type: EventMarketEvent, BattleID: s.ID, Phase: s.phase, Day: s.day, Headline: ev.Headline})
}

// runBotDecision executes the bot policy against the fresh snapshot. The
// bot writes only its own portfolio.
func (s *Session) runBotDecision(instruments []model.Instrument) {
	p := s.portfolios[model.ParticipantBot]
	for _, intent := range s.bot.Decide(instruments, p) {
		if err := s.executeIntent(intent); err != nil {
			// Decide budgets against cash and holdings, so rejections here
			// indicate a bug rather than normal flow.
			slog.Warn("bot intent rejected", "battle", s.ID, "symbol", intent.Symbol, "err", err)
		}
	}
}

// executeIntent applies one validated intent via the ledger at the current
// tick's price. Caller holds mu.
func (s *Session) executeIntent(intent model.TradeIntent) error {
	inst, ok := s.market.Get(intent.Symbol)
	if !ok {
		return ledger.ErrInvalidQuantity
	}
	p := s.portfolios[intent.Owner]

	var err error
	switch intent.Side {
	case model.SideBuy:
		err = ledger.Buy(p, intent.Symbol, intent.Shares, inst.Price)
	case model.SideSell:
		err = ledger.Sell(p, intent.Symbol, intent.Shares, inst.Price)
	default:
		return ledger.ErrInvalidQuantity
	}
	if err != nil {
		return err
	}

	slog.Info("trade executed",
		"battle", s.ID,
		"owner", intent.Owner,
		"side", intent.Side,
		"symbol", intent.Symbol,
		"shares", intent.Shares,
		"price", inst.Price.String(),
		"cash", p.Cash.String(),
	)
	s.notify(Event{Type: EventTradeExecuted, BattleID: s.ID, Phase: s.phase, Day: s.day, Intent: &intent})
	return nil
}

// SubmitTrade validates and executes a human trade command. Rejected with
// ErrPhaseInactive unless the Human phase is active and its countdown has
// not reached zero; rejected with ErrWrongParticipant if the intent targets
// another portfolio.
func (s *Session) SubmitTrade(intent model.TradeIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now().UTC()

	if intent.Owner == "" {
		intent.Owner = model.ParticipantHuman
	}
	if intent.Owner != model.ParticipantHuman {
		return ErrWrongParticipant
	}
	if s.phase != model.PhaseHuman || s.remainingDays <= 0 {
		return ErrPhaseInactive
	}
	return s.executeIntent(intent)
}

// Proceed ends the active trading phase early. Valid only during the Human
// and Autonomous phases; the countdown path and this command converge on the
// same transition.
func (s *Session) Proceed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now().UTC()

	if s.phase != model.PhaseHuman && s.phase != model.PhaseAutonomous {
		return ErrPhaseInactive
	}
	s.advancePhase()
	return nil
}

// enterPhase resets the per-phase counters. Caller holds mu.
func (s *Session) enterPhase(next model.Phase) {
	s.phase = next
	s.day = 0
	s.remainingDays = s.cfg.TimeframeDays
	slog.Info("phase changed", "battle", s.ID, "phase", next)
	s.notify(Event{Type: EventPhaseChanged, BattleID: s.ID, Phase: next})
}

// advancePhase moves Human → Autonomous → RoboAdvisor. The robo-advisor
// phase is not countdown-gated; it resolves when the external simulation
// call (or its fallback) completes. Caller holds mu.
func (s *Session) advancePhase() {
	switch s.phase {
	case model.PhaseHuman:
		s.enterPhase(model.PhaseAutonomous)
	case model.PhaseAutonomous:
		s.enterPhase(model.PhaseRoboAdvisor)
		s.roboPending = true
		go s.resolveRoboAdvisor()
	}
}

// resolveRoboAdvisor runs the external simulation outside the lock, then
// applies the projection (or the local fallback) and evaluates results.
// This path must never dead-end: every failure collapses into the fallback.
func (s *Session) resolveRoboAdvisor() {
	var proj advisor.Projection
	var err error

	if s.sim != nil {
		months := s.cfg.TimeframeDays / 30
		if months < 1 {
			months = 1
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		proj, err = s.sim.Simulate(ctx, months, s.cfg.StartingCash)
		cancel()
	} else {
		err = advisor.ErrSimulationUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != model.PhaseRoboAdvisor {
		// Session was destroyed or restarted while the call was in flight.
		return
	}

	if err != nil {
		slog.Warn("external simulation unavailable, using fallback",
			"battle", s.ID, "err", err)
		metrics.SimulationFallbacks.Inc()
		proj = advisor.FallbackProjection(
			s.cfg.StartingCash, s.cfg.TimeframeDays, advisor.DrawGrowthRate(s.rng), s.rng)
	} else if len(proj.Trend) == 0 {
		proj.Trend = advisor.SynthesizeTrend(
			s.cfg.StartingCash, proj.FinalValue, s.cfg.TimeframeDays, s.rng)
	}

	robo := s.portfolios[model.ParticipantRobo]
	robo.Cash = proj.FinalValue
	robo.Holdings = make(map[string]int64)
	robo.StrategyLabel = proj.Strategy
	s.trends[model.ParticipantRobo] = proj.Trend

	s.finalizeResults()
}

// finalizeResults evaluates all three portfolios and enters the Results
// phase. Caller holds mu.
func (s *Session) finalizeResults() {
	s.roboPending = false
	instruments := s.market.Snapshot()
	result := results.Evaluate(s.portfolios, instruments, s.cfg, s.trends)
	s.result = &result
	s.enterPhase(model.PhaseResults)
}

// Result returns the battle result once the Results phase has been reached.
func (s *Session) Result() (*model.BattleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result == nil {
		return nil, ErrResultsNotReady
	}
	return s.result, nil
}

// Complete acknowledges the results, transitions Results → Complete, stops
// the step loop, and returns the persisted record form of the battle.
func (s *Session) Complete() (*model.BattleRecord, error) {
	s.mu.Lock()
	if s.phase != model.PhaseResults {
		s.mu.Unlock()
		return nil, ErrPhaseInactive
	}
	s.enterPhase(model.PhaseComplete)
	record := results.Record(s.ID, s.UserID, s.cfg, *s.result, time.Now().UTC())
	s.notify(Event{Type: EventBattleCompleted, BattleID: s.ID, Phase: s.phase, Result: s.result})
	s.mu.Unlock()

	s.Stop()
	return record, nil
}

// Stop cancels the step loop. Safe to call more than once; every timer a
// session starts dies here, including on abrupt restart.
func (s *Session) Stop() {
	s.mu.Lock()
	select {
	case <-s.stop:
		// already stopped
	default:
		close(s.stop)
	}
	done := s.loopDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// State is a point-in-time copy of a session for API responses.
type State struct {
	ID            string                                 `json:"id"`
	UserID        string                                 `json:"user_id"`
	Phase         model.Phase                            `json:"phase"`
	Day           int                                    `json:"day"`
	RemainingDays int                                    `json:"remaining_days"`
	RoboPending   bool                                   `json:"robo_pending,omitempty"`
	Config        model.BattleConfig                     `json:"config"`
	Instruments   []model.Instrument                     `json:"instruments"`
	Portfolios    map[model.Participant]*model.Portfolio `json:"portfolios"`
	Result        *model.BattleResult                    `json:"result,omitempty"`
	CreatedAt     time.Time                              `json:"created_at"`
}

// Snapshot returns a deep copy of the session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	portfolios := make(map[model.Participant]*model.Portfolio, len(s.portfolios))
	for id, p := range s.portfolios {
		portfolios[id] = p.Clone()
	}
	return State{
		ID:            s.ID,
		UserID:        s.UserID,
		Phase:         s.phase,
		Day:           s.day,
		RemainingDays: s.remainingDays,
		RoboPending:   s.roboPending,
		Config:        s.cfg,
		Instruments:   s.market.Snapshot(),
		Portfolios:    portfolios,
		Result:        s.result,
		CreatedAt:     s.createdAt,
	}
}

// Phase returns the currently active phase.
func (s *Session) Phase() model.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Portfolio returns a copy of one participant's portfolio.
func (s *Session) Portfolio(id model.Participant) *model.Portfolio {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portfolios[id].Clone()
}

// TotalValue computes a participant's current total value.
func (s *Session) TotalValue(id model.Participant) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ledger.TotalValue(s.portfolios[id], s.market.Snapshot())
}

// IdleSince reports the last command activity, used by the sweeper.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

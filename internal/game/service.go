// Package game provides the HTTP handlers for running battles: creation,
// phase control, human trade commands, results, and the leaderboard.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stockfighter/battle-engine/internal/battle"
	"github.com/stockfighter/battle-engine/internal/ledger"
	"github.com/stockfighter/battle-engine/internal/metrics"
	"github.com/stockfighter/battle-engine/internal/model"
	"github.com/stockfighter/battle-engine/internal/narrative"
	"github.com/stockfighter/battle-engine/internal/store"
)

// defaultLeaderboardLimit caps leaderboard pages when no limit is given.
const defaultLeaderboardLimit = 10

// Forecaster produces a market forecast for a battle timeframe. Satisfied by
// the narrative LLM client; nil disables the forecast endpoint.
type Forecaster interface {
	Predict(ctx context.Context, snapshot []model.Instrument, timeframeDays int) (*narrative.Prediction, error)
}

// ServiceConfig carries the operator-configured battle defaults and optional
// collaborators into the service. Zero values fall back to 30 days and
// $10,000 starting cash.
type ServiceConfig struct {
	DefaultTimeframeDays int
	DefaultStartingCash  decimal.Decimal
	Forecaster           Forecaster
}

// Service handles battle operations over HTTP.
type Service struct {
	manager     *battle.Manager
	store       store.Store
	wsHub       *WSHub // optional WebSocket hub for real-time broadcasts
	forecaster  Forecaster
	defaultDays int
	defaultCash decimal.Decimal
}

// NewService creates a new game service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(manager *battle.Manager, st store.Store, hub *WSHub, cfg ServiceConfig) *Service {
	if cfg.DefaultTimeframeDays <= 0 {
		cfg.DefaultTimeframeDays = 30
	}
	if cfg.DefaultStartingCash.LessThanOrEqual(decimal.Zero) {
		cfg.DefaultStartingCash = decimal.NewFromInt(10000)
	}
	return &Service{
		manager:     manager,
		store:       st,
		wsHub:       hub,
		forecaster:  cfg.Forecaster,
		defaultDays: cfg.DefaultTimeframeDays,
		defaultCash: cfg.DefaultStartingCash,
	}
}

// --- Request/Response types ---

// CreateBattleRequest is the JSON body for battle creation.
type CreateBattleRequest struct {
	UserID         string          `json:"user_id"`
	TimeframeDays  int             `json:"timeframe_days"`
	StartingCash   decimal.Decimal `json:"starting_cash"`
	GoalLabel      string          `json:"goal_label"`
	GoalCostTarget decimal.Decimal `json:"goal_cost_target"`
}

// TradeCommandRequest is the JSON body for POST .../trade.
type TradeCommandRequest struct {
	Symbol string          `json:"symbol"`
	Side   model.TradeSide `json:"side"`
	Shares int64           `json:"shares"`
}

// --- HTTP Handlers ---

// CreateBattle handles POST /api/v1/battles
func (s *Service) CreateBattle(w http.ResponseWriter, r *http.Request) {
	var req CreateBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	userID := userID(r, req.UserID)
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if req.TimeframeDays == 0 {
		req.TimeframeDays = s.defaultDays
	}
	if req.StartingCash.IsZero() {
		req.StartingCash = s.defaultCash
	}
	if req.TimeframeDays < 0 {
		writeError(w, "timeframe_days must be positive", http.StatusBadRequest)
		return
	}
	if req.StartingCash.LessThanOrEqual(decimal.Zero) {
		writeError(w, "starting_cash must be positive", http.StatusBadRequest)
		return
	}

	sess := s.manager.Create(userID, model.BattleConfig{
		TimeframeDays:  req.TimeframeDays,
		StartingCash:   req.StartingCash,
		GoalLabel:      req.GoalLabel,
		GoalCostTarget: req.GoalCostTarget,
	})
	if s.wsHub != nil {
		sess.SetNotify(s.wsHub.BroadcastEvent)
	}
	metrics.ActiveBattles.Set(float64(s.manager.Count()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(sess.Snapshot())
}

// StartBattle handles POST /api/v1/battles/{battleID}/start
func (s *Service) StartBattle(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	if err := sess.Start(); err != nil {
		writeError(w, "battle already started", http.StatusConflict)
		return
	}
	metrics.BattlesStarted.Inc()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sess.Snapshot())
}

// GetBattle handles GET /api/v1/battles/{battleID}
func (s *Service) GetBattle(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sess.Snapshot())
}

// SubmitTrade handles POST /api/v1/battles/{battleID}/trade
// Executes a human buy/sell command against the active Human phase.
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req TradeCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}

	err := sess.SubmitTrade(model.TradeIntent{
		Owner:  model.ParticipantHuman,
		Symbol: req.Symbol,
		Side:   req.Side,
		Shares: req.Shares,
	})
	if err != nil {
		status, reason := tradeFailure(err)
		metrics.TradesRejected.WithLabelValues(reason).Inc()
		writeError(w, err.Error(), status)
		return
	}
	metrics.TradesExecuted.WithLabelValues(string(model.ParticipantHuman), string(req.Side)).Inc()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sess.Snapshot())
}

// Proceed handles POST /api/v1/battles/{battleID}/proceed
// Ends the active trading phase early; the countdown path converges on the
// same transition.
func (s *Service) Proceed(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	if err := sess.Proceed(); err != nil {
		writeError(w, "no active trading phase to proceed from", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sess.Snapshot())
}

// Forecast handles GET /api/v1/battles/{battleID}/forecast
// Asks the narrative collaborator for a {prediction, confidence} market
// forecast over the battle's timeframe. Flavor only, never valuation input.
func (s *Service) Forecast(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if s.forecaster == nil {
		writeError(w, "forecast not configured", http.StatusServiceUnavailable)
		return
	}

	snap := sess.Snapshot()
	pred, err := s.forecaster.Predict(r.Context(), snap.Instruments, snap.Config.TimeframeDays)
	if err != nil {
		slog.Warn("forecast failed", "battle", sess.ID, "err", err)
		writeError(w, "forecast unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pred)
}

// GetResults handles GET /api/v1/battles/{battleID}/results
func (s *Service) GetResults(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	result, err := sess.Result()
	if err != nil {
		writeError(w, "results not ready", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// CompleteBattle handles POST /api/v1/battles/{battleID}/complete
// Finalizes the battle and persists the record for leaderboard/profile
// stats. Persistence is fire-and-forget: its failure is logged and never
// blocks the response.
func (s *Service) CompleteBattle(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	record, err := sess.Complete()
	if err != nil {
		writeError(w, "battle is not in the results phase", http.StatusConflict)
		return
	}
	metrics.BattlesCompleted.WithLabelValues(string(record.WinnerID)).Inc()
	metrics.ActiveBattles.Set(float64(s.manager.Count()))

	go func(rec *model.BattleRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.SaveBattleRecord(ctx, rec); err != nil {
			slog.Error("failed to persist battle record", "battle", rec.ID, "err", err)
		}
	}(record)

	slog.Info("battle completed",
		"battle", record.ID,
		"user", record.UserID,
		"winner", record.WinnerID,
		"return_percent", record.ReturnPercent.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(record)
}

// Leaderboard handles GET /api/v1/leaderboard?limit=N
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.store.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.BattleRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

// UserBattles handles GET /api/v1/users/{userID}/battles
func (s *Service) UserBattles(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	records, err := s.store.ListUserBattles(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load battle history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.BattleRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

// --- helpers ---

// session resolves the battle from the URL, writing a 404 on miss.
func (s *Service) session(w http.ResponseWriter, r *http.Request) (*battle.Session, bool) {
	id := chi.URLParam(r, "battleID")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, "battle not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

// userID extracts the opaque user identity supplied by the upstream auth
// middleware; the engine never parses tokens itself.
func userID(r *http.Request, bodyID string) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return bodyID
}

// tradeFailure maps a rejected trade to an HTTP status and metric reason.
func tradeFailure(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientShares):
		return http.StatusConflict, "insufficient_shares"
	case errors.Is(err, ledger.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, battle.ErrPhaseInactive):
		return http.StatusConflict, "phase_inactive"
	case errors.Is(err, battle.ErrWrongParticipant):
		return http.StatusConflict, "wrong_participant"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

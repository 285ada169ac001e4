// Package advisor implements the robo-advisor's trading delegation: a client
// for the external trading-simulation API, a normalization adapter that maps
// the API's known response variants into one canonical projection shape, and
// a local fallback growth formula used when the external call fails.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockfighter/battle-engine/internal/model"
)

// ErrSimulationUnavailable is returned when the external simulation API
// fails, times out, or returns a response the normalizer cannot use. Callers
// recover locally via the fallback path; it never surfaces as a hard failure.
var ErrSimulationUnavailable = errors.New("advisor: external simulation unavailable")

// Fallback growth-rate band: one draw in [1.5%, 4.5%] per battle.
const (
	FallbackGrowthMin = 0.015
	FallbackGrowthMax = 0.045
)

// maxDrawdownPct floor-clamps synthetic trend points so the generated noise
// never shows more than a 20% drawdown from starting value.
const maxDrawdownPct = 0.20

// StrategyFallback labels projections produced by the local formula so they
// are distinguishable from real external results in battle records.
const StrategyFallback = "fallback-growth"

// strategyExternal is the default label when the API omits one.
const strategyExternal = "external-simulation"

// Projection is the canonical internal shape every simulation response
// variant normalizes into.
type Projection struct {
	FinalValue decimal.Decimal    `json:"final_value"`
	Strategy   string             `json:"strategy"`
	Trend      []model.TrendPoint `json:"trend"`
	Fallback   bool               `json:"fallback"`
}

// Simulator produces a final-value projection for the robo-advisor,
// parameterized by timeframe and starting cash.
type Simulator interface {
	Simulate(ctx context.Context, months int, startingCash decimal.Decimal) (Projection, error)
}

// Client calls the external trading-simulation API over HTTP.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewClient creates a simulation API client. An empty timeout defaults to
// ten seconds.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
	}
}

type simulateRequest struct {
	Months       int             `json:"months"`
	StartingCash decimal.Decimal `json:"starting_cash"`
}

// simResult tolerates both known field names for the final value and an
// absent growth_trend.
type simResult struct {
	ProjectedValue *decimal.Decimal `json:"projectedValue"`
	EndingValue    *decimal.Decimal `json:"endingValue"`
	Strategy       string           `json:"strategy"`
	GrowthTrend    []simTrendPoint  `json:"growth_trend"`
}

type simTrendPoint struct {
	Date  string          `json:"date"`
	Value decimal.Decimal `json:"value"`
}

type simResponse struct {
	Results []simResult `json:"results"`
}

// Simulate requests a projection from the external API. Any transport
// failure, non-2xx status, or unusable payload collapses into
// ErrSimulationUnavailable so the caller can take the fallback path.
func (c *Client) Simulate(ctx context.Context, months int, startingCash decimal.Decimal) (Projection, error) {
	body, err := json.Marshal(simulateRequest{Months: months, StartingCash: startingCash})
	if err != nil {
		return Projection{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/simulate", bytes.NewReader(body))
	if err != nil {
		return Projection{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Projection{}, fmt.Errorf("%w: %v", ErrSimulationUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Projection{}, fmt.Errorf("%w: read response: %v", ErrSimulationUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Projection{}, fmt.Errorf("%w: http %d: %s",
			ErrSimulationUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed simResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Projection{}, fmt.Errorf("%w: parse response: %v", ErrSimulationUnavailable, err)
	}
	return normalize(parsed.Results)
}

// normalize maps the API's response variants into one Projection. The final
// value may arrive as projectedValue or endingValue; growth_trend may be
// absent. This is the single place that variance is allowed to exist.
func normalize(results []simResult) (Projection, error) {
	if len(results) == 0 {
		return Projection{}, fmt.Errorf("%w: empty results", ErrSimulationUnavailable)
	}
	r := results[0]

	var final decimal.Decimal
	switch {
	case r.ProjectedValue != nil && r.ProjectedValue.IsPositive():
		final = *r.ProjectedValue
	case r.EndingValue != nil && r.EndingValue.IsPositive():
		final = *r.EndingValue
	default:
		return Projection{}, fmt.Errorf("%w: no usable final value", ErrSimulationUnavailable)
	}

	strategy := strings.TrimSpace(r.Strategy)
	if strategy == "" {
		strategy = strategyExternal
	}

	trend := make([]model.TrendPoint, 0, len(r.GrowthTrend))
	for i, pt := range r.GrowthTrend {
		trend = append(trend, model.TrendPoint{Day: i + 1, Value: pt.Value})
	}

	return Projection{FinalValue: final, Strategy: strategy, Trend: trend}, nil
}

// DrawGrowthRate draws the fallback growth rate, once per battle, from the
// [FallbackGrowthMin, FallbackGrowthMax] band.
func DrawGrowthRate(rng *rand.Rand) float64 {
	return FallbackGrowthMin + rng.Float64()*(FallbackGrowthMax-FallbackGrowthMin)
}

// FallbackProjection computes finalValue = startingCash * (1 + growthRate)
// and a synthetic day-by-day trend: linear interpolation plus small bounded
// noise, floor-clamped so no point shows more than a 20% drawdown.
func FallbackProjection(startingCash decimal.Decimal, days int, growthRate float64, rng *rand.Rand) Projection {
	final := startingCash.Mul(decimal.NewFromFloat(1 + growthRate)).Round(2)
	return Projection{
		FinalValue: final,
		Strategy:   StrategyFallback,
		Trend:      SynthesizeTrend(startingCash, final, days, rng),
		Fallback:   true,
	}
}

// SynthesizeTrend interpolates from start to final over days points. Noise
// is bounded at ±1% of starting value per point; the last point is exact so
// the trend agrees with the projection endpoint. Also used when the external
// API returns a final value without a growth_trend.
func SynthesizeTrend(start, final decimal.Decimal, days int, rng *rand.Rand) []model.TrendPoint {
	if days < 1 {
		days = 1
	}
	floor := start.Mul(decimal.NewFromFloat(1 - maxDrawdownPct))
	span := final.Sub(start)
	noiseBand := start.Mul(decimal.NewFromFloat(0.01))

	trend := make([]model.TrendPoint, 0, days)
	for day := 1; day <= days; day++ {
		frac := decimal.NewFromInt(int64(day)).Div(decimal.NewFromInt(int64(days)))
		value := start.Add(span.Mul(frac))
		if day < days {
			noise := decimal.NewFromFloat(rng.Float64()*2 - 1).Mul(noiseBand)
			value = value.Add(noise)
		}
		if value.LessThan(floor) {
			value = floor
		}
		trend = append(trend, model.TrendPoint{Day: day, Value: value.Round(2)})
	}
	return trend
}

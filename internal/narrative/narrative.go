// Package narrative calls an LLM for market flavor: a percentage prediction
// for the battle timeframe and occasional market events whose impact tag the
// market model may apply as an instantaneous sector price multiplier. The
// engine treats everything here as optional perturbation input — never as a
// source of truth for valuation.
package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockfighter/battle-engine/internal/model"
)

// Impact tags a market event's direction.
type Impact string

const (
	ImpactPositive Impact = "positive"
	ImpactNegative Impact = "negative"
	ImpactNeutral  Impact = "neutral"
)

// eventImpactPct is the instantaneous price multiplier applied to the
// affected sector for a non-neutral event.
const eventImpactPct = 0.02

// Prediction is the LLM's market forecast for the battle timeframe.
type Prediction struct {
	Prediction decimal.Decimal `json:"prediction"` // percent
	Confidence decimal.Decimal `json:"confidence"` // 0..1
}

// MarketEvent is a flavor-text headline with a tagged sector impact.
type MarketEvent struct {
	Headline string `json:"headline"`
	Sector   string `json:"sector"`
	Impact   Impact `json:"impact"`
}

// ImpactPct translates the impact tag into a signed percentage move, zero
// for neutral or unknown tags.
func (e MarketEvent) ImpactPct() float64 {
	switch e.Impact {
	case ImpactPositive:
		return eventImpactPct
	case ImpactNegative:
		return -eventImpactPct
	default:
		return 0
	}
}

// Client talks to an Ollama-compatible generate endpoint.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates a narrative client. Empty baseURL defaults to the local
// Ollama port; empty timeout defaults to thirty seconds.
func NewClient(baseURL, llmModel string, timeout time.Duration) *Client {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if u == "" {
		u = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: u,
		model:   llmModel,
		http:    &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Predict asks for a {prediction, confidence} forecast given the current
// market snapshot and desired timeframe.
func (c *Client) Predict(ctx context.Context, snapshot []model.Instrument, timeframeDays int) (*Prediction, error) {
	prompt := fmt.Sprintf(
		"Given this market snapshot:\n%s\nPredict the percentage change of the overall market over %d days. "+
			`Respond with JSON only: {"prediction": <percent>, "confidence": <0..1>}`,
		describeSnapshot(snapshot), timeframeDays)

	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var p Prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse prediction: %w", err)
	}
	return &p, nil
}

// MarketEvent asks for one flavor-text market event with a tagged sector and
// impact direction.
func (c *Client) MarketEvent(ctx context.Context, snapshot []model.Instrument) (*MarketEvent, error) {
	sectors := make([]string, 0, len(snapshot))
	seen := make(map[string]bool)
	for _, inst := range snapshot {
		if !seen[inst.Sector] {
			seen[inst.Sector] = true
			sectors = append(sectors, inst.Sector)
		}
	}

	prompt := fmt.Sprintf(
		"Given this market snapshot:\n%s\nInvent one short market news headline affecting exactly one of these sectors: %s. "+
			`Respond with JSON only: {"headline": "...", "sector": "...", "impact": "positive"|"negative"|"neutral"}`,
		describeSnapshot(snapshot), strings.Join(sectors, ", "))

	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var ev MarketEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("parse market event: %w", err)
	}
	switch ev.Impact {
	case ImpactPositive, ImpactNegative, ImpactNeutral:
	default:
		ev.Impact = ImpactNeutral
	}
	return &ev, nil
}

// generate sends one non-streaming completion request and returns the first
// JSON value found in the response text.
func (c *Client) generate(ctx context.Context, prompt string) (json.RawMessage, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("llm http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("llm error: %s", out.Error)
	}
	return ExtractFirstJSONValue(out.Response)
}

func describeSnapshot(snapshot []model.Instrument) string {
	var b strings.Builder
	for _, inst := range snapshot {
		fmt.Fprintf(&b, "- %s (%s, %s): $%s, change %s%%\n",
			inst.Symbol, inst.Name, inst.Sector,
			inst.Price.StringFixed(2),
			inst.ChangePercent.Mul(decimal.NewFromInt(100)).StringFixed(2))
	}
	return b.String()
}

// ExtractFirstJSONValue finds and re-marshals the first JSON value embedded
// in free text. LLMs wrap JSON in prose often enough that this is the safe
// default decode path.
func ExtractFirstJSONValue(text string) (json.RawMessage, error) {
	b := []byte(text)
	start := bytes.IndexAny(b, "{[")
	if start < 0 {
		return nil, fmt.Errorf("no json start found")
	}

	dec := json.NewDecoder(bytes.NewReader(b[start:]))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("re-marshal json: %w", err)
	}
	return out, nil
}

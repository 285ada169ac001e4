// Package market owns the set of tradable instruments and advances them one
// simulated day per tick. The tick is the sole price-mutation path, and it is
// deterministic given a supplied random source so tests can pin exact prices.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Random draws happen in float64 and are converted immediately.
package market

import (
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/stockfighter/battle-engine/internal/model"
)

var (
	// PriceFloor is the minimum instrument price. Prices clamp here instead
	// of going to zero or negative.
	PriceFloor = decimal.NewFromInt(1)

	// StartPriceMin and StartPriceMax bound randomized starting prices.
	StartPriceMin = decimal.NewFromInt(50)
	StartPriceMax = decimal.NewFromInt(250)
)

// TickBandPct is the symmetric per-tick price move band (±5%).
const TickBandPct = 0.05

// priceScale is the number of decimal places prices are rounded to.
const priceScale int32 = 2

// changeScale is the number of decimal places for change_percent.
const changeScale int32 = 6

// InstrumentDef seeds one instrument at battle setup. A zero StartPrice
// means "randomize within the configured band".
type InstrumentDef struct {
	Symbol     string          `json:"symbol" yaml:"symbol"`
	Name       string          `json:"name" yaml:"name"`
	Sector     string          `json:"sector" yaml:"sector"`
	StartPrice decimal.Decimal `json:"start_price,omitempty" yaml:"start_price"`
}

// DefaultUniverse is the instrument set used when a battle config does not
// supply its own.
var DefaultUniverse = []InstrumentDef{
	{Symbol: "TECH", Name: "TechNova Inc", Sector: "technology"},
	{Symbol: "HLTH", Name: "Helix Health", Sector: "healthcare"},
	{Symbol: "ENRG", Name: "Voltaic Energy", Sector: "energy"},
	{Symbol: "FINC", Name: "Meridian Financial", Sector: "finance"},
	{Symbol: "CONS", Name: "Everyday Goods Co", Sector: "consumer"},
}

// Model holds the instrument set for one battle. Safe for concurrent use.
type Model struct {
	mu          sync.RWMutex
	rng         *rand.Rand
	instruments []*model.Instrument // stable setup order
	bySymbol    map[string]*model.Instrument
}

// New creates a market from instrument definitions. Instruments without a
// fixed starting price get one drawn uniformly from [StartPriceMin,
// StartPriceMax]; change_percent starts at zero.
func New(defs []InstrumentDef, rng *rand.Rand) *Model {
	m := &Model{
		rng:      rng,
		bySymbol: make(map[string]*model.Instrument, len(defs)),
	}

	span := StartPriceMax.Sub(StartPriceMin).InexactFloat64()
	for _, def := range defs {
		price := def.StartPrice
		if price.LessThanOrEqual(decimal.Zero) {
			price = StartPriceMin.Add(decimal.NewFromFloat(rng.Float64() * span)).Round(priceScale)
		}
		inst := &model.Instrument{
			Symbol:        def.Symbol,
			Name:          def.Name,
			Sector:        def.Sector,
			Price:         price,
			PriorPrice:    price,
			ChangePercent: decimal.Zero,
		}
		m.instruments = append(m.instruments, inst)
		m.bySymbol[def.Symbol] = inst
	}
	return m
}

// Tick advances every instrument one simulated day: draw a percentage move
// within ±TickBandPct, apply it, clamp at the floor, and recompute
// change_percent against the prior price. Returns a snapshot of the updated
// instruments.
func (m *Model) Tick() []model.Instrument {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.instruments {
		pct := (m.rng.Float64()*2 - 1) * TickBandPct
		m.reprice(inst, pct)
	}
	return m.snapshotLocked()
}

// ApplyImpact applies an instantaneous percentage multiplier to every
// instrument in the given sector. Used for narrative market events; never a
// source of truth for valuation.
func (m *Model) ApplyImpact(sector string, pct float64) []model.Instrument {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.instruments {
		if inst.Sector == sector {
			m.reprice(inst, pct)
		}
	}
	return m.snapshotLocked()
}

// reprice moves one instrument by pct with floor clamping. Caller holds mu.
func (m *Model) reprice(inst *model.Instrument, pct float64) {
	prior := inst.Price
	next := prior.Mul(decimal.NewFromFloat(1 + pct)).Round(priceScale)
	if next.LessThan(PriceFloor) {
		next = PriceFloor
	}
	inst.PriorPrice = prior
	inst.Price = next
	inst.ChangePercent = next.Sub(prior).Div(prior).Round(changeScale)
}

// Snapshot returns a copy of all instruments in setup order.
func (m *Model) Snapshot() []model.Instrument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Model) snapshotLocked() []model.Instrument {
	out := make([]model.Instrument, 0, len(m.instruments))
	for _, inst := range m.instruments {
		out = append(out, *inst)
	}
	return out
}

// Get returns a copy of one instrument by symbol.
func (m *Model) Get(symbol string) (model.Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.bySymbol[symbol]
	if !ok {
		return model.Instrument{}, false
	}
	return *inst, true
}

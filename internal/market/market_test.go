package market_test

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/stockfighter/battle-engine/internal/market"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestMarket(seed int64, defs ...market.InstrumentDef) *market.Model {
	if len(defs) == 0 {
		defs = market.DefaultUniverse
	}
	return market.New(defs, rand.New(rand.NewSource(seed)))
}

func TestNew_RandomizedStartPricesWithinBand(t *testing.T) {
	m := newTestMarket(1)

	for _, inst := range m.Snapshot() {
		if inst.Price.LessThan(market.StartPriceMin) || inst.Price.GreaterThan(market.StartPriceMax) {
			t.Errorf("%s start price %s outside [%s, %s]",
				inst.Symbol, inst.Price, market.StartPriceMin, market.StartPriceMax)
		}
		if !inst.ChangePercent.IsZero() {
			t.Errorf("%s change_percent should start at 0, got %s", inst.Symbol, inst.ChangePercent)
		}
		if !inst.PriorPrice.Equal(inst.Price) {
			t.Errorf("%s prior price should equal start price", inst.Symbol)
		}
	}
}

func TestNew_FixedStartPriceRespected(t *testing.T) {
	m := newTestMarket(1, market.InstrumentDef{
		Symbol: "TECH", Name: "TechNova Inc", Sector: "technology", StartPrice: d(100),
	})

	inst, ok := m.Get("TECH")
	if !ok {
		t.Fatal("TECH not found")
	}
	if !inst.Price.Equal(d(100)) {
		t.Errorf("expected fixed start price 100, got %s", inst.Price)
	}
}

func TestTick_Deterministic(t *testing.T) {
	m1 := newTestMarket(42)
	m2 := newTestMarket(42)

	for i := 0; i < 20; i++ {
		m1.Tick()
		m2.Tick()
	}

	s1, s2 := m1.Snapshot(), m2.Snapshot()
	for i := range s1 {
		if !s1[i].Price.Equal(s2[i].Price) {
			t.Errorf("%s diverged under identical seeds: %s vs %s",
				s1[i].Symbol, s1[i].Price, s2[i].Price)
		}
	}
}

func TestTick_ChangePercentRecomputed(t *testing.T) {
	m := newTestMarket(7, market.InstrumentDef{
		Symbol: "TECH", Name: "TechNova Inc", Sector: "technology", StartPrice: d(100),
	})

	updated := m.Tick()
	inst := updated[0]

	if !inst.PriorPrice.Equal(d(100)) {
		t.Errorf("prior price should be 100, got %s", inst.PriorPrice)
	}
	want := inst.Price.Sub(inst.PriorPrice).Div(inst.PriorPrice).Round(6)
	if !inst.ChangePercent.Equal(want) {
		t.Errorf("change_percent: want %s, got %s", want, inst.ChangePercent)
	}
	// ±5% band.
	if inst.ChangePercent.Abs().GreaterThan(d(market.TickBandPct)) {
		t.Errorf("change %s exceeds tick band", inst.ChangePercent)
	}
}

func TestTick_PriceNeverBelowFloor(t *testing.T) {
	// Start at the floor; any number of ticks must keep price >= floor.
	m := newTestMarket(3, market.InstrumentDef{
		Symbol: "PENNY", Name: "Penny Co", Sector: "misc", StartPrice: d(1),
	})

	for i := 0; i < 500; i++ {
		for _, inst := range m.Tick() {
			if inst.Price.LessThan(market.PriceFloor) {
				t.Fatalf("price %s fell below floor after tick %d", inst.Price, i+1)
			}
		}
	}
}

func TestApplyImpact_TargetsSectorOnly(t *testing.T) {
	m := newTestMarket(5,
		market.InstrumentDef{Symbol: "TECH", Name: "TechNova Inc", Sector: "technology", StartPrice: d(100)},
		market.InstrumentDef{Symbol: "HLTH", Name: "Helix Health", Sector: "healthcare", StartPrice: d(100)},
	)

	m.ApplyImpact("technology", 0.02)

	tech, _ := m.Get("TECH")
	hlth, _ := m.Get("HLTH")

	if !tech.Price.Equal(d(102)) {
		t.Errorf("TECH should move to 102, got %s", tech.Price)
	}
	if !hlth.Price.Equal(d(100)) {
		t.Errorf("HLTH should be untouched, got %s", hlth.Price)
	}
	if !tech.ChangePercent.Equal(d(0.02)) {
		t.Errorf("TECH change_percent should be 0.02, got %s", tech.ChangePercent)
	}
}

func TestGet_UnknownSymbol(t *testing.T) {
	m := newTestMarket(1)
	if _, ok := m.Get("NOPE"); ok {
		t.Error("expected miss for unknown symbol")
	}
}

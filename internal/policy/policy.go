// Package policy holds the pluggable trading decision functions. The human
// participant has no decision function — UI-issued commands are validated and
// forwarded by the battle session — and the robo-advisor delegates to the
// advisor package, so the only Decide implementation here is the autonomous
// bot.
package policy

import (
	"github.com/shopspring/decimal"

	"github.com/stockfighter/battle-engine/internal/model"
)

// Policy decides zero or more trade intents for a participant given a
// market snapshot and that participant's current portfolio. Implementations
// must not mutate either argument.
type Policy interface {
	Decide(snapshot []model.Instrument, p *model.Portfolio) []model.TradeIntent
}

// Bot is a deliberately simple reversion/momentum heuristic: buy a small
// fixed lot on dips, take profit on rallies. Decisions are deterministic
// given a fixed snapshot — instruments are scanned in snapshot order and
// there are no random tie-breaks.
type Bot struct {
	// BuyThreshold triggers a buy when change_percent drops below it.
	BuyThreshold decimal.Decimal
	// SellThreshold triggers a sell when change_percent rises above it.
	SellThreshold decimal.Decimal
	// LotSize is the number of shares bought per dip signal.
	LotSize int64
	// SellFraction is the fraction of held shares sold per rally signal.
	SellFraction decimal.Decimal
}

// NewBot returns a bot with the default thresholds: buy 1 share below −2%,
// sell half the position above +3%.
func NewBot() *Bot {
	return &Bot{
		BuyThreshold:  decimal.NewFromFloat(-0.02),
		SellThreshold: decimal.NewFromFloat(0.03),
		LotSize:       1,
		SellFraction:  decimal.NewFromFloat(0.5),
	}
}

// Decide implements Policy. Buys are budgeted against a running cash balance
// so a single decision pass can never produce intents that overdraw the
// portfolio.
func (b *Bot) Decide(snapshot []model.Instrument, p *model.Portfolio) []model.TradeIntent {
	var intents []model.TradeIntent
	cash := p.Cash

	for _, inst := range snapshot {
		switch {
		case inst.ChangePercent.LessThan(b.BuyThreshold):
			cost := inst.Price.Mul(decimal.NewFromInt(b.LotSize))
			if cash.GreaterThanOrEqual(cost) {
				intents = append(intents, model.TradeIntent{
					Owner:  model.ParticipantBot,
					Symbol: inst.Symbol,
					Side:   model.SideBuy,
					Shares: b.LotSize,
				})
				cash = cash.Sub(cost)
			}

		case inst.ChangePercent.GreaterThan(b.SellThreshold):
			held := p.Holdings[inst.Symbol]
			if held <= 0 {
				continue
			}
			shares := b.sellLot(held)
			if shares > 0 {
				intents = append(intents, model.TradeIntent{
					Owner:  model.ParticipantBot,
					Symbol: inst.Symbol,
					Side:   model.SideSell,
					Shares: shares,
				})
			}
		}
	}
	return intents
}

// sellLot returns how many of held shares to unload: SellFraction of the
// position rounded up, so a one-share position still sells one share.
func (b *Bot) sellLot(held int64) int64 {
	lot := decimal.NewFromInt(held).Mul(b.SellFraction).Ceil().IntPart()
	if lot > held {
		lot = held
	}
	return lot
}

// Package ledger enforces portfolio solvency invariants and computes
// valuation. Every trade is all-or-nothing at the supplied unit price; there
// is no partial-fill or slippage model.
package ledger

import (
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/stockfighter/battle-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when a buy would take cash negative.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientShares is returned when a sell exceeds held shares.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrInvalidQuantity is returned when a trade requests zero or negative
	// shares.
	ErrInvalidQuantity = errors.New("ledger: share quantity must be positive")
)

// Buy debits cash and credits holdings. Rejects with ErrInsufficientFunds
// when cash < shares*unitPrice; the portfolio is untouched on rejection.
func Buy(p *model.Portfolio, symbol string, shares int64, unitPrice decimal.Decimal) error {
	if shares <= 0 {
		return ErrInvalidQuantity
	}
	cost := unitPrice.Mul(decimal.NewFromInt(shares))
	if p.Cash.LessThan(cost) {
		return ErrInsufficientFunds
	}
	p.Cash = p.Cash.Sub(cost)
	p.Holdings[symbol] += shares
	return nil
}

// Sell credits cash and debits holdings. Rejects with ErrInsufficientShares
// when fewer than the requested shares are held. The symbol key is removed
// once holdings reach zero to keep the mapping sparse.
func Sell(p *model.Portfolio, symbol string, shares int64, unitPrice decimal.Decimal) error {
	if shares <= 0 {
		return ErrInvalidQuantity
	}
	if p.Holdings[symbol] < shares {
		return ErrInsufficientShares
	}
	p.Cash = p.Cash.Add(unitPrice.Mul(decimal.NewFromInt(shares)))
	p.Holdings[symbol] -= shares
	if p.Holdings[symbol] == 0 {
		delete(p.Holdings, symbol)
	}
	return nil
}

// TotalValue returns cash plus the mark-to-market value of all holdings.
// A held symbol missing from the instrument set contributes zero; this
// should not occur under correct sequencing and is logged as a warning.
func TotalValue(p *model.Portfolio, instruments []model.Instrument) decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(instruments))
	for _, inst := range instruments {
		prices[inst.Symbol] = inst.Price
	}

	total := p.Cash
	for symbol, shares := range p.Holdings {
		price, ok := prices[symbol]
		if !ok {
			slog.Warn("held symbol missing from instrument set, valued at zero",
				"owner", p.Owner, "symbol", symbol, "shares", shares)
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(shares)))
	}
	return total
}

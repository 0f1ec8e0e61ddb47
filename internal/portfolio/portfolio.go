// Package portfolio tracks account cash, realized P&L and open holdings,
// and shares bounded-staleness snapshots with sizing and risk validation
// through Redis.
package portfolio

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// Snapshot is the read-side view of portfolio state. The position manager
// publishes one after every mutation; readers bound its age through Store.
type Snapshot struct {
	Equity        decimal.Decimal            `json:"equity"`
	Cash          decimal.Decimal            `json:"cash"`
	RealizedPnL   decimal.Decimal            `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal            `json:"unrealized_pnl"`
	RiskFraction  float64                    `json:"risk_fraction"`
	Exposure      map[string]decimal.Decimal `json:"exposure"`
	OpenPositions int                        `json:"open_positions"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// MarketMark is the latest market view for one symbol: the mark price plus
// the volatility and level inputs stop placement needs.
type MarketMark struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	ATR        decimal.Decimal `json:"atr"`
	PriceStd   decimal.Decimal `json:"price_std"`
	Support    decimal.Decimal `json:"support"`
	Resistance decimal.Decimal `json:"resistance"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Holding is one open position as the book carries it.
type Holding struct {
	Symbol     string
	Side       protocol.PositionSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	StopLoss   decimal.Decimal
}

func (h Holding) price() decimal.Decimal {
	if h.MarkPrice.IsPositive() {
		return h.MarkPrice
	}
	return h.EntryPrice
}

// Value returns the holding's notional at the mark price, falling back to
// the entry price before the first mark arrives.
func (h Holding) Value() decimal.Decimal {
	return h.Quantity.Mul(h.price())
}

// UnrealizedPnL returns the side-adjusted open profit at the mark price.
func (h Holding) UnrealizedPnL() decimal.Decimal {
	diff := h.price().Sub(h.EntryPrice)
	if h.Side == protocol.PositionSideShort {
		diff = diff.Neg()
	}
	return h.Quantity.Mul(diff)
}

// RiskAmount returns the loss if the protective stop fills, zero while no
// stop is tracked.
func (h Holding) RiskAmount() decimal.Decimal {
	if !h.StopLoss.IsPositive() {
		return decimal.Zero
	}
	return h.EntryPrice.Sub(h.StopLoss).Abs().Mul(h.Quantity)
}

// Book is the in-memory portfolio aggregate. Exactly one position manager
// mutates it; everyone else consumes snapshots.
type Book struct {
	mu       sync.RWMutex
	cash     decimal.Decimal
	realized decimal.Decimal
	holdings map[string]Holding
	now      func() time.Time
}

// NewBook creates a book seeded with the starting cash balance.
func NewBook(initialCash decimal.Decimal) *Book {
	return &Book{
		cash:     initialCash,
		holdings: make(map[string]Holding),
		now:      time.Now,
	}
}

// Settle applies a fill's cash movement and realized P&L. Opening a long
// debits the notional and fees, opening a short credits the notional;
// closes reverse the flow, so equity moves only by P&L and fees.
func (b *Book) Settle(cashDelta, realized decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cash = b.cash.Add(cashDelta)
	b.realized = b.realized.Add(realized)
}

// SetHolding inserts or replaces the holding for a symbol.
func (b *Book) SetHolding(h Holding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdings[h.Symbol] = h
}

// DropHolding removes a closed position from the book.
func (b *Book) DropHolding(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.holdings, symbol)
}

// MarkToMarket updates the mark price for a symbol. It reports false when
// the book holds no position in it.
func (b *Book) MarkToMarket(symbol string, price decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.holdings[symbol]
	if !ok {
		return false
	}
	h.MarkPrice = price
	b.holdings[symbol] = h
	return true
}

// SetStop updates the tracked protective stop for a symbol, feeding the
// committed-risk figure in snapshots. It reports false when the book holds
// no position in it.
func (b *Book) SetStop(symbol string, stop decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.holdings[symbol]
	if !ok {
		return false
	}
	h.StopLoss = stop
	b.holdings[symbol] = h
	return true
}

// Holding returns the tracked holding for a symbol.
func (b *Book) Holding(symbol string) (Holding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.holdings[symbol]
	return h, ok
}

// Holdings returns the open holdings ordered by symbol.
func (b *Book) Holdings() []Holding {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Holding, 0, len(b.holdings))
	for _, h := range b.holdings {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Cash returns the current cash balance.
func (b *Book) Cash() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

// RealizedPnL returns the cumulative realized P&L since the book was seeded.
func (b *Book) RealizedPnL() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.realized
}

// Snapshot materializes the current state. Equity counts long holdings as
// assets and short holdings as liabilities at their marks, pairing with the
// Settle convention so a round trip lands equity exactly at cash plus
// realized P&L.
func (b *Book) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	equity := b.cash
	unrealized := decimal.Zero
	committed := decimal.Zero
	exposure := make(map[string]decimal.Decimal, len(b.holdings))

	for symbol, h := range b.holdings {
		value := h.Value()
		if h.Side == protocol.PositionSideShort {
			equity = equity.Sub(value)
		} else {
			equity = equity.Add(value)
		}
		unrealized = unrealized.Add(h.UnrealizedPnL())
		committed = committed.Add(h.RiskAmount())
		exposure[symbol] = value
	}

	riskFraction := 0.0
	if equity.IsPositive() {
		riskFraction, _ = committed.Div(equity).Float64()
	}

	return Snapshot{
		Equity:        equity,
		Cash:          b.cash,
		RealizedPnL:   b.realized,
		UnrealizedPnL: unrealized,
		RiskFraction:  riskFraction,
		Exposure:      exposure,
		OpenPositions: len(b.holdings),
		UpdatedAt:     b.now(),
	}
}

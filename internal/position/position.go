// Package position is the single serialization point for position state.
// Every open, increase, decrease and close flows through the Manager, which
// persists the mutation, keeps the portfolio book current, and publishes one
// position.update audit record per mutation.
package position

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

var (
	// ErrDuplicateOpen is the invariant violation for a second open position
	// on the same exchange and symbol. Callers escalate it; the manager
	// rejects the mutation with no state change.
	ErrDuplicateOpen = errors.New("an open position already exists for this symbol")

	// ErrNotFound is returned for mutations addressing an unknown position.
	ErrNotFound = errors.New("position not found")
)

// Position is one directional holding. EntryPrice is the volume-weighted
// average across entry fills; EntryFees accrues entry-side fees and is
// released proportionally into realized P&L as the position is consumed.
type Position struct {
	ID            uuid.UUID               `json:"id"`
	Exchange      string                  `json:"exchange"`
	Symbol        string                  `json:"symbol"`
	Side          protocol.PositionSide   `json:"side"`
	Quantity      decimal.Decimal         `json:"quantity"`
	EntryPrice    decimal.Decimal         `json:"entry_price"`
	CurrentPrice  decimal.Decimal         `json:"current_price"`
	UnrealizedPnL decimal.Decimal         `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal         `json:"realized_pnl"`
	EntryFees     decimal.Decimal         `json:"entry_fees"`
	StopLoss      decimal.Decimal         `json:"stop_loss"`
	TakeProfit    decimal.Decimal         `json:"take_profit"`
	Trailing      bool                    `json:"trailing"`
	Status        protocol.PositionStatus `json:"status"`
	OpenedAt      time.Time               `json:"opened_at"`
	ClosedAt      time.Time               `json:"closed_at,omitempty"`

	recoveryFired bool
}

// pnlPerUnit returns the side-adjusted profit per unit at price.
func (p *Position) pnlPerUnit(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == protocol.PositionSideShort {
		diff = diff.Neg()
	}
	return diff
}

// markTo updates the mark price and the unrealized P&L it implies.
func (p *Position) markTo(price decimal.Decimal) {
	p.CurrentPrice = price
	p.UnrealizedPnL = p.pnlPerUnit(price).Mul(p.Quantity)
}

// Notional returns the position's value at the current mark.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// stopTriggered reports whether price has crossed the protective stop.
func (p *Position) stopTriggered(price decimal.Decimal) bool {
	if !p.StopLoss.IsPositive() {
		return false
	}
	if p.Side == protocol.PositionSideLong {
		return price.LessThanOrEqual(p.StopLoss)
	}
	return price.GreaterThanOrEqual(p.StopLoss)
}

// takeProfitTriggered reports whether price has crossed the profit target.
func (p *Position) takeProfitTriggered(price decimal.Decimal) bool {
	if !p.TakeProfit.IsPositive() {
		return false
	}
	if p.Side == protocol.PositionSideLong {
		return price.GreaterThanOrEqual(p.TakeProfit)
	}
	return price.LessThanOrEqual(p.TakeProfit)
}

// closingSide returns the order side that reduces this position.
func (p *Position) closingSide() protocol.OrderSide {
	if p.Side == protocol.PositionSideLong {
		return protocol.OrderSideSell
	}
	return protocol.OrderSideBuy
}

// levelsOrdered checks the protective levels against the entry for the
// side: stop below entry below target for longs, inverted for shorts.
// Unset levels pass.
func levelsOrdered(side protocol.PositionSide, stop, entry, tp decimal.Decimal) bool {
	if side == protocol.PositionSideLong {
		if stop.IsPositive() && !stop.LessThan(entry) {
			return false
		}
		if tp.IsPositive() && !tp.GreaterThan(entry) {
			return false
		}
		return true
	}
	if stop.IsPositive() && !stop.GreaterThan(entry) {
		return false
	}
	if tp.IsPositive() && !tp.LessThan(entry) {
		return false
	}
	return true
}

// Stats summarizes closed-trade performance, aggregated by the store over
// the positions table.
type Stats struct {
	TotalTrades  int64           `json:"total_trades"`
	Wins         int64           `json:"winning_trades"`
	Losses       int64           `json:"losing_trades"`
	WinRate      float64         `json:"win_rate"`
	AverageWin   float64         `json:"average_win"`
	AverageLoss  float64         `json:"average_loss"`
	ProfitFactor float64         `json:"profit_factor"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
}

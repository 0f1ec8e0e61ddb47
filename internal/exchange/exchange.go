// Package exchange provides the venue capability behind the execution
// worker: order placement, cancellation, fill streaming, and lot/tick
// quantization. Paper implements the venue in process for paper trading;
// Binance adapts the live spot API. Both satisfy the same interface, so the
// executor never knows which venue it is talking to.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// ErrNoMark is returned when a venue has no mark price for a symbol.
var ErrNoMark = errors.New("no mark price for symbol")

// ErrUnknownOrder is returned when an order reference does not resolve.
var ErrUnknownOrder = errors.New("unknown order")

// Exchange is the venue contract. Every call takes a context carrying the
// configured deadline; failures are typed (see Error) so callers can decide
// between retrying and surfacing.
type Exchange interface {
	// PlaceOrder submits an order. The client-generated ClientID is echoed
	// by the venue, so a retried placement with the same id must not create
	// a duplicate order.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, ref OrderRef) error

	// FetchOrder returns the venue's current view of an order.
	FetchOrder(ctx context.Context, ref OrderRef) (*OrderState, error)

	// StreamFills returns a channel of fill events for this account. The
	// channel closes when ctx is cancelled.
	StreamFills(ctx context.Context) (<-chan Fill, error)

	// QuantizeQuantity floors a quantity to the symbol's lot step.
	QuantizeQuantity(symbol string, quantity decimal.Decimal) decimal.Decimal

	// QuantizePrice floors a price to the symbol's tick size.
	QuantizePrice(symbol string, price decimal.Decimal) decimal.Decimal

	// MarkPrice returns the venue's current mark for a symbol.
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// OrderRequest carries the parameters for a new order. Price is required
// for limit orders; StopPrice is the trigger for stop-loss and take-profit
// orders.
type OrderRequest struct {
	ClientID  uuid.UUID          `json:"client_id"`
	Symbol    string             `json:"symbol"`
	Side      protocol.OrderSide `json:"side"`
	Type      protocol.OrderType `json:"type"`
	Quantity  decimal.Decimal    `json:"quantity"`
	Price     decimal.Decimal    `json:"price,omitempty"`
	StopPrice decimal.Decimal    `json:"stop_price,omitempty"`
}

// OrderRef identifies an order on a venue. ExchangeID is the venue's own
// id, stored as a foreign reference alongside the client id but never used
// as a key. Symbol rides along because some venues scope order lookups to
// the symbol.
type OrderRef struct {
	ClientID   uuid.UUID `json:"client_id"`
	ExchangeID string    `json:"exchange_id,omitempty"`
	Symbol     string    `json:"symbol"`
}

// OrderState is a venue's view of an order at a point in time.
type OrderState struct {
	Ref              OrderRef             `json:"ref"`
	Symbol           string               `json:"symbol"`
	Side             protocol.OrderSide   `json:"side"`
	Type             protocol.OrderType   `json:"type"`
	Quantity         decimal.Decimal      `json:"quantity"`
	Price            decimal.Decimal      `json:"price,omitempty"`
	StopPrice        decimal.Decimal      `json:"stop_price,omitempty"`
	Status           protocol.OrderStatus `json:"status"`
	FilledQuantity   decimal.Decimal      `json:"filled_quantity"`
	AverageFillPrice decimal.Decimal      `json:"average_fill_price"`
	Fees             decimal.Decimal      `json:"fees"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// Fill is one execution against an order.
type Fill struct {
	ClientID uuid.UUID          `json:"client_id"`
	TradeID  string             `json:"trade_id,omitempty"`
	Symbol   string             `json:"symbol"`
	Side     protocol.OrderSide `json:"side"`
	Quantity decimal.Decimal    `json:"quantity"`
	Price    decimal.Decimal    `json:"price"`
	Fee      decimal.Decimal    `json:"fee"`
	Maker    bool               `json:"maker"`
	At       time.Time          `json:"at"`
}

// Filters holds a symbol's lot and price constraints.
type Filters struct {
	StepSize    decimal.Decimal `json:"step_size"`
	TickSize    decimal.Decimal `json:"tick_size"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// quantizeStep floors value to a multiple of step. A zero step leaves the
// value untouched, and the operation is idempotent.
func quantizeStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() || value.IsZero() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// validateRequest checks the venue-independent order constraints.
func validateRequest(req OrderRequest) error {
	if req.ClientID == uuid.Nil {
		return reject("place_order", "client order id is required")
	}
	if req.Symbol == "" {
		return reject("place_order", "symbol is required")
	}
	if req.Side != protocol.OrderSideBuy && req.Side != protocol.OrderSideSell {
		return reject("place_order", "invalid order side: %s", req.Side)
	}
	switch req.Type {
	case protocol.OrderTypeMarket:
	case protocol.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return reject("place_order", "limit orders must have a positive price")
		}
	case protocol.OrderTypeStopLoss, protocol.OrderTypeTakeProfit:
		if !req.StopPrice.IsPositive() {
			return reject("place_order", "%s orders must have a positive stop price", req.Type)
		}
	default:
		return reject("place_order", "invalid order type: %s", req.Type)
	}
	if !req.Quantity.IsPositive() {
		return reject("place_order", "quantity must be positive")
	}
	return nil
}

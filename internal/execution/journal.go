package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// OrderRow mirrors one order's lifecycle into the orders table: placement,
// partial fills, and the terminal state. The executor upserts it on every
// transition, keyed by the client order id.
type OrderRow struct {
	OrderID         uuid.UUID            `json:"order_id"`
	Symbol          string               `json:"symbol"`
	Side            protocol.OrderSide   `json:"side"`
	Type            protocol.OrderType   `json:"type"`
	Quantity        decimal.Decimal      `json:"quantity"`
	Price           decimal.Decimal      `json:"price"`
	Status          protocol.OrderStatus `json:"status"`
	CreatedAt       time.Time            `json:"created_at"`
	FilledAt        time.Time            `json:"filled_at,omitempty"`
	FilledPrice     decimal.Decimal      `json:"filled_price"`
	FilledQuantity  decimal.Decimal      `json:"filled_qty"`
	ExchangeOrderID string               `json:"exchange_order_id,omitempty"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
}

// OrderJournal upserts order lifecycle rows. A nil journal disables order
// persistence; the trade log still records executions.
type OrderJournal interface {
	SaveOrder(ctx context.Context, row *OrderRow) error
}

// SetOrderJournal attaches the order lifecycle journal. Call before Run.
func (x *Executor) SetOrderJournal(journal OrderJournal) {
	x.journal = journal
}

// journalOrder mirrors the order's current state into the journal. Best
// effort: order rows are an audit surface, the venue holds the truth.
func (x *Executor) journalOrder(ctx context.Context, snap *orderTrack) {
	if x.journal == nil {
		return
	}

	meta := map[string]any{}
	if snap.cmd.IntentID != uuid.Nil {
		meta["intent_id"] = snap.cmd.IntentID.String()
	}
	if snap.parentPos != uuid.Nil {
		meta["parent_position_id"] = snap.parentPos.String()
	}
	if snap.recovery {
		meta["recovery_close"] = true
	}

	row := &OrderRow{
		OrderID:         snap.cmd.OrderID,
		Symbol:          snap.cmd.Symbol,
		Side:            snap.cmd.Side,
		Type:            snap.cmd.Type,
		Quantity:        snap.quantity,
		Price:           snap.cmd.Price,
		Status:          snap.status,
		CreatedAt:       snap.cmd.CreatedAt,
		FilledPrice:     snap.avgFill,
		FilledQuantity:  snap.filled,
		ExchangeOrderID: snap.ref.ExchangeID,
		Metadata:        meta,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = x.now()
	}
	if snap.status == protocol.OrderStatusFilled {
		row.FilledAt = snap.completed
	}

	if err := x.journal.SaveOrder(ctx, row); err != nil {
		metrics.RecordError("persist_order", componentName)
		x.log.Error().Err(err).Str("order_id", snap.cmd.OrderID.String()).Msg("Failed to journal order")
	}
}

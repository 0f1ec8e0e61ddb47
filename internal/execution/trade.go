package execution

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// Trade is one row in the append-only execution log. Price is the
// volume-weighted average fill price; Metadata carries lineage (intent id,
// parent position for protective orders) and the quality verdict.
type Trade struct {
	ID            uuid.UUID            `json:"id"`
	Exchange      string               `json:"exchange"`
	Symbol        string               `json:"symbol"`
	Side          protocol.OrderSide   `json:"side"`
	Type          protocol.OrderType   `json:"type"`
	Quantity      decimal.Decimal      `json:"quantity"`
	Price         decimal.Decimal      `json:"price"`
	Fee           decimal.Decimal      `json:"fee"`
	Status        protocol.OrderStatus `json:"status"`
	OrderID       uuid.UUID            `json:"order_id"`
	ExecutionTime time.Time            `json:"execution_time"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}

package db

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/tradefabric/internal/execution"
)

// SaveOrder upserts one row of the order journal. The executor mirrors
// every lifecycle transition here keyed by the deterministic client order
// id, so the latest write wins: a fill arriving after a redelivered submit
// leaves the row at the fill's status, not back at OPEN.
func (db *DB) SaveOrder(ctx context.Context, row *execution.OrderRow) error {
	meta, err := metadataJSON(row.Metadata)
	if err != nil {
		return fmt.Errorf("save order %s: %w", row.OrderID, err)
	}

	query := `
		INSERT INTO orders (
			order_id, symbol, side, type, qty, price, status,
			created_at, filled_at, filled_price, filled_qty,
			exchange_order_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (order_id) DO UPDATE SET
			status            = EXCLUDED.status,
			filled_at         = EXCLUDED.filled_at,
			filled_price      = EXCLUDED.filled_price,
			filled_qty        = EXCLUDED.filled_qty,
			exchange_order_id = EXCLUDED.exchange_order_id,
			metadata          = EXCLUDED.metadata`

	_, err = db.pool.Exec(ctx, query,
		row.OrderID,
		row.Symbol,
		string(row.Side),
		string(row.Type),
		row.Quantity,
		nullDecimal(row.Price),
		string(row.Status),
		row.CreatedAt,
		nullTime(row.FilledAt),
		nullDecimal(row.FilledPrice),
		row.FilledQuantity,
		nullString(row.ExchangeOrderID),
		meta,
	)
	if err != nil {
		return fmt.Errorf("save order %s: %w", row.OrderID, err)
	}
	return nil
}

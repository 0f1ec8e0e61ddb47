package db

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/tradefabric/internal/execution"
)

// RecordTrade appends one execution to the trade log. The executor derives
// trade ids from order ids, so a replayed finalize inserts nothing new.
func (db *DB) RecordTrade(ctx context.Context, trade *execution.Trade) error {
	query := `
		INSERT INTO trades (
			id, exchange, symbol, side, type, qty, price, fee, status,
			order_id, execution_time, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (id) DO NOTHING
	`

	meta, err := metadataJSON(trade.Metadata)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx, query,
		trade.ID,
		trade.Exchange,
		trade.Symbol,
		trade.Side,
		trade.Type,
		trade.Quantity,
		trade.Price,
		trade.Fee,
		trade.Status,
		trade.OrderID,
		trade.ExecutionTime,
		meta,
	)
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return nil
}

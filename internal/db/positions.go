package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/position"
)

// CreatePosition inserts a new open position row. A second OPEN row for the
// same (exchange, symbol) collides with the partial unique index and
// surfaces as position.ErrDuplicateOpen, which the manager treats as an
// invariant violation.
func (db *DB) CreatePosition(ctx context.Context, p *position.Position) error {
	query := `
		INSERT INTO positions (
			id, exchange, symbol, side, qty, entry_price, current_price,
			unrealized_pnl, realized_pnl, stop_loss, take_profit, status, opened_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`

	_, err := db.pool.Exec(ctx, query,
		p.ID,
		p.Exchange,
		p.Symbol,
		p.Side,
		p.Quantity,
		p.EntryPrice,
		p.CurrentPrice,
		p.UnrealizedPnL,
		p.RealizedPnL,
		nullDecimal(p.StopLoss),
		nullDecimal(p.TakeProfit),
		p.Status,
		p.OpenedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("position for %s %s: %w", p.Exchange, p.Symbol, position.ErrDuplicateOpen)
		}
		return fmt.Errorf("create position: %w", err)
	}
	return nil
}

// UpdatePosition persists a position mutation. The row must exist.
func (db *DB) UpdatePosition(ctx context.Context, p *position.Position) error {
	query := `
		UPDATE positions
		SET
			qty = $2,
			entry_price = $3,
			current_price = $4,
			unrealized_pnl = $5,
			realized_pnl = $6,
			stop_loss = $7,
			take_profit = $8,
			status = $9,
			closed_at = $10
		WHERE id = $1
	`

	tag, err := db.pool.Exec(ctx, query,
		p.ID,
		p.Quantity,
		p.EntryPrice,
		p.CurrentPrice,
		p.UnrealizedPnL,
		p.RealizedPnL,
		nullDecimal(p.StopLoss),
		nullDecimal(p.TakeProfit),
		p.Status,
		nullTime(p.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", p.ID, position.ErrNotFound)
	}
	return nil
}

// OpenPositions returns every open position on an exchange, oldest first.
// The manager replays these into memory at startup.
func (db *DB) OpenPositions(ctx context.Context, exchange string) ([]*position.Position, error) {
	query := `
		SELECT
			id, exchange, symbol, side, qty, entry_price, current_price,
			unrealized_pnl, realized_pnl, stop_loss, take_profit, status, opened_at
		FROM positions
		WHERE exchange = $1 AND status = 'OPEN'
		ORDER BY opened_at ASC
	`

	rows, err := db.pool.Query(ctx, query, exchange)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var positions []*position.Position
	for rows.Next() {
		var p position.Position
		var stopLoss, takeProfit decimal.NullDecimal
		if err := rows.Scan(
			&p.ID,
			&p.Exchange,
			&p.Symbol,
			&p.Side,
			&p.Quantity,
			&p.EntryPrice,
			&p.CurrentPrice,
			&p.UnrealizedPnL,
			&p.RealizedPnL,
			&stopLoss,
			&takeProfit,
			&p.Status,
			&p.OpenedAt,
		); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		p.StopLoss = stopLoss.Decimal
		p.TakeProfit = takeProfit.Decimal
		positions = append(positions, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}
	return positions, nil
}

// Stats aggregates realized performance over closed positions, optionally
// filtered to one symbol. A fresh book returns zeroes.
func (db *DB) Stats(ctx context.Context, symbol string) (position.Stats, error) {
	query := `
		SELECT
			COUNT(*) AS total_trades,
			COUNT(*) FILTER (WHERE realized_pnl > 0) AS winning_trades,
			COUNT(*) FILTER (WHERE realized_pnl < 0) AS losing_trades,
			COALESCE(AVG(realized_pnl) FILTER (WHERE realized_pnl > 0), 0) AS average_win,
			COALESCE(ABS(AVG(realized_pnl) FILTER (WHERE realized_pnl < 0)), 0) AS average_loss,
			COALESCE(SUM(realized_pnl) FILTER (WHERE realized_pnl > 0), 0) AS gross_profit,
			COALESCE(ABS(SUM(realized_pnl) FILTER (WHERE realized_pnl < 0)), 0) AS gross_loss,
			COALESCE(SUM(realized_pnl), 0) AS total_pnl
		FROM positions
		WHERE status = 'CLOSED'
	`

	args := []any{}
	if symbol != "" {
		query += " AND symbol = $1"
		args = append(args, symbol)
	}

	var s position.Stats
	var grossProfit, grossLoss float64
	err := db.pool.QueryRow(ctx, query, args...).Scan(
		&s.TotalTrades,
		&s.Wins,
		&s.Losses,
		&s.AverageWin,
		&s.AverageLoss,
		&grossProfit,
		&grossLoss,
		&s.TotalPnL,
	)
	if err != nil {
		return position.Stats{}, fmt.Errorf("aggregate position stats: %w", err)
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossProfit / grossLoss
	}
	return s, nil
}

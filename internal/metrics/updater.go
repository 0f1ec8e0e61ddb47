package metrics

import (
	"context"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Updater periodically recomputes portfolio-level metrics from the database.
// Flow metrics (signals, intents, orders) are incremented inline by the
// workers; this loop covers the aggregates that need SQL.
type Updater struct {
	db             *pgxpool.Pool
	interval       time.Duration
	initialCapital float64
	stopCh         chan struct{}
}

// NewUpdater creates a new metrics updater. initialCapital normalizes the
// return gauges; zero or negative falls back to 10000.
func NewUpdater(db *pgxpool.Pool, interval time.Duration, initialCapital float64) *Updater {
	if initialCapital <= 0 {
		initialCapital = 10000
	}
	return &Updater{
		db:             db,
		interval:       interval,
		initialCapital: initialCapital,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the metrics update loop
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	// Update immediately on start
	u.update(ctx)

	for {
		select {
		case <-ticker.C:
			u.update(ctx)
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater
func (u *Updater) Stop() {
	close(u.stopCh)
}

// update fetches and updates all metrics
func (u *Updater) update(ctx context.Context) {
	log.Debug().Msg("Updating metrics from database")

	u.updateTradingMetrics(ctx)
	u.updatePositionMetrics(ctx)
	u.updatePoolMetrics()

	log.Debug().Msg("Metrics updated successfully")
}

// updateTradingMetrics updates realized performance metrics. Realized P&L
// accrues on positions when they close, so the aggregates read closed
// positions rather than the fill-level trade log.
func (u *Updater) updateTradingMetrics(ctx context.Context) {
	var totalPnL float64
	var totalTrades, winningTrades int64

	query := `
		SELECT
			COALESCE(SUM(realized_pnl), 0) as total_pnl,
			COUNT(*) as total_trades,
			COUNT(*) FILTER (WHERE realized_pnl > 0) as winning_trades
		FROM positions
		WHERE status = 'CLOSED'
	`

	err := u.db.QueryRow(ctx, query).Scan(&totalPnL, &totalTrades, &winningTrades)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch trading metrics")
		return
	}

	TotalPnL.Set(totalPnL)
	TotalTrades.Set(float64(totalTrades))

	if totalTrades > 0 {
		WinRate.Set(float64(winningTrades) / float64(totalTrades))
	} else {
		WinRate.Set(0)
	}

	var avgWin, avgLoss float64
	query = `
		SELECT
			COALESCE(AVG(realized_pnl) FILTER (WHERE realized_pnl > 0), 0) as avg_win,
			COALESCE(ABS(AVG(realized_pnl) FILTER (WHERE realized_pnl < 0)), 0) as avg_loss
		FROM positions
		WHERE status = 'CLOSED'
	`

	err = u.db.QueryRow(ctx, query).Scan(&avgWin, &avgLoss)
	if err == nil && avgLoss > 0 {
		RiskRewardRatio.Set(avgWin / avgLoss)
	}

	u.updateDrawdownMetrics(ctx)
	u.updateReturnMetrics(ctx)
	u.updateSharpeRatio(ctx)
}

// updateDrawdownMetrics calculates current drawdown from the realized equity
// curve
func (u *Updater) updateDrawdownMetrics(ctx context.Context) {
	query := `
		WITH cumulative_pnl AS (
			SELECT
				closed_at,
				SUM(realized_pnl) OVER (ORDER BY closed_at) as cumulative_pnl
			FROM positions
			WHERE status = 'CLOSED'
			ORDER BY closed_at
		),
		peak_pnl AS (
			SELECT
				closed_at,
				cumulative_pnl,
				MAX(cumulative_pnl) OVER (ORDER BY closed_at) as peak
			FROM cumulative_pnl
		)
		SELECT
			COALESCE(
				CASE
					WHEN MAX(peak) > 0 THEN (MAX(peak) - MIN(cumulative_pnl)) / MAX(peak)
					ELSE 0
				END,
				0
			) as max_drawdown
		FROM peak_pnl
	`

	var drawdown float64
	err := u.db.QueryRow(ctx, query).Scan(&drawdown)
	if err == nil {
		CurrentDrawdown.Set(drawdown)
	}
}

// updateReturnMetrics calculates daily, weekly, and monthly returns
func (u *Updater) updateReturnMetrics(ctx context.Context) {
	windows := []struct {
		interval string
		gauge    func(float64)
	}{
		{"1 day", DailyReturn.Set},
		{"7 days", WeeklyReturn.Set},
		{"30 days", MonthlyReturn.Set},
	}

	for _, w := range windows {
		query := `
			SELECT COALESCE(SUM(realized_pnl), 0)
			FROM positions
			WHERE status = 'CLOSED' AND closed_at >= NOW() - INTERVAL '` + w.interval + `'
		`

		var pnl float64
		if err := u.db.QueryRow(ctx, query).Scan(&pnl); err != nil {
			log.Error().Err(err).Str("window", w.interval).Msg("Failed to fetch return metrics")
			continue
		}
		w.gauge(pnl / u.initialCapital)
	}
}

// updateSharpeRatio calculates the Sharpe ratio from the last 30 days of
// daily returns
func (u *Updater) updateSharpeRatio(ctx context.Context) {
	query := `
		SELECT
			DATE(closed_at) as trade_date,
			SUM(realized_pnl) as daily_pnl
		FROM positions
		WHERE status = 'CLOSED' AND closed_at >= NOW() - INTERVAL '30 days'
		GROUP BY DATE(closed_at)
		ORDER BY trade_date
	`

	rows, err := u.db.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to calculate Sharpe ratio")
		return
	}
	defer rows.Close()

	var returns []float64
	for rows.Next() {
		var date time.Time
		var pnl float64
		if err := rows.Scan(&date, &pnl); err != nil {
			continue
		}
		returns = append(returns, pnl/u.initialCapital)
	}

	if len(returns) > 1 {
		var sum float64
		for _, r := range returns {
			sum += r
		}
		mean := sum / float64(len(returns))

		var variance float64
		for _, r := range returns {
			diff := r - mean
			variance += diff * diff
		}
		variance /= float64(len(returns))
		stdDev := math.Sqrt(variance)

		// Risk-free rate of 0; crypto trades every day of the year.
		if stdDev > 0 {
			SharpeRatio.Set(mean / stdDev * math.Sqrt(365))
		}
	}
}

// updatePositionMetrics updates open-position gauges
func (u *Updater) updatePositionMetrics(ctx context.Context) {
	var openCount int64
	query := `SELECT COUNT(*) FROM positions WHERE status = 'OPEN'`
	err := u.db.QueryRow(ctx, query).Scan(&openCount)
	if err == nil {
		OpenPositions.Set(float64(openCount))
	}

	query = `
		SELECT
			symbol,
			SUM(qty * COALESCE(NULLIF(current_price, 0), entry_price)) as position_value
		FROM positions
		WHERE status = 'OPEN'
		GROUP BY symbol
	`

	rows, err := u.db.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch position values")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var symbol string
		var value float64
		if err := rows.Scan(&symbol, &value); err != nil {
			continue
		}
		UpdatePositionValue(symbol, value)
	}
}

// updatePoolMetrics reports connection pool pressure
func (u *Updater) updatePoolMetrics() {
	if u.db == nil {
		return
	}
	stat := u.db.Stat()
	UpdateDatabaseConnections(stat.AcquiredConns(), stat.IdleConns())
}

package execution

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// Quality is the post-trade analysis of one completed order: slippage
// against the pre-trade expected price, total execution cost, and a
// composite 0-100 score weighting slippage 50%, cost 30% and speed 20%.
type Quality struct {
	// SlippagePct is the side-adjusted slippage fraction: positive means
	// adverse (paid more buying, received less selling).
	SlippagePct float64
	SlippageBps float64
	// SlippageCost is the absolute value the slippage moved, in quote units.
	SlippageCost decimal.Decimal
	// Favorable is true when the fill beat the expected price.
	Favorable bool
	// TotalCost is fees plus the absolute slippage value.
	TotalCost decimal.Decimal
	// CostPct is TotalCost as a fraction of gross notional.
	CostPct    float64
	SpeedScore float64
	Score      float64
	Rating     protocol.QualityRating
}

// AnalyzeFill scores one execution. Expected is the pre-trade reference
// price (decision-time mid for market orders, the quoted price for limits,
// the trigger for protective orders); actual is the volume-weighted fill
// price. A non-positive expected price yields zero slippage, so callers
// that could not capture a reference still get cost and speed scored.
func AnalyzeFill(side protocol.OrderSide, expected, actual, quantity, fees decimal.Decimal, latency time.Duration) Quality {
	var q Quality

	slipPerUnit := decimal.Zero
	if expected.IsPositive() && actual.IsPositive() {
		slipPerUnit = actual.Sub(expected)
		if side == protocol.OrderSideSell {
			slipPerUnit = slipPerUnit.Neg()
		}
		q.SlippagePct = slipPerUnit.Div(expected).InexactFloat64()
		q.SlippageBps = q.SlippagePct * 10000
		q.Favorable = slipPerUnit.IsNegative()
	}
	q.SlippageCost = slipPerUnit.Mul(quantity).Abs()

	q.TotalCost = fees.Add(q.SlippageCost)
	gross := actual.Mul(quantity)
	if gross.IsPositive() {
		q.CostPct = q.TotalCost.Div(gross).InexactFloat64()
	}

	q.SpeedScore = clampUnit(1-latency.Seconds()/10) * 100

	slipScore := (1 - clampTo(math.Abs(q.SlippagePct), 0.01)/0.01) * 100
	costScore := (1 - clampTo(q.CostPct, 0.01)/0.01) * 100
	q.Score = math.Round((0.5*slipScore+0.3*costScore+0.2*q.SpeedScore)*10) / 10
	q.Rating = ratingFor(math.Abs(q.SlippagePct))

	return q
}

// ratingFor buckets absolute slippage (as a fraction) into the quality
// bands: under 0.1% excellent, 0.3% good, 0.5% acceptable, 1% poor,
// beyond that very poor.
func ratingFor(absSlippage float64) protocol.QualityRating {
	switch {
	case absSlippage < 0.001:
		return protocol.QualityExcellent
	case absSlippage < 0.003:
		return protocol.QualityGood
	case absSlippage < 0.005:
		return protocol.QualityAcceptable
	case absSlippage < 0.01:
		return protocol.QualityPoor
	default:
		return protocol.QualityVeryPoor
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampTo(v, ceiling float64) float64 {
	if v < 0 {
		return 0
	}
	if v > ceiling {
		return ceiling
	}
	return v
}

// BenchmarkSummary aggregates execution quality over tracked reports.
type BenchmarkSummary struct {
	TotalExecutions     int             `json:"total_executions"`
	AverageSlippagePct  float64         `json:"average_slippage_pct"`
	AverageCostPct      float64         `json:"average_cost_pct"`
	AverageQualityScore float64         `json:"average_quality_score"`
	FavorableRate       float64         `json:"favorable_rate"`
	TotalVolume         decimal.Decimal `json:"total_volume"`
	TotalFees           decimal.Decimal `json:"total_fees"`
}

// Benchmark tracks completed executions and answers aggregate quality
// queries, optionally filtered by symbol.
type Benchmark struct {
	mu      sync.Mutex
	reports []protocol.ExecutionReport
}

// NewBenchmark returns an empty benchmark tracker.
func NewBenchmark() *Benchmark {
	return &Benchmark{}
}

// Add records a completed execution.
func (b *Benchmark) Add(report protocol.ExecutionReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, report)
}

// Summary aggregates tracked executions. An empty symbol aggregates across
// all symbols.
func (b *Benchmark) Summary(symbol string) BenchmarkSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	summary := BenchmarkSummary{
		TotalVolume: decimal.Zero,
		TotalFees:   decimal.Zero,
	}
	var favorable int
	for _, r := range b.reports {
		if symbol != "" && r.Symbol != symbol {
			continue
		}
		summary.TotalExecutions++
		summary.AverageSlippagePct += r.SlippagePct
		summary.AverageCostPct += r.CostPct
		summary.AverageQualityScore += r.QualityScore
		summary.TotalVolume = summary.TotalVolume.Add(r.Notional)
		summary.TotalFees = summary.TotalFees.Add(r.Fees)
		if r.Favorable {
			favorable++
		}
	}
	if summary.TotalExecutions == 0 {
		return summary
	}

	n := float64(summary.TotalExecutions)
	summary.AverageSlippagePct /= n
	summary.AverageCostPct /= n
	summary.AverageQualityScore /= n
	summary.FavorableRate = float64(favorable) / n
	return summary
}

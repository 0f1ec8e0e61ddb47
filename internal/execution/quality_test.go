package execution

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

func qdec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	return decimal.RequireFromString(s)
}

func TestAnalyzeFillPerfectExecution(t *testing.T) {
	q := AnalyzeFill(protocol.OrderSideBuy, qdec(t, "50000"), qdec(t, "50000"), qdec(t, "0.1"), decimal.Zero, 0)

	assert.Zero(t, q.SlippagePct)
	assert.Zero(t, q.SlippageBps)
	assert.False(t, q.Favorable)
	assert.True(t, q.TotalCost.IsZero())
	assert.Equal(t, 100.0, q.SpeedScore)
	assert.Equal(t, 100.0, q.Score)
	assert.Equal(t, protocol.QualityExcellent, q.Rating)
}

func TestAnalyzeFillAdverseBuy(t *testing.T) {
	// Paid 50200 against an expected 50000: 0.4% adverse.
	q := AnalyzeFill(protocol.OrderSideBuy, qdec(t, "50000"), qdec(t, "50200"), qdec(t, "0.1"), decimal.Zero, 2*time.Second)

	assert.InDelta(t, 0.004, q.SlippagePct, 1e-9)
	assert.InDelta(t, 40, q.SlippageBps, 1e-6)
	assert.False(t, q.Favorable)
	assert.True(t, q.SlippageCost.Equal(qdec(t, "20")), "slippage cost %s", q.SlippageCost)
	assert.Equal(t, protocol.QualityAcceptable, q.Rating)

	// 0.5*60 + 0.3*~60.16 + 0.2*80, rounded to one decimal.
	assert.InDelta(t, 64.0, q.Score, 0.05)
}

func TestAnalyzeFillFavorableSell(t *testing.T) {
	// Sold above the expected price: favorable slippage is negative.
	q := AnalyzeFill(protocol.OrderSideSell, qdec(t, "50000"), qdec(t, "50100"), qdec(t, "0.1"), decimal.Zero, 0)

	assert.InDelta(t, -0.002, q.SlippagePct, 1e-9)
	assert.True(t, q.Favorable)
	assert.Equal(t, protocol.QualityGood, q.Rating)
	assert.True(t, q.SlippageCost.Equal(qdec(t, "10")))
}

func TestAnalyzeFillSlippageBeyondCapScoresZero(t *testing.T) {
	// 2% adverse slippage saturates the slippage component.
	q := AnalyzeFill(protocol.OrderSideBuy, qdec(t, "100"), qdec(t, "102"), qdec(t, "1"), decimal.Zero, 0)

	assert.Equal(t, protocol.QualityVeryPoor, q.Rating)
	// Cost is saturated too (2% of gross): only the speed component scores.
	assert.InDelta(t, 20.0, q.Score, 0.05)
}

func TestAnalyzeFillSpeedPenalty(t *testing.T) {
	fast := AnalyzeFill(protocol.OrderSideBuy, qdec(t, "50000"), qdec(t, "50000"), qdec(t, "0.1"), decimal.Zero, 0)
	mid := AnalyzeFill(protocol.OrderSideBuy, qdec(t, "50000"), qdec(t, "50000"), qdec(t, "0.1"), decimal.Zero, 5*time.Second)
	slow := AnalyzeFill(protocol.OrderSideBuy, qdec(t, "50000"), qdec(t, "50000"), qdec(t, "0.1"), decimal.Zero, 30*time.Second)

	assert.Equal(t, 100.0, fast.SpeedScore)
	assert.InDelta(t, 50.0, mid.SpeedScore, 1e-9)
	assert.Zero(t, slow.SpeedScore)

	assert.Equal(t, 100.0, fast.Score)
	assert.InDelta(t, 90.0, mid.Score, 0.05)
	assert.InDelta(t, 80.0, slow.Score, 0.05)
}

func TestAnalyzeFillFeesDriveCost(t *testing.T) {
	// 50 in fees on a 5000 notional is a 1% cost: the cost component zeroes.
	q := AnalyzeFill(protocol.OrderSideBuy, qdec(t, "50000"), qdec(t, "50000"), qdec(t, "0.1"), qdec(t, "50"), 0)

	assert.InDelta(t, 0.01, q.CostPct, 1e-9)
	assert.True(t, q.TotalCost.Equal(qdec(t, "50")))
	assert.InDelta(t, 70.0, q.Score, 0.05)
}

func TestAnalyzeFillWithoutExpectedPrice(t *testing.T) {
	q := AnalyzeFill(protocol.OrderSideBuy, decimal.Zero, qdec(t, "50000"), qdec(t, "0.1"), qdec(t, "5"), time.Second)

	assert.Zero(t, q.SlippagePct)
	assert.False(t, q.Favorable)
	assert.True(t, q.SlippageCost.IsZero())
	assert.True(t, q.TotalCost.Equal(qdec(t, "5")))
}

func TestRatingBands(t *testing.T) {
	cases := []struct {
		slippage float64
		want     protocol.QualityRating
	}{
		{0.0005, protocol.QualityExcellent},
		{0.001, protocol.QualityGood},
		{0.002, protocol.QualityGood},
		{0.003, protocol.QualityAcceptable},
		{0.004, protocol.QualityAcceptable},
		{0.005, protocol.QualityPoor},
		{0.007, protocol.QualityPoor},
		{0.01, protocol.QualityVeryPoor},
		{0.02, protocol.QualityVeryPoor},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ratingFor(tc.slippage), "slippage %f", tc.slippage)
	}
}

func TestBenchmarkSummary(t *testing.T) {
	b := NewBenchmark()
	b.Add(protocol.ExecutionReport{
		Symbol: "BTC/USDT", SlippagePct: 0.002, CostPct: 0.003,
		QualityScore: 80, Favorable: false,
		Notional: qdec(t, "5000"), Fees: qdec(t, "5"),
	})
	b.Add(protocol.ExecutionReport{
		Symbol: "BTC/USDT", SlippagePct: -0.001, CostPct: 0.002,
		QualityScore: 90, Favorable: true,
		Notional: qdec(t, "3000"), Fees: qdec(t, "3"),
	})
	b.Add(protocol.ExecutionReport{
		Symbol: "ETH/USDT", SlippagePct: 0.004, CostPct: 0.005,
		QualityScore: 60, Favorable: false,
		Notional: qdec(t, "2000"), Fees: qdec(t, "2"),
	})

	all := b.Summary("")
	assert.Equal(t, 3, all.TotalExecutions)
	assert.InDelta(t, (0.002-0.001+0.004)/3, all.AverageSlippagePct, 1e-12)
	assert.InDelta(t, (80.0+90+60)/3, all.AverageQualityScore, 1e-9)
	assert.InDelta(t, 1.0/3, all.FavorableRate, 1e-12)
	assert.True(t, all.TotalVolume.Equal(qdec(t, "10000")))
	assert.True(t, all.TotalFees.Equal(qdec(t, "10")))

	btc := b.Summary("BTC/USDT")
	assert.Equal(t, 2, btc.TotalExecutions)
	assert.InDelta(t, 0.5, btc.FavorableRate, 1e-12)
	assert.True(t, btc.TotalVolume.Equal(qdec(t, "8000")))

	empty := b.Summary("SOL/USDT")
	assert.Zero(t, empty.TotalExecutions)
	assert.Zero(t, empty.FavorableRate)
}

package portfolio

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(t, want).Equal(got), "want %s, got %s", want, got.String())
}

func TestBookLongRoundTrip(t *testing.T) {
	b := NewBook(dec(t, "10000"))

	// Open long 0.02 BTC at 50000, fee 1: cash drops by notional plus fee.
	b.Settle(dec(t, "-1001"), decimal.Zero)
	b.SetHolding(Holding{
		Symbol:     "BTC/USDT",
		Side:       protocol.PositionSideLong,
		Quantity:   dec(t, "0.02"),
		EntryPrice: dec(t, "50000"),
		StopLoss:   dec(t, "48100"),
	})

	snap := b.Snapshot()
	assertDecimal(t, "9999", snap.Equity) // seed minus fee, entry used as mark
	assertDecimal(t, "0", snap.UnrealizedPnL)
	assert.Equal(t, 1, snap.OpenPositions)
	assertDecimal(t, "1000", snap.Exposure["BTC/USDT"])
	assert.InDelta(t, 38.0/9999.0, snap.RiskFraction, 1e-9)

	require.True(t, b.MarkToMarket("BTC/USDT", dec(t, "54100")))

	snap = b.Snapshot()
	assertDecimal(t, "10081", snap.Equity)
	assertDecimal(t, "82", snap.UnrealizedPnL)
	assertDecimal(t, "1082", snap.Exposure["BTC/USDT"])

	// Close at 54100, fee 1.082: cash receives notional minus fee.
	b.Settle(dec(t, "1080.918"), dec(t, "79.918"))
	b.DropHolding("BTC/USDT")

	snap = b.Snapshot()
	assertDecimal(t, "10079.918", snap.Equity)
	assertDecimal(t, "10079.918", snap.Cash)
	assertDecimal(t, "79.918", snap.RealizedPnL)
	assertDecimal(t, "0", snap.UnrealizedPnL)
	assert.Equal(t, 0, snap.OpenPositions)
	assert.Zero(t, snap.RiskFraction)

	// Round trip: equity equals the seed plus realized P&L.
	assertDecimal(t, "10079.918", dec(t, "10000").Add(snap.RealizedPnL))
}

func TestBookShortRoundTrip(t *testing.T) {
	b := NewBook(dec(t, "10000"))

	// Open short 0.1 ETH at 3000, fee 0.3: cash receives notional minus fee.
	b.Settle(dec(t, "299.7"), decimal.Zero)
	b.SetHolding(Holding{
		Symbol:     "ETH/USDT",
		Side:       protocol.PositionSideShort,
		Quantity:   dec(t, "0.1"),
		EntryPrice: dec(t, "3000"),
	})

	snap := b.Snapshot()
	assertDecimal(t, "9999.7", snap.Equity)
	assertDecimal(t, "300", snap.Exposure["ETH/USDT"])

	require.True(t, b.MarkToMarket("ETH/USDT", dec(t, "2700")))

	snap = b.Snapshot()
	assertDecimal(t, "10029.7", snap.Equity)
	assertDecimal(t, "30", snap.UnrealizedPnL)
	assertDecimal(t, "270", snap.Exposure["ETH/USDT"])

	// Close at 2700, fee 0.27: buy back costs notional plus fee.
	b.Settle(dec(t, "-270.27"), dec(t, "29.43"))
	b.DropHolding("ETH/USDT")

	snap = b.Snapshot()
	assertDecimal(t, "10029.43", snap.Equity)
	assertDecimal(t, "29.43", snap.RealizedPnL)
	assertDecimal(t, "10029.43", dec(t, "10000").Add(snap.RealizedPnL))
}

func TestBookShortLossRoundTrip(t *testing.T) {
	b := NewBook(dec(t, "10000"))

	b.Settle(dec(t, "300"), decimal.Zero)
	b.SetHolding(Holding{
		Symbol:     "ETH/USDT",
		Side:       protocol.PositionSideShort,
		Quantity:   dec(t, "0.1"),
		EntryPrice: dec(t, "3000"),
	})

	require.True(t, b.MarkToMarket("ETH/USDT", dec(t, "3300")))

	snap := b.Snapshot()
	assertDecimal(t, "9970", snap.Equity)
	assertDecimal(t, "-30", snap.UnrealizedPnL)

	b.Settle(dec(t, "-330"), dec(t, "-30"))
	b.DropHolding("ETH/USDT")

	snap = b.Snapshot()
	assertDecimal(t, "9970", snap.Equity)
	assertDecimal(t, "-30", snap.RealizedPnL)
}

func TestBookRiskFractionCountsStops(t *testing.T) {
	b := NewBook(dec(t, "10000"))

	b.SetHolding(Holding{
		Symbol:     "BTC/USDT",
		Side:       protocol.PositionSideLong,
		Quantity:   dec(t, "0.02"),
		EntryPrice: dec(t, "50000"),
	})

	// No stop tracked yet: nothing committed.
	assert.Zero(t, b.Snapshot().RiskFraction)

	require.True(t, b.SetStop("BTC/USDT", dec(t, "48000")))

	snap := b.Snapshot()
	// 2000 * 0.02 = 40 at risk against 11000 equity.
	assert.InDelta(t, 40.0/11000.0, snap.RiskFraction, 1e-9)
}

func TestBookRiskFractionShortStop(t *testing.T) {
	b := NewBook(dec(t, "10000"))

	b.SetHolding(Holding{
		Symbol:     "ETH/USDT",
		Side:       protocol.PositionSideShort,
		Quantity:   dec(t, "1"),
		EntryPrice: dec(t, "3000"),
		StopLoss:   dec(t, "3150"),
	})

	snap := b.Snapshot()
	// Stop above entry on a short still counts its distance.
	assert.InDelta(t, 150.0/7000.0, snap.RiskFraction, 1e-9)
}

func TestBookUnknownSymbol(t *testing.T) {
	b := NewBook(dec(t, "10000"))

	assert.False(t, b.MarkToMarket("BTC/USDT", dec(t, "50000")))
	assert.False(t, b.SetStop("BTC/USDT", dec(t, "48000")))

	_, ok := b.Holding("BTC/USDT")
	assert.False(t, ok)
}

func TestBookHoldingsSorted(t *testing.T) {
	b := NewBook(dec(t, "10000"))

	b.SetHolding(Holding{Symbol: "ETH/USDT", Side: protocol.PositionSideLong, Quantity: dec(t, "1"), EntryPrice: dec(t, "3000")})
	b.SetHolding(Holding{Symbol: "BTC/USDT", Side: protocol.PositionSideLong, Quantity: dec(t, "0.1"), EntryPrice: dec(t, "50000")})

	holdings := b.Holdings()
	require.Len(t, holdings, 2)
	assert.Equal(t, "BTC/USDT", holdings[0].Symbol)
	assert.Equal(t, "ETH/USDT", holdings[1].Symbol)
}

func TestBookSetHoldingReplaces(t *testing.T) {
	b := NewBook(dec(t, "10000"))

	b.SetHolding(Holding{Symbol: "BTC/USDT", Side: protocol.PositionSideLong, Quantity: dec(t, "0.02"), EntryPrice: dec(t, "50000")})
	b.SetHolding(Holding{Symbol: "BTC/USDT", Side: protocol.PositionSideLong, Quantity: dec(t, "0.04"), EntryPrice: dec(t, "50500")})

	h, ok := b.Holding("BTC/USDT")
	require.True(t, ok)
	assertDecimal(t, "0.04", h.Quantity)
	assertDecimal(t, "50500", h.EntryPrice)
	assert.Equal(t, 1, b.Snapshot().OpenPositions)
}

func TestHoldingValueFallsBackToEntry(t *testing.T) {
	h := Holding{
		Symbol:     "BTC/USDT",
		Side:       protocol.PositionSideLong,
		Quantity:   decimal.RequireFromString("0.5"),
		EntryPrice: decimal.RequireFromString("40000"),
	}

	assert.True(t, decimal.RequireFromString("20000").Equal(h.Value()))
	assert.True(t, h.UnrealizedPnL().IsZero())
	assert.True(t, h.RiskAmount().IsZero())
}

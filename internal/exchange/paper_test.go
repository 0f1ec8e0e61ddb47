package exchange

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

var paperNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	return decimal.RequireFromString(s)
}

func newTestPaper(t *testing.T) *Paper {
	t.Helper()
	p := NewPaper(zerolog.Nop())
	p.rng = rand.New(rand.NewSource(7))
	p.now = func() time.Time { return paperNow }
	return p
}

func marketReq(t *testing.T, side protocol.OrderSide, qty string) OrderRequest {
	t.Helper()
	return OrderRequest{
		ClientID: uuid.New(),
		Symbol:   "BTC/USDT",
		Side:     side,
		Type:     protocol.OrderTypeMarket,
		Quantity: dec(t, qty),
	}
}

func drainFills(ch <-chan Fill) []Fill {
	var out []Fill
	for {
		select {
		case f := <-ch:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestPaperCustomFees(t *testing.T) {
	fees := config.FeeConfig{
		Maker:        0.0005,
		Taker:        0.002,
		BaseSlippage: 0.001,
		MarketImpact: 0.0002,
		MaxSlippage:  0.005,
	}
	p := NewPaperWithFees(fees, zerolog.Nop())

	assert.Equal(t, 0.0005, p.fees.Maker)
	assert.Equal(t, 0.002, p.fees.Taker)
	assert.Equal(t, 0.001, p.fees.BaseSlippage)
	assert.Equal(t, 0.0002, p.fees.MarketImpact)
	assert.Equal(t, 0.005, p.fees.MaxSlippage)
}

func TestPaperDefaultFees(t *testing.T) {
	p := NewPaper(zerolog.Nop())

	assert.Equal(t, 0.001, p.fees.Maker)
	assert.Equal(t, 0.001, p.fees.Taker)
	assert.Equal(t, 0.0005, p.fees.BaseSlippage)
	assert.Equal(t, 0.0001, p.fees.MarketImpact)
	assert.Equal(t, 0.003, p.fees.MaxSlippage)
}

func TestPaperMarketBuyFillsWithSlippage(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))

	ctx := context.Background()
	ch, err := p.StreamFills(ctx)
	require.NoError(t, err)

	req := marketReq(t, protocol.OrderSideBuy, "0.5")
	ref, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.ClientID, ref.ClientID)
	assert.NotEmpty(t, ref.ExchangeID)

	st, err := p.FetchOrder(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, protocol.OrderStatusFilled, st.Status)
	assert.True(t, st.FilledQuantity.Equal(st.Quantity), "filled %s of %s", st.FilledQuantity, st.Quantity)

	// Buys pay above the mark: base slippage 0.05% plus impact on 25k
	// notional lands just over 50025, and book-depth drift stays small.
	assert.True(t, st.AverageFillPrice.GreaterThanOrEqual(dec(t, "50025.125")),
		"avg fill %s below slipped price", st.AverageFillPrice)
	assert.True(t, st.AverageFillPrice.LessThan(dec(t, "50050")),
		"avg fill %s beyond plausible drift", st.AverageFillPrice)

	fills := drainFills(ch)
	require.GreaterOrEqual(t, len(fills), minTranches)
	require.LessOrEqual(t, len(fills), maxTranches)

	var sum, fees decimal.Decimal
	for _, f := range fills {
		assert.Equal(t, req.ClientID, f.ClientID)
		assert.Equal(t, "BTC/USDT", f.Symbol)
		assert.Equal(t, protocol.OrderSideBuy, f.Side)
		assert.False(t, f.Maker)
		sum = sum.Add(f.Quantity)
		fees = fees.Add(f.Fee)
	}
	assert.True(t, sum.Equal(dec(t, "0.5")), "tranches sum to %s", sum)

	wantFees := st.AverageFillPrice.Mul(dec(t, "0.5")).Mul(dec(t, "0.001"))
	assert.True(t, fees.Sub(wantFees).Abs().LessThan(dec(t, "0.000001")),
		"fees %s vs %s", fees, wantFees)
	assert.True(t, st.Fees.Equal(fees))
}

func TestPaperMarketSellReceivesBelowMark(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))

	ref, err := p.PlaceOrder(context.Background(), marketReq(t, protocol.OrderSideSell, "0.5"))
	require.NoError(t, err)

	st, err := p.FetchOrder(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, protocol.OrderStatusFilled, st.Status)
	assert.True(t, st.AverageFillPrice.LessThanOrEqual(dec(t, "49974.875")),
		"sell avg %s above slipped bid", st.AverageFillPrice)
	assert.True(t, st.AverageFillPrice.GreaterThan(dec(t, "49950")))
}

func TestPaperSlippageCapped(t *testing.T) {
	p := newTestPaper(t)

	// 100 BTC at 50k is 5m notional: raw impact 0.0005 pushes total past
	// the 0.003 cap.
	slip := p.slippage(dec(t, "100"), dec(t, "50000"))
	assert.InDelta(t, 0.001, slip, 1e-9)

	p.fees.MarketImpact = 0.01
	slip = p.slippage(dec(t, "100"), dec(t, "50000"))
	assert.Equal(t, 0.003, slip)
}

func TestPaperPlaceIsIdempotentOnClientID(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))

	ctx := context.Background()
	ch, err := p.StreamFills(ctx)
	require.NoError(t, err)

	req := marketReq(t, protocol.OrderSideBuy, "0.5")
	ref1, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	first := drainFills(ch)
	require.NotEmpty(t, first)

	ref2, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
	assert.Empty(t, drainFills(ch), "replay produced new fills")

	st, err := p.FetchOrder(ctx, ref1)
	require.NoError(t, err)
	assert.True(t, st.FilledQuantity.Equal(dec(t, "0.5")))
}

func TestPaperMarketWithoutMarkRejected(t *testing.T) {
	p := newTestPaper(t)

	_, err := p.PlaceOrder(context.Background(), marketReq(t, protocol.OrderSideBuy, "0.5"))
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))
	assert.ErrorIs(t, err, ErrNoMark)
}

func TestPaperValidatesRequests(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))
	ctx := context.Background()

	cases := []struct {
		name string
		req  OrderRequest
	}{
		{"missing client id", OrderRequest{Symbol: "BTC/USDT", Side: protocol.OrderSideBuy, Type: protocol.OrderTypeMarket, Quantity: dec(t, "1")}},
		{"missing symbol", OrderRequest{ClientID: uuid.New(), Side: protocol.OrderSideBuy, Type: protocol.OrderTypeMarket, Quantity: dec(t, "1")}},
		{"bad side", OrderRequest{ClientID: uuid.New(), Symbol: "BTC/USDT", Side: "HOLD", Type: protocol.OrderTypeMarket, Quantity: dec(t, "1")}},
		{"bad type", OrderRequest{ClientID: uuid.New(), Symbol: "BTC/USDT", Side: protocol.OrderSideBuy, Type: "ICEBERG", Quantity: dec(t, "1")}},
		{"zero quantity", OrderRequest{ClientID: uuid.New(), Symbol: "BTC/USDT", Side: protocol.OrderSideBuy, Type: protocol.OrderTypeMarket}},
		{"limit without price", OrderRequest{ClientID: uuid.New(), Symbol: "BTC/USDT", Side: protocol.OrderSideBuy, Type: protocol.OrderTypeLimit, Quantity: dec(t, "1")}},
		{"stop without trigger", OrderRequest{ClientID: uuid.New(), Symbol: "BTC/USDT", Side: protocol.OrderSideSell, Type: protocol.OrderTypeStopLoss, Quantity: dec(t, "1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.PlaceOrder(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, KindRejected, KindOf(err))
		})
	}
}

func TestPaperFiltersEnforced(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))
	p.SetFilters("BTC/USDT", Filters{
		StepSize:    dec(t, "0.001"),
		TickSize:    dec(t, "0.01"),
		MinQuantity: dec(t, "0.01"),
		MinNotional: dec(t, "10"),
	})
	ctx := context.Background()

	req := marketReq(t, protocol.OrderSideBuy, "0.0125")
	_, err := p.PlaceOrder(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lot step")

	req = marketReq(t, protocol.OrderSideBuy, "0.005")
	_, err = p.PlaceOrder(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")

	req = marketReq(t, protocol.OrderSideBuy, "0.012")
	_, err = p.PlaceOrder(ctx, req)
	require.NoError(t, err)
}

func TestPaperMinNotionalRejected(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))
	p.SetFilters("BTC/USDT", Filters{
		StepSize:    dec(t, "0.0001"),
		MinQuantity: dec(t, "0.0001"),
		MinNotional: dec(t, "10"),
	})

	_, err := p.PlaceOrder(context.Background(), marketReq(t, protocol.OrderSideBuy, "0.0001"))
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))
	assert.Contains(t, err.Error(), "notional")
}

func TestPaperQuantize(t *testing.T) {
	p := newTestPaper(t)
	p.SetFilters("BTC/USDT", Filters{
		StepSize: dec(t, "0.001"),
		TickSize: dec(t, "0.01"),
	})

	q := p.QuantizeQuantity("BTC/USDT", dec(t, "0.0123"))
	assert.True(t, q.Equal(dec(t, "0.012")), "got %s", q)
	assert.True(t, p.QuantizeQuantity("BTC/USDT", q).Equal(q), "quantize not idempotent")

	px := p.QuantizePrice("BTC/USDT", dec(t, "50000.128"))
	assert.True(t, px.Equal(dec(t, "50000.12")), "got %s", px)

	// No filters installed: identity.
	raw := dec(t, "1.23456789")
	assert.True(t, p.QuantizeQuantity("ETH/USDT", raw).Equal(raw))
}

func TestPaperLimitRestsThenFillsOnCross(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))
	ctx := context.Background()

	ch, err := p.StreamFills(ctx)
	require.NoError(t, err)

	req := OrderRequest{
		ClientID: uuid.New(),
		Symbol:   "BTC/USDT",
		Side:     protocol.OrderSideBuy,
		Type:     protocol.OrderTypeLimit,
		Quantity: dec(t, "0.1"),
		Price:    dec(t, "49000"),
	}
	ref, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)

	st, err := p.FetchOrder(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, protocol.OrderStatusOpen, st.Status)
	assert.Empty(t, drainFills(ch))

	p.SetMarkPrice("BTC/USDT", dec(t, "48900"))

	st, err = p.FetchOrder(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, protocol.OrderStatusFilled, st.Status)
	assert.True(t, st.AverageFillPrice.Equal(dec(t, "48900")), "filled at %s", st.AverageFillPrice)

	fills := drainFills(ch)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Maker)
	wantFee := dec(t, "48900").Mul(dec(t, "0.1")).Mul(dec(t, "0.001"))
	assert.True(t, fills[0].Fee.Equal(wantFee), "fee %s", fills[0].Fee)
}

func TestPaperLimitCrossedAtPlacementFillsImmediately(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))

	ref, err := p.PlaceOrder(context.Background(), OrderRequest{
		ClientID: uuid.New(),
		Symbol:   "BTC/USDT",
		Side:     protocol.OrderSideBuy,
		Type:     protocol.OrderTypeLimit,
		Quantity: dec(t, "0.1"),
		Price:    dec(t, "50500"),
	})
	require.NoError(t, err)

	st, err := p.FetchOrder(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, protocol.OrderStatusFilled, st.Status)
	assert.True(t, st.AverageFillPrice.Equal(dec(t, "50000")))
}

func TestPaperStopLossTriggersOnMarkCross(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))
	ctx := context.Background()

	ch, err := p.StreamFills(ctx)
	require.NoError(t, err)

	ref, err := p.PlaceOrder(ctx, OrderRequest{
		ClientID:  uuid.New(),
		Symbol:    "BTC/USDT",
		Side:      protocol.OrderSideSell,
		Type:      protocol.OrderTypeStopLoss,
		Quantity:  dec(t, "0.1"),
		StopPrice: dec(t, "48000"),
	})
	require.NoError(t, err)

	p.SetMarkPrice("BTC/USDT", dec(t, "49000"))
	st, err := p.FetchOrder(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, protocol.OrderStatusOpen, st.Status, "stop fired above its trigger")

	p.SetMarkPrice("BTC/USDT", dec(t, "47950"))
	st, err = p.FetchOrder(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, protocol.OrderStatusFilled, st.Status)
	assert.True(t, st.AverageFillPrice.LessThan(dec(t, "47950")), "stop sell fills below the mark, got %s", st.AverageFillPrice)
	assert.True(t, st.AverageFillPrice.GreaterThan(dec(t, "47800")))

	fills := drainFills(ch)
	require.Len(t, fills, 1)
	assert.False(t, fills[0].Maker)
}

func TestPaperTakeProfitFillsAtMark(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))
	ctx := context.Background()

	ref, err := p.PlaceOrder(ctx, OrderRequest{
		ClientID:  uuid.New(),
		Symbol:    "BTC/USDT",
		Side:      protocol.OrderSideSell,
		Type:      protocol.OrderTypeTakeProfit,
		Quantity:  dec(t, "0.1"),
		StopPrice: dec(t, "54000"),
	})
	require.NoError(t, err)

	p.SetMarkPrice("BTC/USDT", dec(t, "54100"))
	st, err := p.FetchOrder(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, protocol.OrderStatusFilled, st.Status)
	assert.True(t, st.AverageFillPrice.Equal(dec(t, "54100")))
}

func TestPaperCancelLifecycle(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))
	ctx := context.Background()

	ref, err := p.PlaceOrder(ctx, OrderRequest{
		ClientID: uuid.New(),
		Symbol:   "BTC/USDT",
		Side:     protocol.OrderSideBuy,
		Type:     protocol.OrderTypeLimit,
		Quantity: dec(t, "0.1"),
		Price:    dec(t, "49000"),
	})
	require.NoError(t, err)

	require.NoError(t, p.CancelOrder(ctx, ref))
	st, err := p.FetchOrder(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, protocol.OrderStatusCancelled, st.Status)

	// A cancelled order must not trigger.
	p.SetMarkPrice("BTC/USDT", dec(t, "48000"))
	st, err = p.FetchOrder(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, protocol.OrderStatusCancelled, st.Status)

	err = p.CancelOrder(ctx, ref)
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))

	err = p.CancelOrder(ctx, OrderRef{ClientID: uuid.New(), Symbol: "BTC/USDT"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownOrder))
}

func TestPaperFetchUnknownOrder(t *testing.T) {
	p := newTestPaper(t)

	_, err := p.FetchOrder(context.Background(), OrderRef{ClientID: uuid.New()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownOrder))
}

func TestPaperFetchReturnsCopy(t *testing.T) {
	p := newTestPaper(t)
	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))

	ref, err := p.PlaceOrder(context.Background(), marketReq(t, protocol.OrderSideBuy, "0.5"))
	require.NoError(t, err)

	st, err := p.FetchOrder(context.Background(), ref)
	require.NoError(t, err)
	st.Status = protocol.OrderStatusCancelled

	again, err := p.FetchOrder(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, protocol.OrderStatusFilled, again.Status)
}

func TestPaperStreamClosesOnContextCancel(t *testing.T) {
	p := newTestPaper(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := p.StreamFills(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("fill channel did not close")
	}
}

func TestPaperMarkPrice(t *testing.T) {
	p := newTestPaper(t)

	_, err := p.MarkPrice(context.Background(), "BTC/USDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMark))

	p.SetMarkPrice("BTC/USDT", dec(t, "50000"))
	mark, err := p.MarkPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, mark.Equal(dec(t, "50000")))
}

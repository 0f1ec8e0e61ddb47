package exchange

import (
	"errors"
	"fmt"
	"testing"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

var (
	_ Exchange = (*Binance)(nil)
	_ Exchange = (*Paper)(nil)
)

func newTestBinance(t *testing.T) *Binance {
	t.Helper()
	cfg := config.ExchangeConfig{
		APIKey:      "test-key",
		SecretKey:   "test-secret",
		Testnet:     true,
		RateLimitMS: 1,
	}
	return NewBinance(cfg, DefaultPolicy(), zerolog.Nop())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"breaker open", gobreaker.ErrOpenState, KindRateLimited},
		{"breaker half open saturated", gobreaker.ErrTooManyRequests, KindRateLimited},
		{"venue rate limit", &common.APIError{Code: -1003, Message: "Too many requests"}, KindRateLimited},
		{"bad api key", &common.APIError{Code: -2014, Message: "API-key format invalid"}, KindUnauthorized},
		{"venue internal error", &common.APIError{Code: -1001, Message: "Internal error"}, KindNetwork},
		{"insufficient balance", &common.APIError{Code: -2010, Message: "Account has insufficient balance"}, KindRejected},
		{"plain transport error", errors.New("connection refused"), KindNetwork},
		{"wrapped api error", fmt.Errorf("call: %w", &common.APIError{Code: -1015, Message: "Too many orders"}), KindRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("test_op", tc.err)
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
		})
	}

	assert.NoError(t, classify("test_op", nil))
}

func TestKindForCode(t *testing.T) {
	assert.Equal(t, KindRateLimited, kindForCode(-1003))
	assert.Equal(t, KindRateLimited, kindForCode(-1015))
	assert.Equal(t, KindUnauthorized, kindForCode(-1002))
	assert.Equal(t, KindUnauthorized, kindForCode(-1022))
	assert.Equal(t, KindUnauthorized, kindForCode(-2014))
	assert.Equal(t, KindUnauthorized, kindForCode(-2015))
	assert.Equal(t, KindNetwork, kindForCode(-1000))
	assert.Equal(t, KindNetwork, kindForCode(-1001))
	assert.Equal(t, KindNetwork, kindForCode(-1006))
	assert.Equal(t, KindNetwork, kindForCode(-1007))
	assert.Equal(t, KindNetwork, kindForCode(-1021))
	assert.Equal(t, KindRejected, kindForCode(-2010))
	assert.Equal(t, KindRejected, kindForCode(-9999))
}

func TestIsDuplicateOrder(t *testing.T) {
	dup := &common.APIError{Code: -2010, Message: "Duplicate order sent."}
	assert.True(t, isDuplicateOrder(dup))
	assert.True(t, isDuplicateOrder(fmt.Errorf("create order: %w", dup)))

	assert.False(t, isDuplicateOrder(&common.APIError{Code: -2010, Message: "Account has insufficient balance"}))
	assert.False(t, isDuplicateOrder(&common.APIError{Code: -1000, Message: "Duplicate order sent."}))
	assert.False(t, isDuplicateOrder(errors.New("Duplicate order sent.")))
	assert.False(t, isDuplicateOrder(nil))
}

func TestVenueSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", venueSymbol("BTC/USDT"))
	assert.Equal(t, "ETHUSDT", venueSymbol("ETH/USDT"))
	assert.Equal(t, "SOLUSDT", venueSymbol("SOLUSDT"))
}

func TestOrderStatusFromVenue(t *testing.T) {
	cases := map[binance.OrderStatusType]protocol.OrderStatus{
		binance.OrderStatusTypeNew:             protocol.OrderStatusOpen,
		binance.OrderStatusTypePartiallyFilled: protocol.OrderStatusPartiallyFilled,
		binance.OrderStatusTypeFilled:          protocol.OrderStatusFilled,
		binance.OrderStatusTypeCanceled:        protocol.OrderStatusCancelled,
		binance.OrderStatusTypeExpired:         protocol.OrderStatusCancelled,
		binance.OrderStatusTypeRejected:        protocol.OrderStatusRejected,
		binance.OrderStatusTypePendingCancel:   protocol.OrderStatusOpen,
	}
	for venue, want := range cases {
		assert.Equal(t, want, orderStatusFromVenue(venue), "status %s", venue)
	}
}

func TestOrderTypeFromVenue(t *testing.T) {
	cases := map[binance.OrderType]protocol.OrderType{
		binance.OrderTypeMarket:          protocol.OrderTypeMarket,
		binance.OrderTypeLimit:           protocol.OrderTypeLimit,
		binance.OrderTypeLimitMaker:      protocol.OrderTypeLimit,
		binance.OrderTypeStopLoss:        protocol.OrderTypeStopLoss,
		binance.OrderTypeStopLossLimit:   protocol.OrderTypeStopLoss,
		binance.OrderTypeTakeProfit:      protocol.OrderTypeTakeProfit,
		binance.OrderTypeTakeProfitLimit: protocol.OrderTypeTakeProfit,
	}
	for venue, want := range cases {
		assert.Equal(t, want, orderTypeFromVenue(venue), "type %s", venue)
	}
}

func TestHandleOrderUpdateTradeEvent(t *testing.T) {
	b := newTestBinance(t)
	b.rememberSymbol("BTCUSDT", "BTC/USDT")

	id := uuid.New()
	ch := make(chan Fill, 4)
	b.handleOrderUpdate(binance.WsOrderUpdate{
		Symbol:          "BTCUSDT",
		ClientOrderId:   id.String(),
		Side:            "BUY",
		ExecutionType:   "TRADE",
		LatestVolume:    "0.25",
		LatestPrice:     "50010.5",
		FeeCost:         "12.5",
		TransactionTime: 1717243200000,
		TradeId:         42,
		IsMaker:         true,
	}, ch)

	require.Len(t, ch, 1)
	fill := <-ch
	assert.Equal(t, id, fill.ClientID)
	assert.Equal(t, "42", fill.TradeID)
	assert.Equal(t, "BTC/USDT", fill.Symbol)
	assert.Equal(t, protocol.OrderSideBuy, fill.Side)
	assert.True(t, fill.Quantity.Equal(dec(t, "0.25")))
	assert.True(t, fill.Price.Equal(dec(t, "50010.5")))
	assert.True(t, fill.Fee.Equal(dec(t, "12.5")))
	assert.True(t, fill.Maker)
	assert.Equal(t, int64(1717243200000), fill.At.UnixMilli())
}

func TestHandleOrderUpdateSkipsNonTrade(t *testing.T) {
	b := newTestBinance(t)
	ch := make(chan Fill, 4)

	b.handleOrderUpdate(binance.WsOrderUpdate{
		ClientOrderId: uuid.New().String(),
		ExecutionType: "NEW",
	}, ch)
	assert.Empty(t, ch)
}

func TestHandleOrderUpdateForeignOrderSkipped(t *testing.T) {
	b := newTestBinance(t)
	ch := make(chan Fill, 4)

	b.handleOrderUpdate(binance.WsOrderUpdate{
		ClientOrderId:     "web_ab12cd34",
		OrigCustomOrderId: "also-not-a-uuid",
		ExecutionType:     "TRADE",
	}, ch)
	assert.Empty(t, ch)
}

func TestHandleOrderUpdateFallsBackToOrigID(t *testing.T) {
	b := newTestBinance(t)
	b.rememberSymbol("ETHUSDT", "ETH/USDT")

	// Venue-assigned cancel-replace ids land in C; the original client id
	// survives in the orig field.
	id := uuid.New()
	ch := make(chan Fill, 4)
	b.handleOrderUpdate(binance.WsOrderUpdate{
		Symbol:            "ETHUSDT",
		ClientOrderId:     "web_replaced",
		OrigCustomOrderId: id.String(),
		Side:              "SELL",
		ExecutionType:     "TRADE",
		LatestVolume:      "1.5",
		LatestPrice:       "3000",
	}, ch)

	require.Len(t, ch, 1)
	assert.Equal(t, id, (<-ch).ClientID)
}

func TestDisplaySymbolFallsBackToVenueForm(t *testing.T) {
	b := newTestBinance(t)
	assert.Equal(t, "BTCUSDT", b.displaySymbol("BTCUSDT"))

	b.rememberSymbol("BTCUSDT", "BTC/USDT")
	assert.Equal(t, "BTC/USDT", b.displaySymbol("BTCUSDT"))
}

package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

const (
	defaultRateLimitInterval = 100 * time.Millisecond
	rateLimitBurst           = 10

	// Breaker thresholds for venue calls.
	breakerMinRequests   = 5
	breakerFailureRatio  = 0.6
	breakerOpenTimeout   = 30 * time.Second
	breakerHalfOpenReqs  = 3
	breakerCountInterval = 10 * time.Second

	listenKeyKeepalive = 30 * time.Minute
	streamReconnect    = 5 * time.Second
)

// Binance adapts the Binance spot API to the Exchange interface. Calls pass
// through a rate limiter and a circuit breaker, and transient failures are
// retried with jittered backoff. Lot and tick filters are fetched once via
// LoadFilters and cached for quantization.
type Binance struct {
	client *binance.Client
	limit  *rate.Limiter
	brk    *gobreaker.CircuitBreaker
	retry  Policy
	log    zerolog.Logger

	mu      sync.RWMutex
	filters map[string]Filters
	display map[string]string
}

// NewBinance creates a Binance venue adapter.
func NewBinance(cfg config.ExchangeConfig, retry Policy, log zerolog.Logger) *Binance {
	l := log.With().Str("component", "binance_exchange").Logger()

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.Testnet {
		binance.UseTestnet = true
		l.Info().Msg("binance adapter initialized (testnet)")
	} else {
		l.Warn().Msg("binance adapter initialized (live trading)")
	}

	interval := defaultRateLimitInterval
	if cfg.RateLimitMS > 0 {
		interval = time.Duration(cfg.RateLimitMS) * time.Millisecond
	}

	b := &Binance{
		client:  client,
		limit:   rate.NewLimiter(rate.Every(interval), rateLimitBurst),
		retry:   retry,
		log:     l,
		filters: make(map[string]Filters),
		display: make(map[string]string),
	}

	b.brk = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "binance",
		MaxRequests: breakerHalfOpenReqs,
		Interval:    breakerCountInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && ratio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.UpdateCircuitBreaker("exchange", to != gobreaker.StateClosed)
			if to == gobreaker.StateOpen {
				metrics.RecordCircuitBreakerTrip("exchange")
			}
			l.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("exchange circuit breaker state changed")
		},
	})

	return b
}

// LoadFilters fetches and caches the lot/tick constraints for the given
// symbols. Call once at startup; quantization is identity for symbols
// without loaded filters.
func (b *Binance) LoadFilters(ctx context.Context, symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}

	venue := make([]string, len(symbols))
	toDisplay := make(map[string]string, len(symbols))
	for i, s := range symbols {
		venue[i] = venueSymbol(s)
		toDisplay[venue[i]] = s
	}

	var info *binance.ExchangeInfo
	err := b.call(ctx, "exchange_info", func(ctx context.Context) error {
		var callErr error
		info, callErr = b.client.NewExchangeInfoService().Symbols(venue...).Do(ctx)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("load filters: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range info.Symbols {
		display, ok := toDisplay[s.Symbol]
		if !ok {
			continue
		}
		var f Filters
		if lot := s.LotSizeFilter(); lot != nil {
			f.StepSize, _ = decimal.NewFromString(lot.StepSize)
			f.MinQuantity, _ = decimal.NewFromString(lot.MinQuantity)
		}
		if pf := s.PriceFilter(); pf != nil {
			f.TickSize, _ = decimal.NewFromString(pf.TickSize)
		}
		if mn := s.NotionalFilter(); mn != nil {
			f.MinNotional, _ = decimal.NewFromString(mn.MinNotional)
		}
		b.filters[display] = f
		b.display[s.Symbol] = display

		b.log.Debug().
			Str("symbol", display).
			Str("step_size", f.StepSize.String()).
			Str("tick_size", f.TickSize.String()).
			Msg("symbol filters loaded")
	}
	return nil
}

// PlaceOrder submits an order. The ClientID rides as the venue's client
// order id; a redelivered placement that raced an earlier success is
// recovered by looking the order up under the same id.
func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	if err := validateRequest(req); err != nil {
		return OrderRef{}, err
	}

	sym := venueSymbol(req.Symbol)
	side := binance.SideTypeBuy
	if req.Side == protocol.OrderSideSell {
		side = binance.SideTypeSell
	}

	var resp *binance.CreateOrderResponse
	err := b.call(ctx, "create_order", func(ctx context.Context) error {
		svc := b.client.NewCreateOrderService().
			Symbol(sym).
			Side(side).
			NewClientOrderID(req.ClientID.String()).
			Quantity(req.Quantity.String())

		switch req.Type {
		case protocol.OrderTypeMarket:
			svc = svc.Type(binance.OrderTypeMarket)
		case protocol.OrderTypeLimit:
			svc = svc.Type(binance.OrderTypeLimit).
				TimeInForce(binance.TimeInForceTypeGTC).
				Price(req.Price.String())
		case protocol.OrderTypeStopLoss:
			svc = svc.Type(binance.OrderTypeStopLoss).
				StopPrice(req.StopPrice.String())
		case protocol.OrderTypeTakeProfit:
			svc = svc.Type(binance.OrderTypeTakeProfit).
				StopPrice(req.StopPrice.String())
		}

		var callErr error
		resp, callErr = svc.Do(ctx)
		return callErr
	})
	if err != nil {
		if isDuplicateOrder(err) {
			b.log.Info().
				Str("order_id", req.ClientID.String()).
				Msg("duplicate client order id, recovering existing order")
			return b.recoverRef(ctx, req)
		}
		return OrderRef{}, fmt.Errorf("place order: %w", err)
	}

	b.rememberSymbol(sym, req.Symbol)
	ref := OrderRef{
		ClientID:   req.ClientID,
		ExchangeID: strconv.FormatInt(resp.OrderID, 10),
		Symbol:     req.Symbol,
	}

	b.log.Info().
		Str("order_id", ref.ClientID.String()).
		Str("exchange_order_id", ref.ExchangeID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Msg("order placed on binance")
	return ref, nil
}

// CancelOrder cancels a resting order by its client id.
func (b *Binance) CancelOrder(ctx context.Context, ref OrderRef) error {
	err := b.call(ctx, "cancel_order", func(ctx context.Context) error {
		_, callErr := b.client.NewCancelOrderService().
			Symbol(venueSymbol(ref.Symbol)).
			OrigClientOrderID(ref.ClientID.String()).
			Do(ctx)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	b.log.Info().
		Str("order_id", ref.ClientID.String()).
		Msg("order cancelled on binance")
	return nil
}

// FetchOrder queries the venue's view of an order by its client id.
func (b *Binance) FetchOrder(ctx context.Context, ref OrderRef) (*OrderState, error) {
	var bo *binance.Order
	err := b.call(ctx, "get_order", func(ctx context.Context) error {
		var callErr error
		bo, callErr = b.client.NewGetOrderService().
			Symbol(venueSymbol(ref.Symbol)).
			OrigClientOrderID(ref.ClientID.String()).
			Do(ctx)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", err)
	}

	filled, _ := decimal.NewFromString(bo.ExecutedQuantity)
	quote, _ := decimal.NewFromString(bo.CummulativeQuoteQuantity)
	price, _ := decimal.NewFromString(bo.Price)
	stopPrice, _ := decimal.NewFromString(bo.StopPrice)
	quantity, _ := decimal.NewFromString(bo.OrigQuantity)

	var avg decimal.Decimal
	if filled.IsPositive() {
		avg = quote.Div(filled).Round(8)
	}

	return &OrderState{
		Ref: OrderRef{
			ClientID:   ref.ClientID,
			ExchangeID: strconv.FormatInt(bo.OrderID, 10),
			Symbol:     ref.Symbol,
		},
		Symbol:           ref.Symbol,
		Side:             protocol.OrderSide(bo.Side),
		Type:             orderTypeFromVenue(bo.Type),
		Quantity:         quantity,
		Price:            price,
		StopPrice:        stopPrice,
		Status:           orderStatusFromVenue(bo.Status),
		FilledQuantity:   filled,
		AverageFillPrice: avg,
		CreatedAt:        time.UnixMilli(bo.Time),
		UpdatedAt:        time.UnixMilli(bo.UpdateTime),
	}, nil
}

// StreamFills opens the user data stream and emits one Fill per trade
// execution. The stream reconnects on socket drops and keeps the listen key
// alive until ctx is cancelled.
func (b *Binance) StreamFills(ctx context.Context) (<-chan Fill, error) {
	var listenKey string
	err := b.call(ctx, "start_user_stream", func(ctx context.Context) error {
		var callErr error
		listenKey, callErr = b.client.NewStartUserStreamService().Do(ctx)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("start user stream: %w", err)
	}

	ch := make(chan Fill, fillBuffer)
	go b.runUserStream(ctx, listenKey, ch)
	return ch, nil
}

func (b *Binance) runUserStream(ctx context.Context, listenKey string, ch chan<- Fill) {
	defer close(ch)

	keepalive := time.NewTicker(listenKeyKeepalive)
	defer keepalive.Stop()

	for {
		doneC, stopC, err := binance.WsUserDataServe(listenKey,
			func(event *binance.WsUserDataEvent) {
				if event.Event != binance.UserDataEventTypeExecutionReport {
					return
				}
				b.handleOrderUpdate(event.OrderUpdate, ch)
			},
			func(err error) {
				b.log.Error().Err(err).Msg("user data stream error")
			})
		if err != nil {
			b.log.Error().Err(err).Msg("user data stream connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamReconnect):
				continue
			}
		}

		serving := true
		for serving {
			select {
			case <-ctx.Done():
				close(stopC)
				<-doneC
				if err := b.client.NewCloseUserStreamService().ListenKey(listenKey).Do(context.Background()); err != nil {
					b.log.Warn().Err(err).Msg("close user stream failed")
				}
				return
			case <-keepalive.C:
				if err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
					b.log.Warn().Err(err).Msg("listen key keepalive failed")
				}
			case <-doneC:
				serving = false
			}
		}

		b.log.Warn().Msg("user data stream dropped, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamReconnect):
		}
	}
}

func (b *Binance) handleOrderUpdate(u binance.WsOrderUpdate, ch chan<- Fill) {
	if u.ExecutionType != "TRADE" {
		return
	}

	clientID, err := uuid.Parse(u.ClientOrderId)
	if err != nil {
		clientID, err = uuid.Parse(u.OrigCustomOrderId)
		if err != nil {
			b.log.Debug().
				Str("client_order_id", u.ClientOrderId).
				Msg("fill for order not placed by this engine, skipping")
			return
		}
	}

	qty, _ := decimal.NewFromString(u.LatestVolume)
	price, _ := decimal.NewFromString(u.LatestPrice)
	fee, _ := decimal.NewFromString(u.FeeCost)

	fill := Fill{
		ClientID: clientID,
		TradeID:  strconv.FormatInt(u.TradeId, 10),
		Symbol:   b.displaySymbol(u.Symbol),
		Side:     protocol.OrderSide(u.Side),
		Quantity: qty,
		Price:    price,
		Fee:      fee,
		Maker:    u.IsMaker,
		At:       time.UnixMilli(u.TransactionTime),
	}

	select {
	case ch <- fill:
	default:
		b.log.Warn().
			Str("order_id", clientID.String()).
			Msg("fill buffer full, dropping event")
	}
}

// QuantizeQuantity floors a quantity to the cached lot step.
func (b *Binance) QuantizeQuantity(symbol string, quantity decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return quantizeStep(quantity, b.filters[symbol].StepSize)
}

// QuantizePrice floors a price to the cached tick size.
func (b *Binance) QuantizePrice(symbol string, price decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return quantizeStep(price, b.filters[symbol].TickSize)
}

// MarkPrice fetches the venue's last price for a symbol.
func (b *Binance) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var prices []*binance.SymbolPrice
	err := b.call(ctx, "list_prices", func(ctx context.Context) error {
		var callErr error
		prices, callErr = b.client.NewListPricesService().
			Symbol(venueSymbol(symbol)).
			Do(ctx)
		return callErr
	})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("mark price: %w", err)
	}
	if len(prices) == 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrNoMark, symbol)
	}

	mark, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Decimal{}, netErr("list_prices", fmt.Errorf("parse price %q: %w", prices[0].Price, err))
	}
	return mark, nil
}

// call runs one venue call through the limiter, breaker, and retry policy,
// recording latency and classified errors.
func (b *Binance) call(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	return withRetry(ctx, b.retry, b.log, func() error {
		if err := b.limit.Wait(ctx); err != nil {
			return netErr(endpoint, err)
		}

		start := time.Now()
		_, err := b.brk.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		metrics.RecordExchangeAPICall("binance", endpoint, float64(time.Since(start).Milliseconds()), err)

		if err != nil {
			return classify(endpoint, err)
		}
		return nil
	})
}

// recoverRef resolves the reference for an order whose placement raced an
// earlier success under the same client id.
func (b *Binance) recoverRef(ctx context.Context, req OrderRequest) (OrderRef, error) {
	st, err := b.FetchOrder(ctx, OrderRef{ClientID: req.ClientID, Symbol: req.Symbol})
	if err != nil {
		return OrderRef{}, fmt.Errorf("recover duplicate order: %w", err)
	}
	return st.Ref, nil
}

func (b *Binance) rememberSymbol(venue, display string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.display[venue] = display
}

func (b *Binance) displaySymbol(venue string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if display, ok := b.display[venue]; ok {
		return display
	}
	return venue
}

// classify maps a venue failure onto the typed error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Kind: KindRateLimited, Op: op, Err: err}
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: kindForCode(apiErr.Code), Op: op, Err: err}
	}

	// Anything without a venue response is a transport problem.
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// kindForCode classifies Binance API error codes. Unknown codes are treated
// as rejections: the venue answered and said no.
func kindForCode(code int64) Kind {
	switch code {
	case -1003, -1015:
		return KindRateLimited
	case -1002, -1022, -2014, -2015:
		return KindUnauthorized
	case -1000, -1001, -1006, -1007, -1021:
		return KindNetwork
	default:
		return KindRejected
	}
}

// isDuplicateOrder reports whether a placement failed because the client
// order id already exists on the venue.
func isDuplicateOrder(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) &&
		apiErr.Code == -2010 &&
		strings.Contains(apiErr.Message, "Duplicate")
}

// venueSymbol converts a display symbol ("BTC/USDT") to the venue form
// ("BTCUSDT").
func venueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func orderStatusFromVenue(s binance.OrderStatusType) protocol.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return protocol.OrderStatusOpen
	case binance.OrderStatusTypePartiallyFilled:
		return protocol.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return protocol.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return protocol.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return protocol.OrderStatusRejected
	case binance.OrderStatusTypePendingCancel:
		return protocol.OrderStatusOpen
	default:
		return protocol.OrderStatusPending
	}
}

func orderTypeFromVenue(t binance.OrderType) protocol.OrderType {
	switch t {
	case binance.OrderTypeLimit, binance.OrderTypeLimitMaker:
		return protocol.OrderTypeLimit
	case binance.OrderTypeStopLoss, binance.OrderTypeStopLossLimit:
		return protocol.OrderTypeStopLoss
	case binance.OrderTypeTakeProfit, binance.OrderTypeTakeProfitLimit:
		return protocol.OrderTypeTakeProfit
	default:
		return protocol.OrderTypeMarket
	}
}

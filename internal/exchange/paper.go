package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

const (
	// Market orders fill in 2-5 tranches so downstream consumers see the
	// partial-fill lifecycle, not just terminal states.
	minTranches = 2
	maxTranches = 5

	// Per-tranche price drift, simulating order book depth.
	tranchePriceStep = 0.0001

	fillBuffer = 256
)

// Paper simulates a venue in process. Fills carry slippage scaled by order
// size, maker/taker fees, and tranche-split partial fills; resting limit and
// stop orders trigger off SetMarkPrice. Everything an executor can observe
// against the live adapter is observable here.
type Paper struct {
	mu      sync.Mutex
	fees    config.FeeConfig
	marks   map[string]decimal.Decimal
	filters map[string]Filters
	orders  map[uuid.UUID]*OrderState
	subs    map[int]chan Fill
	nextSub int
	seq     int64
	rng     *rand.Rand
	log     zerolog.Logger
	now     func() time.Time
}

// NewPaper creates a paper venue with Binance-like default fees.
func NewPaper(log zerolog.Logger) *Paper {
	return NewPaperWithFees(config.FeeConfig{
		Maker:        0.001,
		Taker:        0.001,
		BaseSlippage: 0.0005,
		MarketImpact: 0.0001,
		MaxSlippage:  0.003,
	}, log)
}

// NewPaperWithFees creates a paper venue with an explicit fee and slippage
// model.
func NewPaperWithFees(fees config.FeeConfig, log zerolog.Logger) *Paper {
	l := log.With().Str("component", "paper_exchange").Logger()
	l.Info().
		Float64("maker_fee", fees.Maker).
		Float64("taker_fee", fees.Taker).
		Float64("base_slippage", fees.BaseSlippage).
		Msg("paper exchange initialized")

	return &Paper{
		fees:    fees,
		marks:   make(map[string]decimal.Decimal),
		filters: make(map[string]Filters),
		orders:  make(map[uuid.UUID]*OrderState),
		subs:    make(map[int]chan Fill),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		log:     l,
		now:     time.Now,
	}
}

// SetMarkPrice updates the mark for a symbol and evaluates resting orders
// against it.
func (p *Paper) SetMarkPrice(symbol string, price decimal.Decimal) {
	if symbol == "" || !price.IsPositive() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.marks[symbol] = price
	for _, st := range p.orders {
		if st.Symbol == symbol && st.Status == protocol.OrderStatusOpen {
			p.maybeTrigger(st, price)
		}
	}
}

// SetFilters installs lot and price constraints for a symbol.
func (p *Paper) SetFilters(symbol string, f Filters) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.filters[symbol] = f
}

// PlaceOrder accepts an order against the simulated book. Placing the same
// ClientID twice returns the original reference without a second fill.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[req.ClientID]; ok {
		return existing.Ref, nil
	}
	if err := validateRequest(req); err != nil {
		p.log.Warn().
			Err(err).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Msg("order validation failed")
		return OrderRef{}, err
	}
	if err := p.checkFilters(req); err != nil {
		return OrderRef{}, err
	}

	mark, hasMark := p.marks[req.Symbol]
	if req.Type == protocol.OrderTypeMarket && !hasMark {
		return OrderRef{}, &Error{Kind: KindRejected, Op: "place_order", Err: fmt.Errorf("%w: %s", ErrNoMark, req.Symbol)}
	}

	now := p.now()
	p.seq++
	st := &OrderState{
		Ref: OrderRef{
			ClientID:   req.ClientID,
			ExchangeID: fmt.Sprintf("PAPER-%d", p.seq),
			Symbol:     req.Symbol,
		},
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Status:    protocol.OrderStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.orders[req.ClientID] = st

	p.log.Info().
		Str("order_id", st.Ref.ClientID.String()).
		Str("symbol", st.Symbol).
		Str("side", string(st.Side)).
		Str("type", string(st.Type)).
		Str("quantity", st.Quantity.String()).
		Msg("order placed")

	if req.Type == protocol.OrderTypeMarket {
		p.fillMarket(st, mark)
	} else if hasMark {
		p.maybeTrigger(st, mark)
	}

	return st.Ref, nil
}

// CancelOrder cancels a resting order. Terminal orders cannot be cancelled.
func (p *Paper) CancelOrder(ctx context.Context, ref OrderRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.orders[ref.ClientID]
	if !ok {
		return &Error{Kind: KindRejected, Op: "cancel_order", Err: fmt.Errorf("%w: %s", ErrUnknownOrder, ref.ClientID)}
	}
	if st.Status != protocol.OrderStatusOpen && st.Status != protocol.OrderStatusPending {
		return reject("cancel_order", "cannot cancel order in status %s", st.Status)
	}

	st.Status = protocol.OrderStatusCancelled
	st.UpdatedAt = p.now()

	p.log.Info().
		Str("order_id", ref.ClientID.String()).
		Msg("order cancelled")
	return nil
}

// FetchOrder returns a copy of the venue's order state.
func (p *Paper) FetchOrder(ctx context.Context, ref OrderRef) (*OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.orders[ref.ClientID]
	if !ok {
		return nil, &Error{Kind: KindRejected, Op: "fetch_order", Err: fmt.Errorf("%w: %s", ErrUnknownOrder, ref.ClientID)}
	}
	cp := *st
	return &cp, nil
}

// StreamFills subscribes to fill events. The returned channel closes when
// ctx is cancelled.
func (p *Paper) StreamFills(ctx context.Context) (<-chan Fill, error) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan Fill, fillBuffer)
	p.subs[id] = ch
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// QuantizeQuantity floors a quantity to the symbol's lot step. Without
// installed filters the quantity passes through unchanged.
func (p *Paper) QuantizeQuantity(symbol string, quantity decimal.Decimal) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	return quantizeStep(quantity, p.filters[symbol].StepSize)
}

// QuantizePrice floors a price to the symbol's tick size.
func (p *Paper) QuantizePrice(symbol string, price decimal.Decimal) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	return quantizeStep(price, p.filters[symbol].TickSize)
}

// MarkPrice returns the stored mark for a symbol.
func (p *Paper) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mark, ok := p.marks[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrNoMark, symbol)
	}
	return mark, nil
}

func (p *Paper) checkFilters(req OrderRequest) error {
	f, ok := p.filters[req.Symbol]
	if !ok {
		return nil
	}
	if f.StepSize.IsPositive() && !req.Quantity.Mod(f.StepSize).IsZero() {
		return reject("place_order", "quantity %s not a multiple of lot step %s", req.Quantity, f.StepSize)
	}
	if f.MinQuantity.IsPositive() && req.Quantity.LessThan(f.MinQuantity) {
		return reject("place_order", "quantity %s below minimum %s", req.Quantity, f.MinQuantity)
	}
	if f.MinNotional.IsPositive() {
		ref := req.Price
		if !ref.IsPositive() {
			ref = p.marks[req.Symbol]
		}
		if ref.IsPositive() && req.Quantity.Mul(ref).LessThan(f.MinNotional) {
			return reject("place_order", "notional %s below minimum %s", req.Quantity.Mul(ref), f.MinNotional)
		}
	}
	return nil
}

// fillMarket fills a market order in tranches around the slipped price.
// Caller holds p.mu.
func (p *Paper) fillMarket(st *OrderState, mark decimal.Decimal) {
	slip := p.slippage(st.Quantity, mark)
	base := applySlippage(mark, st.Side, slip)

	tranches := minTranches + p.rng.Intn(maxTranches-minTranches+1)
	fillTime := p.now()
	remaining := st.Quantity
	fillCount := 0

	for i := 0; i < tranches && remaining.IsPositive(); i++ {
		qty := remaining
		if i < tranches-1 {
			portion := decimal.NewFromFloat(0.2 + 0.2*float64(i)/float64(tranches))
			qty = remaining.Mul(portion).Round(8)
			if !qty.IsPositive() {
				qty = remaining
			}
		}

		// Later tranches walk deeper into the book.
		drift := decimal.NewFromFloat(tranchePriceStep * float64(i))
		mult := decimal.NewFromInt(1).Add(drift)
		if st.Side == protocol.OrderSideSell {
			mult = decimal.NewFromInt(1).Sub(drift)
		}
		price := base.Mul(mult).Round(8)

		fee := price.Mul(qty).Mul(decimal.NewFromFloat(p.fees.Taker)).Round(8)
		p.applyFill(st, qty, price, fee, false, fillTime)

		remaining = remaining.Sub(qty)
		fillCount++
		fillTime = fillTime.Add(time.Microsecond * time.Duration(100+fillCount*50))
	}

	p.log.Info().
		Str("order_id", st.Ref.ClientID.String()).
		Str("quantity", st.FilledQuantity.String()).
		Str("avg_price", st.AverageFillPrice.String()).
		Float64("slippage_pct", slip*100).
		Str("fees", st.Fees.String()).
		Int("num_fills", fillCount).
		Msg("order filled")
}

// maybeTrigger fills a resting order whose condition the mark satisfies.
// Limit and take-profit fills land at the mark (price-or-better) with the
// maker fee; triggered stops execute as market orders around the mark.
// Caller holds p.mu.
func (p *Paper) maybeTrigger(st *OrderState, mark decimal.Decimal) {
	switch st.Type {
	case protocol.OrderTypeLimit:
		crossed := (st.Side == protocol.OrderSideBuy && mark.LessThanOrEqual(st.Price)) ||
			(st.Side == protocol.OrderSideSell && mark.GreaterThanOrEqual(st.Price))
		if crossed {
			fee := mark.Mul(st.Quantity).Mul(decimal.NewFromFloat(p.fees.Maker)).Round(8)
			p.applyFill(st, st.Quantity, mark, fee, true, p.now())
		}
	case protocol.OrderTypeStopLoss:
		triggered := (st.Side == protocol.OrderSideSell && mark.LessThanOrEqual(st.StopPrice)) ||
			(st.Side == protocol.OrderSideBuy && mark.GreaterThanOrEqual(st.StopPrice))
		if triggered {
			slip := p.slippage(st.Quantity, mark)
			price := applySlippage(mark, st.Side, slip).Round(8)
			fee := price.Mul(st.Quantity).Mul(decimal.NewFromFloat(p.fees.Taker)).Round(8)
			p.applyFill(st, st.Quantity, price, fee, false, p.now())
		}
	case protocol.OrderTypeTakeProfit:
		triggered := (st.Side == protocol.OrderSideSell && mark.GreaterThanOrEqual(st.StopPrice)) ||
			(st.Side == protocol.OrderSideBuy && mark.LessThanOrEqual(st.StopPrice))
		if triggered {
			fee := mark.Mul(st.Quantity).Mul(decimal.NewFromFloat(p.fees.Maker)).Round(8)
			p.applyFill(st, st.Quantity, mark, fee, true, p.now())
		}
	}
}

// applyFill records one execution on the order and broadcasts it. Caller
// holds p.mu.
func (p *Paper) applyFill(st *OrderState, qty, price, fee decimal.Decimal, maker bool, at time.Time) {
	prevValue := st.AverageFillPrice.Mul(st.FilledQuantity)
	st.FilledQuantity = st.FilledQuantity.Add(qty)
	st.AverageFillPrice = prevValue.Add(price.Mul(qty)).Div(st.FilledQuantity).Round(8)
	st.Fees = st.Fees.Add(fee)
	st.UpdatedAt = at

	if st.FilledQuantity.GreaterThanOrEqual(st.Quantity) {
		st.Status = protocol.OrderStatusFilled
	} else {
		st.Status = protocol.OrderStatusPartiallyFilled
	}

	p.seq++
	fill := Fill{
		ClientID: st.Ref.ClientID,
		TradeID:  fmt.Sprintf("PAPER-T%d", p.seq),
		Symbol:   st.Symbol,
		Side:     st.Side,
		Quantity: qty,
		Price:    price,
		Fee:      fee,
		Maker:    maker,
		At:       at,
	}
	for _, ch := range p.subs {
		select {
		case ch <- fill:
		default:
			p.log.Warn().
				Str("order_id", st.Ref.ClientID.String()).
				Msg("fill subscriber buffer full, dropping event")
		}
	}
}

// slippage models execution cost as base slippage plus size-scaled market
// impact, capped at the configured maximum.
func (p *Paper) slippage(quantity, price decimal.Decimal) float64 {
	orderSize := quantity.Mul(price).InexactFloat64()
	impact := p.fees.MarketImpact * (orderSize / 1_000_000.0)

	total := p.fees.BaseSlippage + impact
	if p.fees.MaxSlippage > 0 && total > p.fees.MaxSlippage {
		total = p.fees.MaxSlippage
	}
	return total
}

// applySlippage moves a price against the order's side: buys pay up, sells
// receive less.
func applySlippage(price decimal.Decimal, side protocol.OrderSide, slip float64) decimal.Decimal {
	if side == protocol.OrderSideBuy {
		return price.Mul(decimal.NewFromFloat(1 + slip))
	}
	return price.Mul(decimal.NewFromFloat(1 - slip))
}

// Package execution drives approved order commands to a venue and feeds the
// results back into the pipeline: it places orders, tracks the fill stream,
// applies every fill to the position manager, places protective child
// orders, scores execution quality and appends the trade log.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/exchange"
	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/position"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

const componentName = "order_executor"

// ErrInvariantViolation marks errors after which the worker must halt
// instead of acking and moving on. The run loop propagates it so the
// binary exits.
var ErrInvariantViolation = errors.New("invariant violation")

// Config carries the executor settings.
type Config struct {
	// Exchange is the venue name stamped on trades and reports.
	Exchange string
	// OrderTimeout bounds each venue call.
	OrderTimeout time.Duration
	// MaxSlippage is the adverse-slippage fraction beyond which a fill is
	// logged as a warning.
	MaxSlippage float64
	// Trailing marks opened positions for trailing-stop ratcheting.
	Trailing bool
}

// PositionBook is the slice of the position manager the executor drives.
type PositionBook interface {
	PositionBySymbol(symbol string) (position.Position, bool)
	Open(ctx context.Context, req position.OpenRequest) (position.Position, error)
	Increase(ctx context.Context, id uuid.UUID, qty, price, fees decimal.Decimal) (position.Position, error)
	Decrease(ctx context.Context, id uuid.UUID, qty, price, fees decimal.Decimal) (position.Position, error)
}

// TradeStore appends rows to the execution log. A nil store disables
// persistence.
type TradeStore interface {
	RecordTrade(ctx context.Context, trade *Trade) error
}

// ReportPublisher is the slice of the fabric the executor publishes through.
type ReportPublisher interface {
	Publish(ctx context.Context, topic, symbol string, env *protocol.Envelope) error
}

// orderTrack is the executor's view of one order from submission to its
// terminal state. quantity is the post-quantization target; parentPos links
// protective children and recovery closes to the position they guard.
type orderTrack struct {
	cmd       protocol.OrderCommand
	ref       exchange.OrderRef
	quantity  decimal.Decimal
	expected  decimal.Decimal
	status    protocol.OrderStatus
	filled    decimal.Decimal
	avgFill   decimal.Decimal
	fees      decimal.Decimal
	parentPos uuid.UUID
	recovery  bool
	reported  bool
	submitted time.Time
	completed time.Time
}

// closing reports whether this order reduces a held position rather than
// entering one.
func (t *orderTrack) closing() bool {
	return t.parentPos != uuid.Nil
}

// Executor consumes trade.order commands, owns the venue conversation, and
// turns fills into position mutations and execution reports. Placement is
// idempotent on the command's order id: the venue echoes it as the client
// order id, so redelivered commands and retried placements converge on one
// venue order.
type Executor struct {
	cfg     Config
	venue   exchange.Exchange
	book    PositionBook
	store   TradeStore
	pub     ReportPublisher
	journal OrderJournal
	bench   *Benchmark
	source  string

	mu       sync.Mutex
	orders   map[uuid.UUID]*orderTrack
	children map[uuid.UUID][]*orderTrack

	ready     chan struct{}
	readyOnce sync.Once

	log zerolog.Logger
	now func() time.Time
}

// NewExecutor builds an executor publishing as source. store may be nil.
func NewExecutor(cfg Config, venue exchange.Exchange, book PositionBook, store TradeStore, pub ReportPublisher, source string, log zerolog.Logger) *Executor {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 5 * time.Second
	}
	return &Executor{
		cfg:      cfg,
		venue:    venue,
		book:     book,
		store:    store,
		pub:      pub,
		bench:    NewBenchmark(),
		source:   source,
		orders:   make(map[uuid.UUID]*orderTrack),
		children: make(map[uuid.UUID][]*orderTrack),
		ready:    make(chan struct{}),
		log:      log.With().Str("component", componentName).Logger(),
		now:      time.Now,
	}
}

// Ready is closed once the fill stream subscription is live. Submit orders
// only after it; fills for orders placed earlier are not replayed.
func (x *Executor) Ready() <-chan struct{} {
	return x.ready
}

// Benchmark exposes the aggregate quality tracker.
func (x *Executor) Benchmark() *Benchmark {
	return x.bench
}

// Run consumes the venue fill stream until ctx is cancelled. It must be
// running before orders are submitted; on a synchronous venue fills arrive
// during placement. An invariant violation propagates out so the worker
// halts.
func (x *Executor) Run(ctx context.Context) error {
	fills, err := x.venue.StreamFills(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to fill stream: %w", err)
	}
	x.readyOnce.Do(func() { close(x.ready) })
	x.log.Info().Str("exchange", x.cfg.Exchange).Msg("Order executor consuming fills")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fill, ok := <-fills:
			if !ok {
				return nil
			}
			if err := x.applyFill(ctx, fill); err != nil {
				return err
			}
		}
	}
}

// HandleOrder executes one approved order command. Venue rejections are
// business outcomes: they publish a rejected execution report and return
// nil so the record is acked. Only invariant violations return an error.
func (x *Executor) HandleOrder(ctx context.Context, env *protocol.Envelope) error {
	var cmd protocol.OrderCommand
	if err := env.Open(protocol.KindOrderCommand, &cmd); err != nil {
		x.log.Warn().Err(err).Str("record_id", env.RecordID.String()).Msg("Dropping undecodable order command")
		return nil
	}
	if cmd.OrderID == uuid.Nil || cmd.Symbol == "" {
		x.log.Warn().Str("symbol", cmd.Symbol).Msg("Dropping order command without id or symbol")
		return nil
	}
	if cmd.Side != protocol.OrderSideBuy && cmd.Side != protocol.OrderSideSell {
		x.log.Warn().Str("order_id", cmd.OrderID.String()).Str("side", string(cmd.Side)).Msg("Dropping order command with unknown side")
		return nil
	}
	if !cmd.Quantity.IsPositive() {
		x.log.Warn().Str("order_id", cmd.OrderID.String()).Msg("Dropping order command without positive quantity")
		return nil
	}
	if cmd.Exchange == "" {
		cmd.Exchange = x.cfg.Exchange
	}

	err := x.submit(ctx, cmd, uuid.Nil, false)
	if err != nil && !errors.Is(err, ErrInvariantViolation) {
		// Placement already retried inside the adapter and the rejected
		// report is published; the command is spent.
		return nil
	}
	return err
}

// submit registers the order and places it. The track is registered before
// the venue call so fills from a synchronous venue find it. On placement
// failure the track is removed again, leaving the client id free for a
// retried submission.
func (x *Executor) submit(ctx context.Context, cmd protocol.OrderCommand, parentPos uuid.UUID, recovery bool) error {
	quantity := x.venue.QuantizeQuantity(cmd.Symbol, cmd.Quantity)
	if !quantity.IsPositive() {
		x.log.Warn().
			Str("order_id", cmd.OrderID.String()).
			Str("symbol", cmd.Symbol).
			Str("quantity", cmd.Quantity.String()).
			Msg("Order quantity quantizes to zero")
		x.publishReport(ctx, x.rejectedReport(cmd, "quantity quantizes to zero"))
		x.journalOrder(ctx, &orderTrack{cmd: cmd, quantity: cmd.Quantity, status: protocol.OrderStatusRejected})
		return fmt.Errorf("order %s: quantity %s quantizes to zero", cmd.OrderID, cmd.Quantity)
	}

	track := &orderTrack{
		cmd:       cmd,
		quantity:  quantity,
		expected:  x.expectedPrice(ctx, cmd),
		status:    protocol.OrderStatusPending,
		parentPos: parentPos,
		recovery:  recovery,
		submitted: x.now(),
	}

	x.mu.Lock()
	if _, seen := x.orders[cmd.OrderID]; seen {
		x.mu.Unlock()
		x.log.Debug().Str("order_id", cmd.OrderID.String()).Msg("Order already tracked, skipping duplicate command")
		return nil
	}
	x.orders[cmd.OrderID] = track
	if parentPos != uuid.Nil && !recovery {
		x.children[parentPos] = append(x.children[parentPos], track)
	}
	x.mu.Unlock()

	req := exchange.OrderRequest{
		ClientID: cmd.OrderID,
		Symbol:   cmd.Symbol,
		Side:     cmd.Side,
		Type:     cmd.Type,
		Quantity: quantity,
	}
	if cmd.Price.IsPositive() {
		req.Price = x.venue.QuantizePrice(cmd.Symbol, cmd.Price)
	}
	if cmd.StopPrice.IsPositive() {
		req.StopPrice = x.venue.QuantizePrice(cmd.Symbol, cmd.StopPrice)
	}

	metrics.RecordOrderSubmitted(x.cfg.Exchange, string(cmd.Side), string(cmd.Type))

	cctx, cancel := x.callCtx(ctx)
	ref, err := x.venue.PlaceOrder(cctx, req)
	cancel()
	if err != nil {
		x.dropTrack(cmd.OrderID, parentPos)
		metrics.RecordError("order_rejected", componentName)
		x.log.Error().Err(err).
			Str("order_id", cmd.OrderID.String()).
			Str("symbol", cmd.Symbol).
			Str("kind", exchange.KindOf(err).String()).
			Msg("Order placement failed")
		x.publishReport(ctx, x.rejectedReport(cmd, err.Error()))
		track.status = protocol.OrderStatusRejected
		x.journalOrder(ctx, track)
		return fmt.Errorf("place order %s: %w", cmd.OrderID, err)
	}

	x.mu.Lock()
	track.ref = ref
	if track.status == protocol.OrderStatusPending {
		track.status = protocol.OrderStatusOpen
	}
	snap := *track
	x.mu.Unlock()
	x.journalOrder(ctx, &snap)

	x.log.Info().
		Str("order_id", cmd.OrderID.String()).
		Str("symbol", cmd.Symbol).
		Str("side", string(cmd.Side)).
		Str("type", string(cmd.Type)).
		Str("quantity", quantity.String()).
		Bool("protective", parentPos != uuid.Nil).
		Msg("Order placed")
	return nil
}

// dropTrack removes a never-placed order so its client id can be reused.
func (x *Executor) dropTrack(orderID, parentPos uuid.UUID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.orders, orderID)
	if parentPos == uuid.Nil {
		return
	}
	list := x.children[parentPos]
	for i, c := range list {
		if c.cmd.OrderID == orderID {
			x.children[parentPos] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// expectedPrice resolves the pre-trade reference price the quality report
// measures slippage against. Market orders use the venue mark at decision
// time.
func (x *Executor) expectedPrice(ctx context.Context, cmd protocol.OrderCommand) decimal.Decimal {
	switch cmd.Type {
	case protocol.OrderTypeLimit:
		return cmd.Price
	case protocol.OrderTypeStopLoss, protocol.OrderTypeTakeProfit:
		return cmd.StopPrice
	}

	cctx, cancel := x.callCtx(ctx)
	defer cancel()
	mark, err := x.venue.MarkPrice(cctx, cmd.Symbol)
	if err == nil && mark.IsPositive() {
		return mark
	}
	if cmd.Price.IsPositive() {
		return cmd.Price
	}
	return decimal.Zero
}

// applyFill folds one fill into its order and forwards the delta to the
// position manager. Unknown client ids belong to other sessions and are
// skipped.
func (x *Executor) applyFill(ctx context.Context, fill exchange.Fill) error {
	x.mu.Lock()
	track, ok := x.orders[fill.ClientID]
	if !ok {
		x.mu.Unlock()
		x.log.Debug().Str("client_id", fill.ClientID.String()).Str("symbol", fill.Symbol).Msg("Fill for untracked order")
		return nil
	}
	if track.status.Terminal() {
		x.mu.Unlock()
		x.log.Debug().Str("order_id", fill.ClientID.String()).Msg("Fill after terminal status, skipping")
		return nil
	}

	qty := fill.Quantity
	remaining := track.quantity.Sub(track.filled)
	if qty.GreaterThan(remaining) {
		x.log.Warn().
			Str("order_id", fill.ClientID.String()).
			Str("fill_quantity", qty.String()).
			Str("remaining", remaining.String()).
			Msg("Fill exceeds remaining quantity, clamping")
		qty = remaining
	}
	if !qty.IsPositive() {
		x.mu.Unlock()
		return nil
	}

	newFilled := track.filled.Add(qty)
	track.avgFill = track.avgFill.Mul(track.filled).Add(fill.Price.Mul(qty)).Div(newFilled).Round(8)
	track.filled = newFilled
	track.fees = track.fees.Add(fill.Fee)
	if track.filled.GreaterThanOrEqual(track.quantity) {
		track.status = protocol.OrderStatusFilled
		track.completed = x.now()
	} else {
		track.status = protocol.OrderStatusPartiallyFilled
	}
	snap := *track
	x.mu.Unlock()

	if err := x.applyPositionFill(ctx, &snap, fill, qty); err != nil {
		return err
	}
	x.journalOrder(ctx, &snap)
	if snap.status == protocol.OrderStatusFilled {
		x.finalize(ctx, fill.ClientID)
	}
	return nil
}

// applyPositionFill routes one fill delta into the position manager: no
// position opens one, a same-direction position increases, an opposing
// position decreases. Every fill is applied as it lands, so a market order
// entering in tranches opens on the first partial and averages up on the
// rest.
func (x *Executor) applyPositionFill(ctx context.Context, snap *orderTrack, fill exchange.Fill, qty decimal.Decimal) error {
	symbol := snap.cmd.Symbol
	entrySide := protocol.PositionSideForEntry(fill.Side)

	pos, held := x.book.PositionBySymbol(symbol)
	switch {
	case !held:
		if snap.closing() {
			x.log.Warn().
				Str("order_id", snap.cmd.OrderID.String()).
				Str("symbol", symbol).
				Msg("Closing fill for a position no longer held")
			return nil
		}
		req := position.OpenRequest{
			Symbol:     symbol,
			Side:       entrySide,
			Quantity:   qty,
			EntryPrice: fill.Price,
			Fees:       fill.Fee,
			StopLoss:   snap.cmd.StopLoss,
			TakeProfit: snap.cmd.TakeProfit,
			Trailing:   x.cfg.Trailing && snap.cmd.StopLoss.IsPositive(),
		}
		if _, err := x.book.Open(ctx, req); err != nil {
			if errors.Is(err, position.ErrDuplicateOpen) {
				return x.fatal(ctx, "duplicate_open", snap.cmd.OrderID, err)
			}
			metrics.RecordError("position_open", componentName)
			x.log.Error().Err(err).Str("order_id", snap.cmd.OrderID.String()).Str("symbol", symbol).Msg("Failed to open position for fill")
		}
	case pos.Side == entrySide:
		if _, err := x.book.Increase(ctx, pos.ID, qty, fill.Price, fill.Fee); err != nil {
			metrics.RecordError("position_increase", componentName)
			x.log.Error().Err(err).Str("position_id", pos.ID.String()).Str("symbol", symbol).Msg("Failed to increase position for fill")
		}
	default:
		if _, err := x.book.Decrease(ctx, pos.ID, qty, fill.Price, fill.Fee); err != nil {
			metrics.RecordError("position_decrease", componentName)
			x.log.Error().Err(err).Str("position_id", pos.ID.String()).Str("symbol", symbol).Msg("Failed to decrease position for fill")
		}
	}
	return nil
}

// finalize runs the terminal-fill work exactly once per order: quality
// analysis, the trade row, the execution report and protective children.
func (x *Executor) finalize(ctx context.Context, orderID uuid.UUID) {
	x.mu.Lock()
	track, ok := x.orders[orderID]
	if !ok || track.status != protocol.OrderStatusFilled || track.reported {
		x.mu.Unlock()
		return
	}
	track.reported = true
	snap := *track
	x.mu.Unlock()

	latency := snap.completed.Sub(snap.submitted)
	expected := snap.expected
	if !expected.IsPositive() {
		expected = snap.avgFill
	}
	quality := AnalyzeFill(snap.cmd.Side, expected, snap.avgFill, snap.filled, snap.fees, latency)

	if x.cfg.MaxSlippage > 0 && math.Abs(quality.SlippagePct) > x.cfg.MaxSlippage {
		x.log.Warn().
			Str("order_id", orderID.String()).
			Str("symbol", snap.cmd.Symbol).
			Float64("slippage_pct", quality.SlippagePct).
			Float64("max_allowed", x.cfg.MaxSlippage).
			Msg("Fill slippage exceeds configured ceiling")
	}

	metrics.RecordOrderExecution(float64(latency.Milliseconds()))
	metrics.RecordExecutionQuality(quality.SlippageBps, quality.Score)

	report := x.buildReport(&snap, expected, quality, latency)
	x.bench.Add(report)
	x.persistTrade(ctx, &snap, report)
	x.publishReport(ctx, report)

	if !snap.closing() {
		x.placeProtection(ctx, &snap)
	}

	x.log.Info().
		Str("order_id", orderID.String()).
		Str("symbol", snap.cmd.Symbol).
		Str("filled_quantity", snap.filled.String()).
		Str("average_price", snap.avgFill.String()).
		Float64("slippage_pct", quality.SlippagePct).
		Float64("quality_score", quality.Score).
		Msg("Order filled")
}

// placeProtection replaces the protective children guarding the position an
// entry fill opened or increased. Cancelling first keeps one stop and one
// take-profit live at the latest levels for the full position size.
func (x *Executor) placeProtection(ctx context.Context, snap *orderTrack) {
	cmd := snap.cmd
	if !cmd.StopLoss.IsPositive() && !cmd.TakeProfit.IsPositive() {
		return
	}
	pos, held := x.book.PositionBySymbol(cmd.Symbol)
	if !held || pos.Side != protocol.PositionSideForEntry(cmd.Side) {
		// The fill reduced or closed an opposing position; nothing to guard.
		return
	}

	if err := x.CancelChildren(ctx, pos.ID); err != nil {
		x.log.Warn().Err(err).Str("position_id", pos.ID.String()).Msg("Failed to cancel superseded protective orders")
	}

	side := cmd.Side.Opposite()
	if cmd.StopLoss.IsPositive() {
		x.submitChild(ctx, &pos, side, protocol.OrderTypeStopLoss, cmd.StopLoss, cmd.IntentID)
	}
	if cmd.TakeProfit.IsPositive() {
		x.submitChild(ctx, &pos, side, protocol.OrderTypeTakeProfit, cmd.TakeProfit, cmd.IntentID)
	}
}

// submitChild places one protective order for the full position quantity.
func (x *Executor) submitChild(ctx context.Context, pos *position.Position, side protocol.OrderSide, typ protocol.OrderType, trigger decimal.Decimal, intentID uuid.UUID) {
	cmd := protocol.OrderCommand{
		OrderID:   childOrderID(pos.ID, typ, pos.Quantity, trigger),
		IntentID:  intentID,
		Exchange:  x.cfg.Exchange,
		Symbol:    pos.Symbol,
		Side:      side,
		Type:      typ,
		Quantity:  pos.Quantity,
		StopPrice: trigger,
		CreatedAt: x.now(),
	}
	if err := x.submit(ctx, cmd, pos.ID, false); err != nil {
		x.log.Error().Err(err).
			Str("position_id", pos.ID.String()).
			Str("symbol", pos.Symbol).
			Str("type", string(typ)).
			Str("trigger", trigger.String()).
			Msg("Failed to place protective order")
	}
}

// childOrderID derives a deterministic client id for a protective order, so
// a retried placement converges on the same venue order while a replaced
// protection (new size or level) gets a fresh one.
func childOrderID(positionID uuid.UUID, typ protocol.OrderType, qty, trigger decimal.Decimal) uuid.UUID {
	name := fmt.Sprintf("child.%s.%s.%s", typ, qty, trigger)
	return uuid.NewSHA1(positionID, []byte(name))
}

// CancelOrder cancels a resting order. Cancels are allowed only while the
// order is open or partially filled.
func (x *Executor) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	x.mu.Lock()
	track, ok := x.orders[orderID]
	if !ok {
		x.mu.Unlock()
		return fmt.Errorf("unknown order %s", orderID)
	}
	status := track.status
	ref := track.ref
	x.mu.Unlock()

	if status != protocol.OrderStatusOpen && status != protocol.OrderStatusPartiallyFilled {
		return fmt.Errorf("order %s is %s, cancel is allowed only while resting", orderID, status)
	}

	cctx, cancel := x.callCtx(ctx)
	err := x.venue.CancelOrder(cctx, ref)
	cancel()
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	x.mu.Lock()
	if !track.status.Terminal() {
		track.status = protocol.OrderStatusCancelled
		track.completed = x.now()
	}
	snap := *track
	x.mu.Unlock()

	report := x.buildReport(&snap, snap.expected, Quality{}, 0)
	x.publishReport(ctx, report)
	x.journalOrder(ctx, &snap)
	if snap.filled.IsPositive() {
		x.persistTrade(ctx, &snap, report)
	}

	x.log.Info().
		Str("order_id", orderID.String()).
		Str("symbol", snap.cmd.Symbol).
		Str("filled_quantity", snap.filled.String()).
		Msg("Order cancelled")
	return nil
}

// LiveChild reports whether the venue still holds a working protective
// order of the given type for the position. The venue is asked directly;
// this is the consistency check behind the stop-missing recovery path.
func (x *Executor) LiveChild(ctx context.Context, positionID uuid.UUID, typ protocol.OrderType) (bool, error) {
	x.mu.Lock()
	var ref exchange.OrderRef
	found := false
	for _, c := range x.children[positionID] {
		if c.cmd.Type == typ && c.ref.ClientID != uuid.Nil {
			ref = c.ref
			found = true
		}
	}
	x.mu.Unlock()
	if !found {
		return false, nil
	}

	cctx, cancel := x.callCtx(ctx)
	defer cancel()
	state, err := x.venue.FetchOrder(cctx, ref)
	if err != nil {
		if errors.Is(err, exchange.ErrUnknownOrder) {
			return false, nil
		}
		return false, fmt.Errorf("fetch protective order: %w", err)
	}
	return !state.Status.Terminal(), nil
}

// CancelChildren cancels every working protective order for a position and
// forgets them. Venue rejections for already-terminal children count as
// done.
func (x *Executor) CancelChildren(ctx context.Context, positionID uuid.UUID) error {
	x.mu.Lock()
	list := x.children[positionID]
	delete(x.children, positionID)
	working := make([]*orderTrack, 0, len(list))
	for _, c := range list {
		if !c.status.Terminal() && c.ref.ClientID != uuid.Nil {
			working = append(working, c)
		}
	}
	x.mu.Unlock()

	var firstErr error
	for _, c := range working {
		cctx, cancel := x.callCtx(ctx)
		err := x.venue.CancelOrder(cctx, c.ref)
		cancel()
		if err != nil && exchange.KindOf(err) != exchange.KindRejected {
			if firstErr == nil {
				firstErr = err
			}
			x.log.Warn().Err(err).
				Str("order_id", c.cmd.OrderID.String()).
				Str("position_id", positionID.String()).
				Msg("Failed to cancel protective order")
			continue
		}
		x.mu.Lock()
		if !c.status.Terminal() {
			c.status = protocol.OrderStatusCancelled
			c.completed = x.now()
		}
		snap := *c
		x.mu.Unlock()
		x.journalOrder(ctx, &snap)
	}
	return firstErr
}

// EmergencyClose places a market order flattening a position whose
// protective level triggered without a working child order. The client id
// derives from the position, so the manager retrying after a failed
// placement converges on one venue order.
func (x *Executor) EmergencyClose(ctx context.Context, positionID uuid.UUID, symbol string, side protocol.OrderSide, qty decimal.Decimal) error {
	cmd := protocol.OrderCommand{
		OrderID:   uuid.NewSHA1(positionID, []byte("recovery_close")),
		Exchange:  x.cfg.Exchange,
		Symbol:    symbol,
		Side:      side,
		Type:      protocol.OrderTypeMarket,
		Quantity:  qty,
		CreatedAt: x.now(),
	}
	x.log.Warn().
		Str("position_id", positionID.String()).
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("quantity", qty.String()).
		Msg("Submitting recovery market close")
	return x.submit(ctx, cmd, positionID, true)
}

// fatal publishes a system.fatal record and returns the halt error.
func (x *Executor) fatal(ctx context.Context, reason string, correlationID uuid.UUID, cause error) error {
	metrics.RecordError(reason, componentName)
	x.log.Error().Err(cause).Str("reason", reason).Msg("Halting on invariant violation")

	event := protocol.FatalEvent{
		Worker:        x.source,
		Reason:        reason,
		Detail:        cause.Error(),
		CorrelationID: correlationID,
		At:            x.now(),
	}
	env, err := protocol.Wrap(x.source, protocol.KindFatalEvent, correlationID, event)
	if err == nil {
		if perr := x.pub.Publish(ctx, protocol.TopicSystemFatal, "", env); perr != nil {
			x.log.Error().Err(perr).Msg("Failed to publish fatal event")
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrInvariantViolation, reason, cause)
}

func (x *Executor) buildReport(snap *orderTrack, expected decimal.Decimal, quality Quality, latency time.Duration) protocol.ExecutionReport {
	return protocol.ExecutionReport{
		OrderID:          snap.cmd.OrderID,
		IntentID:         snap.cmd.IntentID,
		Exchange:         snap.cmd.Exchange,
		Symbol:           snap.cmd.Symbol,
		Side:             snap.cmd.Side,
		Status:           snap.status,
		FilledQuantity:   snap.filled,
		AverageFillPrice: snap.avgFill,
		ExpectedPrice:    expected,
		Fees:             snap.fees,
		Notional:         snap.avgFill.Mul(snap.filled),
		SlippagePct:      quality.SlippagePct,
		SlippageBps:      quality.SlippageBps,
		CostPct:          quality.CostPct,
		Favorable:        quality.Favorable,
		QualityScore:     quality.Score,
		QualityRating:    quality.Rating,
		LatencyMillis:    float64(latency.Milliseconds()),
		ExecutedAt:       x.now(),
	}
}

func (x *Executor) rejectedReport(cmd protocol.OrderCommand, detail string) protocol.ExecutionReport {
	return protocol.ExecutionReport{
		OrderID:       cmd.OrderID,
		IntentID:      cmd.IntentID,
		Exchange:      cmd.Exchange,
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		Status:        protocol.OrderStatusRejected,
		ExpectedPrice: cmd.Price,
		Error:         detail,
		ExecutedAt:    x.now(),
	}
}

// persistTrade appends the execution to the trade log. The row id derives
// from the order id so a replayed finalize upserts instead of duplicating.
func (x *Executor) persistTrade(ctx context.Context, snap *orderTrack, report protocol.ExecutionReport) {
	if x.store == nil {
		return
	}
	meta := map[string]any{
		"intent_id":     snap.cmd.IntentID.String(),
		"quality_score": report.QualityScore,
		"slippage_bps":  report.SlippageBps,
	}
	if snap.parentPos != uuid.Nil {
		meta["parent_position_id"] = snap.parentPos.String()
	}
	if snap.recovery {
		meta["recovery_close"] = true
	}

	trade := &Trade{
		ID:            uuid.NewSHA1(snap.cmd.OrderID, []byte("trade")),
		Exchange:      snap.cmd.Exchange,
		Symbol:        snap.cmd.Symbol,
		Side:          snap.cmd.Side,
		Type:          snap.cmd.Type,
		Quantity:      snap.filled,
		Price:         snap.avgFill,
		Fee:           snap.fees,
		Status:        snap.status,
		OrderID:       snap.cmd.OrderID,
		ExecutionTime: x.now(),
		Metadata:      meta,
	}
	if err := x.store.RecordTrade(ctx, trade); err != nil {
		metrics.RecordError("persist_trade", componentName)
		x.log.Error().Err(err).Str("order_id", snap.cmd.OrderID.String()).Msg("Failed to persist trade")
	}
}

// publishReport emits the execution report keyed by order id. Publication
// is best effort: the trade row is the durable record.
func (x *Executor) publishReport(ctx context.Context, report protocol.ExecutionReport) {
	if x.pub == nil {
		return
	}
	env, err := protocol.Wrap(x.source, protocol.KindExecutionReport, report.OrderID, report)
	if err != nil {
		metrics.RecordError("marshal_execution_report", componentName)
		x.log.Error().Err(err).Str("order_id", report.OrderID.String()).Msg("Failed to wrap execution report")
		return
	}
	if err := x.pub.Publish(ctx, protocol.TopicExecutionReport, report.Symbol, env); err != nil {
		metrics.RecordError("publish_execution_report", componentName)
		x.log.Error().Err(err).Str("order_id", report.OrderID.String()).Msg("Failed to publish execution report")
	}
}

func (x *Executor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, x.cfg.OrderTimeout)
}

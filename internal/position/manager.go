package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/portfolio"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// Config identifies the venue scope and seeds the portfolio book.
type Config struct {
	Exchange       string
	InitialCapital decimal.Decimal
}

// Store persists position rows. CreatePosition must surface ErrDuplicateOpen
// when the open-position uniqueness index rejects the insert, so the
// in-memory check and the store enforce the same rule.
type Store interface {
	CreatePosition(ctx context.Context, p *Position) error
	UpdatePosition(ctx context.Context, p *Position) error
	OpenPositions(ctx context.Context, exchange string) ([]*Position, error)
	Stats(ctx context.Context, symbol string) (Stats, error)
}

// UpdatePublisher is the slice of the fabric audit records go out on.
type UpdatePublisher interface {
	Publish(ctx context.Context, topic, symbol string, env *protocol.Envelope) error
}

// SnapshotPublisher shares book state with out-of-process readers. The
// portfolio snapshot store implements it; nil disables sharing.
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, snap portfolio.Snapshot) error
}

// OrderControl is the slice of the execution layer the manager drives.
// Protective child orders belong to the executor; the manager decides when
// they must be cancelled or replaced by a recovery close.
type OrderControl interface {
	LiveChild(ctx context.Context, positionID uuid.UUID, typ protocol.OrderType) (bool, error)
	CancelChildren(ctx context.Context, positionID uuid.UUID) error
	EmergencyClose(ctx context.Context, positionID uuid.UUID, symbol string, side protocol.OrderSide, quantity decimal.Decimal) error
}

// Trailer advances trailing stops on favorable price moves. The stop placer
// implements it; nil leaves stops where they were placed.
type Trailer interface {
	UpdateTrailingStop(side protocol.PositionSide, entry, current, currentStop decimal.Decimal) decimal.Decimal
}

// Manager owns all position mutations. Operations serialize on one lock,
// persist before they commit in memory, and emit one position.update audit
// record each.
type Manager struct {
	cfg     Config
	store   Store
	snaps   SnapshotPublisher
	pub     UpdatePublisher
	control OrderControl
	trailer Trailer
	source  string

	mu       sync.Mutex
	book     *portfolio.Book
	open     map[uuid.UUID]*Position
	bySymbol map[string]uuid.UUID

	log zerolog.Logger
	now func() time.Time
}

// NewManager builds a position manager publishing audit records as source.
// snaps and pub may be nil in tests.
func NewManager(cfg Config, store Store, snaps SnapshotPublisher, pub UpdatePublisher, source string, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		snaps:    snaps,
		pub:      pub,
		source:   source,
		book:     portfolio.NewBook(cfg.InitialCapital),
		open:     make(map[uuid.UUID]*Position),
		bySymbol: make(map[string]uuid.UUID),
		log:      log.With().Str("component", "position_manager").Logger(),
		now:      time.Now,
	}
}

// SetOrderControl wires the executor surface for child-order cancellation
// and recovery closes. Call before serving mutations.
func (m *Manager) SetOrderControl(c OrderControl) {
	m.control = c
}

// SetTrailer enables trailing-stop advancement on price updates.
func (m *Manager) SetTrailer(t Trailer) {
	m.trailer = t
}

// OpenRequest carries the entry fill for a new position. Fees are the
// entry-side fees; they release into realized P&L as the position closes.
type OpenRequest struct {
	Symbol     string
	Side       protocol.PositionSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Fees       decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Trailing   bool
}

func (r OpenRequest) validate() error {
	if r.Symbol == "" {
		return errors.New("open position: symbol is required")
	}
	if r.Side != protocol.PositionSideLong && r.Side != protocol.PositionSideShort {
		return fmt.Errorf("open position %s: unknown side %q", r.Symbol, r.Side)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("open position %s: quantity must be positive, got %s", r.Symbol, r.Quantity)
	}
	if !r.EntryPrice.IsPositive() {
		return fmt.Errorf("open position %s: entry price must be positive, got %s", r.Symbol, r.EntryPrice)
	}
	if !levelsOrdered(r.Side, r.StopLoss, r.EntryPrice, r.TakeProfit) {
		return fmt.Errorf("open position %s: protective levels misordered for %s entry %s (stop %s, target %s)",
			r.Symbol, r.Side, r.EntryPrice, r.StopLoss, r.TakeProfit)
	}
	return nil
}

// Open creates a position from an entry fill. A second open position for
// the same symbol is rejected with ErrDuplicateOpen and no state change;
// the store's unique partial index backs the check across processes.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (Position, error) {
	if err := req.validate(); err != nil {
		return Position{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.bySymbol[req.Symbol]; ok {
		metrics.RecordError("duplicate_open", "position_manager")
		m.log.Error().
			Str("symbol", req.Symbol).
			Str("held_by", held.String()).
			Msg("Rejected second open position for symbol")
		return Position{}, fmt.Errorf("%w: %s held by %s", ErrDuplicateOpen, req.Symbol, held)
	}

	pos := &Position{
		ID:            uuid.New(),
		Exchange:      m.cfg.Exchange,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		EntryPrice:    req.EntryPrice,
		CurrentPrice:  req.EntryPrice,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   decimal.Zero,
		EntryFees:     req.Fees,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		Trailing:      req.Trailing,
		Status:        protocol.PositionStatusOpen,
		OpenedAt:      m.now(),
	}

	if err := m.store.CreatePosition(ctx, pos); err != nil {
		if errors.Is(err, ErrDuplicateOpen) {
			metrics.RecordError("duplicate_open", "position_manager")
			return Position{}, err
		}
		return Position{}, fmt.Errorf("create position %s: %w", req.Symbol, err)
	}

	m.open[pos.ID] = pos
	m.bySymbol[pos.Symbol] = pos.ID
	m.book.SetHolding(portfolio.Holding{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		MarkPrice:  pos.EntryPrice,
		StopLoss:   pos.StopLoss,
	})
	m.settle(entrySide(pos.Side), req.Quantity, req.EntryPrice, req.Fees, decimal.Zero)

	m.publishUpdate(ctx, pos, protocol.PositionActionOpen, req.Quantity, req.EntryPrice, decimal.Zero)
	m.publishSnapshot(ctx)
	m.refreshGauges(pos)

	m.log.Info().
		Str("position_id", pos.ID.String()).
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Str("quantity", pos.Quantity.String()).
		Str("entry_price", pos.EntryPrice.String()).
		Str("stop_loss", pos.StopLoss.String()).
		Str("take_profit", pos.TakeProfit.String()).
		Msg("Position opened")

	return *pos, nil
}

// UpdatePrice marks a position to price: unrealized P&L, the portfolio
// book, trailing stops and the protective-level consistency check. Row
// persistence here is advisory; the durable path is the mutation ops.
func (m *Manager) UpdatePrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) (Position, error) {
	if !price.IsPositive() {
		return Position{}, fmt.Errorf("update price: price must be positive, got %s", price)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.open[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	pos.markTo(price)

	if pos.Trailing && m.trailer != nil {
		next := m.trailer.UpdateTrailingStop(pos.Side, pos.EntryPrice, price, pos.StopLoss)
		if !next.Equal(pos.StopLoss) {
			m.log.Debug().
				Str("position_id", pos.ID.String()).
				Str("symbol", pos.Symbol).
				Str("stop_loss", next.String()).
				Msg("Trailing stop advanced")
			pos.StopLoss = next
			m.book.SetStop(pos.Symbol, next)
		}
	}

	m.book.MarkToMarket(pos.Symbol, price)

	if err := m.store.UpdatePosition(ctx, pos); err != nil {
		metrics.RecordError("persist_position", "position_manager")
		m.log.Error().Err(err).
			Str("position_id", pos.ID.String()).
			Msg("Failed to persist price update")
	}

	m.checkProtectiveLevels(ctx, pos, price)

	metrics.UpdatePositionValue(pos.Symbol, pos.Notional().InexactFloat64())
	m.publishSnapshot(ctx)

	return *pos, nil
}

// MarkSymbol routes a market price to the open position in symbol, if any.
func (m *Manager) MarkSymbol(ctx context.Context, symbol string, price decimal.Decimal) (Position, error) {
	m.mu.Lock()
	id, ok := m.bySymbol[symbol]
	m.mu.Unlock()
	if !ok {
		return Position{}, fmt.Errorf("%w: no open position for %s", ErrNotFound, symbol)
	}
	return m.UpdatePrice(ctx, id, price)
}

// Increase adds an entry fill to a position, volume-weighting the average
// entry price.
func (m *Manager) Increase(ctx context.Context, id uuid.UUID, qty, price, fees decimal.Decimal) (Position, error) {
	if !qty.IsPositive() || !price.IsPositive() {
		return Position{}, fmt.Errorf("increase position: quantity and price must be positive, got %s at %s", qty, price)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.open[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	oldPrice, oldQty := pos.EntryPrice, pos.Quantity

	next := *pos
	totalValue := pos.EntryPrice.Mul(pos.Quantity).Add(price.Mul(qty))
	next.Quantity = pos.Quantity.Add(qty)
	next.EntryPrice = totalValue.Div(next.Quantity).Round(8)
	next.EntryFees = pos.EntryFees.Add(fees)
	next.markTo(price)

	if err := m.store.UpdatePosition(ctx, &next); err != nil {
		return Position{}, fmt.Errorf("persist increase %s: %w", id, err)
	}
	*pos = next

	m.book.SetHolding(portfolio.Holding{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		MarkPrice:  price,
		StopLoss:   pos.StopLoss,
	})
	m.settle(entrySide(pos.Side), qty, price, fees, decimal.Zero)

	if !levelsOrdered(pos.Side, pos.StopLoss, pos.EntryPrice, pos.TakeProfit) {
		m.log.Warn().
			Str("position_id", pos.ID.String()).
			Str("entry_price", pos.EntryPrice.String()).
			Str("stop_loss", pos.StopLoss.String()).
			Str("take_profit", pos.TakeProfit.String()).
			Msg("Averaged entry crossed a protective level, stops need replacement")
	}

	m.publishUpdate(ctx, pos, protocol.PositionActionIncrease, qty, price, decimal.Zero)
	m.publishSnapshot(ctx)
	m.refreshGauges(pos)

	m.log.Info().
		Str("position_id", pos.ID.String()).
		Str("symbol", pos.Symbol).
		Str("old_entry_price", oldPrice.String()).
		Str("new_entry_price", pos.EntryPrice.String()).
		Str("old_quantity", oldQty.String()).
		Str("new_quantity", pos.Quantity.String()).
		Msg("Position increased")

	return *pos, nil
}

// Decrease consumes qty of a position at an exit price, releasing the
// proportional share of realized P&L and entry fees. Consuming the full
// remaining quantity closes the position.
func (m *Manager) Decrease(ctx context.Context, id uuid.UUID, qty, price, fees decimal.Decimal) (Position, error) {
	if !qty.IsPositive() || !price.IsPositive() {
		return Position{}, fmt.Errorf("decrease position: quantity and price must be positive, got %s at %s", qty, price)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.open[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if qty.GreaterThanOrEqual(pos.Quantity) {
		if qty.GreaterThan(pos.Quantity) {
			m.log.Warn().
				Str("position_id", pos.ID.String()).
				Str("requested", qty.String()).
				Str("held", pos.Quantity.String()).
				Msg("Decrease exceeds held quantity, closing the position")
		}
		return m.closeLocked(ctx, pos, price, fees)
	}

	feeShare := pos.EntryFees.Mul(qty).Div(pos.Quantity).Round(8)
	realized := pos.pnlPerUnit(price).Mul(qty).Sub(feeShare).Sub(fees)

	next := *pos
	next.Quantity = pos.Quantity.Sub(qty)
	next.EntryFees = pos.EntryFees.Sub(feeShare)
	next.RealizedPnL = pos.RealizedPnL.Add(realized)
	next.markTo(price)

	if err := m.store.UpdatePosition(ctx, &next); err != nil {
		return Position{}, fmt.Errorf("persist decrease %s: %w", id, err)
	}
	*pos = next

	m.book.SetHolding(portfolio.Holding{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		MarkPrice:  price,
		StopLoss:   pos.StopLoss,
	})
	m.settle(pos.closingSide(), qty, price, fees, realized)

	m.publishUpdate(ctx, pos, protocol.PositionActionDecrease, qty, price, realized)
	m.publishSnapshot(ctx)
	m.refreshGauges(pos)

	m.log.Info().
		Str("position_id", pos.ID.String()).
		Str("symbol", pos.Symbol).
		Str("closed_quantity", qty.String()).
		Str("remaining_quantity", pos.Quantity.String()).
		Str("exit_price", price.String()).
		Str("realized_pnl", realized.String()).
		Msg("Position decreased")

	return *pos, nil
}

// Close fully closes a position at an exit price, cancelling outstanding
// protective child orders.
func (m *Manager) Close(ctx context.Context, id uuid.UUID, exitPrice, fees decimal.Decimal) (Position, error) {
	if !exitPrice.IsPositive() {
		return Position{}, fmt.Errorf("close position: exit price must be positive, got %s", exitPrice)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.open[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.closeLocked(ctx, pos, exitPrice, fees)
}

func (m *Manager) closeLocked(ctx context.Context, pos *Position, exitPrice, fees decimal.Decimal) (Position, error) {
	qty := pos.Quantity
	realized := pos.pnlPerUnit(exitPrice).Mul(qty).Sub(pos.EntryFees).Sub(fees)

	next := *pos
	next.Quantity = decimal.Zero
	next.EntryFees = decimal.Zero
	next.RealizedPnL = pos.RealizedPnL.Add(realized)
	next.CurrentPrice = exitPrice
	next.UnrealizedPnL = decimal.Zero
	next.Status = protocol.PositionStatusClosed
	next.ClosedAt = m.now()

	if err := m.store.UpdatePosition(ctx, &next); err != nil {
		return Position{}, fmt.Errorf("persist close %s: %w", pos.ID, err)
	}

	delete(m.open, pos.ID)
	delete(m.bySymbol, pos.Symbol)
	m.book.DropHolding(pos.Symbol)
	m.settle(pos.closingSide(), qty, exitPrice, fees, realized)

	if m.control != nil {
		if err := m.control.CancelChildren(ctx, pos.ID); err != nil {
			m.log.Warn().Err(err).
				Str("position_id", pos.ID.String()).
				Msg("Failed to cancel protective child orders")
		}
	}

	m.publishUpdate(ctx, &next, protocol.PositionActionClose, qty, exitPrice, realized)
	metrics.RecordTrade(next.RealizedPnL.InexactFloat64())
	metrics.UpdatePositionValue(pos.Symbol, 0)
	metrics.OpenPositions.Set(float64(len(m.open)))
	m.refreshPerformance(ctx)
	m.publishSnapshot(ctx)

	m.log.Info().
		Str("position_id", next.ID.String()).
		Str("symbol", next.Symbol).
		Str("side", string(next.Side)).
		Str("entry_price", next.EntryPrice.String()).
		Str("exit_price", exitPrice.String()).
		Str("realized_pnl", next.RealizedPnL.String()).
		Msg("Position closed")

	return next, nil
}

// Restore rebuilds the open-position maps and the portfolio book from the
// store after a restart. Entry fees of restored positions are not
// recoverable from the row, so their eventual closes realize slightly high.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.store.OpenPositions(ctx, m.cfg.Exchange)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	stats, err := m.store.Stats(ctx, "")
	if err != nil {
		return fmt.Errorf("load performance stats: %w", err)
	}

	m.open = make(map[uuid.UUID]*Position, len(rows))
	m.bySymbol = make(map[string]uuid.UUID, len(rows))
	m.book = portfolio.NewBook(m.cfg.InitialCapital)

	// A closed round trip's net cash flow is exactly its realized P&L.
	m.book.Settle(stats.TotalPnL, stats.TotalPnL)

	for _, pos := range rows {
		if held, ok := m.bySymbol[pos.Symbol]; ok {
			return fmt.Errorf("%w: %s held by both %s and %s", ErrDuplicateOpen, pos.Symbol, held, pos.ID)
		}
		m.open[pos.ID] = pos
		m.bySymbol[pos.Symbol] = pos.ID
		m.book.SetHolding(portfolio.Holding{
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Quantity:   pos.Quantity,
			EntryPrice: pos.EntryPrice,
			MarkPrice:  pos.CurrentPrice,
			StopLoss:   pos.StopLoss,
		})

		entryValue := pos.EntryPrice.Mul(pos.Quantity)
		if pos.Side == protocol.PositionSideLong {
			entryValue = entryValue.Neg()
		}
		m.book.Settle(entryValue.Add(pos.RealizedPnL), pos.RealizedPnL)
	}

	metrics.OpenPositions.Set(float64(len(m.open)))

	m.log.Info().
		Int("open_positions", len(rows)).
		Int64("closed_trades", stats.TotalTrades).
		Str("closed_pnl", stats.TotalPnL.String()).
		Str("cash", m.book.Cash().String()).
		Msg("Position state restored")

	return nil
}

// LoadSnapshot returns the authoritative portfolio snapshot, serving cache
// recovery for out-of-process readers.
func (m *Manager) LoadSnapshot(ctx context.Context) (portfolio.Snapshot, error) {
	m.mu.Lock()
	book := m.book
	m.mu.Unlock()
	return book.Snapshot(), nil
}

// Stats returns closed-trade performance, optionally scoped to one symbol.
func (m *Manager) Stats(ctx context.Context, symbol string) (Stats, error) {
	return m.store.Stats(ctx, symbol)
}

// Position returns a copy of an open position by id.
func (m *Manager) Position(id uuid.UUID) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.open[id]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// PositionBySymbol returns a copy of the open position in symbol.
func (m *Manager) PositionBySymbol(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySymbol[symbol]
	if !ok {
		return Position{}, false
	}
	return *m.open[id], true
}

// Positions returns copies of all open positions ordered by symbol.
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.open))
	for _, pos := range m.open {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// checkProtectiveLevels is the consistency check behind server-side stops:
// a crossed level whose child order is gone gets a recovery market close.
func (m *Manager) checkProtectiveLevels(ctx context.Context, pos *Position, price decimal.Decimal) {
	var typ protocol.OrderType
	var level decimal.Decimal
	switch {
	case pos.stopTriggered(price):
		typ, level = protocol.OrderTypeStopLoss, pos.StopLoss
	case pos.takeProfitTriggered(price):
		typ, level = protocol.OrderTypeTakeProfit, pos.TakeProfit
	default:
		return
	}

	if pos.recoveryFired {
		return
	}
	if m.control == nil {
		m.log.Warn().
			Str("position_id", pos.ID.String()).
			Str("type", string(typ)).
			Str("level", level.String()).
			Msg("Protective level crossed with no order control wired")
		return
	}

	live, err := m.control.LiveChild(ctx, pos.ID, typ)
	if err != nil {
		m.log.Warn().Err(err).
			Str("position_id", pos.ID.String()).
			Msg("Could not verify protective child order")
		return
	}
	if live {
		return
	}

	metrics.RecordError("stop_missing", "position_manager")
	m.log.Error().
		Str("position_id", pos.ID.String()).
		Str("symbol", pos.Symbol).
		Str("type", string(typ)).
		Str("level", level.String()).
		Str("price", price.String()).
		Msg("Protective order missing at triggered level, firing recovery close")

	if err := m.control.EmergencyClose(ctx, pos.ID, pos.Symbol, pos.closingSide(), pos.Quantity); err != nil {
		m.log.Error().Err(err).
			Str("position_id", pos.ID.String()).
			Msg("Recovery close failed")
		return
	}
	pos.recoveryFired = true
}

// settle applies one fill's cash flow to the book: sells credit the
// notional, buys debit it, fees always debit.
func (m *Manager) settle(side protocol.OrderSide, qty, price, fees, realized decimal.Decimal) {
	cash := qty.Mul(price)
	if side == protocol.OrderSideBuy {
		cash = cash.Neg()
	}
	m.book.Settle(cash.Sub(fees), realized)
}

// publishUpdate emits the audit record for one mutation. Publication is
// best effort: the mutation is already durable in the store, and a repeat
// caused by forced redelivery would trip the duplicate-open invariant.
func (m *Manager) publishUpdate(ctx context.Context, pos *Position, action protocol.PositionAction, qty, price, realized decimal.Decimal) {
	if m.pub == nil {
		return
	}

	upd := &protocol.PositionUpdate{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Exchange:      pos.Exchange,
		Action:        action,
		Side:          pos.Side,
		Quantity:      qty,
		Price:         price,
		RealizedPnL:   realized,
		UnrealizedPnL: pos.UnrealizedPnL,
		UpdatedAt:     m.now(),
	}

	env, err := protocol.Wrap(m.source, protocol.KindPositionUpdate, pos.ID, upd)
	if err != nil {
		metrics.RecordError("marshal_position_update", "position_manager")
		m.log.Error().Err(err).Str("position_id", pos.ID.String()).Msg("Failed to wrap position update")
		return
	}
	if err := m.pub.Publish(ctx, protocol.TopicPositionUpdate, pos.Symbol, env); err != nil {
		metrics.RecordError("publish_position_update", "position_manager")
		m.log.Error().Err(err).
			Str("position_id", pos.ID.String()).
			Str("action", string(action)).
			Msg("Failed to publish position update")
	}
}

func (m *Manager) publishSnapshot(ctx context.Context) {
	if m.snaps == nil {
		return
	}
	if err := m.snaps.PublishSnapshot(ctx, m.book.Snapshot()); err != nil {
		m.log.Warn().Err(err).Msg("Failed to publish portfolio snapshot")
	}
}

func (m *Manager) refreshGauges(pos *Position) {
	metrics.OpenPositions.Set(float64(len(m.open)))
	metrics.UpdatePositionValue(pos.Symbol, pos.Notional().InexactFloat64())
	snap := m.book.Snapshot()
	metrics.TotalPnL.Set(snap.RealizedPnL.Add(snap.UnrealizedPnL).InexactFloat64())
}

// refreshPerformance recomputes the stats-driven gauges after a close.
func (m *Manager) refreshPerformance(ctx context.Context) {
	stats, err := m.store.Stats(ctx, "")
	if err != nil {
		m.log.Debug().Err(err).Msg("Skipping performance gauge refresh")
		return
	}
	metrics.WinRate.Set(stats.WinRate)
	snap := m.book.Snapshot()
	metrics.TotalPnL.Set(snap.RealizedPnL.Add(snap.UnrealizedPnL).InexactFloat64())
}

func entrySide(side protocol.PositionSide) protocol.OrderSide {
	if side == protocol.PositionSideLong {
		return protocol.OrderSideBuy
	}
	return protocol.OrderSideSell
}

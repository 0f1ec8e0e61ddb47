// Package risk validates trade intents before execution: it sizes each
// intent against the live portfolio snapshot, derives protective stop
// levels, applies the ordered risk checks and publishes either an order
// command or a rejection.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/portfolio"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
	"github.com/ajitpratap0/tradefabric/internal/sizing"
	"github.com/ajitpratap0/tradefabric/internal/stops"
)

// defaultMarkPoll is the cadence of the return-history sampler.
const defaultMarkPoll = time.Minute

// Config bundles the configuration slices the risk engine consumes.
// MinConfidence mirrors the fusion minimum so intents that slipped the
// strategy gate are re-checked here.
type Config struct {
	Risk          config.RiskConfig
	Sizing        config.SizingConfig
	Stops         config.StopsConfig
	MinConfidence float64
	Exchange      string
	Symbols       []string
	MarkPoll      time.Duration
}

// CommandPublisher is the slice of the fabric the engine publishes through.
type CommandPublisher interface {
	Publish(ctx context.Context, topic, symbol string, env *protocol.Envelope) error
}

// MarketView supplies the portfolio snapshot and per-symbol marks backing
// validation. The portfolio snapshot store implements it.
type MarketView interface {
	Snapshot(ctx context.Context) (portfolio.Snapshot, error)
	Mark(ctx context.Context, symbol string) (portfolio.MarketMark, error)
}

// AssessmentStore persists risk assessments. A nil store disables
// persistence.
type AssessmentStore interface {
	SaveAssessment(ctx context.Context, a *protocol.RiskAssessment) error
}

// ProfileSource resolves per-symbol configuration overrides from trading
// profiles. Implementations return the derived config and true when the
// symbol carries an override; false keeps the engine defaults. A nil
// source leaves the configured defaults in force everywhere.
type ProfileSource interface {
	SizingFor(symbol string) (config.SizingConfig, bool)
	StopsFor(symbol string) (config.StopsConfig, bool)
}

// Engine consumes trade intents, sizes and stop-protects them, validates
// them against the portfolio limits and publishes the verdict. Record ids
// derive from the intent id, so redelivered intents regenerate identical
// orders and assessments instead of duplicates.
type Engine struct {
	cfg       Config
	view      MarketView
	pub       CommandPublisher
	store     AssessmentStore
	profiles  ProfileSource
	sizer     *sizing.Sizer
	placer    *stops.Placer
	quant     sizing.Quantizer
	validator *Validator
	varCalc   *VaRCalculator
	tracker   *Tracker
	source    string
	log       zerolog.Logger
	now       func() time.Time
}

// NewEngine builds a risk engine publishing as source. store may be nil;
// quant may be nil, leaving quantities unquantized.
func NewEngine(cfg Config, view MarketView, pub CommandPublisher, store AssessmentStore, quant sizing.Quantizer, source string, log zerolog.Logger) *Engine {
	tracker := NewTracker(0)
	return &Engine{
		cfg:       cfg,
		view:      view,
		pub:       pub,
		store:     store,
		sizer:     sizing.NewSizer(cfg.Sizing, quant, log),
		placer:    stops.NewPlacer(cfg.Stops, log),
		quant:     quant,
		validator: NewValidator(cfg.Risk, cfg.MinConfidence, tracker, log),
		varCalc:   NewVaRCalculator(cfg.Risk.VaRMethod, log),
		tracker:   tracker,
		source:    source,
		log:       log.With().Str("component", "risk_engine").Logger(),
		now:       time.Now,
	}
}

// SetProfiles installs per-symbol configuration overrides. Call before
// Run.
func (e *Engine) SetProfiles(p ProfileSource) {
	e.profiles = p
}

// Run samples market marks for the configured symbols to maintain the
// return histories behind the correlation and VaR estimates, until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.cfg.Symbols) == 0 {
		e.log.Info().Msg("Risk engine running without a mark sampler, no symbols configured")
		<-ctx.Done()
		return nil
	}

	interval := e.cfg.MarkPoll
	if interval <= 0 {
		interval = defaultMarkPoll
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info().
		Dur("interval", interval).
		Strs("symbols", e.cfg.Symbols).
		Str("var_method", e.varCalc.method).
		Msg("Risk engine running")

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Risk engine stopped")
			return nil
		case <-ticker.C:
			e.observeMarks(ctx)
		}
	}
}

func (e *Engine) observeMarks(ctx context.Context) {
	for _, symbol := range e.cfg.Symbols {
		mark, err := e.view.Mark(ctx, symbol)
		if err != nil {
			e.log.Debug().Err(err).Str("symbol", symbol).Msg("Mark unavailable for return sampling")
			continue
		}
		e.tracker.Observe(symbol, mark.Price.InexactFloat64())
	}
}

// HandleIntent is the fabric handler for trade.intent. Business rejections
// acknowledge the record; only infrastructure failures propagate for
// redelivery.
func (e *Engine) HandleIntent(ctx context.Context, env *protocol.Envelope) error {
	var intent protocol.TradeIntent
	if err := env.Open(protocol.KindTradeIntent, &intent); err != nil {
		e.log.Warn().Err(err).Str("record_id", env.RecordID.String()).Msg("Dropping undecodable trade intent")
		return nil
	}
	if intent.ID == uuid.Nil || intent.Symbol == "" {
		e.log.Warn().Str("symbol", intent.Symbol).Msg("Dropping trade intent without id or symbol")
		return nil
	}

	side, ok := intent.Direction.Side()
	if !ok {
		e.log.Warn().
			Str("intent_id", intent.ID.String()).
			Str("direction", string(intent.Direction)).
			Msg("Dropping trade intent without a tradeable direction")
		return nil
	}

	now := e.now()
	if intent.Stale(now) {
		metrics.RecordRiskAssessment(false, string(protocol.RejectStaleIntent))
		e.log.Info().
			Str("intent_id", intent.ID.String()).
			Str("symbol", intent.Symbol).
			Time("valid_until", intent.ValidUntil).
			Msg("Dropping stale trade intent")
		return e.publishRejection(ctx, &protocol.Rejection{
			IntentID:   intent.ID,
			Symbol:     intent.Symbol,
			Reason:     protocol.RejectStaleIntent,
			Detail:     fmt.Sprintf("intent expired %s before validation", now.Sub(intent.ValidUntil).Truncate(time.Millisecond)),
			RejectedAt: now,
		})
	}

	snap, err := e.view.Snapshot(ctx)
	if err != nil {
		metrics.RecordError("portfolio_snapshot", "risk_engine")
		return fmt.Errorf("portfolio snapshot for %s: %w", intent.Symbol, err)
	}

	mark, price, err := e.markPrice(ctx, &intent)
	if err != nil {
		metrics.RecordError("mark_price", "risk_engine")
		return err
	}

	sizer, placer, stopsCfg := e.componentsFor(intent.Symbol)

	proposal, err := sizer.Size(sizing.Input{
		Symbol:               intent.Symbol,
		Confidence:           intent.Confidence,
		Price:                price,
		StopLoss:             intent.StopHint,
		TakeProfit:           intent.TPHint,
		ATR:                  mark.ATR,
		ATRMultiplier:        stopsCfg.ATRMultiplier,
		Equity:               snap.Equity,
		CurrentPortfolioRisk: snap.RiskFraction,
		MaxPortfolioRisk:     e.cfg.Risk.MaxPortfolioRisk,
	})
	if err != nil {
		// The sizer refuses non-positive price or equity; neither heals
		// on redelivery.
		verdict := Verdict{Reason: protocol.RejectTradeRiskLimit, Detail: fmt.Sprintf("sizing failed: %v", err)}
		return e.finish(ctx, &intent, side, price, sizing.Result{}, stops.Levels{}, verdict, snap, now)
	}

	levels, err := placer.Place(stops.Input{
		Symbol:     intent.Symbol,
		Side:       protocol.PositionSideForEntry(side),
		Entry:      price,
		ATR:        mark.ATR,
		PriceStd:   mark.PriceStd,
		Support:    mark.Support,
		Resistance: mark.Resistance,
		StopHint:   intent.StopHint,
		TPHint:     intent.TPHint,
	})
	if err != nil {
		verdict := Verdict{
			Reason:    protocol.RejectPoorRR,
			Detail:    fmt.Sprintf("stop placement failed: %v", err),
			RiskScore: riskScore(proposal.RiskAmount.InexactFloat64(), snap.Equity.InexactFloat64(), e.cfg.Risk.MaxSingleTradeRisk),
		}
		return e.finish(ctx, &intent, side, price, proposal, stops.Levels{}, verdict, snap, now)
	}

	verdict := e.validator.Validate(&intent, proposal, levels, snap)
	return e.finish(ctx, &intent, side, price, proposal, levels, verdict, snap, now)
}

// markPrice resolves the validation price: the market mark when fresh, the
// intent's own price hint when the mark is missing or stale. Infrastructure
// failures propagate so the record is redelivered.
func (e *Engine) markPrice(ctx context.Context, intent *protocol.TradeIntent) (portfolio.MarketMark, decimal.Decimal, error) {
	mark, err := e.view.Mark(ctx, intent.Symbol)
	if err == nil {
		return mark, mark.Price, nil
	}
	if errors.Is(err, portfolio.ErrNotFound) || errors.Is(err, portfolio.ErrStale) {
		if intent.PriceHint.IsPositive() {
			e.log.Debug().Err(err).Str("symbol", intent.Symbol).Msg("Mark unavailable, validating against intent price hint")
			return portfolio.MarketMark{}, intent.PriceHint, nil
		}
		return portfolio.MarketMark{}, decimal.Zero, fmt.Errorf("no usable price for %s: %w", intent.Symbol, err)
	}
	return portfolio.MarketMark{}, decimal.Zero, fmt.Errorf("mark lookup for %s: %w", intent.Symbol, err)
}

// componentsFor resolves the sizer and stop placer serving symbol. A
// profile override derives fresh instances from the overridden config;
// the engine defaults serve everything else.
func (e *Engine) componentsFor(symbol string) (*sizing.Sizer, *stops.Placer, config.StopsConfig) {
	sizer, placer, stopsCfg := e.sizer, e.placer, e.cfg.Stops
	if e.profiles == nil {
		return sizer, placer, stopsCfg
	}
	if cfg, ok := e.profiles.SizingFor(symbol); ok {
		sizer = sizing.NewSizer(cfg, e.quant, e.log)
	}
	if cfg, ok := e.profiles.StopsFor(symbol); ok {
		placer = stops.NewPlacer(cfg, e.log)
		stopsCfg = cfg
	}
	return sizer, placer, stopsCfg
}

// finish is the shared tail of every validated intent: estimate VaR,
// persist the assessment, update gauges and publish the verdict.
func (e *Engine) finish(ctx context.Context, intent *protocol.TradeIntent, side protocol.OrderSide, price decimal.Decimal, proposal sizing.Result, levels stops.Levels, verdict Verdict, snap portfolio.Snapshot, now time.Time) error {
	estimate := e.varCalc.Estimate(e.tracker.Returns(intent.Symbol), proposal.Notional.InexactFloat64())

	assessment := &protocol.RiskAssessment{
		ID:          uuid.NewSHA1(intent.ID, []byte("risk-assessment")),
		IntentID:    intent.ID,
		Symbol:      intent.Symbol,
		Approved:    verdict.Approved,
		RiskScore:   verdict.RiskScore,
		Quantity:    proposal.Quantity,
		StopLoss:    levels.StopLoss,
		TakeProfit:  levels.TakeProfit,
		MaxLoss:     proposal.RiskAmount,
		ValueAtRisk: decimal.NewFromFloat(estimate.VaR95),
		Reason:      verdict.Reason,
		AssessedAt:  now,
	}
	e.persist(ctx, assessment)

	metrics.RecordRiskAssessment(verdict.Approved, string(verdict.Reason))
	metrics.UpdateRiskScore(intent.Symbol, verdict.RiskScore)
	if estimate.VaR95 > 0 {
		metrics.UpdateValueAtRisk(intent.Symbol, estimate.VaR95)
	}
	if e.cfg.Risk.MaxPortfolioRisk > 0 {
		metrics.PortfolioRiskUtilization.Set(snap.RiskFraction / e.cfg.Risk.MaxPortfolioRisk)
	}

	if !verdict.Approved {
		return e.publishRejection(ctx, &protocol.Rejection{
			IntentID:   intent.ID,
			Symbol:     intent.Symbol,
			Reason:     verdict.Reason,
			RiskScore:  verdict.RiskScore,
			Detail:     verdict.Detail,
			RejectedAt: now,
		})
	}

	return e.publishOrder(ctx, &protocol.OrderCommand{
		OrderID:    uuid.NewSHA1(intent.ID, []byte("order")),
		IntentID:   intent.ID,
		Exchange:   e.cfg.Exchange,
		Symbol:     intent.Symbol,
		Side:       side,
		Type:       protocol.OrderTypeMarket,
		Quantity:   proposal.Quantity,
		Price:      price,
		StopLoss:   levels.StopLoss,
		TakeProfit: levels.TakeProfit,
		RiskScore:  verdict.RiskScore,
		CreatedAt:  now,
	})
}

// publishOrder sends an approved order command. Failures propagate so the
// intent is redelivered and revalidated; the derived ids keep the retry
// idempotent.
func (e *Engine) publishOrder(ctx context.Context, cmd *protocol.OrderCommand) error {
	env, err := protocol.Wrap(e.source, protocol.KindOrderCommand, cmd.IntentID, cmd)
	if err != nil {
		metrics.RecordError("marshal_order", "risk_engine")
		return fmt.Errorf("wrap order command %s: %w", cmd.OrderID, err)
	}
	if err := e.pub.Publish(ctx, protocol.TopicTradeOrder, cmd.Symbol, env); err != nil {
		metrics.RecordError("publish_order", "risk_engine")
		return fmt.Errorf("publish order command %s: %w", cmd.OrderID, err)
	}

	e.log.Info().
		Str("order_id", cmd.OrderID.String()).
		Str("intent_id", cmd.IntentID.String()).
		Str("symbol", cmd.Symbol).
		Str("side", string(cmd.Side)).
		Str("quantity", cmd.Quantity.String()).
		Str("stop_loss", cmd.StopLoss.String()).
		Str("take_profit", cmd.TakeProfit.String()).
		Float64("risk_score", cmd.RiskScore).
		Msg("Order command published")
	return nil
}

func (e *Engine) publishRejection(ctx context.Context, rej *protocol.Rejection) error {
	env, err := protocol.Wrap(e.source, protocol.KindRejection, rej.IntentID, rej)
	if err != nil {
		metrics.RecordError("marshal_rejection", "risk_engine")
		return fmt.Errorf("wrap rejection for %s: %w", rej.IntentID, err)
	}
	if err := e.pub.Publish(ctx, protocol.TopicTradeRejection, rej.Symbol, env); err != nil {
		metrics.RecordError("publish_rejection", "risk_engine")
		return fmt.Errorf("publish rejection for %s: %w", rej.IntentID, err)
	}
	return nil
}

// persist saves the assessment, logging failures rather than blocking the
// verdict. The in-flow verdict, not its durability, gates order publishing.
func (e *Engine) persist(ctx context.Context, a *protocol.RiskAssessment) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveAssessment(ctx, a); err != nil {
		metrics.RecordError("persist_assessment", "risk_engine")
		e.log.Error().Err(err).Str("intent_id", a.IntentID.String()).Msg("Failed to persist risk assessment")
	}
}

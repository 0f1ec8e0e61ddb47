// Package fusion buffers analyst signals per symbol and fuses them into
// trade intents for risk validation.
package fusion

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// IntentPublisher is the slice of the fabric the engine publishes through.
type IntentPublisher interface {
	Publish(ctx context.Context, topic, symbol string, env *protocol.Envelope) error
	Pending(topic, symbol, group string) (uint64, error)
}

// DecisionRecord captures one fusion outcome for persistence: the decision,
// the signals it consumed, and the intent it produced (uuid.Nil when the
// decision did not clear the publish gates). SignalRetention is the buffer
// window the consumed signals were live under.
type DecisionRecord struct {
	Symbol          string
	Decision        Decision
	IntentID        uuid.UUID
	Signals         []protocol.Signal
	PriceTarget     decimal.Decimal
	StopLoss        decimal.Decimal
	TakeProfit      decimal.Decimal
	Reasoning       string
	SignalRetention time.Duration
	DecidedAt       time.Time
}

// DecisionStore persists fusion outcomes. A nil store disables persistence.
type DecisionStore interface {
	SaveDecision(ctx context.Context, rec DecisionRecord) error
}

// ProfileSource resolves per-symbol fusion overrides from trading
// profiles. Implementations return the derived config and true when the
// symbol carries an override; false keeps the engine defaults. Overrides
// reshape the decision math only; the buffer retention and the decision
// cadence stay global.
type ProfileSource interface {
	FusionFor(symbol string) (config.FusionConfig, bool)
}

// Engine owns the signal buffer and the decision loop for one strategy
// worker. It emits at most one trade intent per symbol per decision window,
// never publishes Hold, and stages intents locally when the risk consumer
// falls behind.
type Engine struct {
	cfg      config.FusionConfig
	pub      IntentPublisher
	store    DecisionStore
	profiles ProfileSource
	buffer   *Buffer
	fuser    *Fuser
	accuracy *AccuracyTracker
	source   string
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastTick map[string]time.Time
	staged   []*protocol.TradeIntent
	slow     bool
	kinds    map[string][]string
}

// NewEngine creates a fusion engine publishing as source. store may be nil.
func NewEngine(cfg config.FusionConfig, pub IntentPublisher, store DecisionStore, source string, log zerolog.Logger) *Engine {
	accuracy := NewAccuracyTracker(cfg.BayesianHistoryWindow)
	return &Engine{
		cfg:      cfg,
		pub:      pub,
		store:    store,
		buffer:   NewBuffer(cfg.RetentionWindow()),
		fuser:    NewFuser(cfg, accuracy),
		accuracy: accuracy,
		source:   source,
		log:      log.With().Str("component", "fusion_engine").Logger(),
		now:      time.Now,
		lastTick: make(map[string]time.Time),
		kinds:    make(map[string][]string),
	}
}

// SetProfiles installs per-symbol fusion overrides. Call before Run.
func (e *Engine) SetProfiles(p ProfileSource) {
	e.profiles = p
}

// HandleSignal is the fabric handler for the signals topics. Malformed or
// invalid signals are logged and dropped rather than redelivered; a valid
// signal lands in the buffer and may trigger an opportunistic decision.
func (e *Engine) HandleSignal(ctx context.Context, env *protocol.Envelope) error {
	var sig protocol.Signal
	if err := env.Open(protocol.KindSignal, &sig); err != nil {
		e.log.Warn().Err(err).Str("record_id", env.RecordID.String()).Msg("Dropping undecodable signal")
		return nil
	}

	if sig.Symbol == "" || !sig.Direction.Valid() {
		e.log.Warn().
			Str("symbol", sig.Symbol).
			Str("direction", string(sig.Direction)).
			Msg("Dropping invalid signal")
		return nil
	}

	count := e.buffer.Insert(sig)
	metrics.RecordSignal(sig.AgentKind, string(sig.Direction), sig.Confidence)
	metrics.UpdateBufferedSignals(sig.Symbol, count)

	e.log.Debug().
		Str("symbol", sig.Symbol).
		Str("agent_kind", sig.AgentKind).
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Int("buffered", count).
		Msg("Signal buffered")

	e.maybeDecide(ctx, sig.Symbol)
	return nil
}

// Run drives the periodic decision loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.DecisionInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info().
		Dur("interval", interval).
		Str("method", e.cfg.Method).
		Int("min_signals", e.cfg.MinSignals).
		Msg("Fusion engine running")

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Fusion engine stopped")
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick attempts a decision for every symbol that currently buffers signals.
func (e *Engine) Tick(ctx context.Context) {
	for _, symbol := range e.buffer.Symbols() {
		e.maybeDecide(ctx, symbol)
	}
}

// Accuracy exposes the tracker so the worker can feed trade resolutions.
func (e *Engine) Accuracy() *AccuracyTracker {
	return e.accuracy
}

// ResolveTrade folds a closed trade's outcome into the accuracy estimates
// of the agent kinds whose signals argued for it.
func (e *Engine) ResolveTrade(kinds []string, win bool) {
	for _, kind := range kinds {
		e.accuracy.Record(kind, win)
	}
}

// SignalKinds returns the agent kinds behind the symbol's latest intent.
// One position is open per symbol at a time, so a close on that symbol
// resolves against exactly these kinds.
func (e *Engine) SignalKinds(symbol string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kinds[symbol]
}

// rememberKinds records, deduplicated, which agent kinds contributed to the
// symbol's latest intent.
func (e *Engine) rememberKinds(symbol string, signals []protocol.Signal) {
	seen := make(map[string]struct{}, len(signals))
	kinds := make([]string, 0, len(signals))
	for _, sig := range signals {
		if _, ok := seen[sig.AgentKind]; ok {
			continue
		}
		seen[sig.AgentKind] = struct{}{}
		kinds = append(kinds, sig.AgentKind)
	}

	e.mu.Lock()
	e.kinds[symbol] = kinds
	e.mu.Unlock()
}

// maybeDecide runs a decision for symbol when enough signals are buffered
// and the symbol's decision window is free. The window is consumed by the
// attempt, not the outcome, so one decision happens per symbol per window
// no matter how it resolves.
func (e *Engine) maybeDecide(ctx context.Context, symbol string) {
	cfg, fuser := e.configFor(symbol)
	if cfg.MinSignals <= 0 {
		return
	}
	if e.buffer.Count(symbol) < cfg.MinSignals {
		return
	}
	if !e.claimWindow(symbol) {
		return
	}
	e.decide(ctx, symbol, cfg, fuser)
}

// configFor resolves the effective fusion config and fuser for symbol. An
// overridden symbol fuses through a fuser derived from its profile,
// sharing the engine's accuracy history.
func (e *Engine) configFor(symbol string) (config.FusionConfig, *Fuser) {
	if e.profiles != nil {
		if cfg, ok := e.profiles.FusionFor(symbol); ok {
			return cfg, NewFuser(cfg, e.accuracy)
		}
	}
	return e.cfg, e.fuser
}

// claimWindow reserves the decision window for symbol. Under backpressure
// the window doubles, halving decision throughput while the risk consumer
// catches up.
func (e *Engine) claimWindow(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	interval := e.cfg.DecisionInterval()
	if e.slow {
		interval *= 2
	}

	now := e.now()
	if last, ok := e.lastTick[symbol]; ok && now.Sub(last) < interval {
		return false
	}

	e.lastTick[symbol] = now
	return true
}

func (e *Engine) decide(ctx context.Context, symbol string, cfg config.FusionConfig, fuser *Fuser) {
	signals := e.buffer.Snapshot(symbol)
	if len(signals) < cfg.MinSignals {
		return
	}

	start := e.now()
	decision := fuser.Fuse(signals)
	metrics.RecordFusionDecision(string(decision.Method), string(decision.Direction), float64(e.now().Sub(start).Milliseconds()))

	e.log.Debug().
		Str("symbol", symbol).
		Str("method", string(decision.Method)).
		Str("direction", string(decision.Direction)).
		Float64("confidence", decision.Confidence).
		Int("signals", len(signals)).
		Msg("Fusion decision")

	if decision.Confidence < cfg.MinConfidence {
		e.log.Debug().
			Str("symbol", symbol).
			Float64("confidence", decision.Confidence).
			Float64("min_confidence", cfg.MinConfidence).
			Msg("Decision below minimum confidence, no intent")
		return
	}

	if decision.Direction == protocol.DirectionHold {
		e.log.Debug().Str("symbol", symbol).Msg("Hold decision, no intent")
		return
	}

	intent := e.buildIntent(symbol, decision, signals)
	e.rememberKinds(symbol, signals)
	e.publishIntent(ctx, intent)
	e.persist(ctx, DecisionRecord{
		Symbol:          symbol,
		Decision:        decision,
		IntentID:        intent.ID,
		Signals:         signals,
		PriceTarget:     intent.PriceHint,
		StopLoss:        intent.StopHint,
		TakeProfit:      intent.TPHint,
		Reasoning:       intent.Reasoning,
		SignalRetention: e.cfg.RetentionWindow(),
		DecidedAt:       e.now(),
	})
}

// buildIntent assembles the trade intent from a directional decision. Stop
// and take-profit hints average across the signals that provided them; the
// price hint comes from the newest signal. The intent stays valid for two
// decision intervals.
func (e *Engine) buildIntent(symbol string, decision Decision, signals []protocol.Signal) *protocol.TradeIntent {
	var stopHints, tpHints []decimal.Decimal
	var reasons []string
	signalIDs := make([]uuid.UUID, 0, len(signals))

	latest := signals[0]
	for _, sig := range signals {
		signalIDs = append(signalIDs, sig.ID)
		if sig.CreatedAt.After(latest.CreatedAt) {
			latest = sig
		}
		if !sig.StopHint.IsZero() {
			stopHints = append(stopHints, sig.StopHint)
		}
		if !sig.TPHint.IsZero() {
			tpHints = append(tpHints, sig.TPHint)
		}
		if sig.Reasoning != "" {
			reasons = append(reasons, sig.Reasoning)
		}
	}

	confidence := decision.Confidence
	if confidence > 1 {
		confidence = 1
	}

	now := e.now()
	intent := &protocol.TradeIntent{
		ID:           uuid.New(),
		Symbol:       symbol,
		Direction:    decision.Direction,
		Confidence:   confidence,
		PriceHint:    latest.PriceHint,
		Reasoning:    strings.Join(reasons, "; "),
		FusionMethod: decision.Method,
		SignalIDs:    signalIDs,
		CreatedAt:    now,
		ValidUntil:   now.Add(2 * e.cfg.DecisionInterval()),
	}

	if len(stopHints) > 0 {
		intent.StopHint = decimal.Avg(stopHints[0], stopHints[1:]...)
	}
	if len(tpHints) > 0 {
		intent.TPHint = decimal.Avg(tpHints[0], tpHints[1:]...)
	}

	return intent
}

// publishIntent sends the intent to the fabric, or stages it locally while
// the risk consumer's backlog exceeds the configured depth. Staged intents
// flush highest-confidence first once the backlog clears; the overflow is
// shed lowest-confidence first.
func (e *Engine) publishIntent(ctx context.Context, intent *protocol.TradeIntent) {
	saturated := e.checkSaturation()

	e.mu.Lock()
	e.slow = saturated
	if saturated {
		e.stageLocked(intent)
		e.mu.Unlock()
		return
	}

	staged := e.staged
	e.staged = nil
	e.mu.Unlock()

	for _, queued := range staged {
		if queued.Stale(e.now()) {
			metrics.RecordIntentShed()
			e.log.Debug().Str("intent_id", queued.ID.String()).Msg("Dropping stale staged intent")
			continue
		}
		e.send(ctx, queued)
	}

	e.send(ctx, intent)
}

// checkSaturation samples the risk consumer's pending backlog. Fabric
// errors count as not saturated; the publish path reports its own failures.
func (e *Engine) checkSaturation() bool {
	if e.cfg.MaxPendingIntents <= 0 {
		return false
	}

	pending, err := e.pub.Pending(protocol.TopicTradeIntent, "*", protocol.GroupRisk)
	if err != nil {
		e.log.Debug().Err(err).Msg("Pending intent depth unavailable")
		return false
	}

	if pending > uint64(e.cfg.MaxPendingIntents) {
		e.log.Warn().
			Uint64("pending", pending).
			Int("max_pending", e.cfg.MaxPendingIntents).
			Msg("Intent consumer saturated, staging intents")
		return true
	}
	return false
}

// stageLocked queues an intent for later publishing, keeping the queue
// sorted highest-confidence first and bounded by the configured depth.
func (e *Engine) stageLocked(intent *protocol.TradeIntent) {
	e.staged = append(e.staged, intent)
	sort.SliceStable(e.staged, func(i, j int) bool {
		return e.staged[i].Confidence > e.staged[j].Confidence
	})

	depth := e.cfg.MaxPendingIntents
	if depth < 1 {
		depth = 1
	}
	for len(e.staged) > depth {
		shed := e.staged[len(e.staged)-1]
		e.staged = e.staged[:len(e.staged)-1]
		metrics.RecordIntentShed()
		e.log.Warn().
			Str("intent_id", shed.ID.String()).
			Str("symbol", shed.Symbol).
			Float64("confidence", shed.Confidence).
			Msg("Shedding trade intent under backpressure")
	}
}

// send publishes one intent. Failures re-stage the intent so the next
// decision or tick retries it.
func (e *Engine) send(ctx context.Context, intent *protocol.TradeIntent) {
	env, err := protocol.Wrap(e.source, protocol.KindTradeIntent, intent.ID, intent)
	if err != nil {
		metrics.RecordError("marshal_intent", "fusion_engine")
		e.log.Error().Err(err).Str("intent_id", intent.ID.String()).Msg("Failed to wrap trade intent")
		return
	}

	if err := e.pub.Publish(ctx, protocol.TopicTradeIntent, intent.Symbol, env); err != nil {
		metrics.RecordError("publish_intent", "fusion_engine")
		e.log.Error().Err(err).Str("intent_id", intent.ID.String()).Msg("Failed to publish trade intent, staging for retry")

		e.mu.Lock()
		e.stageLocked(intent)
		e.mu.Unlock()
		return
	}

	metrics.RecordIntentPublished()
	e.log.Info().
		Str("intent_id", intent.ID.String()).
		Str("symbol", intent.Symbol).
		Str("direction", string(intent.Direction)).
		Float64("confidence", intent.Confidence).
		Str("method", string(intent.FusionMethod)).
		Int("signals", len(intent.SignalIDs)).
		Msg("Trade intent published")
}

func (e *Engine) persist(ctx context.Context, rec DecisionRecord) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveDecision(ctx, rec); err != nil {
		metrics.RecordError("persist_decision", "fusion_engine")
		e.log.Error().Err(err).Str("symbol", rec.Symbol).Msg("Failed to persist fusion decision")
	}
}

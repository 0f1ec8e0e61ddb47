// Package worker is the shared runtime for pipeline worker processes. It
// owns the process-level concerns the pipeline components stay out of:
// subscription registration and drain, handler instrumentation, periodic
// heartbeats and the fatal halt path.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/tradefabric/internal/fabric"
	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

const (
	defaultHeartbeatInterval = 30 * time.Second

	// drainTimeout bounds the shutdown wait for in-flight handlers. A
	// handler still running after this leaves its record unacked, and the
	// server redelivers it to the next consumer.
	drainTimeout = 10 * time.Second
)

// Fabric is the bus surface the worker drives: durable subscriptions for
// record handlers, plain publishing for heartbeats and fatals.
type Fabric interface {
	Publish(ctx context.Context, topic, symbol string, env *protocol.Envelope) error
	Subscribe(ctx context.Context, topic, symbol, group string, handler fabric.Handler) (*fabric.Subscription, error)
	SubscribeCore(topic string, handler func(env *protocol.Envelope)) (*fabric.Subscription, error)
}

// Config identifies a worker process and tunes its runtime behavior.
type Config struct {
	// Name is the worker instance name stamped on heartbeats, fatal
	// records and metrics.
	Name string

	// Kind is the pipeline stage the worker hosts: strategy, risk or
	// execution.
	Kind string

	// HeartbeatInterval is the heartbeat cadence. Zero means 30s.
	HeartbeatInterval time.Duration

	// HaltOn classifies handler errors that must stop the worker instead
	// of riding the redelivery loop. Nil means no handler error halts.
	HaltOn func(error) bool
}

// Worker hosts one pipeline stage inside a process. It registers fabric
// subscriptions with instrumented handlers, emits heartbeats while running,
// and turns halt-class handler errors into a worker exit.
//
// Handlers receive a context that stays live through run cancellation until
// the drain completes, so the record in flight finishes its writes and acks
// instead of failing mid-mutation.
type Worker struct {
	cfg Config
	bus Fabric
	log zerolog.Logger

	subCtx    context.Context
	subCancel context.CancelFunc

	mu   sync.Mutex
	subs []*fabric.Subscription

	inflight sync.WaitGroup

	haltOnce sync.Once
	halted   chan error

	now func() time.Time
}

// New creates a worker runtime on bus.
func New(cfg Config, bus Fabric, log zerolog.Logger) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	subCtx, subCancel := context.WithCancel(context.Background())

	return &Worker{
		cfg:       cfg,
		bus:       bus,
		log:       log.With().Str("worker", cfg.Name).Str("kind", cfg.Kind).Logger(),
		subCtx:    subCtx,
		subCancel: subCancel,
		halted:    make(chan error, 1),
		now:       time.Now,
	}
}

// Name returns the worker instance name.
func (w *Worker) Name() string { return w.cfg.Name }

// Kind returns the pipeline stage the worker hosts.
func (w *Worker) Kind() string { return w.cfg.Kind }

// Log returns the worker's child logger.
func (w *Worker) Log() zerolog.Logger { return w.log }

// Subscribe registers a durable queue subscription whose handler is
// instrumented and tracked for drain. Subscriptions drain in reverse
// registration order on shutdown, so register downstream consumers first.
func (w *Worker) Subscribe(topic, symbol, group string, handler fabric.Handler) error {
	sub, err := w.bus.Subscribe(w.subCtx, topic, symbol, group, w.instrument(handler))
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subs = append(w.subs, sub)
	w.mu.Unlock()
	return nil
}

// instrument wraps a fabric handler with in-flight tracking, latency and
// failure accounting, and the halt classifier.
func (w *Worker) instrument(handler fabric.Handler) fabric.Handler {
	return func(ctx context.Context, env *protocol.Envelope) error {
		w.inflight.Add(1)
		defer w.inflight.Done()

		start := w.now()
		err := handler(ctx, env)
		metrics.RecordWorkerProcessing(w.cfg.Name, float64(w.now().Sub(start).Milliseconds()))
		metrics.RecordWorkerRecord(w.cfg.Name, err != nil)

		if err != nil && w.cfg.HaltOn != nil && w.cfg.HaltOn(err) {
			w.Halt(err)
		}
		return err
	}
}

// Halt arranges the worker's exit with err. The first call wins; Run
// returns err after draining.
func (w *Worker) Halt(err error) {
	w.haltOnce.Do(func() {
		w.log.Error().Err(err).Msg("Worker halting")
		w.halted <- err
	})
}

// Run marks the worker online, emits heartbeats and blocks until ctx is
// cancelled or the worker halts. On the way out it announces the terminal
// status, drains every subscription and waits for outstanding handlers.
func (w *Worker) Run(ctx context.Context) error {
	metrics.SetWorkerStatus(w.cfg.Name, true)
	defer metrics.SetWorkerStatus(w.cfg.Name, false)

	hb := NewHeartbeat(w.cfg.Name, w.cfg.Kind, w.cfg.HeartbeatInterval, w.bus, w.log)
	hb.Start(w.subCtx)
	defer hb.Stop()

	w.log.Info().
		Dur("heartbeat_interval", w.cfg.HeartbeatInterval).
		Msg("Worker running")

	var cause error
	select {
	case <-ctx.Done():
	case cause = <-w.halted:
	}

	status := StatusStopping
	if cause != nil {
		status = StatusFailed
	}
	hb.Announce(w.subCtx, status)

	w.drain()
	return cause
}

// drain detaches subscriptions in reverse registration order, waits for
// in-flight handlers bounded by drainTimeout, then withdraws the handler
// context.
func (w *Worker) drain() {
	defer w.subCancel()

	w.mu.Lock()
	subs := make([]*fabric.Subscription, len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for i := len(subs) - 1; i >= 0; i-- {
		if err := subs[i].Drain(); err != nil {
			w.log.Warn().Err(err).Str("subject", subs[i].Subject()).Msg("Subscription drain failed")
		}
	}

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info().Msg("Worker drained")
	case <-time.After(drainTimeout):
		w.log.Warn().Dur("timeout", drainTimeout).Msg("Drain timed out with handlers in flight")
	}
}

// ReportFatal publishes a system.fatal record for a failure no component
// reported itself, typically the run group's exit error. Publish failures
// are logged; the exit proceeds regardless.
func (w *Worker) ReportFatal(ctx context.Context, reason string, cause error, correlationID uuid.UUID) {
	metrics.RecordError(reason, w.cfg.Name)

	event := protocol.FatalEvent{
		Worker:        w.cfg.Name,
		Reason:        reason,
		Detail:        cause.Error(),
		CorrelationID: correlationID,
		At:            w.now(),
	}
	env, err := protocol.Wrap(w.cfg.Name, protocol.KindFatalEvent, correlationID, event)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to wrap fatal event")
		return
	}
	if err := w.bus.Publish(ctx, protocol.TopicSystemFatal, "", env); err != nil {
		w.log.Error().Err(err).Str("reason", reason).Msg("Failed to publish fatal event")
	}
}

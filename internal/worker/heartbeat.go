package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/tradefabric/internal/fabric"
	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// Heartbeat statuses carried on workers.heartbeat records.
const (
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusFailed   = "failed"
)

// Publisher is the fabric slice heartbeats go out on.
type Publisher interface {
	Publish(ctx context.Context, topic, symbol string, env *protocol.Envelope) error
}

// Heartbeat periodically announces a worker's liveness on the fabric.
// Beats ride core NATS, so a beat missed during an outage vanishes instead
// of queuing up behind a stream.
type Heartbeat struct {
	name     string
	kind     string
	interval time.Duration
	pub      Publisher
	log      zerolog.Logger
	now      func() time.Time

	running atomic.Bool
	stop    chan struct{}

	mu     sync.Mutex
	status string
}

// NewHeartbeat creates a heartbeat publisher for the named worker.
func NewHeartbeat(name, kind string, interval time.Duration, pub Publisher, log zerolog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Heartbeat{
		name:     name,
		kind:     kind,
		interval: interval,
		pub:      pub,
		log:      log.With().Str("component", "heartbeat").Logger(),
		now:      time.Now,
		stop:     make(chan struct{}),
		status:   StatusRunning,
	}
}

// Start publishes an immediate beat and begins the periodic loop. Starting
// a running publisher is a no-op.
func (h *Heartbeat) Start(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		h.log.Warn().Msg("Heartbeat publisher already running")
		return
	}

	h.publish(ctx)

	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stop:
				h.log.Info().Msg("Heartbeat publishing stopped")
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.publish(ctx)
			}
		}
	}()

	h.log.Info().
		Dur("interval", h.interval).
		Msg("Heartbeat publishing started")
}

// Announce switches the carried status and publishes a beat immediately.
func (h *Heartbeat) Announce(ctx context.Context, status string) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()

	h.publish(ctx)
}

// Stop ends the periodic loop. The last announced status is the final
// record observers see.
func (h *Heartbeat) Stop() {
	if !h.running.CompareAndSwap(true, false) {
		return
	}
	close(h.stop)
}

// IsRunning reports whether the periodic loop is active.
func (h *Heartbeat) IsRunning() bool {
	return h.running.Load()
}

func (h *Heartbeat) publish(ctx context.Context) {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()

	beat := protocol.Heartbeat{
		Worker: h.name,
		Kind:   h.kind,
		Status: status,
		At:     h.now(),
	}

	env, err := protocol.Wrap(h.name, protocol.KindHeartbeat, uuid.Nil, beat)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal heartbeat")
		return
	}
	if err := h.pub.Publish(ctx, protocol.TopicHeartbeat, "", env); err != nil {
		h.log.Error().Err(err).Msg("Failed to publish heartbeat")
		return
	}

	h.log.Debug().Str("status", status).Msg("Heartbeat published")
}

// WatchHeartbeats counts every heartbeat observed on the fabric, giving
// each process a cross view of its peers' liveness. The returned
// subscription stays attached until drained by the caller.
func WatchHeartbeats(bus Fabric, log zerolog.Logger) (*fabric.Subscription, error) {
	return bus.SubscribeCore(protocol.TopicHeartbeat, func(env *protocol.Envelope) {
		var beat protocol.Heartbeat
		if err := env.Open(protocol.KindHeartbeat, &beat); err != nil {
			log.Warn().Err(err).Msg("Dropping undecodable heartbeat")
			return
		}
		metrics.RecordHeartbeat(beat.Worker)
		log.Debug().
			Str("worker", beat.Worker).
			Str("status", beat.Status).
			Msg("Heartbeat observed")
	})
}

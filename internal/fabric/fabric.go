// Package fabric carries pipeline records between workers over NATS.
// Stream-backed topics are durable (JetStream, at-least-once); heartbeats
// and other ephemeral traffic ride core NATS on the same connection.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

const (
	defaultPrefix = "fabric."
	reconnectWait = 2 * time.Second

	// ackWait bounds how long a consumer may sit on an unacked record
	// before the server redelivers it.
	ackWait = 30 * time.Second

	// maxDeliver caps redeliveries of a failing record; after that the
	// server stops retrying and the record surfaces in stream advisories.
	maxDeliver = 5

	redeliveryDelay = 2 * time.Second
	dedupWindow     = 2 * time.Minute

	defaultMaxAge = 24 * time.Hour
)

// Stream names. Each stream owns a disjoint subject space under the bus
// prefix; ensureStreams creates or updates them at connect time.
const (
	StreamSignals = "SIGNALS"
	StreamTrading = "TRADING"
	StreamSystem  = "SYSTEM"
)

// Config holds bus connection settings.
type Config struct {
	URL    string
	Name   string // connection name, visible in server monitoring
	Prefix string // subject prefix, defaults to "fabric."

	// EnableJetStream turns on durable streams. Without it the bus still
	// works but records are fire-and-forget core NATS.
	EnableJetStream bool

	// MaxAge is the stream retention window. Zero means 24h.
	MaxAge time.Duration
}

// Handler processes one decoded record. A nil return acks the record; an
// error schedules redelivery after a short delay.
type Handler func(ctx context.Context, env *protocol.Envelope) error

// Bus is a connection to the message fabric.
type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

// New connects to NATS and, when JetStream is enabled, provisions the
// pipeline streams.
func New(config Config) (*Bus, error) {
	if config.Prefix == "" {
		config.Prefix = defaultPrefix
	}
	if config.Name == "" {
		config.Name = "tradefabric"
	}

	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus := &Bus{nc: nc, prefix: config.Prefix}

	if config.EnableJetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		bus.js = js

		if err := bus.ensureStreams(config.MaxAge); err != nil {
			nc.Close()
			return nil, err
		}
	}

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Bool("jetstream", bus.js != nil).
		Msg("Connected to message fabric")

	return bus, nil
}

// ensureStreams creates the pipeline streams, or reconciles their config if
// they already exist. Idempotent so every worker can call it at startup.
func (b *Bus) ensureStreams(maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	streams := []*nats.StreamConfig{
		{
			Name:        StreamSignals,
			Description: "Analyst signals, partitioned by symbol",
			Subjects:    []string{b.prefix + "signals.>"},
		},
		{
			Name:        StreamTrading,
			Description: "Trade intents, orders, rejections, execution reports and position updates",
			Subjects: []string{
				b.prefix + "trade.>",
				b.prefix + "execution.>",
				b.prefix + "position.>",
			},
		},
		{
			Name:        StreamSystem,
			Description: "Fatal events and other system records",
			Subjects:    []string{b.prefix + "system.>"},
		},
	}

	for _, sc := range streams {
		sc.Retention = nats.LimitsPolicy
		sc.Storage = nats.FileStorage
		sc.MaxAge = maxAge
		sc.Duplicates = dedupWindow

		if _, err := b.js.StreamInfo(sc.Name); err != nil {
			if !errors.Is(err, nats.ErrStreamNotFound) {
				return fmt.Errorf("failed to look up stream %s: %w", sc.Name, err)
			}
			if _, err := b.js.AddStream(sc); err != nil {
				return fmt.Errorf("failed to create stream %s: %w", sc.Name, err)
			}
			log.Info().
				Str("stream", sc.Name).
				Strs("subjects", sc.Subjects).
				Dur("max_age", maxAge).
				Msg("Created stream")
			continue
		}

		if _, err := b.js.UpdateStream(sc); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", sc.Name, err)
		}
	}

	return nil
}

// Publish sends an envelope to a topic, appending the symbol as a subject
// token so that consumers see per-symbol ordering. Stream-backed topics go
// through JetStream with the record id as the dedup key; topics without a
// backing stream (heartbeats) are plain core publishes.
func (b *Bus) Publish(ctx context.Context, topic, symbol string, env *protocol.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if b.nc == nil || !b.nc.IsConnected() {
		return fmt.Errorf("NATS connection is not active")
	}

	if env.RecordID == uuid.Nil {
		env.RecordID = uuid.New()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}

	subject := b.subjectFor(topic, symbol)

	if b.js != nil && streamForTopic(topic) != "" {
		if _, err := b.js.Publish(subject, data,
			nats.MsgId(env.RecordID.String()),
			nats.Context(ctx),
		); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
	} else {
		if err := b.nc.Publish(subject, data); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
	}

	log.Debug().
		Str("subject", subject).
		Str("record_id", env.RecordID.String()).
		Str("kind", string(env.Kind)).
		Msg("Published record")

	return nil
}

// Subscribe creates a durable queue consumer on a stream-backed topic.
// Symbol "*" subscribes across all symbols; "" means the topic carries no
// symbol token. Records are delivered one at a time per consumer, so a
// per-symbol subscription processes that symbol's records in publish order.
func (b *Bus) Subscribe(ctx context.Context, topic, symbol, group string, handler Handler) (*Subscription, error) {
	if b.js == nil {
		return nil, fmt.Errorf("JetStream is not enabled")
	}

	stream := streamForTopic(topic)
	if stream == "" {
		return nil, fmt.Errorf("topic %s has no backing stream", topic)
	}

	subject := b.subjectFor(topic, symbol)
	durable := durableFor(group, topic, symbol)

	sub, err := b.js.QueueSubscribe(subject, durable, b.consumerHandler(ctx, durable, handler),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxAckPending(1),
		nats.MaxDeliver(maxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	log.Info().
		Str("subject", subject).
		Str("durable", durable).
		Str("stream", stream).
		Msg("Subscribed to topic")

	return &Subscription{sub: sub, subject: subject, durable: durable}, nil
}

// consumerHandler wraps a Handler with envelope decoding and ack bookkeeping.
func (b *Bus) consumerHandler(ctx context.Context, durable string, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if ctx.Err() != nil {
			// Shutting down; let the server redeliver to a live consumer.
			_ = msg.NakWithDelay(redeliveryDelay)
			return
		}

		env, err := protocol.UnmarshalEnvelope(msg.Data)
		if err != nil {
			log.Error().
				Err(err).
				Str("subject", msg.Subject).
				Str("durable", durable).
				Msg("Failed to unmarshal envelope, terminating delivery")
			_ = msg.Term()
			return
		}

		if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 1 {
			log.Warn().
				Str("record_id", env.RecordID.String()).
				Uint64("delivery", meta.NumDelivered).
				Str("subject", msg.Subject).
				Msg("Processing redelivered record")
		}

		if err := handler(ctx, env); err != nil {
			log.Error().
				Err(err).
				Str("record_id", env.RecordID.String()).
				Str("kind", string(env.Kind)).
				Str("durable", durable).
				Msg("Handler failed, scheduling redelivery")
			_ = msg.NakWithDelay(redeliveryDelay)
			return
		}

		_ = msg.Ack()
	}
}

// SubscribeCore attaches a plain core NATS subscription to a topic without a
// symbol token. Used for heartbeats and other best-effort traffic.
func (b *Bus) SubscribeCore(topic string, handler func(env *protocol.Envelope)) (*Subscription, error) {
	subject := b.subjectFor(topic, "")

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		env, err := protocol.UnmarshalEnvelope(msg.Data)
		if err != nil {
			log.Error().
				Err(err).
				Str("subject", msg.Subject).
				Msg("Failed to unmarshal envelope, dropping")
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	return &Subscription{sub: sub, subject: subject}, nil
}

// Pending reports how many records are queued or in flight for a consumer.
// The fusion engine polls this to detect downstream saturation.
func (b *Bus) Pending(topic, symbol, group string) (uint64, error) {
	if b.js == nil {
		return 0, fmt.Errorf("JetStream is not enabled")
	}

	stream := streamForTopic(topic)
	if stream == "" {
		return 0, fmt.Errorf("topic %s has no backing stream", topic)
	}

	info, err := b.js.ConsumerInfo(stream, durableFor(group, topic, symbol))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch consumer info: %w", err)
	}

	return info.NumPending + uint64(info.NumAckPending), nil
}

// IsConnected reports whether the underlying connection is live.
func (b *Bus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetStats returns connection statistics for monitoring.
func (b *Bus) GetStats() map[string]interface{} {
	if b.nc == nil {
		return map[string]interface{}{"connected": false}
	}

	stats := b.nc.Stats()
	return map[string]interface{}{
		"connected":     b.nc.IsConnected(),
		"connected_url": b.nc.ConnectedUrl(),
		"in_msgs":       stats.InMsgs,
		"out_msgs":      stats.OutMsgs,
		"in_bytes":      stats.InBytes,
		"out_bytes":     stats.OutBytes,
		"reconnects":    stats.Reconnects,
	}
}

// Close drains the connection, letting in-flight handlers finish.
func (b *Bus) Close() error {
	if b.nc == nil || b.nc.IsClosed() {
		return nil
	}

	if err := b.nc.Drain(); err != nil {
		log.Error().Err(err).Msg("Error draining NATS connection")
		b.nc.Close()
		return err
	}

	log.Info().Msg("Message fabric connection closed")
	return nil
}

// Subscription wraps a NATS subscription.
type Subscription struct {
	sub     *nats.Subscription
	subject string
	durable string
}

// Subject returns the wire subject this subscription is bound to.
func (s *Subscription) Subject() string {
	return s.subject
}

// Drain detaches from the subject after in-flight messages complete.
func (s *Subscription) Drain() error {
	if s.sub == nil || !s.sub.IsValid() {
		return nil
	}
	if err := s.sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription %s: %w", s.subject, err)
	}
	return nil
}

// Unsubscribe detaches immediately and deletes the durable consumer.
func (s *Subscription) Unsubscribe() error {
	if s.sub == nil || !s.sub.IsValid() {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", s.subject, err)
	}
	return nil
}

// IsValid reports whether the subscription is still active.
func (s *Subscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}

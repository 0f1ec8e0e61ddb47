package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	beats  []protocol.Heartbeat
}

func (p *capturePublisher) Publish(ctx context.Context, topic, symbol string, env *protocol.Envelope) error {
	var beat protocol.Heartbeat
	if err := env.Open(protocol.KindHeartbeat, &beat); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.beats = append(p.beats, beat)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.beats)
}

func (p *capturePublisher) last() protocol.Heartbeat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.beats[len(p.beats)-1]
}

func TestHeartbeatImmediateAndPeriodic(t *testing.T) {
	pub := &capturePublisher{}
	hb := NewHeartbeat("strategy-worker", "strategy", 30*time.Millisecond, pub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb.Start(ctx)
	defer hb.Stop()

	require.True(t, hb.IsRunning())

	// The first beat goes out synchronously on Start.
	require.GreaterOrEqual(t, pub.count(), 1)

	require.Eventually(t, func() bool {
		return pub.count() >= 3
	}, 2*time.Second, 10*time.Millisecond, "expected periodic beats")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, protocol.TopicHeartbeat, pub.topics[0])
	assert.Equal(t, "strategy-worker", pub.beats[0].Worker)
	assert.Equal(t, "strategy", pub.beats[0].Kind)
	assert.Equal(t, StatusRunning, pub.beats[0].Status)
	assert.False(t, pub.beats[0].At.IsZero())
}

func TestHeartbeatAnnounceSwitchesStatus(t *testing.T) {
	pub := &capturePublisher{}
	hb := NewHeartbeat("risk-worker", "risk", time.Hour, pub, zerolog.Nop())

	ctx := context.Background()
	hb.Start(ctx)
	defer hb.Stop()

	require.Equal(t, StatusRunning, pub.last().Status)

	hb.Announce(ctx, StatusFailed)
	assert.Equal(t, StatusFailed, pub.last().Status)
	assert.Equal(t, 2, pub.count())
}

func TestHeartbeatStartIsIdempotent(t *testing.T) {
	pub := &capturePublisher{}
	hb := NewHeartbeat("risk-worker", "risk", time.Hour, pub, zerolog.Nop())

	ctx := context.Background()
	hb.Start(ctx)
	defer hb.Stop()
	hb.Start(ctx)

	assert.Equal(t, 1, pub.count(), "second Start must not publish another beat")
}

func TestHeartbeatStopIsIdempotent(t *testing.T) {
	pub := &capturePublisher{}
	hb := NewHeartbeat("risk-worker", "risk", time.Hour, pub, zerolog.Nop())

	hb.Start(context.Background())
	hb.Stop()
	hb.Stop()

	assert.False(t, hb.IsRunning())
}

func TestWatchHeartbeatsCountsPeers(t *testing.T) {
	bus := setupTestBus(t)

	const peer = "watch-test-worker"
	before := testutil.ToFloat64(metrics.HeartbeatsReceived.WithLabelValues(peer))

	sub, err := WatchHeartbeats(bus, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	time.Sleep(100 * time.Millisecond)

	beat := protocol.Heartbeat{Worker: peer, Kind: "strategy", Status: StatusRunning, At: time.Now().UTC()}
	env, err := protocol.Wrap(peer, protocol.KindHeartbeat, uuid.Nil, beat)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), protocol.TopicHeartbeat, "", env))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.HeartbeatsReceived.WithLabelValues(peer))-before >= 1
	}, 3*time.Second, 20*time.Millisecond, "heartbeat was not counted")
}

package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// startTestServer starts an embedded NATS server with JetStream on a random
// port for testing.
func startTestServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server failed to start in time")
	}

	return ns
}

func setupTestBus(t *testing.T) (*Bus, *server.Server) {
	t.Helper()

	ns := startTestServer(t)

	bus, err := New(Config{
		URL:             ns.ClientURL(),
		Name:            "fabric-test",
		EnableJetStream: true,
		MaxAge:          time.Hour,
	})
	require.NoError(t, err)

	return bus, ns
}

func makeSignalEnvelope(t *testing.T, symbol string) *protocol.Envelope {
	t.Helper()

	sig := protocol.Signal{
		ID:         uuid.New(),
		AgentKind:  "technical",
		Symbol:     symbol,
		Direction:  protocol.DirectionBuy,
		Confidence: 0.72,
		PriceHint:  decimal.NewFromInt(50000),
		CreatedAt:  time.Now().UTC(),
	}

	env, err := protocol.Wrap("technical-analyzer", protocol.KindSignal, uuid.Nil, sig)
	require.NoError(t, err)
	return env
}

func TestPublishSubscribe(t *testing.T) {
	bus, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *protocol.Envelope, 1)

	sub, err := bus.Subscribe(ctx, protocol.TopicSignalsTechnical, "BTC/USDT", "strategy",
		func(ctx context.Context, env *protocol.Envelope) error {
			received <- env
			return nil
		})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	time.Sleep(100 * time.Millisecond)

	env := makeSignalEnvelope(t, "BTC/USDT")
	require.NoError(t, bus.Publish(ctx, protocol.TopicSignalsTechnical, "BTC/USDT", env))

	select {
	case got := <-received:
		assert.Equal(t, env.RecordID, got.RecordID)
		assert.Equal(t, env.CorrelationID, got.CorrelationID)
		assert.Equal(t, protocol.KindSignal, got.Kind)

		var decoded protocol.Signal
		require.NoError(t, got.Open(protocol.KindSignal, &decoded))
		assert.Equal(t, "BTC/USDT", decoded.Symbol)
		assert.Equal(t, protocol.DirectionBuy, decoded.Direction)
		assert.InDelta(t, 0.72, decoded.Confidence, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for record")
	}
}

func TestPerSymbolOrdering(t *testing.T) {
	bus, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer bus.Close()

	ctx := context.Background()

	var mu sync.Mutex
	received := make(map[string][]uuid.UUID)

	handler := func(ctx context.Context, env *protocol.Envelope) error {
		var sig protocol.Signal
		if err := env.Open(protocol.KindSignal, &sig); err != nil {
			return err
		}
		mu.Lock()
		received[sig.Symbol] = append(received[sig.Symbol], env.RecordID)
		mu.Unlock()
		return nil
	}

	for _, symbol := range []string{"BTC/USDT", "ETH/USDT"} {
		sub, err := bus.Subscribe(ctx, protocol.TopicSignalsTechnical, symbol, "strategy", handler)
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	time.Sleep(100 * time.Millisecond)

	const perSymbol = 5
	published := make(map[string][]uuid.UUID)
	for i := 0; i < perSymbol; i++ {
		for _, symbol := range []string{"BTC/USDT", "ETH/USDT"} {
			env := makeSignalEnvelope(t, symbol)
			require.NoError(t, bus.Publish(ctx, protocol.TopicSignalsTechnical, symbol, env))
			published[symbol] = append(published[symbol], env.RecordID)
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received["BTC/USDT"]) == perSymbol && len(received["ETH/USDT"]) == perSymbol
	}, 5*time.Second, 50*time.Millisecond, "not all records were delivered")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, published["BTC/USDT"], received["BTC/USDT"], "BTC records out of order")
	assert.Equal(t, published["ETH/USDT"], received["ETH/USDT"], "ETH records out of order")
}

func TestRedeliveryAfterHandlerError(t *testing.T) {
	bus, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer bus.Close()

	ctx := context.Background()

	var mu sync.Mutex
	var deliveries []uuid.UUID

	sub, err := bus.Subscribe(ctx, protocol.TopicTradeIntent, "BTC/USDT", "risk",
		func(ctx context.Context, env *protocol.Envelope) error {
			mu.Lock()
			deliveries = append(deliveries, env.RecordID)
			n := len(deliveries)
			mu.Unlock()
			if n == 1 {
				return errors.New("transient failure")
			}
			return nil
		})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	time.Sleep(100 * time.Millisecond)

	env := makeSignalEnvelope(t, "BTC/USDT")
	require.NoError(t, bus.Publish(ctx, protocol.TopicTradeIntent, "BTC/USDT", env))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries) >= 2
	}, 10*time.Second, 100*time.Millisecond, "record was not redelivered")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, env.RecordID, deliveries[0])
	assert.Equal(t, env.RecordID, deliveries[1])
}

func TestDuplicatePublishSuppressed(t *testing.T) {
	bus, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer bus.Close()

	ctx := context.Background()

	var mu sync.Mutex
	count := 0

	sub, err := bus.Subscribe(ctx, protocol.TopicSignalsTechnical, "BTC/USDT", "strategy",
		func(ctx context.Context, env *protocol.Envelope) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	time.Sleep(100 * time.Millisecond)

	env := makeSignalEnvelope(t, "BTC/USDT")
	require.NoError(t, bus.Publish(ctx, protocol.TopicSignalsTechnical, "BTC/USDT", env))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 5*time.Second, 50*time.Millisecond)

	// Same record id again: the stream dedup window should swallow it.
	require.NoError(t, bus.Publish(ctx, protocol.TopicSignalsTechnical, "BTC/USDT", env))

	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "duplicate record was delivered")
}

func TestDeliversRecordsPublishedBeforeSubscribe(t *testing.T) {
	bus, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer bus.Close()

	ctx := context.Background()

	// No consumer exists yet; the stream must hold these until one appears.
	e1 := makeSignalEnvelope(t, "BTC/USDT")
	e2 := makeSignalEnvelope(t, "BTC/USDT")
	require.NoError(t, bus.Publish(ctx, protocol.TopicTradeIntent, "BTC/USDT", e1))
	require.NoError(t, bus.Publish(ctx, protocol.TopicTradeIntent, "BTC/USDT", e2))

	var mu sync.Mutex
	var received []uuid.UUID

	sub, err := bus.Subscribe(ctx, protocol.TopicTradeIntent, "BTC/USDT", "risk",
		func(ctx context.Context, env *protocol.Envelope) error {
			mu.Lock()
			received = append(received, env.RecordID)
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 5*time.Second, 50*time.Millisecond, "records published before subscribing were not delivered")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{e1.RecordID, e2.RecordID}, received)
}

func TestHeartbeatOverCoreNATS(t *testing.T) {
	bus, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *protocol.Envelope, 1)

	sub, err := bus.SubscribeCore(protocol.TopicHeartbeat, func(env *protocol.Envelope) {
		received <- env
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	time.Sleep(100 * time.Millisecond)

	hb := protocol.Heartbeat{
		Worker: "strategy-worker",
		Kind:   "strategy",
		Status: "running",
		At:     time.Now().UTC(),
	}
	env, err := protocol.Wrap("strategy-worker", protocol.KindHeartbeat, uuid.Nil, hb)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, protocol.TopicHeartbeat, "", env))

	select {
	case got := <-received:
		var decoded protocol.Heartbeat
		require.NoError(t, got.Open(protocol.KindHeartbeat, &decoded))
		assert.Equal(t, "strategy-worker", decoded.Worker)
		assert.Equal(t, "running", decoded.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}
}

func TestSubscribeWithoutJetStream(t *testing.T) {
	ns := startTestServer(t)
	defer ns.Shutdown()

	bus, err := New(Config{URL: ns.ClientURL(), Name: "fabric-test"})
	require.NoError(t, err)
	defer bus.Close()

	_, err = bus.Subscribe(context.Background(), protocol.TopicTradeIntent, "BTC/USDT", "risk",
		func(ctx context.Context, env *protocol.Envelope) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JetStream is not enabled")
}

func TestSubscribeStreamlessTopic(t *testing.T) {
	bus, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer bus.Close()

	_, err := bus.Subscribe(context.Background(), protocol.TopicHeartbeat, "", "monitor",
		func(ctx context.Context, env *protocol.Envelope) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backing stream")
}

func TestPublishContextCanceled(t *testing.T) {
	bus, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env := makeSignalEnvelope(t, "BTC/USDT")
	err := bus.Publish(ctx, protocol.TopicSignalsTechnical, "BTC/USDT", env)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPublishAfterClose(t *testing.T) {
	bus, ns := setupTestBus(t)
	defer ns.Shutdown()

	require.NoError(t, bus.Close())

	env := makeSignalEnvelope(t, "BTC/USDT")
	err := bus.Publish(context.Background(), protocol.TopicSignalsTechnical, "BTC/USDT", env)
	require.Error(t, err)
}

func TestPublishMintsRecordID(t *testing.T) {
	bus, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer bus.Close()

	env := &protocol.Envelope{
		Kind:    protocol.KindSignal,
		Payload: []byte(`{}`),
	}
	require.NoError(t, bus.Publish(context.Background(), protocol.TopicSignalsTechnical, "BTC/USDT", env))
	assert.NotEqual(t, uuid.Nil, env.RecordID)
	assert.False(t, env.Timestamp.IsZero())
}

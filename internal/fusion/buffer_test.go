package fusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

func newTestBuffer(retention time.Duration, at *time.Time) *Buffer {
	b := NewBuffer(retention)
	b.now = func() time.Time { return *at }
	return b
}

func TestBufferInsertAndCount(t *testing.T) {
	now := fusionBase
	b := newTestBuffer(300*time.Second, &now)

	assert.Equal(t, 0, b.Count("BTC/USDT"))

	count := b.Insert(makeTestSignal("technical", protocol.DirectionBuy, 0.8, 0))
	assert.Equal(t, 1, count)

	count = b.Insert(makeTestSignal("sentiment", protocol.DirectionBuy, 0.7, 0))
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, b.Count("BTC/USDT"))
}

func TestBufferEvictsExpiredSignals(t *testing.T) {
	now := fusionBase
	b := newTestBuffer(300*time.Second, &now)

	b.Insert(makeTestSignal("technical", protocol.DirectionBuy, 0.8, 0))
	b.Insert(makeTestSignal("sentiment", protocol.DirectionBuy, 0.7, 0))
	require.Equal(t, 2, b.Count("BTC/USDT"))

	now = fusionBase.Add(301 * time.Second)

	assert.Equal(t, 0, b.Count("BTC/USDT"))
	assert.Nil(t, b.Snapshot("BTC/USDT"))
	assert.Empty(t, b.Symbols())
}

func TestBufferEvictsOnlyExpired(t *testing.T) {
	now := fusionBase
	b := newTestBuffer(300*time.Second, &now)

	old := makeTestSignal("technical", protocol.DirectionBuy, 0.8, 0)
	b.Insert(old)

	now = fusionBase.Add(200 * time.Second)
	fresh := makeTestSignal("sentiment", protocol.DirectionSell, 0.7, 0)
	fresh.CreatedAt = now
	b.Insert(fresh)

	now = fusionBase.Add(320 * time.Second)

	live := b.Snapshot("BTC/USDT")
	require.Len(t, live, 1)
	assert.Equal(t, fresh.ID, live[0].ID)
}

func TestBufferSnapshotIsCopy(t *testing.T) {
	now := fusionBase
	b := newTestBuffer(300*time.Second, &now)

	b.Insert(makeTestSignal("technical", protocol.DirectionBuy, 0.8, 0))

	snap := b.Snapshot("BTC/USDT")
	require.Len(t, snap, 1)
	snap[0].Confidence = 0.1

	again := b.Snapshot("BTC/USDT")
	assert.Equal(t, 0.8, again[0].Confidence)
}

func TestBufferPreservesInsertOrder(t *testing.T) {
	now := fusionBase
	b := newTestBuffer(300*time.Second, &now)

	first := makeTestSignal("technical", protocol.DirectionBuy, 0.8, 2*time.Minute)
	second := makeTestSignal("sentiment", protocol.DirectionBuy, 0.7, time.Minute)
	third := makeTestSignal("fundamental", protocol.DirectionHold, 0.6, 0)

	b.Insert(first)
	b.Insert(second)
	b.Insert(third)

	snap := b.Snapshot("BTC/USDT")
	require.Len(t, snap, 3)
	assert.Equal(t, first.ID, snap[0].ID)
	assert.Equal(t, second.ID, snap[1].ID)
	assert.Equal(t, third.ID, snap[2].ID)
}

func TestBufferIgnoresRedeliveredSignal(t *testing.T) {
	now := fusionBase
	b := newTestBuffer(300*time.Second, &now)

	sig := makeTestSignal("technical", protocol.DirectionBuy, 0.8, 0)
	assert.Equal(t, 1, b.Insert(sig))
	assert.Equal(t, 1, b.Insert(sig))
	assert.Equal(t, 1, b.Count("BTC/USDT"))
}

func TestBufferClampsConfidence(t *testing.T) {
	now := fusionBase
	b := newTestBuffer(300*time.Second, &now)

	over := makeTestSignal("technical", protocol.DirectionBuy, 1.5, 0)
	under := makeTestSignal("sentiment", protocol.DirectionSell, -0.5, 0)
	b.Insert(over)
	b.Insert(under)

	snap := b.Snapshot("BTC/USDT")
	require.Len(t, snap, 2)
	assert.Equal(t, 1.0, snap[0].Confidence)
	assert.Equal(t, 0.0, snap[1].Confidence)
}

func TestBufferSymbolIsolation(t *testing.T) {
	now := fusionBase
	b := newTestBuffer(300*time.Second, &now)

	btc := makeTestSignal("technical", protocol.DirectionBuy, 0.8, 0)
	eth := makeTestSignal("technical", protocol.DirectionSell, 0.7, 0)
	eth.Symbol = "ETH/USDT"

	b.Insert(btc)
	b.Insert(eth)

	assert.Equal(t, 1, b.Count("BTC/USDT"))
	assert.Equal(t, 1, b.Count("ETH/USDT"))
	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT"}, b.Symbols())

	snap := b.Snapshot("ETH/USDT")
	require.Len(t, snap, 1)
	assert.Equal(t, protocol.DirectionSell, snap[0].Direction)
}

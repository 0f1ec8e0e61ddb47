package portfolio

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradefabric/internal/metrics"
)

func setupStore(t *testing.T, authority Authority, cfg StoreConfig) *Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewStore(metrics.NewRedisMetrics(client), authority, cfg, zerolog.New(os.Stdout))
}

type stubAuthority struct {
	snap  Snapshot
	err   error
	calls int
}

func (a *stubAuthority) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	a.calls++
	if a.err != nil {
		return Snapshot{}, a.err
	}
	return a.snap, nil
}

func testSnapshot(t *testing.T) Snapshot {
	t.Helper()
	return Snapshot{
		Equity:        dec(t, "10250.50"),
		Cash:          dec(t, "9250.50"),
		RealizedPnL:   dec(t, "250.50"),
		UnrealizedPnL: dec(t, "82"),
		RiskFraction:  0.12,
		Exposure: map[string]decimal.Decimal{
			"BTC/USDT": dec(t, "1000"),
		},
		OpenPositions: 1,
		UpdatedAt:     time.Now(),
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	s := setupStore(t, nil, StoreConfig{})
	ctx := context.Background()

	want := testSnapshot(t)
	require.NoError(t, s.PublishSnapshot(ctx, want))

	got, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assertDecimal(t, "10250.50", got.Equity)
	assertDecimal(t, "9250.50", got.Cash)
	assertDecimal(t, "250.50", got.RealizedPnL)
	assert.InDelta(t, 0.12, got.RiskFraction, 1e-9)
	assert.Equal(t, 1, got.OpenPositions)
	assertDecimal(t, "1000", got.Exposure["BTC/USDT"])
}

func TestStoreSnapshotMissing(t *testing.T) {
	s := setupStore(t, nil, StoreConfig{})

	_, err := s.Snapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSnapshotStale(t *testing.T) {
	s := setupStore(t, nil, StoreConfig{SnapshotAge: time.Second})
	ctx := context.Background()

	snap := testSnapshot(t)
	snap.UpdatedAt = time.Now().Add(-2 * time.Second)
	require.NoError(t, s.PublishSnapshot(ctx, snap))

	_, err := s.Snapshot(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStale)
}

func TestStoreSnapshotRecoversFromAuthority(t *testing.T) {
	authority := &stubAuthority{snap: Snapshot{
		Equity:    dec(t, "9800"),
		Cash:      dec(t, "9800"),
		UpdatedAt: time.Now(),
	}}
	s := setupStore(t, authority, StoreConfig{SnapshotAge: time.Second})
	ctx := context.Background()

	stale := testSnapshot(t)
	stale.UpdatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.PublishSnapshot(ctx, stale))

	got, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assertDecimal(t, "9800", got.Equity)
	assert.Equal(t, 1, authority.calls)

	// The recovery refreshed the cache, so the next read stays local.
	got, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assertDecimal(t, "9800", got.Equity)
	assert.Equal(t, 1, authority.calls)
}

func TestStoreSnapshotMissingRecoversFromAuthority(t *testing.T) {
	authority := &stubAuthority{snap: Snapshot{
		Equity: dec(t, "10000"),
		Cash:   dec(t, "10000"),
	}}
	s := setupStore(t, authority, StoreConfig{})

	got, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assertDecimal(t, "10000", got.Equity)
	assert.False(t, got.UpdatedAt.IsZero())
	assert.Equal(t, 1, authority.calls)
}

func TestStoreSnapshotAuthorityFailure(t *testing.T) {
	boom := errors.New("positions table unavailable")
	s := setupStore(t, &stubAuthority{err: boom}, StoreConfig{})

	_, err := s.Snapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestStoreMarkRoundTrip(t *testing.T) {
	s := setupStore(t, nil, StoreConfig{})
	ctx := context.Background()

	mark := MarketMark{
		Symbol:     "BTC/USDT",
		Price:      dec(t, "50000"),
		ATR:        dec(t, "1000"),
		PriceStd:   dec(t, "750"),
		Support:    dec(t, "48000"),
		Resistance: dec(t, "53000"),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, s.PublishMark(ctx, mark))

	got, err := s.Mark(ctx, "BTC/USDT")
	require.NoError(t, err)
	assertDecimal(t, "50000", got.Price)
	assertDecimal(t, "1000", got.ATR)
	assertDecimal(t, "750", got.PriceStd)
	assertDecimal(t, "48000", got.Support)
	assertDecimal(t, "53000", got.Resistance)
}

func TestStoreMarkMissing(t *testing.T) {
	s := setupStore(t, nil, StoreConfig{})

	_, err := s.Mark(context.Background(), "ETH/USDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreMarkStale(t *testing.T) {
	s := setupStore(t, nil, StoreConfig{MarkAge: time.Minute})
	ctx := context.Background()

	mark := MarketMark{
		Symbol:    "BTC/USDT",
		Price:     dec(t, "50000"),
		UpdatedAt: time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, s.PublishMark(ctx, mark))

	_, err := s.Mark(ctx, "BTC/USDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStale)
}

func TestStoreMarkNeedsSymbol(t *testing.T) {
	s := setupStore(t, nil, StoreConfig{})

	err := s.PublishMark(context.Background(), MarketMark{Price: dec(t, "50000")})
	require.Error(t, err)
}

func TestStorePublishStampsTime(t *testing.T) {
	s := setupStore(t, nil, StoreConfig{})
	ctx := context.Background()

	snap := testSnapshot(t)
	snap.UpdatedAt = time.Time{}
	require.NoError(t, s.PublishSnapshot(ctx, snap))

	got, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, 5*time.Second)
}

func TestStoreConfigDefaults(t *testing.T) {
	s := setupStore(t, nil, StoreConfig{})

	assert.Equal(t, "portfolio:", s.cfg.Prefix)
	assert.Equal(t, time.Second, s.cfg.SnapshotAge)
	assert.Equal(t, 5*time.Minute, s.cfg.MarkAge)
}

package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/tradefabric/internal/metrics"
)

// Store read errors. Stale and missing are distinct so callers can decide
// whether to fall back to other inputs or give up.
var (
	ErrNotFound = errors.New("not in snapshot store")
	ErrStale    = errors.New("snapshot store entry is stale")
)

const (
	defaultPrefix      = "portfolio:"
	defaultSnapshotAge = time.Second
	defaultMarkAge     = 5 * time.Minute
)

// Authority recovers authoritative portfolio state when the cached snapshot
// is missing or too old, typically by replaying the position store.
type Authority interface {
	LoadSnapshot(ctx context.Context) (Snapshot, error)
}

// StoreConfig bounds how old a cached entry may be before readers reject it.
type StoreConfig struct {
	Prefix      string
	SnapshotAge time.Duration
	MarkAge     time.Duration
}

// Store shares portfolio snapshots and per-symbol market marks through
// Redis. The position manager publishes after every mutation; sizing and
// risk validation read with a staleness bound and recover from the
// authority when the cache is behind.
type Store struct {
	rdb       *metrics.RedisMetrics
	authority Authority
	cfg       StoreConfig
	log       zerolog.Logger
	now       func() time.Time
}

// NewStore creates a snapshot store. authority may be nil, in which case a
// stale or missing snapshot is an error rather than a recovery.
func NewStore(rdb *metrics.RedisMetrics, authority Authority, cfg StoreConfig, log zerolog.Logger) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.SnapshotAge <= 0 {
		cfg.SnapshotAge = defaultSnapshotAge
	}
	if cfg.MarkAge <= 0 {
		cfg.MarkAge = defaultMarkAge
	}
	return &Store{
		rdb:       rdb,
		authority: authority,
		cfg:       cfg,
		log:       log.With().Str("component", "portfolio_store").Logger(),
		now:       time.Now,
	}
}

func (s *Store) snapshotKey() string { return s.cfg.Prefix + "snapshot" }

func (s *Store) markKey(symbol string) string { return s.cfg.Prefix + "mark:" + symbol }

// PublishSnapshot writes the snapshot for bounded-staleness readers.
func (s *Store) PublishSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = s.now()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal portfolio snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, s.snapshotKey(), data, 0); err != nil {
		return fmt.Errorf("store portfolio snapshot: %w", err)
	}

	s.log.Debug().
		Str("equity", snap.Equity.String()).
		Float64("risk_fraction", snap.RiskFraction).
		Int("open_positions", snap.OpenPositions).
		Msg("Portfolio snapshot published")
	return nil
}

// Snapshot returns the cached portfolio state if it is younger than the
// staleness bound, otherwise recovers it from the authority.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	data, err := s.rdb.Get(ctx, s.snapshotKey())
	switch {
	case errors.Is(err, redis.Nil):
		return s.recoverSnapshot(ctx, fmt.Errorf("portfolio snapshot: %w", ErrNotFound))
	case err != nil:
		return Snapshot{}, fmt.Errorf("read portfolio snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode portfolio snapshot: %w", err)
	}

	if age := s.now().Sub(snap.UpdatedAt); age > s.cfg.SnapshotAge {
		return s.recoverSnapshot(ctx, fmt.Errorf("portfolio snapshot is %s old: %w", age.Truncate(time.Millisecond), ErrStale))
	}
	return snap, nil
}

func (s *Store) recoverSnapshot(ctx context.Context, cause error) (Snapshot, error) {
	if s.authority == nil {
		return Snapshot{}, cause
	}

	snap, err := s.authority.LoadSnapshot(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("authority fallback after %v: %w", cause, err)
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = s.now()
	}
	if err := s.PublishSnapshot(ctx, snap); err != nil {
		s.log.Warn().Err(err).Msg("Failed to refresh snapshot cache from authority")
	}

	s.log.Debug().AnErr("cause", cause).Msg("Recovered portfolio snapshot from authority")
	return snap, nil
}

// PublishMark writes the market view for one symbol.
func (s *Store) PublishMark(ctx context.Context, mark MarketMark) error {
	if mark.Symbol == "" {
		return errors.New("market mark needs a symbol")
	}
	if mark.UpdatedAt.IsZero() {
		mark.UpdatedAt = s.now()
	}
	data, err := json.Marshal(mark)
	if err != nil {
		return fmt.Errorf("marshal market mark: %w", err)
	}
	if err := s.rdb.Set(ctx, s.markKey(mark.Symbol), data, 0); err != nil {
		return fmt.Errorf("store market mark for %s: %w", mark.Symbol, err)
	}
	return nil
}

// Mark returns the cached market view for a symbol. There is no authority
// for market data; the caller falls back to intent hints on error.
func (s *Store) Mark(ctx context.Context, symbol string) (MarketMark, error) {
	data, err := s.rdb.Get(ctx, s.markKey(symbol))
	switch {
	case errors.Is(err, redis.Nil):
		return MarketMark{}, fmt.Errorf("market mark for %s: %w", symbol, ErrNotFound)
	case err != nil:
		return MarketMark{}, fmt.Errorf("read market mark for %s: %w", symbol, err)
	}

	var mark MarketMark
	if err := json.Unmarshal([]byte(data), &mark); err != nil {
		return MarketMark{}, fmt.Errorf("decode market mark for %s: %w", symbol, err)
	}

	if age := s.now().Sub(mark.UpdatedAt); age > s.cfg.MarkAge {
		return MarketMark{}, fmt.Errorf("market mark for %s is %s old: %w", symbol, age.Truncate(time.Second), ErrStale)
	}
	return mark, nil
}

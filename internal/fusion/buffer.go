package fusion

import (
	"sync"
	"time"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// Buffer holds per-symbol rolling windows of live signals. Signals age out
// of the window lazily on every access, so no signal older than the
// retention horizon is ever returned.
type Buffer struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	signals map[string][]protocol.Signal
}

// NewBuffer creates a signal buffer with the given retention horizon.
func NewBuffer(retention time.Duration) *Buffer {
	return &Buffer{
		retention: retention,
		now:       time.Now,
		signals:   make(map[string][]protocol.Signal),
	}
}

// Insert appends a signal to its symbol bucket and returns the live count
// for that symbol. Re-delivered signals (same ID) are dropped so handlers
// stay idempotent. Confidence is clamped to [0, 1].
func (b *Buffer) Insert(sig protocol.Signal) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.evictLocked(sig.Symbol, now)

	for _, existing := range b.signals[sig.Symbol] {
		if existing.ID == sig.ID {
			return len(b.signals[sig.Symbol])
		}
	}

	if sig.Confidence < 0 {
		sig.Confidence = 0
	} else if sig.Confidence > 1 {
		sig.Confidence = 1
	}

	b.signals[sig.Symbol] = append(b.signals[sig.Symbol], sig)
	return len(b.signals[sig.Symbol])
}

// Snapshot returns a copy of the live signals for symbol, oldest first.
func (b *Buffer) Snapshot(symbol string) []protocol.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked(symbol, b.now())

	bucket := b.signals[symbol]
	if len(bucket) == 0 {
		return nil
	}

	out := make([]protocol.Signal, len(bucket))
	copy(out, bucket)
	return out
}

// Count returns the number of live signals for symbol.
func (b *Buffer) Count(symbol string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked(symbol, b.now())
	return len(b.signals[symbol])
}

// Symbols returns every symbol that currently holds at least one live
// signal.
func (b *Buffer) Symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	symbols := make([]string, 0, len(b.signals))
	for symbol := range b.signals {
		b.evictLocked(symbol, now)
		if len(b.signals[symbol]) > 0 {
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

func (b *Buffer) evictLocked(symbol string, now time.Time) {
	bucket, ok := b.signals[symbol]
	if !ok {
		return
	}

	cutoff := now.Add(-b.retention)
	live := bucket[:0]
	for _, sig := range bucket {
		if !sig.CreatedAt.Before(cutoff) {
			live = append(live, sig)
		}
	}

	if len(live) == 0 {
		delete(b.signals, symbol)
		return
	}
	b.signals[symbol] = live
}

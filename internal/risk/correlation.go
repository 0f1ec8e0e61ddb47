package risk

import (
	"math"
	"slices"
	"strings"
	"sync"
)

const (
	// minOverlap is the shortest paired history Pearson is computed over.
	// Below it the base-currency heuristic decides instead.
	minOverlap = 10

	// defaultReturnWindow bounds the per-symbol return history.
	defaultReturnWindow = 500
)

// Tracker accumulates per-symbol returns from the mark stream and answers
// the correlation queries behind the exposure check. The same histories
// feed the VaR estimate.
type Tracker struct {
	mu     sync.RWMutex
	window int
	last   map[string]float64
	series map[string][]float64
}

// NewTracker builds a tracker keeping up to window returns per symbol.
// A non-positive window applies the default.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = defaultReturnWindow
	}
	return &Tracker{
		window: window,
		last:   make(map[string]float64),
		series: make(map[string][]float64),
	}
}

// Observe folds one mark price into the symbol's return series. The first
// observation only seeds the reference price.
func (t *Tracker) Observe(symbol string, price float64) {
	if symbol == "" || price <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.last[symbol]
	t.last[symbol] = price
	if !ok {
		return
	}

	series := append(t.series[symbol], price/prev-1)
	if len(series) > t.window {
		series = series[len(series)-t.window:]
	}
	t.series[symbol] = series
}

// Returns copies the accumulated return series for symbol, oldest first.
func (t *Tracker) Returns(symbol string) []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.series[symbol])
}

// Correlation computes the Pearson correlation over the two symbols' most
// recent aligned returns. ok is false when the shared history is shorter
// than minOverlap.
func (t *Tracker) Correlation(a, b string) (r float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sa, sb := t.series[a], t.series[b]
	n := min(len(sa), len(sb))
	if n < minOverlap {
		return 0, false
	}
	return pearson(sa[len(sa)-n:], sb[len(sb)-n:]), true
}

// Correlated reports whether b moves with a at or above threshold. A symbol
// always correlates with itself; with an insufficient shared history two
// symbols sharing a base currency count as correlated.
func (t *Tracker) Correlated(a, b string, threshold float64) bool {
	if a == b {
		return true
	}
	if r, ok := t.Correlation(a, b); ok {
		return r >= threshold
	}
	return baseCurrency(a) == baseCurrency(b)
}

// baseCurrency extracts the base from a BASE/QUOTE symbol.
func baseCurrency(symbol string) string {
	if i := strings.IndexByte(symbol, '/'); i > 0 {
		return symbol[:i]
	}
	return symbol
}

// pearson computes the correlation coefficient of two equal-length series.
// Degenerate series with no variance report zero.
func pearson(a, b []float64) float64 {
	n := float64(len(a))

	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	var cov, varA, varB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

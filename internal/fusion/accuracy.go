package fusion

import "sync"

const defaultAccuracyWindow = 100

// AccuracyTracker maintains a per-agent-kind accuracy estimate from trade
// outcomes. Estimates move by an exponential moving average sized to the
// history window. Kinds with no history score 0.5.
type AccuracyTracker struct {
	alpha float64

	mu     sync.RWMutex
	scores map[string]float64
}

// NewAccuracyTracker creates a tracker with an EMA step equivalent to a
// rolling window of the given size. Non-positive windows fall back to 100.
func NewAccuracyTracker(window int) *AccuracyTracker {
	if window <= 0 {
		window = defaultAccuracyWindow
	}
	return &AccuracyTracker{
		alpha:  2.0 / float64(window+1),
		scores: make(map[string]float64),
	}
}

// Accuracy returns the current estimate for an agent kind.
func (t *AccuracyTracker) Accuracy(kind string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if score, ok := t.scores[kind]; ok {
		return score
	}
	return 0.5
}

// Record folds one resolved trade outcome into the estimate for kind.
func (t *AccuracyTracker) Record(kind string, win bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	score, ok := t.scores[kind]
	if !ok {
		score = 0.5
	}

	outcome := 0.0
	if win {
		outcome = 1.0
	}

	t.scores[kind] = score + t.alpha*(outcome-score)
}

// Snapshot returns a copy of all current estimates.
func (t *AccuracyTracker) Snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]float64, len(t.scores))
	for kind, score := range t.scores {
		out[kind] = score
	}
	return out
}

package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccuracyUnknownKindDefaults(t *testing.T) {
	tracker := NewAccuracyTracker(100)

	assert.Equal(t, 0.5, tracker.Accuracy("technical"))
	assert.Equal(t, 0.5, tracker.Accuracy("never-seen"))
}

func TestAccuracyWindowFallback(t *testing.T) {
	tests := []struct {
		name   string
		window int
	}{
		{"zero window", 0},
		{"negative window", -5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewAccuracyTracker(tt.window)
			assert.InDelta(t, 2.0/101.0, tracker.alpha, 1e-9)
		})
	}
}

func TestAccuracyRecordWin(t *testing.T) {
	tracker := NewAccuracyTracker(100)
	alpha := 2.0 / 101.0

	tracker.Record("technical", true)

	assert.InDelta(t, 0.5+alpha*0.5, tracker.Accuracy("technical"), 1e-9)
}

func TestAccuracyRecordLoss(t *testing.T) {
	tracker := NewAccuracyTracker(100)
	alpha := 2.0 / 101.0

	tracker.Record("sentiment", false)

	assert.InDelta(t, 0.5-alpha*0.5, tracker.Accuracy("sentiment"), 1e-9)
}

func TestAccuracyConvergesTowardOutcomes(t *testing.T) {
	tracker := NewAccuracyTracker(100)

	for i := 0; i < 200; i++ {
		tracker.Record("technical", true)
		tracker.Record("fundamental", false)
	}

	assert.Greater(t, tracker.Accuracy("technical"), 0.9)
	assert.Less(t, tracker.Accuracy("fundamental"), 0.1)
}

func TestAccuracyKindsIndependent(t *testing.T) {
	tracker := NewAccuracyTracker(10)

	tracker.Record("technical", true)

	assert.Greater(t, tracker.Accuracy("technical"), 0.5)
	assert.Equal(t, 0.5, tracker.Accuracy("sentiment"))
}

func TestAccuracySnapshot(t *testing.T) {
	tracker := NewAccuracyTracker(10)
	tracker.Record("technical", true)
	tracker.Record("sentiment", false)

	snap := tracker.Snapshot()
	assert.Len(t, snap, 2)

	snap["technical"] = 0.0
	assert.Greater(t, tracker.Accuracy("technical"), 0.5)
}

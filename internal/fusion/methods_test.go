package fusion

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

var fusionBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testFusionConfig() config.FusionConfig {
	return config.FusionConfig{
		Method:                   "hybrid",
		MinSignals:               2,
		SignalRetentionSeconds:   300,
		DecisionIntervalSeconds:  30,
		MinConfidence:            0.6,
		MinSignalConfidence:      0.6,
		AgreementThreshold:       0.6,
		TimeDecayHalfLifeMinutes: 30,
		BayesianHistoryWindow:    100,
		MaxPendingIntents:        64,
	}
}

func newTestFuser(cfg config.FusionConfig, accuracy *AccuracyTracker) *Fuser {
	f := NewFuser(cfg, accuracy)
	f.now = func() time.Time { return fusionBase }
	return f
}

func makeTestSignal(kind string, direction protocol.Direction, confidence float64, age time.Duration) protocol.Signal {
	return protocol.Signal{
		ID:         uuid.New(),
		AgentKind:  kind,
		Symbol:     "BTC/USDT",
		Direction:  direction,
		Confidence: confidence,
		PriceHint:  decimal.NewFromInt(50000),
		CreatedAt:  fusionBase.Add(-age),
	}
}

func TestBayesianBuyMajority(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.85, 0),
		makeTestSignal("sentiment", protocol.DirectionBuy, 0.70, 0),
		makeTestSignal("fundamental", protocol.DirectionHold, 0.60, 0),
	}

	dec := f.fuseBayesian(signals)

	assert.Equal(t, protocol.DirectionBuy, dec.Direction)
	// Weights at default 0.5 accuracy: buy (0.425+0.35) / total 1.075
	assert.InDelta(t, 0.7209, dec.Confidence, 0.0001)
	assert.Equal(t, protocol.FusionBayesian, dec.Method)
	assert.Equal(t, 3, dec.Diagnostics["signals_used"])
}

func TestBayesianBelowThresholdHolds(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.2, 0),
		makeTestSignal("sentiment", protocol.DirectionSell, 0.2, 0),
		makeTestSignal("fundamental", protocol.DirectionHold, 0.9, 0),
	}

	dec := f.fuseBayesian(signals)

	assert.Equal(t, protocol.DirectionHold, dec.Direction)
	assert.Less(t, dec.Confidence, scoreThreshold)
}

func TestBayesianTieResolvesHold(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.8, 0),
		makeTestSignal("sentiment", protocol.DirectionSell, 0.8, 0),
	}

	dec := f.fuseBayesian(signals)

	assert.Equal(t, protocol.DirectionHold, dec.Direction)
	assert.InDelta(t, 0.5, dec.Confidence, 0.0001)
}

func TestBayesianHoldSignalsDiluteScores(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	unanimous := f.fuseBayesian([]protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.8, 0),
		makeTestSignal("sentiment", protocol.DirectionBuy, 0.8, 0),
	})
	diluted := f.fuseBayesian([]protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.8, 0),
		makeTestSignal("sentiment", protocol.DirectionBuy, 0.8, 0),
		makeTestSignal("fundamental", protocol.DirectionHold, 0.8, 0),
	})

	assert.Equal(t, protocol.DirectionBuy, unanimous.Direction)
	assert.Equal(t, protocol.DirectionBuy, diluted.Direction)
	assert.InDelta(t, 1.0, unanimous.Confidence, 0.0001)
	assert.InDelta(t, 2.0/3.0, diluted.Confidence, 0.0001)
}

func TestBayesianAccuracyWeighting(t *testing.T) {
	// Window 1 makes a single outcome fully determine the estimate.
	accuracy := NewAccuracyTracker(1)
	accuracy.Record("technical", true)
	accuracy.Record("sentiment", false)

	f := newTestFuser(testFusionConfig(), accuracy)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.6, 0),
		makeTestSignal("sentiment", protocol.DirectionSell, 0.6, 0),
	}

	dec := f.fuseBayesian(signals)

	assert.Equal(t, protocol.DirectionBuy, dec.Direction)
	assert.InDelta(t, 1.0, dec.Confidence, 0.0001)
}

func TestConsensusAgreement(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.85, 0),
		makeTestSignal("sentiment", protocol.DirectionBuy, 0.70, 0),
		makeTestSignal("fundamental", protocol.DirectionHold, 0.60, 0),
	}

	dec := f.fuseConsensus(signals)

	assert.Equal(t, protocol.DirectionBuy, dec.Direction)
	assert.InDelta(t, 0.775, dec.Confidence, 0.0001)
	assert.InDelta(t, 2.0/3.0, dec.Diagnostics["agreement"], 0.0001)
}

func TestConsensusNoAgreementHolds(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.8, 0),
		makeTestSignal("sentiment", protocol.DirectionSell, 0.8, 0),
		makeTestSignal("fundamental", protocol.DirectionHold, 0.9, 0),
	}

	dec := f.fuseConsensus(signals)

	assert.Equal(t, protocol.DirectionHold, dec.Direction)
	assert.Zero(t, dec.Confidence)
	assert.Equal(t, 0.0, dec.Diagnostics["agreement"])
}

func TestConsensusFiltersWeakSignals(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.9, 0),
		makeTestSignal("sentiment", protocol.DirectionBuy, 0.5, 0),
		makeTestSignal("fundamental", protocol.DirectionSell, 0.55, 0),
	}

	dec := f.fuseConsensus(signals)

	assert.Equal(t, protocol.DirectionBuy, dec.Direction)
	assert.InDelta(t, 0.9, dec.Confidence, 0.0001)
	assert.Equal(t, 1, dec.Diagnostics["filtered_count"])
}

func TestConsensusAllWeakHolds(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.5, 0),
		makeTestSignal("sentiment", protocol.DirectionSell, 0.4, 0),
	}

	dec := f.fuseConsensus(signals)

	assert.Equal(t, protocol.DirectionHold, dec.Direction)
	assert.Zero(t, dec.Confidence)
	assert.Equal(t, 0, dec.Diagnostics["filtered_count"])
}

func TestTimeDecayFreshOutweighsStale(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.9, 90*time.Minute),
		makeTestSignal("sentiment", protocol.DirectionSell, 0.8, 0),
	}

	dec := f.fuseTimeDecay(signals)

	// 90 min at half-life 30 leaves the buy signal an eighth of its weight.
	assert.Equal(t, protocol.DirectionSell, dec.Direction)
	assert.InDelta(t, 0.8767, dec.Confidence, 0.001)
}

func TestTimeDecayHalfLifeWeighting(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 1.0, 0),
		makeTestSignal("sentiment", protocol.DirectionSell, 1.0, 30*time.Minute),
	}

	dec := f.fuseTimeDecay(signals)

	// One half-life halves the sell weight: buy 1.0 vs sell 0.5.
	assert.Equal(t, protocol.DirectionBuy, dec.Direction)
	assert.InDelta(t, 2.0/3.0, dec.Confidence, 0.0001)
}

func TestTimeDecayFutureTimestampClamped(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.8, -10*time.Minute),
		makeTestSignal("sentiment", protocol.DirectionSell, 0.4, 0),
	}

	dec := f.fuseTimeDecay(signals)

	assert.Equal(t, protocol.DirectionBuy, dec.Direction)
	assert.InDelta(t, 2.0/3.0, dec.Confidence, 0.0001)
}

func TestHybridHappyPath(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.85, 0),
		makeTestSignal("sentiment", protocol.DirectionBuy, 0.70, 0),
		makeTestSignal("fundamental", protocol.DirectionHold, 0.60, 0),
	}

	dec := f.fuseHybrid(signals)

	require.Equal(t, protocol.DirectionBuy, dec.Direction)
	// bayesian 0.7209, consensus 0.775, time-decay 0.7209, all voting Buy
	assert.InDelta(t, 0.739, dec.Confidence, 0.001)
	assert.Equal(t, protocol.FusionHybrid, dec.Method)

	for _, key := range []string{"bayesian", "consensus", "time_decay", "votes"} {
		assert.Contains(t, dec.Diagnostics, key)
	}

	bayesian, ok := dec.Diagnostics["bayesian"].(Decision)
	require.True(t, ok)
	assert.Equal(t, protocol.DirectionBuy, bayesian.Direction)
}

func TestHybridZeroConfidenceTieHolds(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0, 0),
		makeTestSignal("sentiment", protocol.DirectionSell, 0, 0),
	}

	dec := f.fuseHybrid(signals)

	assert.Equal(t, protocol.DirectionHold, dec.Direction)
	assert.Zero(t, dec.Confidence)
	assert.Equal(t, true, dec.Diagnostics["tie"])
}

func TestHybridConflictLeansHold(t *testing.T) {
	f := newTestFuser(testFusionConfig(), nil)

	// Split opinions: bayesian and time-decay tie internally, consensus
	// finds no supermajority. Every strategy lands on Hold.
	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.8, 0),
		makeTestSignal("sentiment", protocol.DirectionSell, 0.8, 0),
	}

	dec := f.fuseHybrid(signals)

	assert.Equal(t, protocol.DirectionHold, dec.Direction)
}

func TestFuseDispatch(t *testing.T) {
	signals := []protocol.Signal{
		makeTestSignal("technical", protocol.DirectionBuy, 0.85, 0),
		makeTestSignal("sentiment", protocol.DirectionBuy, 0.70, 0),
	}

	tests := []struct {
		method   string
		expected protocol.FusionMethod
	}{
		{"bayesian", protocol.FusionBayesian},
		{"consensus", protocol.FusionConsensus},
		{"time_decay", protocol.FusionTimeDecay},
		{"hybrid", protocol.FusionHybrid},
		{"unknown", protocol.FusionHybrid},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			cfg := testFusionConfig()
			cfg.Method = tt.method

			dec := newTestFuser(cfg, nil).Fuse(signals)

			assert.Equal(t, tt.expected, dec.Method)
			assert.Equal(t, protocol.DirectionBuy, dec.Direction)
		})
	}
}

package fusion

import (
	"math"
	"time"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// scoreThreshold is the minimum normalized directional score the bayesian
// and time-decay methods require before committing to a direction.
const scoreThreshold = 0.3

// Decision is the outcome of one fusion pass over a symbol's buffered
// signals.
type Decision struct {
	Direction   protocol.Direction     `json:"direction"`
	Confidence  float64                `json:"confidence"`
	Method      protocol.FusionMethod  `json:"method"`
	Diagnostics map[string]interface{} `json:"diagnostics,omitempty"`
}

// Fuser combines signals into decisions using the configured method.
type Fuser struct {
	cfg      config.FusionConfig
	accuracy *AccuracyTracker
	now      func() time.Time
}

// NewFuser creates a fuser. The accuracy tracker feeds the bayesian
// weights; pass a fresh one if no trade history exists yet.
func NewFuser(cfg config.FusionConfig, accuracy *AccuracyTracker) *Fuser {
	if accuracy == nil {
		accuracy = NewAccuracyTracker(cfg.BayesianHistoryWindow)
	}
	return &Fuser{
		cfg:      cfg,
		accuracy: accuracy,
		now:      time.Now,
	}
}

// Fuse runs the configured fusion method over signals. Unknown methods run
// hybrid.
func (f *Fuser) Fuse(signals []protocol.Signal) Decision {
	switch protocol.FusionMethod(f.cfg.Method) {
	case protocol.FusionBayesian:
		return f.fuseBayesian(signals)
	case protocol.FusionConsensus:
		return f.fuseConsensus(signals)
	case protocol.FusionTimeDecay:
		return f.fuseTimeDecay(signals)
	default:
		return f.fuseHybrid(signals)
	}
}

// fuseBayesian weights each signal by the historical accuracy of its agent
// kind times its confidence, normalizes over every buffered signal, and
// commits to the stronger direction when its score clears the threshold.
// Hold signals contribute weight to the denominator only, diluting both
// directional scores.
func (f *Fuser) fuseBayesian(signals []protocol.Signal) Decision {
	var buyScore, sellScore, totalWeight float64

	for _, sig := range signals {
		w := f.accuracy.Accuracy(sig.AgentKind) * sig.Confidence
		totalWeight += w

		switch sig.Direction {
		case protocol.DirectionBuy:
			buyScore += w
		case protocol.DirectionSell:
			sellScore += w
		}
	}

	if totalWeight > 0 {
		buyScore /= totalWeight
		sellScore /= totalWeight
	}

	direction := protocol.DirectionHold
	confidence := math.Max(buyScore, sellScore)
	switch {
	case buyScore > sellScore && buyScore > scoreThreshold:
		direction = protocol.DirectionBuy
		confidence = buyScore
	case sellScore > buyScore && sellScore > scoreThreshold:
		direction = protocol.DirectionSell
		confidence = sellScore
	}

	return Decision{
		Direction:  direction,
		Confidence: confidence,
		Method:     protocol.FusionBayesian,
		Diagnostics: map[string]interface{}{
			"buy_score":    buyScore,
			"sell_score":   sellScore,
			"signals_used": len(signals),
		},
	}
}

// fuseConsensus keeps only signals at or above the per-signal confidence
// floor and requires a supermajority of them to agree on a direction.
func (f *Fuser) fuseConsensus(signals []protocol.Signal) Decision {
	filtered := make([]protocol.Signal, 0, len(signals))
	for _, sig := range signals {
		if sig.Confidence >= f.cfg.MinSignalConfidence {
			filtered = append(filtered, sig)
		}
	}

	diag := map[string]interface{}{
		"filtered_count": len(filtered),
		"agreement":      0.0,
	}

	if len(filtered) == 0 {
		return Decision{
			Direction:   protocol.DirectionHold,
			Confidence:  0,
			Method:      protocol.FusionConsensus,
			Diagnostics: diag,
		}
	}

	var buyCount, sellCount int
	var buyConfSum, sellConfSum float64
	for _, sig := range filtered {
		switch sig.Direction {
		case protocol.DirectionBuy:
			buyCount++
			buyConfSum += sig.Confidence
		case protocol.DirectionSell:
			sellCount++
			sellConfSum += sig.Confidence
		}
	}

	total := float64(len(filtered))
	if agreement := float64(buyCount) / total; agreement >= f.cfg.AgreementThreshold {
		diag["agreement"] = agreement
		return Decision{
			Direction:   protocol.DirectionBuy,
			Confidence:  buyConfSum / float64(buyCount),
			Method:      protocol.FusionConsensus,
			Diagnostics: diag,
		}
	}
	if agreement := float64(sellCount) / total; agreement >= f.cfg.AgreementThreshold {
		diag["agreement"] = agreement
		return Decision{
			Direction:   protocol.DirectionSell,
			Confidence:  sellConfSum / float64(sellCount),
			Method:      protocol.FusionConsensus,
			Diagnostics: diag,
		}
	}

	return Decision{
		Direction:   protocol.DirectionHold,
		Confidence:  0,
		Method:      protocol.FusionConsensus,
		Diagnostics: diag,
	}
}

// fuseTimeDecay halves each signal's weight every half-life of age before
// combining with confidence, then applies the same normalized-score rule as
// the bayesian method. Future-dated signals count as age zero.
func (f *Fuser) fuseTimeDecay(signals []protocol.Signal) Decision {
	now := f.now()
	halfLife := f.cfg.TimeDecayHalfLifeMinutes
	if halfLife <= 0 {
		halfLife = 30
	}

	var buyWeight, sellWeight, totalWeight float64
	for _, sig := range signals {
		age := now.Sub(sig.CreatedAt)
		if age < 0 {
			age = 0
		}

		decay := math.Pow(0.5, age.Minutes()/halfLife)
		w := decay * sig.Confidence
		totalWeight += w

		switch sig.Direction {
		case protocol.DirectionBuy:
			buyWeight += w
		case protocol.DirectionSell:
			sellWeight += w
		}
	}

	if totalWeight > 0 {
		buyWeight /= totalWeight
		sellWeight /= totalWeight
	}

	direction := protocol.DirectionHold
	confidence := math.Max(buyWeight, sellWeight)
	switch {
	case buyWeight > sellWeight && buyWeight > scoreThreshold:
		direction = protocol.DirectionBuy
		confidence = buyWeight
	case sellWeight > buyWeight && sellWeight > scoreThreshold:
		direction = protocol.DirectionSell
		confidence = sellWeight
	}

	return Decision{
		Direction:  direction,
		Confidence: confidence,
		Method:     protocol.FusionTimeDecay,
		Diagnostics: map[string]interface{}{
			"buy_weight":   buyWeight,
			"sell_weight":  sellWeight,
			"signals_used": len(signals),
		},
	}
}

// fuseHybrid runs all three methods and lets each vote for its own outcome
// weighted by its own confidence. Any tie at the top, including Buy against
// Sell, resolves to Hold. Final confidence is the mean confidence of the
// strategies that voted for the winning direction.
func (f *Fuser) fuseHybrid(signals []protocol.Signal) Decision {
	bayesian := f.fuseBayesian(signals)
	consensus := f.fuseConsensus(signals)
	timeDecay := f.fuseTimeDecay(signals)

	votes := make(map[protocol.Direction]float64, 3)
	counts := make(map[protocol.Direction]int, 3)
	for _, sub := range []Decision{bayesian, consensus, timeDecay} {
		votes[sub.Direction] += sub.Confidence
		counts[sub.Direction]++
	}

	winner := protocol.DirectionHold
	bestVotes := math.Inf(-1)
	tie := false
	for _, d := range []protocol.Direction{protocol.DirectionBuy, protocol.DirectionSell, protocol.DirectionHold} {
		switch v := votes[d]; {
		case v > bestVotes:
			winner = d
			bestVotes = v
			tie = false
		case v == bestVotes:
			tie = true
		}
	}
	if tie {
		winner = protocol.DirectionHold
	}

	confidence := 0.0
	if counts[winner] > 0 {
		confidence = votes[winner] / float64(counts[winner])
	}

	return Decision{
		Direction:  winner,
		Confidence: confidence,
		Method:     protocol.FusionHybrid,
		Diagnostics: map[string]interface{}{
			"bayesian":   bayesian,
			"consensus":  consensus,
			"time_decay": timeDecay,
			"votes": map[string]float64{
				string(protocol.DirectionBuy):  votes[protocol.DirectionBuy],
				string(protocol.DirectionSell): votes[protocol.DirectionSell],
				string(protocol.DirectionHold): votes[protocol.DirectionHold],
			},
			"tie": tie,
		},
	}
}

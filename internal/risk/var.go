package risk

import (
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// VaR estimation methods.
const (
	VaRHistorical = "historical"
	VaRParametric = "parametric"
	VaRMonteCarlo = "monte_carlo"
)

const (
	// minObservations is the shortest return history any estimator fits.
	// Shorter histories fall back to fixed fractions of position value.
	minObservations = 30

	// mcDraws is the Monte Carlo simulation count.
	mcDraws = 10000

	// Left-tail z-scores of the standard normal.
	z95 = -1.645
	z99 = -2.326

	fallbackVaR95  = 0.05
	fallbackVaR99  = 0.10
	fallbackCVaR95 = 0.08
)

// VaREstimate carries the value-at-risk diagnostics attached to one
// assessment. Values are potential losses in quote currency, reported
// positive.
type VaREstimate struct {
	VaR95        float64 `json:"var_95"`
	VaR99        float64 `json:"var_99"`
	CVaR95       float64 `json:"cvar_95"`
	Method       string  `json:"method"`
	Observations int     `json:"observations"`
}

// VaRCalculator estimates value at risk for a proposed position from a
// rolling return history. Estimates are diagnostics, never a gate.
type VaRCalculator struct {
	method string
	rng    *rand.Rand
	log    zerolog.Logger
}

// NewVaRCalculator builds a calculator for the configured method. Unknown
// methods degrade to historical.
func NewVaRCalculator(method string, log zerolog.Logger) *VaRCalculator {
	switch method {
	case VaRHistorical, VaRParametric, VaRMonteCarlo:
	default:
		if method != "" {
			log.Warn().Str("method", method).Msg("Unknown VaR method, using historical")
		}
		method = VaRHistorical
	}
	return &VaRCalculator{
		method: method,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		log:    log.With().Str("component", "var_calculator").Logger(),
	}
}

// Estimate computes VaR at the 95% and 99% levels plus the 95% expected
// shortfall for a position of the given value, from per-period fractional
// returns.
func (c *VaRCalculator) Estimate(returns []float64, positionValue float64) VaREstimate {
	est := VaREstimate{Method: c.method, Observations: len(returns)}
	if positionValue <= 0 {
		return est
	}
	if len(returns) < minObservations {
		est.VaR95 = positionValue * fallbackVaR95
		est.VaR99 = positionValue * fallbackVaR99
		est.CVaR95 = positionValue * fallbackCVaR95
		return est
	}

	switch c.method {
	case VaRParametric:
		est.VaR95, est.VaR99 = parametricVaR(returns, positionValue)
	case VaRMonteCarlo:
		est.VaR95, est.VaR99 = c.monteCarloVaR(returns, positionValue)
	default:
		est.VaR95, est.VaR99 = historicalVaR(returns, positionValue)
	}
	est.CVaR95 = conditionalVaR(returns, positionValue)
	return est
}

// tailIndexes locates the 5% and 1% quantiles in an ascending sort of n
// observations.
func tailIndexes(n int) (i95, i99 int) {
	return int(float64(n) * 0.05), int(float64(n) * 0.01)
}

func historicalVaR(returns []float64, positionValue float64) (var95, var99 float64) {
	sorted := slices.Clone(returns)
	slices.Sort(sorted)
	i95, i99 := tailIndexes(len(sorted))
	return math.Abs(sorted[i95] * positionValue), math.Abs(sorted[i99] * positionValue)
}

func parametricVaR(returns []float64, positionValue float64) (var95, var99 float64) {
	mean, std := moments(returns)
	return math.Abs((mean + z95*std) * positionValue), math.Abs((mean + z99*std) * positionValue)
}

func (c *VaRCalculator) monteCarloVaR(returns []float64, positionValue float64) (var95, var99 float64) {
	mean, std := moments(returns)
	simulated := make([]float64, mcDraws)
	for i := range simulated {
		simulated[i] = (mean + std*c.rng.NormFloat64()) * positionValue
	}
	slices.Sort(simulated)
	i95, i99 := tailIndexes(len(simulated))
	return math.Abs(simulated[i95]), math.Abs(simulated[i99])
}

// conditionalVaR is the mean loss beyond the 95% quantile. The caller's
// minObservations gate keeps the tail non-empty.
func conditionalVaR(returns []float64, positionValue float64) float64 {
	sorted := slices.Clone(returns)
	slices.Sort(sorted)
	idx := int(float64(len(sorted)) * 0.05)
	var sum float64
	for _, r := range sorted[:idx] {
		sum += r
	}
	return math.Abs(sum / float64(idx) * positionValue)
}

// moments returns the mean and population standard deviation.
func moments(values []float64) (mean, std float64) {
	n := float64(len(values))
	for _, v := range values {
		mean += v
	}
	mean /= n

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / n)
}

package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/portfolio"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
	"github.com/ajitpratap0/tradefabric/internal/sizing"
	"github.com/ajitpratap0/tradefabric/internal/stops"
)

// CorrelationSource reports whether two symbols move together.
type CorrelationSource interface {
	Correlated(a, b string, threshold float64) bool
}

// Verdict is the validation outcome: an approval, or the first failed
// check with its reason. RiskScore is reported either way.
type Verdict struct {
	Approved  bool
	Reason    protocol.RejectReason
	Detail    string
	RiskScore float64
}

// Validator applies the pre-trade checks to a sized proposal, in order:
// confidence, reward-to-risk, single-trade risk, portfolio risk budget,
// correlated exposure. The first failure decides the rejection reason.
type Validator struct {
	cfg           config.RiskConfig
	minConfidence float64
	correlations  CorrelationSource
	log           zerolog.Logger
}

// NewValidator builds a validator. A nil correlations source skips the
// correlated-exposure check.
func NewValidator(cfg config.RiskConfig, minConfidence float64, correlations CorrelationSource, log zerolog.Logger) *Validator {
	return &Validator{
		cfg:           cfg,
		minConfidence: minConfidence,
		correlations:  correlations,
		log:           log.With().Str("component", "risk_validator").Logger(),
	}
}

// Validate runs the ordered checks for one intent against the current
// portfolio snapshot.
func (v *Validator) Validate(intent *protocol.TradeIntent, proposal sizing.Result, levels stops.Levels, snap portfolio.Snapshot) Verdict {
	equity := snap.Equity.InexactFloat64()
	proposed := proposal.RiskAmount.InexactFloat64()
	verdict := Verdict{RiskScore: riskScore(proposed, equity, v.cfg.MaxSingleTradeRisk)}

	if equity <= 0 {
		return v.reject(verdict, intent, protocol.RejectTradeRiskLimit,
			fmt.Sprintf("no positive equity to risk, snapshot reports %s", snap.Equity))
	}

	if intent.Confidence < v.minConfidence {
		return v.reject(verdict, intent, protocol.RejectLowConfidence,
			fmt.Sprintf("confidence %.2f below minimum %.2f", intent.Confidence, v.minConfidence))
	}

	if minRR := v.cfg.MinRRRatio; minRR > 0 && levels.RewardRisk < minRR {
		return v.reject(verdict, intent, protocol.RejectPoorRR,
			fmt.Sprintf("reward/risk %.2f below minimum %.2f", levels.RewardRisk, minRR))
	}

	if proposal.IsZero() {
		return v.reject(verdict, intent, protocol.RejectTradeRiskLimit,
			"sizing produced no tradeable quantity")
	}
	if limit := v.cfg.MaxSingleTradeRisk * equity; proposed > limit {
		return v.reject(verdict, intent, protocol.RejectTradeRiskLimit,
			fmt.Sprintf("proposed risk %.2f exceeds single-trade limit %.2f", proposed, limit))
	}

	committed := snap.RiskFraction * equity
	if budget := v.cfg.MaxPortfolioRisk * equity; committed+proposed > budget {
		return v.reject(verdict, intent, protocol.RejectPortfolioRiskLimit,
			fmt.Sprintf("committed risk %.2f plus proposed %.2f exceeds budget %.2f", committed, proposed, budget))
	}

	if v.correlations != nil {
		exposure := v.correlatedExposure(intent.Symbol, snap.Exposure)
		if limit := v.cfg.MaxCorrelationExposure * equity; exposure > limit {
			return v.reject(verdict, intent, protocol.RejectCorrelationLimit,
				fmt.Sprintf("correlated exposure %.2f exceeds limit %.2f", exposure, limit))
		}
	}

	verdict.Approved = true
	v.log.Debug().
		Str("intent_id", intent.ID.String()).
		Str("symbol", intent.Symbol).
		Float64("risk_score", verdict.RiskScore).
		Float64("proposed_risk", proposed).
		Msg("Trade intent approved")
	return verdict
}

// correlatedExposure sums the open exposure of every symbol correlated
// with the candidate at or above the configured threshold. The candidate's
// own open position, if any, trivially counts.
func (v *Validator) correlatedExposure(symbol string, exposure map[string]decimal.Decimal) float64 {
	total := decimal.Zero
	for sym, exp := range exposure {
		if v.correlations.Correlated(symbol, sym, v.cfg.CorrelationThreshold) {
			total = total.Add(exp)
		}
	}
	return total.InexactFloat64()
}

func (v *Validator) reject(verdict Verdict, intent *protocol.TradeIntent, reason protocol.RejectReason, detail string) Verdict {
	verdict.Approved = false
	verdict.Reason = reason
	verdict.Detail = detail

	v.log.Info().
		Str("intent_id", intent.ID.String()).
		Str("symbol", intent.Symbol).
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("Trade intent rejected")
	return verdict
}

// riskScore normalizes the proposed risk against the single-trade limit,
// clamped to [0, 1].
func riskScore(proposed, equity, maxSingleTradeRisk float64) float64 {
	limit := maxSingleTradeRisk * equity
	if limit <= 0 {
		if proposed > 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, math.Min(1, proposed/limit))
}

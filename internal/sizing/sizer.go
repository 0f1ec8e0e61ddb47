// Package sizing computes position size proposals for trade intents.
//
// Four models are supported: fixed fractional, Kelly criterion, volatility
// scaled, and a hybrid taking the conservative of Kelly and fixed. Every
// model caps the proposed notional at max_position_fraction of equity and
// reports both a quote-currency notional and a base-currency quantity.
package sizing

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

const (
	// defaultRewardRisk is assumed when the intent carries no stop or
	// target hints to derive a ratio from.
	defaultRewardRisk = 1.5

	// defaultStopFraction is the stop distance assumed when neither a stop
	// hint nor an ATR estimate is available.
	defaultStopFraction = 0.05

	// defaultATRMultiplier converts an ATR reading into a stop distance
	// when the caller does not supply a multiplier.
	defaultATRMultiplier = 2.0

	// defaultKellyCap is the quarter-Kelly ceiling used when the
	// configured cap is unset.
	defaultKellyCap = 0.25

	// kellyFloor is the minimum fraction committed once Kelly reports a
	// positive edge. A non-positive edge sizes to zero instead.
	kellyFloor = 0.01
)

// Quantizer adjusts a raw quantity to an exchange's lot size rules.
// Implementations must be idempotent.
type Quantizer interface {
	QuantizeQuantity(symbol string, quantity decimal.Decimal) decimal.Decimal
}

// Input carries the per-trade context for one sizing calculation.
// CurrentPortfolioRisk and MaxPortfolioRisk are fractions of equity; when
// MaxPortfolioRisk is positive the proposal is shrunk to fit the remaining
// risk headroom.
type Input struct {
	Symbol        string
	Method        protocol.SizingMethod // optional override of the configured method
	Confidence    float64
	Price         decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
	ATR           decimal.Decimal
	ATRMultiplier float64 // 0 means defaultATRMultiplier
	Equity        decimal.Decimal

	CurrentPortfolioRisk float64
	MaxPortfolioRisk     float64
}

// Result is a sized position proposal. A zero quantity means the model
// found no acceptable size; the caller decides how to reject.
type Result struct {
	Quantity       decimal.Decimal       `json:"quantity"`
	Notional       decimal.Decimal       `json:"notional"`
	RiskAmount     decimal.Decimal       `json:"risk_amount"`
	Fraction       float64               `json:"fraction"`
	Method         protocol.SizingMethod `json:"method"`
	WinProbability float64               `json:"win_probability"`
	RewardRisk     float64               `json:"reward_risk"`
	StopFraction   float64               `json:"stop_fraction"`
	Reasoning      string                `json:"reasoning"`
}

// IsZero reports whether the proposal carries no tradeable quantity.
func (r Result) IsZero() bool {
	return r.Quantity.LessThanOrEqual(decimal.Zero)
}

// Sizer turns trade intents into position size proposals.
type Sizer struct {
	cfg   config.SizingConfig
	quant Quantizer
	log   zerolog.Logger
}

// NewSizer builds a Sizer. quant may be nil, in which case quantities are
// left unquantized.
func NewSizer(cfg config.SizingConfig, quant Quantizer, log zerolog.Logger) *Sizer {
	return &Sizer{
		cfg:   cfg,
		quant: quant,
		log:   log.With().Str("component", "position_sizer").Logger(),
	}
}

// Size computes a position proposal for one intent.
func (s *Sizer) Size(in Input) (Result, error) {
	price := in.Price.InexactFloat64()
	equity := in.Equity.InexactFloat64()
	if price <= 0 {
		return Result{}, fmt.Errorf("sizing %s: price must be positive, got %s", in.Symbol, in.Price)
	}
	if equity <= 0 {
		return Result{}, fmt.Errorf("sizing %s: equity must be positive, got %s", in.Symbol, in.Equity)
	}

	method := s.method(in.Method)
	confidence := math.Max(0, math.Min(1, in.Confidence))
	rr := rewardRisk(price, in.StopLoss.InexactFloat64(), in.TakeProfit.InexactFloat64())
	p := winProbability(confidence)

	atrStop := 0.0
	if atr := in.ATR.InexactFloat64(); atr > 0 {
		mult := in.ATRMultiplier
		if mult <= 0 {
			mult = defaultATRMultiplier
		}
		atrStop = atr * mult / price
	}
	stopFrac := defaultStopFraction
	if sl := in.StopLoss.InexactFloat64(); sl > 0 && math.Abs(price-sl) > 0 {
		stopFrac = math.Abs(price-sl) / price
	} else if atrStop > 0 {
		stopFrac = atrStop
	}

	var notional float64
	switch method {
	case protocol.SizingFixedFractional:
		notional = equity * s.cfg.RiskPerTrade / stopFrac
	case protocol.SizingKelly:
		notional = equity * s.kellyFraction(in.Symbol, p, rr, confidence)
	case protocol.SizingVolatility:
		if atrStop <= 0 {
			s.log.Warn().Str("symbol", in.Symbol).Msg("volatility sizing without ATR, sizing to zero")
			return s.zero(method, p, rr, stopFrac), nil
		}
		stopFrac = atrStop
		notional = equity * s.cfg.RiskPerTrade / stopFrac
	case protocol.SizingHybrid:
		kelly := equity * s.kellyFraction(in.Symbol, p, rr, confidence)
		fixed := equity * s.cfg.RiskPerTrade / stopFrac
		notional = math.Min(kelly, fixed)
	}

	if maxNotional := equity * s.cfg.MaxPositionFraction; s.cfg.MaxPositionFraction > 0 && notional > maxNotional {
		notional = maxNotional
	}

	// Shrink to the remaining portfolio risk budget. With the budget
	// already exhausted the proposal passes through unchanged and the
	// risk validator vetoes it.
	if in.MaxPortfolioRisk > 0 && stopFrac > 0 {
		newTotal := in.CurrentPortfolioRisk + notional*stopFrac/equity
		if newTotal > in.MaxPortfolioRisk {
			if headroom := in.MaxPortfolioRisk - in.CurrentPortfolioRisk; headroom > 0 {
				reduced := headroom * equity / stopFrac
				s.log.Warn().
					Str("symbol", in.Symbol).
					Float64("notional", notional).
					Float64("reduced", reduced).
					Float64("headroom", headroom).
					Msg("position reduced to portfolio risk headroom")
				notional = reduced
			}
		}
	}

	if notional <= 0 {
		return s.zero(method, p, rr, stopFrac), nil
	}

	quantity := decimal.NewFromFloat(notional).Div(in.Price).Round(8)
	if s.quant != nil {
		quantity = s.quant.QuantizeQuantity(in.Symbol, quantity)
	}
	if !quantity.IsPositive() {
		return s.zero(method, p, rr, stopFrac), nil
	}

	notionalOut := quantity.Mul(in.Price)
	riskOut := notionalOut.Mul(decimal.NewFromFloat(stopFrac))
	fraction := notionalOut.InexactFloat64() / equity

	res := Result{
		Quantity:       quantity,
		Notional:       notionalOut,
		RiskAmount:     riskOut,
		Fraction:       fraction,
		Method:         method,
		WinProbability: p,
		RewardRisk:     rr,
		StopFraction:   stopFrac,
	}
	res.Reasoning = fmt.Sprintf("%s: %s %s (%.1f%% of equity), risk %s (%.1f%% stop), R:R %.2f:1, win prob %.0f%%",
		method, quantity, in.Symbol, fraction*100, riskOut.StringFixed(2), stopFrac*100, rr, p*100)

	s.log.Debug().
		Str("symbol", in.Symbol).
		Str("method", string(method)).
		Str("quantity", quantity.String()).
		Str("notional", notionalOut.StringFixed(2)).
		Float64("fraction", fraction).
		Float64("win_probability", p).
		Float64("reward_risk", rr).
		Msg("position sized")

	return res, nil
}

// kellyFraction returns the fraction of equity to commit under the Kelly
// criterion, scaled by signal confidence. The floor applies only when the
// raw edge is positive; otherwise the fraction is zero.
func (s *Sizer) kellyFraction(symbol string, p, rr, confidence float64) float64 {
	if rr <= 0 {
		return 0
	}
	raw := (rr*p - (1 - p)) / rr
	if raw <= 0 {
		s.log.Debug().
			Str("symbol", symbol).
			Float64("win_probability", p).
			Float64("reward_risk", rr).
			Float64("kelly_raw", raw).
			Msg("kelly edge non-positive, sizing to zero")
		return 0
	}
	limit := s.cfg.KellyCap
	if limit <= 0 {
		limit = defaultKellyCap
	}
	f := math.Min(limit, raw) * confidence
	if f < kellyFloor {
		f = kellyFloor
	}
	return f
}

func (s *Sizer) method(override protocol.SizingMethod) protocol.SizingMethod {
	if override.Valid() {
		return override
	}
	if m := protocol.SizingMethod(s.cfg.Method); m.Valid() {
		return m
	}
	return protocol.SizingFixedFractional
}

func (s *Sizer) zero(method protocol.SizingMethod, p, rr, stopFrac float64) Result {
	return Result{
		Quantity:       decimal.Zero,
		Notional:       decimal.Zero,
		RiskAmount:     decimal.Zero,
		Method:         method,
		WinProbability: p,
		RewardRisk:     rr,
		StopFraction:   stopFrac,
		Reasoning:      "no acceptable size",
	}
}

// winProbability maps signal confidence onto a win probability estimate.
// Confidence 0.6 maps to 53%, 0.8 to 59%.
func winProbability(confidence float64) float64 {
	p := 0.50 + (confidence-0.5)*0.3
	return math.Max(0.51, math.Min(0.70, p))
}

// rewardRisk derives the reward-to-risk ratio from stop and target hints,
// falling back to defaultRewardRisk when either hint is missing.
func rewardRisk(price, stop, target float64) float64 {
	if stop <= 0 || target <= 0 {
		return defaultRewardRisk
	}
	risk := math.Abs(price - stop)
	if risk == 0 {
		return defaultRewardRisk
	}
	return math.Abs(target-price) / risk
}

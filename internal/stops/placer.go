// Package stops derives protective stop-loss and take-profit levels for
// entries and maintains trailing stops on open positions.
package stops

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// ErrInvalidLevels reports levels that violate the side ordering: a long
// requires stop < entry < take profit, a short the inverse.
var ErrInvalidLevels = errors.New("stop levels violate side ordering")

const (
	// srBuffer places support/resistance stops 1% past the level.
	srBuffer = 0.01

	defaultATRMultiplier      = 2.0
	defaultRRRatio            = 2.0
	defaultStopPercentage     = 0.05
	defaultVolatilityFactor   = 2.0
	defaultTrailFraction      = 0.03
	defaultActivationFraction = 0.05
)

// Input carries the market context for one stop placement.
type Input struct {
	Symbol     string
	Side       protocol.PositionSide
	Entry      decimal.Decimal
	Method     protocol.StopMethod // optional override of the configured method
	ATR        decimal.Decimal
	PriceStd   decimal.Decimal
	Support    decimal.Decimal
	Resistance decimal.Decimal
	StopHint   decimal.Decimal
	TPHint     decimal.Decimal
}

// Levels is a stop-loss / take-profit pair with its derivation context.
type Levels struct {
	StopLoss     decimal.Decimal     `json:"stop_loss"`
	TakeProfit   decimal.Decimal     `json:"take_profit"`
	StopFraction float64             `json:"stop_fraction"`
	TPFraction   float64             `json:"take_profit_fraction"`
	RewardRisk   float64             `json:"reward_risk"`
	Method       protocol.StopMethod `json:"method"`
	FromHints    bool                `json:"from_hints"`
	Reasoning    string              `json:"reasoning"`
}

// Placer derives stop levels using the configured method, falling back to
// percentage stops when a method's market inputs are missing.
type Placer struct {
	cfg config.StopsConfig
	log zerolog.Logger
}

func NewPlacer(cfg config.StopsConfig, log zerolog.Logger) *Placer {
	return &Placer{cfg: cfg, log: log.With().Str("component", "stop_placer").Logger()}
}

// Place computes stop-loss and take-profit levels for an entry. Intent
// hints override the computed levels when both are present and correctly
// ordered for the side.
func (p *Placer) Place(in Input) (Levels, error) {
	if !in.Entry.IsPositive() {
		return Levels{}, fmt.Errorf("stops %s: entry must be positive, got %s", in.Symbol, in.Entry)
	}
	if in.Side != protocol.PositionSideLong && in.Side != protocol.PositionSideShort {
		return Levels{}, fmt.Errorf("stops %s: unknown side %q", in.Symbol, in.Side)
	}

	method := p.method(in.Method)

	if in.StopHint.IsPositive() && in.TPHint.IsPositive() {
		if orderedForSide(in.Side, in.StopHint, in.Entry, in.TPHint) {
			return p.levels(in, method, in.StopHint, in.TPHint, true)
		}
		p.log.Warn().
			Str("symbol", in.Symbol).
			Str("side", string(in.Side)).
			Str("stop_hint", in.StopHint.String()).
			Str("tp_hint", in.TPHint.String()).
			Msg("intent hints violate side ordering, computing levels instead")
	}

	var stop, tp decimal.Decimal
	switch {
	case method == protocol.StopATR && in.ATR.IsPositive():
		stop, tp = p.distanceLevels(in, in.ATR.Mul(p.atrMultiplier()))
	case method == protocol.StopVolatility && in.PriceStd.IsPositive():
		stop, tp = p.distanceLevels(in, in.PriceStd.Mul(p.volatilityFactor()))
	case method == protocol.StopSupportResistance && in.Support.IsPositive() && in.Resistance.IsPositive():
		stop, tp = p.supportResistanceLevels(in)
	default:
		if method != protocol.StopPercentage {
			p.log.Debug().
				Str("symbol", in.Symbol).
				Str("method", string(method)).
				Msg("method inputs missing, falling back to percentage stops")
			method = protocol.StopPercentage
		}
		stop, tp = p.distanceLevels(in, in.Entry.Mul(decimal.NewFromFloat(p.stopPercentage())))
	}

	return p.levels(in, method, stop, tp, false)
}

// distanceLevels places the stop at distance from entry and the take profit
// at rr times that distance on the opposite side.
func (p *Placer) distanceLevels(in Input, distance decimal.Decimal) (stop, tp decimal.Decimal) {
	reward := distance.Mul(p.rrRatio())
	if in.Side == protocol.PositionSideLong {
		return in.Entry.Sub(distance), in.Entry.Add(reward)
	}
	return in.Entry.Add(distance), in.Entry.Sub(reward)
}

// supportResistanceLevels stops past the protective level and takes profit
// at the opposing level or the rr distance, whichever is farther.
func (p *Placer) supportResistanceLevels(in Input) (stop, tp decimal.Decimal) {
	one := decimal.NewFromInt(1)
	buffer := decimal.NewFromFloat(srBuffer)

	if in.Side == protocol.PositionSideLong {
		stop = in.Support.Mul(one.Sub(buffer))
		risk := in.Entry.Sub(stop)
		tpByRR := in.Entry.Add(risk.Mul(p.rrRatio()))
		tpByLevel := in.Resistance.Mul(one.Sub(buffer))
		return stop, decimal.Max(tpByRR, tpByLevel)
	}

	stop = in.Resistance.Mul(one.Add(buffer))
	risk := stop.Sub(in.Entry)
	tpByRR := in.Entry.Sub(risk.Mul(p.rrRatio()))
	tpByLevel := in.Support.Mul(one.Add(buffer))
	return stop, decimal.Min(tpByRR, tpByLevel)
}

func (p *Placer) levels(in Input, method protocol.StopMethod, stop, tp decimal.Decimal, fromHints bool) (Levels, error) {
	if !stop.IsPositive() || !tp.IsPositive() || !orderedForSide(in.Side, stop, in.Entry, tp) {
		return Levels{}, fmt.Errorf("stops %s: %s stop %s entry %s take profit %s: %w",
			in.Symbol, in.Side, stop, in.Entry, tp, ErrInvalidLevels)
	}

	entry := in.Entry.InexactFloat64()
	stopFrac := math.Abs(entry-stop.InexactFloat64()) / entry
	tpFrac := math.Abs(tp.InexactFloat64()-entry) / entry
	rr := 1.0
	if stopFrac > 0 {
		rr = tpFrac / stopFrac
	}

	lv := Levels{
		StopLoss:     stop,
		TakeProfit:   tp,
		StopFraction: stopFrac,
		TPFraction:   tpFrac,
		RewardRisk:   rr,
		Method:       method,
		FromHints:    fromHints,
	}
	lv.Reasoning = fmt.Sprintf("stop %s (%.1f%%), take profit %s (%.1f%%), R/R %.2f:1, method %s",
		stop, stopFrac*100, tp, tpFrac*100, rr, method)

	p.log.Debug().
		Str("symbol", in.Symbol).
		Str("side", string(in.Side)).
		Str("method", string(method)).
		Str("stop_loss", stop.String()).
		Str("take_profit", tp.String()).
		Float64("reward_risk", rr).
		Bool("from_hints", fromHints).
		Msg("stops placed")

	return lv, nil
}

func (p *Placer) method(override protocol.StopMethod) protocol.StopMethod {
	if override.Valid() {
		return override
	}
	if m := protocol.StopMethod(p.cfg.Method); m.Valid() {
		return m
	}
	return protocol.StopPercentage
}

func (p *Placer) atrMultiplier() decimal.Decimal {
	if p.cfg.ATRMultiplier > 0 {
		return decimal.NewFromFloat(p.cfg.ATRMultiplier)
	}
	return decimal.NewFromFloat(defaultATRMultiplier)
}

func (p *Placer) rrRatio() decimal.Decimal {
	if p.cfg.DefaultRRRatio > 0 {
		return decimal.NewFromFloat(p.cfg.DefaultRRRatio)
	}
	return decimal.NewFromFloat(defaultRRRatio)
}

func (p *Placer) stopPercentage() float64 {
	if p.cfg.PercentageFraction > 0 {
		return p.cfg.PercentageFraction
	}
	return defaultStopPercentage
}

func (p *Placer) volatilityFactor() decimal.Decimal {
	if p.cfg.VolatilityFactor > 0 {
		return decimal.NewFromFloat(p.cfg.VolatilityFactor)
	}
	return decimal.NewFromFloat(defaultVolatilityFactor)
}

func orderedForSide(side protocol.PositionSide, stop, entry, tp decimal.Decimal) bool {
	if side == protocol.PositionSideLong {
		return stop.LessThan(entry) && entry.LessThan(tp)
	}
	return tp.LessThan(entry) && entry.LessThan(stop)
}

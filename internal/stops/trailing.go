package stops

import (
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// InitialTrailingStop returns the starting stop and the activation price
// for a freshly opened position. The trailing rule stays dormant until the
// price clears the activation level.
func (p *Placer) InitialTrailingStop(side protocol.PositionSide, entry decimal.Decimal) (stop, activation decimal.Decimal) {
	one := decimal.NewFromInt(1)
	trail := decimal.NewFromFloat(p.trailFraction())
	act := decimal.NewFromFloat(p.activationFraction())

	if side == protocol.PositionSideLong {
		return entry.Mul(one.Sub(trail)), entry.Mul(one.Add(act))
	}
	return entry.Mul(one.Add(trail)), entry.Mul(one.Sub(act))
}

// UpdateTrailingStop advances the stop for the current price. Once the gain
// reaches the activation fraction the stop follows price at the trail
// fraction; the returned stop never retreats from currentStop.
func (p *Placer) UpdateTrailingStop(side protocol.PositionSide, entry, current, currentStop decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	trail := decimal.NewFromFloat(p.trailFraction())
	act := decimal.NewFromFloat(p.activationFraction())

	if side == protocol.PositionSideLong {
		if current.GreaterThanOrEqual(entry.Mul(one.Add(act))) {
			if next := current.Mul(one.Sub(trail)); next.GreaterThan(currentStop) {
				return next
			}
		}
		return currentStop
	}

	if current.LessThanOrEqual(entry.Mul(one.Sub(act))) {
		if next := current.Mul(one.Add(trail)); next.LessThan(currentStop) {
			return next
		}
	}
	return currentStop
}

func (p *Placer) trailFraction() float64 {
	if p.cfg.TrailFraction > 0 {
		return p.cfg.TrailFraction
	}
	return defaultTrailFraction
}

func (p *Placer) activationFraction() float64 {
	if p.cfg.ActivationFraction > 0 {
		return p.cfg.ActivationFraction
	}
	return defaultActivationFraction
}

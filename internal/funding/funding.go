// Package funding implements the skew-driven funding model. The funding
// rate does not jump with skew; its *velocity* does. The rate follows a
// piecewise-linear trajectory — rate(t) = rate + velocity * t — and the
// accrued value per unit of size is the integral of that trajectory, so
// accruing over one long interval matches any split of it to within the
// truncation dust of each integration step.
package funding

import (
	"fmt"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
)

// Params are the per-instrument funding parameters.
type Params struct {
	// MaxVelocity bounds the rate of change of the funding rate,
	// in wad per day per day.
	MaxVelocity fixed.WAD
	// SkewScale is the skew (in USD) at which velocity saturates.
	SkewScale fixed.USD
}

// State is the funding accrual state carried by a market.
type State struct {
	// Rate is the current funding rate in wad per day. Positive means
	// longs pay shorts.
	Rate fixed.WAD
	// Velocity is the current rate of change of Rate, in wad per day².
	Velocity fixed.WAD
	// AccruedPerToken is the cumulative funding accrued per whole index
	// token, in signed USD. Monotone in neither direction — it tracks the
	// integral of a signed rate.
	AccruedPerToken fixed.USD
	// UpdatedAt is the unix-seconds timestamp of the last recompute.
	UpdatedAt int64
}

// Clone returns an independent copy of the state.
func (s State) Clone() State {
	return State{
		Rate:            s.Rate.Clone(),
		Velocity:        s.Velocity.Clone(),
		AccruedPerToken: s.AccruedPerToken.Clone(),
		UpdatedAt:       s.UpdatedAt,
	}
}

// CurrentVelocity computes the funding velocity for a given skew:
// maxVelocity scaled by skew/skewScale, clamped to [-1, 1].
func CurrentVelocity(p Params, skewUsd fixed.USD) fixed.WAD {
	if p.SkewScale.Sign() <= 0 {
		panic("FATAL: funding: non-positive skew scale")
	}
	proportional := skewUsd.DivWad(p.SkewScale, fixed.RoundDown).Clamp(fixed.OneWAD())
	return p.MaxVelocity.MulWad(proportional, fixed.RoundDown)
}

// Recompute advances the funding state from s.UpdatedAt to now.
//
// The next rate is rate + velocity * elapsed/day. The accrued value uses
// the trapezoid of the linear trajectory — (rate + nextRate)/2 integrated
// over the elapsed window — which is exact across a sign flip of the rate:
// no discontinuity, and splitting the window changes nothing but dust.
// The accrued wad fraction is converted to USD per index token through the
// median index price supplied by the caller.
//
// Velocity is NOT refreshed here; it changes only when skew changes, which
// the caller signals through RefreshVelocity after mutating open interest.
func Recompute(s State, p Params, indexPrice fixed.USD, now int64) State {
	elapsed := now - s.UpdatedAt
	if elapsed < 0 {
		panic(fmt.Sprintf("FATAL: funding: time went backwards (%d -> %d)", s.UpdatedAt, now))
	}

	next := s.Clone()
	if elapsed == 0 {
		return next
	}

	nextRate := s.Rate.Add(s.Velocity.ScaleByElapsed(elapsed))

	// integral of rate(t) over [0, elapsed] = (rate + nextRate) * elapsed / (2*day)
	unrecorded := s.Rate.Add(nextRate).MulDivInt(elapsed, 2*fixed.SecondsPerDay, fixed.RoundDown)

	next.AccruedPerToken = s.AccruedPerToken.Add(indexPrice.MulWad(unrecorded, fixed.RoundDown))
	next.Rate = nextRate
	next.UpdatedAt = now
	return next
}

// RefreshVelocity recomputes velocity from the post-trade skew. Called
// after every open-interest mutation so the rate trajectory bends toward
// rebalancing the book.
func RefreshVelocity(s State, p Params, skewUsd fixed.USD) State {
	next := s.Clone()
	next.Velocity = CurrentVelocity(p, skewUsd)
	return next
}

// FeeUSD computes the signed funding fee owed by a position cohort of
// sizeUsd for the accrual between its entry snapshot and accruedNow.
// Positive means the position pays, negative means it is owed. Longs pay
// when accrual moved up; shorts mirror the sign.
func FeeUSD(sizeUsd fixed.USD, accruedNow, accruedEntry fixed.USD, indexPrice fixed.USD, isLong bool) fixed.USD {
	if sizeUsd.Sign() < 0 {
		panic("FATAL: funding: negative position size")
	}
	if indexPrice.Sign() <= 0 {
		panic("FATAL: funding: non-positive index price")
	}
	delta := accruedNow.Sub(accruedEntry)
	// size in index tokens = sizeUsd / price; fee = delta * tokens.
	fee := sizeUsd.MulDiv(delta, indexPrice, fixed.RoundDown)
	if !isLong {
		fee = fee.Neg()
	}
	return fee
}

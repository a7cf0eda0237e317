// Package borrowing implements the utilization-based borrowing fee model.
// Each side of a market carries a cumulative fee-per-unit-size counter that
// only ever grows while the side has open interest, and a size-weighted
// average of the cumulative at which the current cohort of positions
// entered. A position owes the spread between the two.
package borrowing

import (
	"fmt"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
)

// Params are the per-instrument borrowing parameters.
type Params struct {
	// Scale is the borrowing rate per day at 100% utilization, in wad.
	Scale fixed.WAD
	// MaxLongOpenInterest and MaxShortOpenInterest cap each side's open
	// interest; they are derived from pool liquidity by an external
	// collaborator and treated as inputs here.
	MaxLongOpenInterest  fixed.USD
	MaxShortOpenInterest fixed.USD
}

// MaxOpenInterest returns the cap for one side.
func (p Params) MaxOpenInterest(isLong bool) fixed.USD {
	if isLong {
		return p.MaxLongOpenInterest
	}
	return p.MaxShortOpenInterest
}

// SideState is the borrowing state for one side of a market.
type SideState struct {
	// Rate is the current borrowing rate in wad per day, unsigned.
	Rate fixed.WAD
	// Cumulative is the all-time fee per unit of position size, in wad
	// (USD of fee per USD of size). Non-decreasing.
	Cumulative fixed.WAD
	// AvgEntryCumulative is the size-weighted average Cumulative at which
	// the side's open positions entered.
	AvgEntryCumulative fixed.WAD
}

// Clone returns an independent copy.
func (s SideState) Clone() SideState {
	return SideState{
		Rate:               s.Rate.Clone(),
		Cumulative:         s.Cumulative.Clone(),
		AvgEntryCumulative: s.AvgEntryCumulative.Clone(),
	}
}

// CalculateRate computes the borrowing rate for a side:
// scale * openInterest/maxOpenInterest, rounded toward zero so the rate
// never exceeds the scale-normalized value. A zero cap yields a zero rate
// rather than a division by zero.
func CalculateRate(p Params, openInterest fixed.USD, isLong bool) fixed.WAD {
	if openInterest.Sign() < 0 {
		panic(fmt.Sprintf("FATAL: borrowing: negative open interest %s", openInterest))
	}
	maxOI := p.MaxOpenInterest(isLong)
	if maxOI.Sign() <= 0 {
		return fixed.ZeroWAD()
	}
	utilization := openInterest.DivWad(maxOI, fixed.RoundDown)
	return p.Scale.MulWad(utilization, fixed.RoundDown)
}

// FeesSinceUpdate computes the fee-per-unit accrued by a per-day rate over
// [lastUpdate, now]: rate * elapsedSeconds / 86400. The configured rate's
// time base is per-day throughout this package.
func FeesSinceUpdate(rate fixed.WAD, lastUpdate, now int64) fixed.WAD {
	elapsed := now - lastUpdate
	if elapsed < 0 {
		panic(fmt.Sprintf("FATAL: borrowing: time went backwards (%d -> %d)", lastUpdate, now))
	}
	if elapsed == 0 {
		return fixed.ZeroWAD()
	}
	return rate.ScaleByElapsed(elapsed)
}

// Accrue rolls a side forward to now: fold the previous rate's accrual
// into the cumulative counter, then recompute the rate from current
// utilization. The order matters — the elapsed window accrued at the rate
// that was in force during it.
func Accrue(s SideState, p Params, openInterest fixed.USD, isLong bool, lastUpdate, now int64) SideState {
	next := s.Clone()
	next.Cumulative = s.Cumulative.Add(FeesSinceUpdate(s.Rate, lastUpdate, now))
	next.Rate = CalculateRate(p, openInterest, isLong)
	return next
}

// NextAverageCumulative returns the side's weighted-average entry
// cumulative after a size change. A decrease leaves the average untouched
// unless it closes the side entirely, in which case the average resets to
// zero. An increase blends the prior average with the current cumulative,
// weighted by the delta's share of the new total.
func NextAverageCumulative(s SideState, openInterest, sizeDeltaUsd fixed.USD, increase bool) fixed.WAD {
	if sizeDeltaUsd.Sign() < 0 {
		panic("FATAL: borrowing: size delta must be a magnitude")
	}

	if !increase {
		remaining := openInterest.Sub(sizeDeltaUsd)
		if remaining.Sign() < 0 {
			panic(fmt.Sprintf("FATAL: borrowing: decrease %s exceeds open interest %s", sizeDeltaUsd, openInterest))
		}
		if remaining.IsZero() {
			return fixed.ZeroWAD()
		}
		return s.AvgEntryCumulative.Clone()
	}

	newTotal := openInterest.Add(sizeDeltaUsd)
	if newTotal.IsZero() {
		return fixed.ZeroWAD()
	}
	// blend = prevAvg*(1-w) + cumulative*w, w = delta/newTotal.
	w := sizeDeltaUsd.DivWad(newTotal, fixed.RoundDown)
	prev := s.AvgEntryCumulative.MulWad(fixed.OneWAD().Sub(w), fixed.RoundDown)
	curr := s.Cumulative.MulWad(w, fixed.RoundDown)
	return prev.Add(curr)
}

// FeesOwed computes the USD borrowing fee owed by sizeUsd of position (or
// a whole side's open interest) given the current cumulative and the
// cohort's weighted-average entry. Never negative.
func FeesOwed(cumulative, avgEntry fixed.WAD, sizeUsd fixed.USD) fixed.USD {
	diff := cumulative.Sub(avgEntry)
	if diff.Sign() <= 0 {
		return fixed.ZeroUSD()
	}
	return sizeUsd.MulWad(diff, fixed.RoundDown)
}

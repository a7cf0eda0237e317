// Package impact implements the skew-based execution-price adjustment.
// The cost of a trade is quadratic in skew: moving the book from skew s0
// to s1 costs (s1² − s0²) / (2·skewScale) USD. A trade that worsens the
// imbalance pays; a trade that restores balance is credited, with the
// credit capped at the point of perfect balance — the quadratic form gives
// that cap for free, since the impact of flattening the book entirely is
// −s0²/(2·skewScale) and any overshoot starts paying again.
package impact

import (
	"fmt"
	"math/big"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
)

// Params are the per-instrument impact parameters.
type Params struct {
	// SkewScale is the virtual depth of the market in USD. Shallower
	// depth (smaller scale) means larger impact for the same notional.
	SkewScale fixed.USD
}

// SkewDeltaUSD returns the signed skew displacement of a trade:
// long exposure counts positive, short negative; decreases reverse the
// sign of their side.
func SkewDeltaUSD(sizeDeltaUsd fixed.USD, isLong, isIncrease bool) fixed.USD {
	if sizeDeltaUsd.Sign() < 0 {
		panic("FATAL: impact: size delta must be a magnitude")
	}
	if isLong == isIncrease {
		return sizeDeltaUsd.Clone()
	}
	return sizeDeltaUsd.Neg()
}

// ImpactUSD returns the signed USD cost of moving the skew by the trade's
// displacement: positive = charged to the trader, negative = credited.
func ImpactUSD(p Params, skewBeforeUsd, sizeDeltaUsd fixed.USD, isLong, isIncrease bool) fixed.USD {
	if p.SkewScale.Sign() <= 0 {
		panic("FATAL: impact: non-positive skew scale")
	}
	skewAfter := skewBeforeUsd.Add(SkewDeltaUSD(sizeDeltaUsd, isLong, isIncrease))

	// (after² − before²) / (2·scale), exact in big.Int then rescaled:
	// the squares are 1e60-scaled, the quotient restores 1e30.
	before := skewBeforeUsd.Raw()
	after := skewAfter.Raw()
	num := new(big.Int).Sub(
		new(big.Int).Mul(after, after),
		new(big.Int).Mul(before, before),
	)
	den := new(big.Int).Lsh(p.SkewScale.Raw(), 1)
	// Truncate toward zero: charges never overstate, credits never
	// overcompensate.
	return fixed.NewUSD(new(big.Int).Quo(num, den))
}

// ImpactedPrice shifts the index price against (or in favor of) the trader
// by impact/size and returns the definitive fill price. The direction
// depends on which way the trader is taking liquidity: a charged long
// increase fills higher, a charged long decrease fills lower, and shorts
// mirror both. Fails if the adjustment would produce a non-positive price.
func ImpactedPrice(indexPrice, impactUsd, sizeDeltaUsd fixed.USD, isLong, isIncrease bool) (fixed.USD, error) {
	if indexPrice.Sign() <= 0 {
		panic("FATAL: impact: non-positive index price")
	}
	if sizeDeltaUsd.Sign() <= 0 {
		panic("FATAL: impact: non-positive size delta")
	}

	adjustment := indexPrice.MulDiv(impactUsd, sizeDeltaUsd, fixed.RoundDown)
	var price fixed.USD
	if isLong == isIncrease {
		price = indexPrice.Add(adjustment)
	} else {
		price = indexPrice.Sub(adjustment)
	}
	if price.Sign() <= 0 {
		return fixed.ZeroUSD(), fmt.Errorf("impact: adjusted price %s is not positive (index %s, impact %s)",
			price, indexPrice, impactUsd)
	}
	return price, nil
}

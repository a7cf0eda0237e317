// Package pnl computes unrealized and realized profit-and-loss, the
// closed-form liquidation price, and the pool-exposure ratio that drives
// auto-deleveraging.
package pnl

import (
	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/market"
)

// PositionPnlUSD returns the unrealized PnL of a position (or aggregate
// cohort) in USD: (current − entry) * size/entry, sign-flipped for shorts.
// A zero entry price means the cohort is empty and the PnL is zero.
func PositionPnlUSD(sizeUsd, entryPrice, currentPrice fixed.USD, isLong bool) fixed.USD {
	if sizeUsd.IsZero() || entryPrice.IsZero() {
		return fixed.ZeroUSD()
	}
	if sizeUsd.Sign() < 0 || entryPrice.Sign() < 0 {
		panic("FATAL: pnl: negative size or entry price")
	}

	delta := currentPrice.Sub(entryPrice)
	pnl := sizeUsd.MulDiv(delta, entryPrice, fixed.RoundDown)
	if !isLong {
		pnl = pnl.Neg()
	}
	return pnl
}

// RealizedPnlUSD returns the share of PnL realized by decreasing
// sizeDeltaUsd out of a position: the decreased slice settles at the
// weighted-average entry price, the remainder stays unrealized against the
// unchanged average.
func RealizedPnlUSD(sizeDeltaUsd, entryPrice, exitPrice fixed.USD, isLong bool) fixed.USD {
	return PositionPnlUSD(sizeDeltaUsd, entryPrice, exitPrice, isLong)
}

// SidePnlUSD returns one side's aggregate unrealized PnL for a market,
// from that side's open interest and weighted-average entry price. This is
// the traders' PnL: positive means that side is collectively in profit
// (and the pool is collectively exposed).
func SidePnlUSD(s *market.State, currentPrice fixed.USD, isLong bool) fixed.USD {
	return PositionPnlUSD(s.OpenInterest(isLong), s.AvgEntryPrice(isLong), currentPrice, isLong)
}

// NetMarketPnlUSD sums both sides' aggregate PnL.
func NetMarketPnlUSD(s *market.State, currentPrice fixed.USD) fixed.USD {
	return SidePnlUSD(s, currentPrice, true).Add(SidePnlUSD(s, currentPrice, false))
}

// PnlToPoolRatio returns traders' net PnL over pool value, in wad. Only a
// positive ratio (traders collectively up, pool collectively down)
// matters for ADL; callers compare it against the configured threshold.
// A non-positive pool value reports full exposure rather than dividing by
// zero.
func PnlToPoolRatio(s *market.State, poolValueUsd, currentPrice fixed.USD) fixed.WAD {
	net := NetMarketPnlUSD(s, currentPrice)
	if poolValueUsd.Sign() <= 0 {
		if net.Sign() > 0 {
			return fixed.OneWAD()
		}
		return fixed.ZeroWAD()
	}
	return net.DivWad(poolValueUsd, fixed.RoundDown)
}

// SidePnlToPoolRatio is PnlToPoolRatio restricted to one side, used to
// pick which side ADL should unwind.
func SidePnlToPoolRatio(s *market.State, poolValueUsd, currentPrice fixed.USD, isLong bool) fixed.WAD {
	side := SidePnlUSD(s, currentPrice, isLong)
	if poolValueUsd.Sign() <= 0 {
		if side.Sign() > 0 {
			return fixed.OneWAD()
		}
		return fixed.ZeroWAD()
	}
	return side.DivWad(poolValueUsd, fixed.RoundDown)
}

// LiquidationPrice solves, in closed form, the index price at which
//
//	collateral + unrealizedPnl(price) − accruedFees = maintenanceMargin
//
// for a position of sizeUsd at entryPrice. maintenanceFraction applies to
// position size. For longs the solution floors at zero (the price cannot
// fall further); for shorts there is always a finite solution above entry.
func LiquidationPrice(sizeUsd, entryPrice, collateralUsd, accruedFeesUsd fixed.USD, maintenanceFraction fixed.WAD, isLong bool) fixed.USD {
	if sizeUsd.Sign() <= 0 || entryPrice.Sign() <= 0 {
		panic("FATAL: pnl: liquidation price needs a live position")
	}

	maintenance := sizeUsd.MulWad(maintenanceFraction, fixed.RoundUp)

	// sign*(p − entry)*size/entry = maintenance + fees − collateral
	// p = entry + sign * (maintenance + fees − collateral) * entry / size
	shortfall := maintenance.Add(accruedFeesUsd).Sub(collateralUsd)
	offset := shortfall.MulDiv(entryPrice, sizeUsd, fixed.RoundDown)

	var price fixed.USD
	if isLong {
		price = entryPrice.Add(offset)
	} else {
		price = entryPrice.Sub(offset)
	}
	if price.Sign() < 0 {
		return fixed.ZeroUSD()
	}
	return price
}

// EquityUSD is the solvency quantity every execution is checked against:
// collateral + unrealized PnL − accrued fees, in USD.
func EquityUSD(collateralUsd, unrealizedPnlUsd, accruedFeesUsd fixed.USD) fixed.USD {
	return collateralUsd.Add(unrealizedPnlUsd).Sub(accruedFeesUsd)
}

// IsLiquidatable reports whether equity has fallen to or below the
// maintenance-margin floor for the given size.
func IsLiquidatable(equityUsd, sizeUsd fixed.USD, maintenanceFraction fixed.WAD) bool {
	floor := sizeUsd.MulWad(maintenanceFraction, fixed.RoundUp)
	return equityUsd.Cmp(floor) <= 0
}

// Package market owns the per-instrument cumulative accounting state and
// its configuration. The Store is an explicit keyed handle passed into the
// execution engine — there are no package-level singletons, and the engine
// is the only mutator. Access is serialized by the engine's single-threaded
// processing contract, not by locks.
package market

import (
	"fmt"
	"math/big"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/borrowing"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/funding"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/impact"
)

// Config holds the per-instrument parameters. Values are set at market
// registration; updates go through ValidateConfig.
type Config struct {
	Instrument string

	// IndexAsset is the symbol the price feed quotes for this instrument.
	IndexAsset string

	// IndexBaseUnit is the native scale of the index token (1e18 or 1e6).
	IndexBaseUnit *big.Int

	Funding   funding.Params
	Borrowing borrowing.Params
	Impact    impact.Params

	// MaintenanceFraction is the maintenance-margin fraction of position
	// size, in wad.
	MaintenanceFraction fixed.WAD
	// MaxLeverage is the maximum size/collateral multiple, in wad.
	MaxLeverage fixed.WAD
	// PositionFeeFraction is the flat execution fee on size delta, in wad.
	PositionFeeFraction fixed.WAD
	// LiquidationFeeFraction of remaining collateral paid to the pool on
	// liquidation, in wad.
	LiquidationFeeFraction fixed.WAD
	// AdlThreshold is the pnl-to-pool-value ratio above which
	// auto-deleveraging becomes eligible, in wad.
	AdlThreshold fixed.WAD
	// MinCollateralUSD is the smallest collateral value a position may
	// hold after any mutation.
	MinCollateralUSD fixed.USD
	// MaxPriceAge is the oldest acceptable price timestamp skew between a
	// request and its price context, in seconds.
	MaxPriceAge int64
}

// ValidateConfig checks a market configuration is internally coherent.
func ValidateConfig(cfg *Config) error {
	if cfg.Instrument == "" {
		return fmt.Errorf("instrument must be non-empty")
	}
	if cfg.IndexAsset == "" {
		return fmt.Errorf("index asset must be non-empty")
	}
	if cfg.IndexBaseUnit == nil || cfg.IndexBaseUnit.Sign() <= 0 {
		return fmt.Errorf("index base unit must be positive")
	}
	if cfg.Funding.SkewScale.Sign() <= 0 {
		return fmt.Errorf("funding skew scale must be positive")
	}
	if cfg.Funding.MaxVelocity.Sign() < 0 {
		return fmt.Errorf("max funding velocity must be non-negative")
	}
	if cfg.Borrowing.Scale.Sign() < 0 {
		return fmt.Errorf("borrow scale must be non-negative")
	}
	if cfg.Impact.SkewScale.Sign() <= 0 {
		return fmt.Errorf("impact skew scale must be positive")
	}
	if cfg.MaintenanceFraction.Sign() <= 0 {
		return fmt.Errorf("maintenance fraction must be positive")
	}
	if !cfg.MaxLeverage.GT(fixed.OneWAD()) {
		return fmt.Errorf("max leverage must exceed 1x")
	}
	if cfg.PositionFeeFraction.Sign() < 0 || cfg.PositionFeeFraction.GTE(fixed.OneWAD()) {
		return fmt.Errorf("position fee fraction out of range")
	}
	if cfg.AdlThreshold.Sign() <= 0 || cfg.AdlThreshold.GTE(fixed.OneWAD()) {
		return fmt.Errorf("adl threshold out of range")
	}
	if cfg.MaxPriceAge <= 0 {
		return fmt.Errorf("max price age must be positive")
	}
	return nil
}

// DefaultConfigs returns the built-in market set.
func DefaultConfigs() []*Config {
	btc := &Config{
		Instrument:    "BTC-PERP",
		IndexAsset:    "BTC",
		IndexBaseUnit: fixed.Base18,
		Funding: funding.Params{
			MaxVelocity: fixed.NewWAD(big.NewInt(9_000_000_000_000_000)), // 0.009/day²
			SkewScale:   fixed.Dollars(10_000_000),
		},
		Borrowing: borrowing.Params{
			Scale:                fixed.NewWAD(big.NewInt(100_000_000_000_000)), // 0.0001/day
			MaxLongOpenInterest:  fixed.Dollars(50_000_000),
			MaxShortOpenInterest: fixed.Dollars(50_000_000),
		},
		Impact:                 impact.Params{SkewScale: fixed.Dollars(10_000_000)},
		MaintenanceFraction:    fixed.NewWAD(big.NewInt(5_000_000_000_000_000)),         // 0.5%
		MaxLeverage:            fixed.NewWAD(new(big.Int).Mul(big.NewInt(50), exp18())), // 50x
		PositionFeeFraction:    fixed.NewWAD(big.NewInt(1_000_000_000_000_000)),         // 0.1%
		LiquidationFeeFraction: fixed.NewWAD(big.NewInt(50_000_000_000_000_000)),        // 5%
		AdlThreshold:           fixed.NewWAD(big.NewInt(450_000_000_000_000_000)),       // 45%
		MinCollateralUSD:       fixed.Dollars(2),
		MaxPriceAge:            45,
	}

	eth := &Config{
		Instrument:    "ETH-PERP",
		IndexAsset:    "ETH",
		IndexBaseUnit: fixed.Base18,
		Funding: funding.Params{
			MaxVelocity: fixed.NewWAD(big.NewInt(9_000_000_000_000_000)),
			SkewScale:   fixed.Dollars(5_000_000),
		},
		Borrowing: borrowing.Params{
			Scale:                fixed.NewWAD(big.NewInt(100_000_000_000_000)),
			MaxLongOpenInterest:  fixed.Dollars(25_000_000),
			MaxShortOpenInterest: fixed.Dollars(25_000_000),
		},
		Impact:                 impact.Params{SkewScale: fixed.Dollars(5_000_000)},
		MaintenanceFraction:    fixed.NewWAD(big.NewInt(5_000_000_000_000_000)),
		MaxLeverage:            fixed.NewWAD(new(big.Int).Mul(big.NewInt(50), exp18())),
		PositionFeeFraction:    fixed.NewWAD(big.NewInt(1_000_000_000_000_000)),
		LiquidationFeeFraction: fixed.NewWAD(big.NewInt(50_000_000_000_000_000)),
		AdlThreshold:           fixed.NewWAD(big.NewInt(450_000_000_000_000_000)),
		MinCollateralUSD:       fixed.Dollars(2),
		MaxPriceAge:            45,
	}

	return []*Config{btc, eth}
}

func exp18() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}

// State is the cumulative accounting state of one instrument.
type State struct {
	Instrument string

	// Open interest magnitudes per side, in USD.
	LongOpenInterest  fixed.USD
	ShortOpenInterest fixed.USD

	Funding funding.State

	LongBorrow      borrowing.SideState
	ShortBorrow     borrowing.SideState
	BorrowUpdatedAt int64

	// Size-weighted average entry prices per side. Defined only while the
	// side has open interest; reset to zero exactly when it empties.
	LongAvgEntryPrice  fixed.USD
	ShortAvgEntryPrice fixed.USD

	Version int64
}

// NewState returns the zero state for an instrument at a timestamp.
func NewState(instrument string, now int64) *State {
	return &State{
		Instrument:        instrument,
		LongOpenInterest:  fixed.ZeroUSD(),
		ShortOpenInterest: fixed.ZeroUSD(),
		Funding: funding.State{
			Rate:            fixed.ZeroWAD(),
			Velocity:        fixed.ZeroWAD(),
			AccruedPerToken: fixed.ZeroUSD(),
			UpdatedAt:       now,
		},
		LongBorrow:         zeroSide(),
		ShortBorrow:        zeroSide(),
		BorrowUpdatedAt:    now,
		LongAvgEntryPrice:  fixed.ZeroUSD(),
		ShortAvgEntryPrice: fixed.ZeroUSD(),
	}
}

func zeroSide() borrowing.SideState {
	return borrowing.SideState{
		Rate:               fixed.ZeroWAD(),
		Cumulative:         fixed.ZeroWAD(),
		AvgEntryCumulative: fixed.ZeroWAD(),
	}
}

// Clone returns a deep copy, used by the engine to stage mutations that
// commit atomically or not at all.
func (s *State) Clone() *State {
	return &State{
		Instrument:         s.Instrument,
		LongOpenInterest:   s.LongOpenInterest.Clone(),
		ShortOpenInterest:  s.ShortOpenInterest.Clone(),
		Funding:            s.Funding.Clone(),
		LongBorrow:         s.LongBorrow.Clone(),
		ShortBorrow:        s.ShortBorrow.Clone(),
		BorrowUpdatedAt:    s.BorrowUpdatedAt,
		LongAvgEntryPrice:  s.LongAvgEntryPrice.Clone(),
		ShortAvgEntryPrice: s.ShortAvgEntryPrice.Clone(),
		Version:            s.Version,
	}
}

// SkewUSD returns long OI minus short OI.
func (s *State) SkewUSD() fixed.USD {
	return s.LongOpenInterest.Sub(s.ShortOpenInterest)
}

// OpenInterest returns one side's open interest.
func (s *State) OpenInterest(isLong bool) fixed.USD {
	if isLong {
		return s.LongOpenInterest
	}
	return s.ShortOpenInterest
}

// AvgEntryPrice returns one side's weighted-average entry price.
func (s *State) AvgEntryPrice(isLong bool) fixed.USD {
	if isLong {
		return s.LongAvgEntryPrice
	}
	return s.ShortAvgEntryPrice
}

// Borrow returns one side's borrowing state.
func (s *State) Borrow(isLong bool) borrowing.SideState {
	if isLong {
		return s.LongBorrow
	}
	return s.ShortBorrow
}

// NextAverageEntryPrice computes a side's weighted-average entry price
// after a size change: increases blend by size weight; decreases leave the
// average untouched unless they close the side, which resets it to zero.
func NextAverageEntryPrice(prevAvg, openInterest, fillPrice, sizeDeltaUsd fixed.USD, increase bool) fixed.USD {
	if sizeDeltaUsd.Sign() < 0 {
		panic("FATAL: market: size delta must be a magnitude")
	}

	if !increase {
		remaining := openInterest.Sub(sizeDeltaUsd)
		if remaining.Sign() < 0 {
			panic(fmt.Sprintf("FATAL: market: decrease %s exceeds open interest %s", sizeDeltaUsd, openInterest))
		}
		if remaining.IsZero() {
			return fixed.ZeroUSD()
		}
		return prevAvg.Clone()
	}

	newTotal := openInterest.Add(sizeDeltaUsd)
	if newTotal.IsZero() {
		return fixed.ZeroUSD()
	}
	// (oi*prevAvg + delta*fill) / newTotal
	num := new(big.Int).Add(
		new(big.Int).Mul(openInterest.Raw(), prevAvg.Raw()),
		new(big.Int).Mul(sizeDeltaUsd.Raw(), fillPrice.Raw()),
	)
	return fixed.NewUSD(new(big.Int).Quo(num, newTotal.Raw()))
}

// ApplySizeDelta mutates the state for an executed size change on one
// side: open interest, weighted-average entry price, and the borrowing
// cohort average, then re-bends funding velocity toward the new skew.
func (s *State) ApplySizeDelta(cfg *Config, sizeDeltaUsd, fillPrice fixed.USD, isLong, increase bool) {
	oi := s.OpenInterest(isLong)
	borrow := s.Borrow(isLong)

	nextAvgPrice := NextAverageEntryPrice(s.AvgEntryPrice(isLong), oi, fillPrice, sizeDeltaUsd, increase)
	nextAvgCum := borrowing.NextAverageCumulative(borrow, oi, sizeDeltaUsd, increase)

	var nextOI fixed.USD
	if increase {
		nextOI = oi.Add(sizeDeltaUsd)
	} else {
		nextOI = oi.Sub(sizeDeltaUsd)
	}
	if nextOI.Sign() < 0 {
		panic(fmt.Sprintf("FATAL: market: open interest would go negative on %s", s.Instrument))
	}

	borrow.AvgEntryCumulative = nextAvgCum
	if isLong {
		s.LongOpenInterest = nextOI
		s.LongAvgEntryPrice = nextAvgPrice
		s.LongBorrow = borrow
	} else {
		s.ShortOpenInterest = nextOI
		s.ShortAvgEntryPrice = nextAvgPrice
		s.ShortBorrow = borrow
	}

	s.Funding = funding.RefreshVelocity(s.Funding, cfg.Funding, s.SkewUSD())
	s.Version++
}

package engine

import (
	"fmt"
	"math/big"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
)

// PriceTriple is one asset's price snapshot. Execution uses the bound
// that favors the pool: max against the trader on increases, min on
// decreases, med for accrual and margin checks.
type PriceTriple struct {
	Min fixed.USD
	Med fixed.USD
	Max fixed.USD
}

func (t PriceTriple) validate() error {
	if t.Min.Sign() <= 0 {
		return fmt.Errorf("min price must be positive")
	}
	if t.Med.LT(t.Min) || t.Max.LT(t.Med) {
		return fmt.Errorf("prices must satisfy min <= med <= max")
	}
	return nil
}

// PriceContext is the signed price snapshot a keeper presents alongside
// an execution. It carries every asset the execution can touch: the
// instrument's index asset and any collateral token. The engine never
// reads wall-clock time; Timestamp is its "now".
type PriceContext struct {
	Timestamp int64

	Prices    map[string]PriceTriple
	BaseUnits map[string]*big.Int

	// PoolValueUsd backs the ADL eligibility ratio.
	PoolValueUsd fixed.USD
}

// Triple resolves one asset's validated price triple.
func (pc *PriceContext) Triple(asset string) (PriceTriple, error) {
	t, ok := pc.Prices[asset]
	if !ok {
		return PriceTriple{}, Reject(RejectMissingPrice, "no price for %s", asset)
	}
	if err := t.validate(); err != nil {
		return PriceTriple{}, Reject(RejectInvalidPrice, "%s: %v", asset, err)
	}
	return t, nil
}

// BaseUnit resolves one token's native scale.
func (pc *PriceContext) BaseUnit(token string) (*big.Int, error) {
	b, ok := pc.BaseUnits[token]
	if !ok || b == nil || b.Sign() <= 0 {
		return nil, Reject(RejectMissingPrice, "no base unit for %s", token)
	}
	return b, nil
}

// executionPrice picks the fill-price bound for a size change: the worse
// bound for the trader in each direction.
func executionPrice(t PriceTriple, isLong, isIncrease bool) fixed.USD {
	if isLong == isIncrease {
		return t.Max
	}
	return t.Min
}

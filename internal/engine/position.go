package engine

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
)

// PositionKey identifies a position. A user holds at most one position
// per instrument per side; opposing sides are independent positions.
type PositionKey struct {
	Instrument string
	User       uuid.UUID
	IsLong     bool
}

func (k PositionKey) String() string {
	side := "short"
	if k.IsLong {
		side = "long"
	}
	return fmt.Sprintf("%s/%s/%s", k.Instrument, k.User, side)
}

// Position is one side of a user's exposure on an instrument. Collateral
// is held in token-native units; size is notional USD. The two entry
// snapshots record the market's cumulative funding and borrowing counters
// as of the last fee settlement, so fees owed are always the cumulative
// delta since then.
type Position struct {
	Key PositionKey

	CollateralToken string
	Collateral      fixed.Tokens

	SizeUsd       fixed.USD
	AvgEntryPrice fixed.USD

	FundingEntryPerToken  fixed.USD
	BorrowEntryCumulative fixed.WAD

	// Keys of conditional requests attached to this position. Cancelled
	// from the pending set when the position fully closes.
	StopLossKey   *uuid.UUID
	TakeProfitKey *uuid.UUID

	OpenedAt    int64
	LastTouched int64
	Version     int64
}

// Clone returns a deep copy for staging.
func (p *Position) Clone() *Position {
	cp := &Position{
		Key:                   p.Key,
		CollateralToken:       p.CollateralToken,
		Collateral:            p.Collateral.Clone(),
		SizeUsd:               p.SizeUsd.Clone(),
		AvgEntryPrice:         p.AvgEntryPrice.Clone(),
		FundingEntryPerToken:  p.FundingEntryPerToken.Clone(),
		BorrowEntryCumulative: p.BorrowEntryCumulative.Clone(),
		OpenedAt:              p.OpenedAt,
		LastTouched:           p.LastTouched,
		Version:               p.Version,
	}
	if p.StopLossKey != nil {
		k := *p.StopLossKey
		cp.StopLossKey = &k
	}
	if p.TakeProfitKey != nil {
		k := *p.TakeProfitKey
		cp.TakeProfitKey = &k
	}
	return cp
}

// LeverageWad returns size/collateralValue in wad. Zero collateral value
// yields a leverage above any configured cap.
func LeverageWad(sizeUsd, collateralValueUsd fixed.USD) fixed.WAD {
	if collateralValueUsd.Sign() <= 0 {
		return fixed.NewWAD(maxLeverageSentinel())
	}
	return sizeUsd.DivWad(collateralValueUsd, fixed.RoundUp)
}

func maxLeverageSentinel() *big.Int {
	// 1e9x, above any configurable leverage cap.
	return new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000_000_000_000))
}

package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
)

// Kind discriminates the request variants.
type Kind int32

const (
	KindCreatePosition Kind = iota + 1
	KindIncreaseSize
	KindDecreaseSize
	KindIncreaseCollateral
	KindDecreaseCollateral
	KindFullClose
	KindLiquidate
	KindADL
)

func (k Kind) String() string {
	switch k {
	case KindCreatePosition:
		return "create_position"
	case KindIncreaseSize:
		return "increase_size"
	case KindDecreaseSize:
		return "decrease_size"
	case KindIncreaseCollateral:
		return "increase_collateral"
	case KindDecreaseCollateral:
		return "decrease_collateral"
	case KindFullClose:
		return "full_close"
	case KindLiquidate:
		return "liquidate"
	case KindADL:
		return "adl"
	default:
		return fmt.Sprintf("unknown(%d)", int32(k))
	}
}

// Request is stored pending and executed at most once, when a keeper
// presents a price context for its key. The variant set is closed: the
// engine's dispatch switch is exhaustive and panics on anything else.
type Request interface {
	Key() uuid.UUID
	PositionKey() PositionKey
	CreatedAt() int64
	Kind() Kind

	isRequest()
}

// Meta carries the fields every request shares. Embedding it gives each
// variant the common accessors.
type Meta struct {
	RequestKey uuid.UUID
	Instrument string
	User       uuid.UUID
	IsLong     bool
	Created    int64
}

func (m Meta) Key() uuid.UUID { return m.RequestKey }
func (m Meta) PositionKey() PositionKey {
	return PositionKey{Instrument: m.Instrument, User: m.User, IsLong: m.IsLong}
}
func (m Meta) CreatedAt() int64 { return m.Created }

// CreatePosition opens a new position. Rejected if one already exists
// under the key. AcceptablePrice bounds the impacted fill price: a
// maximum for longs, a minimum for shorts; zero disables the check.
type CreatePosition struct {
	Meta
	CollateralToken string
	CollateralDelta fixed.Tokens
	SizeDeltaUsd    fixed.USD
	AcceptablePrice fixed.USD

	// Conditional-order keys to attach, already submitted as pending
	// DecreaseSize/FullClose requests.
	StopLossKey   *uuid.UUID
	TakeProfitKey *uuid.UUID
}

func (CreatePosition) Kind() Kind { return KindCreatePosition }
func (CreatePosition) isRequest() {}

// IncreaseSize adds notional (and optionally collateral) to an existing
// position.
type IncreaseSize struct {
	Meta
	CollateralDelta fixed.Tokens
	SizeDeltaUsd    fixed.USD
	AcceptablePrice fixed.USD
}

func (IncreaseSize) Kind() Kind { return KindIncreaseSize }
func (IncreaseSize) isRequest() {}

// DecreaseSize realizes pnl on part of a position. AcceptablePrice is a
// minimum fill for longs, a maximum for shorts; zero disables the check.
type DecreaseSize struct {
	Meta
	SizeDeltaUsd    fixed.USD
	AcceptablePrice fixed.USD
}

func (DecreaseSize) Kind() Kind { return KindDecreaseSize }
func (DecreaseSize) isRequest() {}

// IncreaseCollateral deposits collateral into an existing position.
type IncreaseCollateral struct {
	Meta
	CollateralDelta fixed.Tokens
}

func (IncreaseCollateral) Kind() Kind { return KindIncreaseCollateral }
func (IncreaseCollateral) isRequest() {}

// DecreaseCollateral withdraws collateral from an existing position,
// subject to the min-collateral, leverage, and margin checks.
type DecreaseCollateral struct {
	Meta
	CollateralDelta fixed.Tokens
}

func (DecreaseCollateral) Kind() Kind { return KindDecreaseCollateral }
func (DecreaseCollateral) isRequest() {}

// FullClose closes the whole position and returns remaining collateral.
type FullClose struct {
	Meta
	AcceptablePrice fixed.USD
}

func (FullClose) Kind() Kind { return KindFullClose }
func (FullClose) isRequest() {}

// Liquidate force-closes an under-margined position. Rejected if the
// position is still above its maintenance floor at the median price.
type Liquidate struct {
	Meta
	Liquidator uuid.UUID
}

func (Liquidate) Kind() Kind { return KindLiquidate }
func (Liquidate) isRequest() {}

// ADL force-decreases a profitable position when the side's
// pnl-to-pool ratio breaches the configured threshold. SizeDeltaUsd is
// clamped to the position size.
type ADL struct {
	Meta
	SizeDeltaUsd fixed.USD
}

func (ADL) Kind() Kind { return KindADL }
func (ADL) isRequest() {}

// validateShape checks request fields that need no market or price
// context. Rejections here are RejectInvalidParams.
func validateShape(req Request) error {
	if req.Key() == uuid.Nil {
		return Reject(RejectInvalidParams, "request key must be set")
	}
	pk := req.PositionKey()
	if pk.Instrument == "" {
		return Reject(RejectInvalidParams, "instrument must be set")
	}
	if pk.User == uuid.Nil {
		return Reject(RejectInvalidParams, "user must be set")
	}

	switch r := req.(type) {
	case *CreatePosition:
		if r.CollateralToken == "" {
			return Reject(RejectInvalidParams, "collateral token must be set")
		}
		if r.CollateralDelta.Sign() <= 0 {
			return Reject(RejectInvalidParams, "collateral delta must be positive")
		}
		if r.SizeDeltaUsd.Sign() <= 0 {
			return Reject(RejectInvalidParams, "size delta must be positive")
		}
		if r.AcceptablePrice.Sign() < 0 {
			return Reject(RejectInvalidParams, "acceptable price must be non-negative")
		}
	case *IncreaseSize:
		if r.CollateralDelta.Sign() < 0 {
			return Reject(RejectInvalidParams, "collateral delta must be non-negative")
		}
		if r.SizeDeltaUsd.Sign() <= 0 {
			return Reject(RejectInvalidParams, "size delta must be positive")
		}
		if r.AcceptablePrice.Sign() < 0 {
			return Reject(RejectInvalidParams, "acceptable price must be non-negative")
		}
	case *DecreaseSize:
		if r.SizeDeltaUsd.Sign() <= 0 {
			return Reject(RejectInvalidParams, "size delta must be positive")
		}
		if r.AcceptablePrice.Sign() < 0 {
			return Reject(RejectInvalidParams, "acceptable price must be non-negative")
		}
	case *IncreaseCollateral:
		if r.CollateralDelta.Sign() <= 0 {
			return Reject(RejectInvalidParams, "collateral delta must be positive")
		}
	case *DecreaseCollateral:
		if r.CollateralDelta.Sign() <= 0 {
			return Reject(RejectInvalidParams, "collateral delta must be positive")
		}
	case *FullClose:
		if r.AcceptablePrice.Sign() < 0 {
			return Reject(RejectInvalidParams, "acceptable price must be non-negative")
		}
	case *Liquidate:
		// No extra fields to check.
	case *ADL:
		if r.SizeDeltaUsd.Sign() <= 0 {
			return Reject(RejectInvalidParams, "size delta must be positive")
		}
	default:
		panic(fmt.Sprintf("FATAL: engine: unhandled request type %T", req))
	}
	return nil
}

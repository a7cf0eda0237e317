package engine

import (
	"errors"
	"fmt"
)

// RejectionReason classifies why a request was not executed. Input
// validation and economic validation both land here; the request is
// consumed either way, and no position or market mutation survives a
// rejection. Arithmetic guards and caller contract violations are not
// rejections — they panic.
type RejectionReason string

const (
	RejectUnknownRequest         RejectionReason = "unknown_request"
	RejectUnknownInstrument      RejectionReason = "unknown_instrument"
	RejectMissingPrice           RejectionReason = "missing_price"
	RejectInvalidPrice           RejectionReason = "invalid_price"
	RejectStalePrice             RejectionReason = "stale_price"
	RejectInvalidParams          RejectionReason = "invalid_params"
	RejectPositionExists         RejectionReason = "position_exists"
	RejectPositionNotFound       RejectionReason = "position_not_found"
	RejectZeroSize               RejectionReason = "zero_size"
	RejectInsufficientCollateral RejectionReason = "insufficient_collateral"
	RejectBelowMinCollateral     RejectionReason = "below_min_collateral"
	RejectLeverageExceeded       RejectionReason = "leverage_exceeded"
	RejectMaintenanceMargin      RejectionReason = "maintenance_margin"
	RejectSlippageExceeded       RejectionReason = "slippage_exceeded"
	RejectMaxOpenInterest        RejectionReason = "max_open_interest"
	RejectPriceImpact            RejectionReason = "price_impact"
	RejectNotLiquidatable        RejectionReason = "not_liquidatable"
	RejectAdlNotEligible         RejectionReason = "adl_not_eligible"
)

// Rejection is the typed failure surfaced to callers for classes (1) and
// (2) of the error taxonomy.
type Rejection struct {
	Reason RejectionReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Reject builds a Rejection with a formatted detail message.
func Reject(reason RejectionReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason from an error, or "" if the
// error is not a Rejection.
func ReasonOf(err error) RejectionReason {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}

// Package engine executes the position and request lifecycle against the
// market accounting state. The engine is single-threaded: exactly one
// goroutine calls its mutating methods, which is how atomicity is
// guaranteed without locks. Mutations are staged on clones and committed
// only after every validation passes; the sole exception is time-driven
// accrual, which commits on every touch regardless of request outcome.
package engine

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/borrowing"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/funding"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/impact"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/market"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/observability"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/pnl"
)

// ExecutionResult reports what a successful execution did. Signed fields
// follow the trader's perspective: positive funding and borrow fees were
// charged, negative funding was credited, positive realized pnl was paid
// out.
type ExecutionResult struct {
	RequestKey uuid.UUID
	Kind       Kind
	Instrument string
	User       uuid.UUID
	IsLong     bool
	ExecutedAt int64

	FillPrice    fixed.USD
	SizeDeltaUsd fixed.USD

	PositionFeeUsd    fixed.USD
	FundingFeeUsd     fixed.USD
	BorrowFeeUsd      fixed.USD
	PriceImpactUsd    fixed.USD
	RealizedPnlUsd    fixed.USD
	LiquidationFeeUsd fixed.USD

	CollateralReturned fixed.Tokens
	PositionClosed     bool
}

// Engine owns the positions, the pending request store, and the market
// state handle. It never reads wall-clock time for accounting; the price
// context timestamp is "now".
type Engine struct {
	markets   *market.Store
	positions map[PositionKey]*Position
	pending   map[uuid.UUID]Request

	// Keys consumed during this run, by execution or cancellation.
	// Blocks resubmission under a used key; across restarts the
	// execution log serves the same purpose.
	consumed map[uuid.UUID]struct{}

	log     zerolog.Logger
	metrics *observability.Metrics
}

// New creates an engine over a market store. metrics may be nil.
func New(markets *market.Store, log zerolog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		markets:   markets,
		positions: make(map[PositionKey]*Position),
		pending:   make(map[uuid.UUID]Request),
		consumed:  make(map[uuid.UUID]struct{}),
		log:       log,
		metrics:   metrics,
	}
}

// Markets exposes the market store for queries and snapshots.
func (e *Engine) Markets() *market.Store { return e.markets }

// SubmitRequest validates a request's shape and stores it pending.
// Duplicate keys are rejected; a key is never reusable, even after its
// request executed or was cancelled, because keepers retry by key.
func (e *Engine) SubmitRequest(req Request) error {
	if err := validateShape(req); err != nil {
		return err
	}
	if _, exists := e.pending[req.Key()]; exists {
		return Reject(RejectInvalidParams, "duplicate request key %s", req.Key())
	}
	if _, done := e.consumed[req.Key()]; done {
		return Reject(RejectInvalidParams, "request key %s was already consumed", req.Key())
	}
	if _, ok := e.markets.Config(req.PositionKey().Instrument); !ok {
		return Reject(RejectUnknownInstrument, "%s", req.PositionKey().Instrument)
	}
	e.pending[req.Key()] = req

	e.metrics.RecordSubmission(req.Kind().String())
	e.metrics.SetPendingRequests(len(e.pending))
	e.log.Debug().
		Stringer("request_key", req.Key()).
		Stringer("kind", req.Kind()).
		Str("instrument", req.PositionKey().Instrument).
		Msg("request submitted")
	return nil
}

// CancelRequest removes a pending request. Returns false if the key is
// not pending.
func (e *Engine) CancelRequest(key uuid.UUID) bool {
	if _, ok := e.pending[key]; !ok {
		return false
	}
	delete(e.pending, key)
	e.consumed[key] = struct{}{}
	e.metrics.SetPendingRequests(len(e.pending))
	return true
}

// PendingRequest returns a pending request by key.
func (e *Engine) PendingRequest(key uuid.UUID) (Request, bool) {
	req, ok := e.pending[key]
	return req, ok
}

// PendingRequests returns all pending requests (for snapshots).
func (e *Engine) PendingRequests() []Request {
	out := make([]Request, 0, len(e.pending))
	for _, req := range e.pending {
		out = append(out, req)
	}
	return out
}

// GetPosition returns a copy of a position.
func (e *Engine) GetPosition(instrument string, user uuid.UUID, isLong bool) (*Position, bool) {
	pos, ok := e.positions[PositionKey{Instrument: instrument, User: user, IsLong: isLong}]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// Positions returns copies of all open positions.
func (e *Engine) Positions() []*Position {
	out := make([]*Position, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, pos.Clone())
	}
	return out
}

// RestorePosition installs a position during snapshot recovery.
func (e *Engine) RestorePosition(pos *Position) {
	e.positions[pos.Key] = pos.Clone()
	e.metrics.SetOpenPositions(len(e.positions))
}

// RestoreRequest re-installs a pending request during snapshot recovery.
func (e *Engine) RestoreRequest(req Request) error {
	return e.SubmitRequest(req)
}

// ExecuteRequest consumes a pending request and executes it against the
// given price context. The request is removed whatever the outcome;
// keepers that want to retry must submit a fresh request under a new key.
// On rejection no position or market mutation survives, except the
// funding and borrowing accrual advanced by the touch.
func (e *Engine) ExecuteRequest(key uuid.UUID, pc *PriceContext) (*ExecutionResult, error) {
	req, ok := e.pending[key]
	if !ok {
		return nil, Reject(RejectUnknownRequest, "%s", key)
	}
	delete(e.pending, key)
	e.consumed[key] = struct{}{}

	start := time.Now()
	res, err := e.execute(req, pc)
	elapsed := time.Since(start).Seconds()

	outcome := "executed"
	if err != nil {
		if reason := ReasonOf(err); reason != "" {
			outcome = string(reason)
		} else {
			outcome = "error"
		}
		e.log.Warn().
			Stringer("request_key", key).
			Stringer("kind", req.Kind()).
			Str("instrument", req.PositionKey().Instrument).
			Err(err).
			Msg("request rejected")
	} else {
		e.log.Info().
			Stringer("request_key", key).
			Stringer("kind", req.Kind()).
			Str("instrument", res.Instrument).
			Stringer("fill_price", res.FillPrice).
			Stringer("size_delta_usd", res.SizeDeltaUsd).
			Bool("position_closed", res.PositionClosed).
			Msg("request executed")
	}

	e.metrics.RecordExecution(req.Kind().String(), outcome, elapsed)
	e.metrics.SetPendingRequests(len(e.pending))
	e.metrics.SetOpenPositions(len(e.positions))
	return res, err
}

func (e *Engine) execute(req Request, pc *PriceContext) (*ExecutionResult, error) {
	pk := req.PositionKey()
	cfg, ok := e.markets.Config(pk.Instrument)
	if !ok {
		return nil, Reject(RejectUnknownInstrument, "%s", pk.Instrument)
	}

	idx, err := pc.Triple(cfg.IndexAsset)
	if err != nil {
		return nil, err
	}

	age := pc.Timestamp - req.CreatedAt()
	if age < 0 {
		age = -age
	}
	if age > cfg.MaxPriceAge {
		return nil, Reject(RejectStalePrice, "price context is %ds from request creation, max %ds", age, cfg.MaxPriceAge)
	}
	if st, _ := e.markets.State(pk.Instrument); st != nil && pc.Timestamp < st.Funding.UpdatedAt {
		return nil, Reject(RejectStalePrice, "price context predates market state")
	}

	// Accrual commits here and stays committed even if the request is
	// rejected below.
	st, terr := e.markets.Touch(pk.Instrument, idx.Med, pc.Timestamp)
	if terr != nil {
		return nil, Reject(RejectUnknownInstrument, "%v", terr)
	}

	switch r := req.(type) {
	case *CreatePosition:
		return e.executeIncrease(cfg, st, idx, pc, r.Meta, increaseParams{
			create:          true,
			collateralToken: r.CollateralToken,
			collateralDelta: r.CollateralDelta,
			sizeDeltaUsd:    r.SizeDeltaUsd,
			acceptablePrice: r.AcceptablePrice,
			stopLossKey:     r.StopLossKey,
			takeProfitKey:   r.TakeProfitKey,
		})
	case *IncreaseSize:
		return e.executeIncrease(cfg, st, idx, pc, r.Meta, increaseParams{
			collateralDelta: r.CollateralDelta,
			sizeDeltaUsd:    r.SizeDeltaUsd,
			acceptablePrice: r.AcceptablePrice,
		})
	case *DecreaseSize:
		return e.executeDecrease(cfg, st, idx, pc, r.Meta, decreaseParams{
			mode:            decreaseVoluntary,
			sizeDeltaUsd:    r.SizeDeltaUsd,
			acceptablePrice: r.AcceptablePrice,
		})
	case *FullClose:
		return e.executeDecrease(cfg, st, idx, pc, r.Meta, decreaseParams{
			mode:            decreaseVoluntary,
			fullClose:       true,
			acceptablePrice: r.AcceptablePrice,
		})
	case *Liquidate:
		return e.executeDecrease(cfg, st, idx, pc, r.Meta, decreaseParams{
			mode:      decreaseLiquidation,
			fullClose: true,
		})
	case *ADL:
		return e.executeDecrease(cfg, st, idx, pc, r.Meta, decreaseParams{
			mode:         decreaseADL,
			sizeDeltaUsd: r.SizeDeltaUsd,
		})
	case *IncreaseCollateral:
		return e.executeCollateralEdit(cfg, st, idx, pc, r.Meta, r.CollateralDelta, true)
	case *DecreaseCollateral:
		return e.executeCollateralEdit(cfg, st, idx, pc, r.Meta, r.CollateralDelta, false)
	default:
		panic(fmt.Sprintf("FATAL: engine: unhandled request type %T", req))
	}
}

// ============================================================================
// Collateral conversion
// ============================================================================

// collateralQuote bundles one token's price triple and base unit.
type collateralQuote struct {
	token    string
	triple   PriceTriple
	baseUnit *big.Int
}

func (e *Engine) quoteCollateral(pc *PriceContext, token string) (collateralQuote, error) {
	triple, err := pc.Triple(token)
	if err != nil {
		return collateralQuote{}, err
	}
	base, err := pc.BaseUnit(token)
	if err != nil {
		return collateralQuote{}, err
	}
	return collateralQuote{token: token, triple: triple, baseUnit: base}, nil
}

// valueUSD prices a token amount at the min bound, the conservative
// valuation for margin checks.
func (q collateralQuote) valueUSD(t fixed.Tokens) fixed.USD {
	return fixed.USDFromTokens(t, q.triple.Min, q.baseUnit, fixed.RoundDown)
}

// chargeTokens converts a positive USD amount owed by the trader into
// tokens, at the min price so the charge covers the amount.
func (q collateralQuote) chargeTokens(usd fixed.USD) fixed.Tokens {
	return fixed.TokensFromUSD(usd, q.triple.Min, q.baseUnit, fixed.RoundUp)
}

// creditTokens converts a positive USD amount owed to the trader into
// tokens, at the max price so the payout never exceeds the amount.
func (q collateralQuote) creditTokens(usd fixed.USD) fixed.Tokens {
	return fixed.TokensFromUSD(usd, q.triple.Max, q.baseUnit, fixed.RoundDown)
}

// applySignedUSD settles a signed USD amount against a token balance:
// positive charges, negative credits.
func (q collateralQuote) applySignedUSD(balance fixed.Tokens, usd fixed.USD) fixed.Tokens {
	switch {
	case usd.Sign() > 0:
		return balance.Sub(q.chargeTokens(usd))
	case usd.Sign() < 0:
		return balance.Add(q.creditTokens(usd.Neg()))
	default:
		return balance
	}
}

// settleFees charges the funding and borrowing accrued since the
// position's last touch into its collateral and resets the entry
// snapshots. The staged collateral may go negative; the caller decides
// whether that rejects the request or gets clamped (liquidation).
// Returns the signed funding fee and the borrow fee, both in USD.
func settleFees(staged *Position, st *market.State, idx PriceTriple, q collateralQuote, now int64) (fixed.USD, fixed.USD) {
	isLong := staged.Key.IsLong

	fundingUsd := funding.FeeUSD(staged.SizeUsd, st.Funding.AccruedPerToken, staged.FundingEntryPerToken, idx.Med, isLong)
	borrowUsd := borrowing.FeesOwed(st.Borrow(isLong).Cumulative, staged.BorrowEntryCumulative, staged.SizeUsd)

	staged.Collateral = q.applySignedUSD(staged.Collateral, fundingUsd.Add(borrowUsd))
	staged.FundingEntryPerToken = st.Funding.AccruedPerToken.Clone()
	staged.BorrowEntryCumulative = st.Borrow(isLong).Cumulative.Clone()
	staged.LastTouched = now

	return fundingUsd, borrowUsd
}

// ============================================================================
// Increase path (create + increase size)
// ============================================================================

type increaseParams struct {
	create          bool
	collateralToken string
	collateralDelta fixed.Tokens
	sizeDeltaUsd    fixed.USD
	acceptablePrice fixed.USD
	stopLossKey     *uuid.UUID
	takeProfitKey   *uuid.UUID
}

func (e *Engine) executeIncrease(cfg *market.Config, st *market.State, idx PriceTriple, pc *PriceContext, meta Meta, p increaseParams) (*ExecutionResult, error) {
	pk := meta.PositionKey()
	existing, exists := e.positions[pk]

	var staged *Position
	var token string
	if p.create {
		if exists {
			return nil, Reject(RejectPositionExists, "%s", pk)
		}
		token = p.collateralToken
		staged = &Position{
			Key:             pk,
			CollateralToken: token,
			Collateral:      fixed.ZeroTokens(),
			SizeUsd:         fixed.ZeroUSD(),
			AvgEntryPrice:   fixed.ZeroUSD(),
			OpenedAt:        pc.Timestamp,
		}
	} else {
		if !exists {
			return nil, Reject(RejectPositionNotFound, "%s", pk)
		}
		token = existing.CollateralToken
		staged = existing.Clone()
	}

	q, err := e.quoteCollateral(pc, token)
	if err != nil {
		return nil, err
	}

	if p.create {
		if p.stopLossKey != nil {
			if _, ok := e.pending[*p.stopLossKey]; !ok {
				return nil, Reject(RejectInvalidParams, "stop-loss request %s not pending", *p.stopLossKey)
			}
		}
		if p.takeProfitKey != nil {
			if _, ok := e.pending[*p.takeProfitKey]; !ok {
				return nil, Reject(RejectInvalidParams, "take-profit request %s not pending", *p.takeProfitKey)
			}
		}
	}

	staged.Collateral = staged.Collateral.Add(p.collateralDelta)
	fundingUsd, borrowUsd := settleFees(staged, st, idx, q, pc.Timestamp)
	if staged.Collateral.Sign() < 0 {
		return nil, Reject(RejectInsufficientCollateral, "accrued fees exceed collateral")
	}

	impactUsd := impact.ImpactUSD(cfg.Impact, st.SkewUSD(), p.sizeDeltaUsd, pk.IsLong, true)
	fill, ierr := impact.ImpactedPrice(executionPrice(idx, pk.IsLong, true), impactUsd, p.sizeDeltaUsd, pk.IsLong, true)
	if ierr != nil {
		return nil, Reject(RejectPriceImpact, "%v", ierr)
	}

	if p.acceptablePrice.Sign() > 0 {
		if pk.IsLong && fill.GT(p.acceptablePrice) {
			return nil, Reject(RejectSlippageExceeded, "fill %s above acceptable %s", fill, p.acceptablePrice)
		}
		if !pk.IsLong && fill.LT(p.acceptablePrice) {
			return nil, Reject(RejectSlippageExceeded, "fill %s below acceptable %s", fill, p.acceptablePrice)
		}
	}

	posFeeUsd := p.sizeDeltaUsd.MulWad(cfg.PositionFeeFraction, fixed.RoundUp)
	staged.Collateral = staged.Collateral.Sub(q.chargeTokens(posFeeUsd))
	if staged.Collateral.Sign() < 0 {
		return nil, Reject(RejectInsufficientCollateral, "position fee exceeds collateral")
	}

	oiCap := cfg.Borrowing.MaxOpenInterest(pk.IsLong)
	if oiCap.Sign() > 0 && st.OpenInterest(pk.IsLong).Add(p.sizeDeltaUsd).GT(oiCap) {
		return nil, Reject(RejectMaxOpenInterest, "side open interest cap %s", oiCap)
	}

	staged.AvgEntryPrice = market.NextAverageEntryPrice(staged.AvgEntryPrice, staged.SizeUsd, fill, p.sizeDeltaUsd, true)
	staged.SizeUsd = staged.SizeUsd.Add(p.sizeDeltaUsd)
	staged.Version++

	collateralValue := q.valueUSD(staged.Collateral)
	if collateralValue.LT(cfg.MinCollateralUSD) {
		return nil, Reject(RejectBelowMinCollateral, "collateral value %s below minimum %s", collateralValue, cfg.MinCollateralUSD)
	}
	if LeverageWad(staged.SizeUsd, collateralValue).GT(cfg.MaxLeverage) {
		return nil, Reject(RejectLeverageExceeded, "size %s over collateral %s", staged.SizeUsd, collateralValue)
	}
	upnl := pnl.PositionPnlUSD(staged.SizeUsd, staged.AvgEntryPrice, idx.Med, pk.IsLong)
	if pnl.IsLiquidatable(pnl.EquityUSD(collateralValue, upnl, fixed.ZeroUSD()), staged.SizeUsd, cfg.MaintenanceFraction) {
		return nil, Reject(RejectMaintenanceMargin, "position would open below maintenance margin")
	}

	if p.create {
		staged.StopLossKey = p.stopLossKey
		staged.TakeProfitKey = p.takeProfitKey
	}

	ms := st.Clone()
	ms.ApplySizeDelta(cfg, p.sizeDeltaUsd, fill, pk.IsLong, true)
	e.markets.Commit(ms)
	e.positions[pk] = staged

	return &ExecutionResult{
		RequestKey:         meta.RequestKey,
		Kind:               kindOfIncrease(p.create),
		Instrument:         pk.Instrument,
		User:               pk.User,
		IsLong:             pk.IsLong,
		ExecutedAt:         pc.Timestamp,
		FillPrice:          fill,
		SizeDeltaUsd:       p.sizeDeltaUsd.Clone(),
		PositionFeeUsd:     posFeeUsd,
		FundingFeeUsd:      fundingUsd,
		BorrowFeeUsd:       borrowUsd,
		PriceImpactUsd:     impactUsd,
		RealizedPnlUsd:     fixed.ZeroUSD(),
		LiquidationFeeUsd:  fixed.ZeroUSD(),
		CollateralReturned: fixed.ZeroTokens(),
	}, nil
}

func kindOfIncrease(create bool) Kind {
	if create {
		return KindCreatePosition
	}
	return KindIncreaseSize
}

// ============================================================================
// Decrease path (decrease, full close, liquidation, ADL)
// ============================================================================

type decreaseMode int

const (
	decreaseVoluntary decreaseMode = iota
	decreaseLiquidation
	decreaseADL
)

type decreaseParams struct {
	mode            decreaseMode
	fullClose       bool
	sizeDeltaUsd    fixed.USD
	acceptablePrice fixed.USD
}

func (e *Engine) executeDecrease(cfg *market.Config, st *market.State, idx PriceTriple, pc *PriceContext, meta Meta, p decreaseParams) (*ExecutionResult, error) {
	pk := meta.PositionKey()
	pos, exists := e.positions[pk]
	if !exists {
		return nil, Reject(RejectPositionNotFound, "%s", pk)
	}

	q, err := e.quoteCollateral(pc, pos.CollateralToken)
	if err != nil {
		return nil, err
	}

	delta := p.sizeDeltaUsd
	switch p.mode {
	case decreaseLiquidation:
		delta = pos.SizeUsd.Clone()
	case decreaseADL:
		ratio := pnl.SidePnlToPoolRatio(st, pc.PoolValueUsd, idx.Med, pk.IsLong)
		if !ratio.GT(cfg.AdlThreshold) {
			return nil, Reject(RejectAdlNotEligible, "side pnl-to-pool ratio %s below threshold %s", ratio, cfg.AdlThreshold)
		}
		if pnl.PositionPnlUSD(pos.SizeUsd, pos.AvgEntryPrice, idx.Med, pk.IsLong).Sign() <= 0 {
			return nil, Reject(RejectAdlNotEligible, "target position is not in profit")
		}
		if delta.GT(pos.SizeUsd) {
			delta = pos.SizeUsd.Clone()
		}
	default:
		if p.fullClose {
			delta = pos.SizeUsd.Clone()
		} else if delta.GT(pos.SizeUsd) {
			return nil, Reject(RejectInvalidParams, "decrease %s exceeds position size %s", delta, pos.SizeUsd)
		}
	}
	if delta.Sign() <= 0 {
		return nil, Reject(RejectZeroSize, "nothing to decrease")
	}
	full := delta.Cmp(pos.SizeUsd) == 0

	if p.mode == decreaseLiquidation {
		if !e.isLiquidatable(cfg, st, idx, q, pos) {
			return nil, Reject(RejectNotLiquidatable, "%s", pk)
		}
	}

	staged := pos.Clone()
	fundingUsd, borrowUsd := settleFees(staged, st, idx, q, pc.Timestamp)
	if staged.Collateral.Sign() < 0 && p.mode == decreaseVoluntary {
		return nil, Reject(RejectInsufficientCollateral, "accrued fees exceed collateral")
	}

	impactUsd := impact.ImpactUSD(cfg.Impact, st.SkewUSD(), delta, pk.IsLong, false)
	fill, ierr := impact.ImpactedPrice(executionPrice(idx, pk.IsLong, false), impactUsd, delta, pk.IsLong, false)
	if ierr != nil {
		return nil, Reject(RejectPriceImpact, "%v", ierr)
	}

	if p.mode == decreaseVoluntary && p.acceptablePrice.Sign() > 0 {
		if pk.IsLong && fill.LT(p.acceptablePrice) {
			return nil, Reject(RejectSlippageExceeded, "fill %s below acceptable %s", fill, p.acceptablePrice)
		}
		if !pk.IsLong && fill.GT(p.acceptablePrice) {
			return nil, Reject(RejectSlippageExceeded, "fill %s above acceptable %s", fill, p.acceptablePrice)
		}
	}

	realizedUsd := pnl.RealizedPnlUSD(delta, staged.AvgEntryPrice, fill, pk.IsLong)
	staged.Collateral = q.applySignedUSD(staged.Collateral, realizedUsd.Neg())

	posFeeUsd := delta.MulWad(cfg.PositionFeeFraction, fixed.RoundUp)
	staged.Collateral = staged.Collateral.Sub(q.chargeTokens(posFeeUsd))

	if staged.Collateral.Sign() < 0 {
		if p.mode == decreaseVoluntary {
			return nil, Reject(RejectInsufficientCollateral, "losses and fees exceed collateral")
		}
		// Forced closes absorb the shortfall in the pool.
		staged.Collateral = fixed.ZeroTokens()
	}

	liqFeeUsd := fixed.ZeroUSD()
	if p.mode == decreaseLiquidation {
		liqFeeTokens := staged.Collateral.MulWad(cfg.LiquidationFeeFraction, fixed.RoundUp)
		staged.Collateral = staged.Collateral.Sub(liqFeeTokens)
		liqFeeUsd = q.valueUSD(liqFeeTokens)
	}

	staged.SizeUsd = staged.SizeUsd.Sub(delta)
	staged.Version++

	if !full && p.mode == decreaseVoluntary {
		collateralValue := q.valueUSD(staged.Collateral)
		if collateralValue.LT(cfg.MinCollateralUSD) {
			return nil, Reject(RejectBelowMinCollateral, "remaining collateral value %s below minimum %s", collateralValue, cfg.MinCollateralUSD)
		}
		if LeverageWad(staged.SizeUsd, collateralValue).GT(cfg.MaxLeverage) {
			return nil, Reject(RejectLeverageExceeded, "remaining size %s over collateral %s", staged.SizeUsd, collateralValue)
		}
		upnl := pnl.PositionPnlUSD(staged.SizeUsd, staged.AvgEntryPrice, idx.Med, pk.IsLong)
		if pnl.IsLiquidatable(pnl.EquityUSD(collateralValue, upnl, fixed.ZeroUSD()), staged.SizeUsd, cfg.MaintenanceFraction) {
			return nil, Reject(RejectMaintenanceMargin, "remaining position below maintenance margin")
		}
	}

	ms := st.Clone()
	ms.ApplySizeDelta(cfg, delta, fill, pk.IsLong, false)
	e.markets.Commit(ms)

	returned := fixed.ZeroTokens()
	if full {
		returned = staged.Collateral.Clone()
		e.closePosition(staged)
	} else {
		e.positions[pk] = staged
	}

	switch p.mode {
	case decreaseLiquidation:
		e.metrics.RecordLiquidation(pk.Instrument)
	case decreaseADL:
		e.metrics.RecordADL(pk.Instrument)
	}

	return &ExecutionResult{
		RequestKey:         meta.RequestKey,
		Kind:               kindOfDecrease(p),
		Instrument:         pk.Instrument,
		User:               pk.User,
		IsLong:             pk.IsLong,
		ExecutedAt:         pc.Timestamp,
		FillPrice:          fill,
		SizeDeltaUsd:       delta,
		PositionFeeUsd:     posFeeUsd,
		FundingFeeUsd:      fundingUsd,
		BorrowFeeUsd:       borrowUsd,
		PriceImpactUsd:     impactUsd,
		RealizedPnlUsd:     realizedUsd,
		LiquidationFeeUsd:  liqFeeUsd,
		CollateralReturned: returned,
		PositionClosed:     full,
	}, nil
}

func kindOfDecrease(p decreaseParams) Kind {
	switch p.mode {
	case decreaseLiquidation:
		return KindLiquidate
	case decreaseADL:
		return KindADL
	default:
		if p.fullClose {
			return KindFullClose
		}
		return KindDecreaseSize
	}
}

// closePosition removes a fully-closed position and cancels any attached
// conditional requests still pending.
func (e *Engine) closePosition(pos *Position) {
	delete(e.positions, pos.Key)
	if pos.StopLossKey != nil {
		delete(e.pending, *pos.StopLossKey)
	}
	if pos.TakeProfitKey != nil {
		delete(e.pending, *pos.TakeProfitKey)
	}
}

// isLiquidatable evaluates the maintenance check on the live position at
// the median price, fees included.
func (e *Engine) isLiquidatable(cfg *market.Config, st *market.State, idx PriceTriple, q collateralQuote, pos *Position) bool {
	fundingUsd := funding.FeeUSD(pos.SizeUsd, st.Funding.AccruedPerToken, pos.FundingEntryPerToken, idx.Med, pos.Key.IsLong)
	borrowUsd := borrowing.FeesOwed(st.Borrow(pos.Key.IsLong).Cumulative, pos.BorrowEntryCumulative, pos.SizeUsd)
	upnl := pnl.PositionPnlUSD(pos.SizeUsd, pos.AvgEntryPrice, idx.Med, pos.Key.IsLong)
	equity := pnl.EquityUSD(q.valueUSD(pos.Collateral), upnl, fundingUsd.Add(borrowUsd))
	return pnl.IsLiquidatable(equity, pos.SizeUsd, cfg.MaintenanceFraction)
}

// ============================================================================
// Collateral edits
// ============================================================================

func (e *Engine) executeCollateralEdit(cfg *market.Config, st *market.State, idx PriceTriple, pc *PriceContext, meta Meta, delta fixed.Tokens, increase bool) (*ExecutionResult, error) {
	pk := meta.PositionKey()
	pos, exists := e.positions[pk]
	if !exists {
		return nil, Reject(RejectPositionNotFound, "%s", pk)
	}

	q, err := e.quoteCollateral(pc, pos.CollateralToken)
	if err != nil {
		return nil, err
	}

	staged := pos.Clone()
	fundingUsd, borrowUsd := settleFees(staged, st, idx, q, pc.Timestamp)

	if increase {
		staged.Collateral = staged.Collateral.Add(delta)
	} else {
		staged.Collateral = staged.Collateral.Sub(delta)
	}
	if staged.Collateral.Sign() < 0 {
		return nil, Reject(RejectInsufficientCollateral, "withdrawal exceeds collateral")
	}
	staged.Version++

	collateralValue := q.valueUSD(staged.Collateral)
	if collateralValue.LT(cfg.MinCollateralUSD) {
		return nil, Reject(RejectBelowMinCollateral, "collateral value %s below minimum %s", collateralValue, cfg.MinCollateralUSD)
	}
	if LeverageWad(staged.SizeUsd, collateralValue).GT(cfg.MaxLeverage) {
		return nil, Reject(RejectLeverageExceeded, "size %s over collateral %s", staged.SizeUsd, collateralValue)
	}
	upnl := pnl.PositionPnlUSD(staged.SizeUsd, staged.AvgEntryPrice, idx.Med, pk.IsLong)
	if pnl.IsLiquidatable(pnl.EquityUSD(collateralValue, upnl, fixed.ZeroUSD()), staged.SizeUsd, cfg.MaintenanceFraction) {
		return nil, Reject(RejectMaintenanceMargin, "position would fall below maintenance margin")
	}

	e.positions[pk] = staged

	kind := KindIncreaseCollateral
	returned := fixed.ZeroTokens()
	if !increase {
		kind = KindDecreaseCollateral
		returned = delta.Clone()
	}
	return &ExecutionResult{
		RequestKey:         meta.RequestKey,
		Kind:               kind,
		Instrument:         pk.Instrument,
		User:               pk.User,
		IsLong:             pk.IsLong,
		ExecutedAt:         pc.Timestamp,
		FillPrice:          idx.Med,
		SizeDeltaUsd:       fixed.ZeroUSD(),
		PositionFeeUsd:     fixed.ZeroUSD(),
		FundingFeeUsd:      fundingUsd,
		BorrowFeeUsd:       borrowUsd,
		PriceImpactUsd:     fixed.ZeroUSD(),
		RealizedPnlUsd:     fixed.ZeroUSD(),
		LiquidationFeeUsd:  fixed.ZeroUSD(),
		CollateralReturned: returned,
	}, nil
}

// ============================================================================
// Queries
// ============================================================================

// MarketState returns a copy of an instrument's accounting state.
func (e *Engine) MarketState(instrument string) (*market.State, bool) {
	st, ok := e.markets.State(instrument)
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// ComputeLiquidationPrice estimates the index price at which a position
// becomes liquidatable, using the current cumulative counters without
// advancing accrual.
func (e *Engine) ComputeLiquidationPrice(instrument string, user uuid.UUID, isLong bool, pc *PriceContext) (fixed.USD, error) {
	pk := PositionKey{Instrument: instrument, User: user, IsLong: isLong}
	pos, ok := e.positions[pk]
	if !ok {
		return fixed.ZeroUSD(), Reject(RejectPositionNotFound, "%s", pk)
	}
	cfg, ok := e.markets.Config(instrument)
	if !ok {
		return fixed.ZeroUSD(), Reject(RejectUnknownInstrument, "%s", instrument)
	}
	st, _ := e.markets.State(instrument)

	idx, err := pc.Triple(cfg.IndexAsset)
	if err != nil {
		return fixed.ZeroUSD(), err
	}
	q, err := e.quoteCollateral(pc, pos.CollateralToken)
	if err != nil {
		return fixed.ZeroUSD(), err
	}

	fundingUsd := funding.FeeUSD(pos.SizeUsd, st.Funding.AccruedPerToken, pos.FundingEntryPerToken, idx.Med, isLong)
	borrowUsd := borrowing.FeesOwed(st.Borrow(isLong).Cumulative, pos.BorrowEntryCumulative, pos.SizeUsd)

	return pnl.LiquidationPrice(
		pos.SizeUsd,
		pos.AvgEntryPrice,
		q.valueUSD(pos.Collateral),
		fundingUsd.Add(borrowUsd),
		cfg.MaintenanceFraction,
		isLong,
	), nil
}

// EvaluateAdlEligibility returns a side's pnl-to-pool ratio and whether
// it breaches the instrument's ADL threshold.
func (e *Engine) EvaluateAdlEligibility(instrument string, isLong bool, pc *PriceContext) (fixed.WAD, bool, error) {
	cfg, ok := e.markets.Config(instrument)
	if !ok {
		return fixed.ZeroWAD(), false, Reject(RejectUnknownInstrument, "%s", instrument)
	}
	st, _ := e.markets.State(instrument)
	idx, err := pc.Triple(cfg.IndexAsset)
	if err != nil {
		return fixed.ZeroWAD(), false, err
	}
	ratio := pnl.SidePnlToPoolRatio(st, pc.PoolValueUsd, idx.Med, isLong)
	return ratio, ratio.GT(cfg.AdlThreshold), nil
}

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/borrowing"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/engine"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/funding"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/market"
)

// SnapshotManager persists and loads full-state snapshots. The engine
// recovers by loading the latest snapshot and replaying any executions
// acknowledged after it was taken; requests already present in the
// execution log are skipped on replay.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SnapshotData is the serializable form of the whole engine state:
// every market's cumulative counters, every open position, and every
// pending request. Scaled quantities are raw decimal integer strings.
type SnapshotData struct {
	TakenAt   int64          `json:"taken_at"`
	Markets   []MarketSnap   `json:"markets"`
	Positions []PositionSnap `json:"positions"`
	Requests  []RequestSnap  `json:"requests"`
}

// MarketSnap mirrors market.State.
type MarketSnap struct {
	Instrument string `json:"instrument"`

	LongOpenInterest  string `json:"long_open_interest"`
	ShortOpenInterest string `json:"short_open_interest"`

	FundingRate      string `json:"funding_rate"`
	FundingVelocity  string `json:"funding_velocity"`
	AccruedPerToken  string `json:"accrued_per_token"`
	FundingUpdatedAt int64  `json:"funding_updated_at"`

	LongBorrow      BorrowSnap `json:"long_borrow"`
	ShortBorrow     BorrowSnap `json:"short_borrow"`
	BorrowUpdatedAt int64      `json:"borrow_updated_at"`

	LongAvgEntryPrice  string `json:"long_avg_entry_price"`
	ShortAvgEntryPrice string `json:"short_avg_entry_price"`

	Version int64 `json:"version"`
}

// BorrowSnap mirrors borrowing.SideState.
type BorrowSnap struct {
	Rate               string `json:"rate"`
	Cumulative         string `json:"cumulative"`
	AvgEntryCumulative string `json:"avg_entry_cumulative"`
}

// PositionSnap mirrors engine.Position.
type PositionSnap struct {
	Instrument string `json:"instrument"`
	User       string `json:"user_id"`
	IsLong     bool   `json:"is_long"`

	CollateralToken string `json:"collateral_token"`
	Collateral      string `json:"collateral"`
	SizeUsd         string `json:"size_usd"`
	AvgEntryPrice   string `json:"avg_entry_price"`

	FundingEntryPerToken  string `json:"funding_entry_per_token"`
	BorrowEntryCumulative string `json:"borrow_entry_cumulative"`

	StopLossKey   *string `json:"stop_loss_key,omitempty"`
	TakeProfitKey *string `json:"take_profit_key,omitempty"`

	OpenedAt    int64 `json:"opened_at"`
	LastTouched int64 `json:"last_touched"`
	Version     int64 `json:"version"`
}

// RequestSnap is a kind-tagged pending request. Fields not used by the
// kind are empty.
type RequestSnap struct {
	Kind       string `json:"kind"`
	RequestKey string `json:"request_key"`
	Instrument string `json:"instrument"`
	User       string `json:"user_id"`
	IsLong     bool   `json:"is_long"`
	CreatedAt  int64  `json:"created_at"`

	CollateralToken string  `json:"collateral_token,omitempty"`
	CollateralDelta string  `json:"collateral_delta,omitempty"`
	SizeDeltaUsd    string  `json:"size_delta_usd,omitempty"`
	AcceptablePrice string  `json:"acceptable_price,omitempty"`
	StopLossKey     *string `json:"stop_loss_key,omitempty"`
	TakeProfitKey   *string `json:"take_profit_key,omitempty"`
	Liquidator      string  `json:"liquidator_id,omitempty"`
}

// Capture serializes the engine's current state.
func Capture(eng *engine.Engine, takenAt int64) *SnapshotData {
	snap := &SnapshotData{TakenAt: takenAt}

	for _, st := range eng.Markets().AllStates() {
		snap.Markets = append(snap.Markets, MarketSnap{
			Instrument:         st.Instrument,
			LongOpenInterest:   st.LongOpenInterest.Raw().String(),
			ShortOpenInterest:  st.ShortOpenInterest.Raw().String(),
			FundingRate:        st.Funding.Rate.Raw().String(),
			FundingVelocity:    st.Funding.Velocity.Raw().String(),
			AccruedPerToken:    st.Funding.AccruedPerToken.Raw().String(),
			FundingUpdatedAt:   st.Funding.UpdatedAt,
			LongBorrow:         borrowSnap(st.LongBorrow),
			ShortBorrow:        borrowSnap(st.ShortBorrow),
			BorrowUpdatedAt:    st.BorrowUpdatedAt,
			LongAvgEntryPrice:  st.LongAvgEntryPrice.Raw().String(),
			ShortAvgEntryPrice: st.ShortAvgEntryPrice.Raw().String(),
			Version:            st.Version,
		})
	}

	for _, pos := range eng.Positions() {
		snap.Positions = append(snap.Positions, PositionSnap{
			Instrument:            pos.Key.Instrument,
			User:                  pos.Key.User.String(),
			IsLong:                pos.Key.IsLong,
			CollateralToken:       pos.CollateralToken,
			Collateral:            pos.Collateral.Raw().String(),
			SizeUsd:               pos.SizeUsd.Raw().String(),
			AvgEntryPrice:         pos.AvgEntryPrice.Raw().String(),
			FundingEntryPerToken:  pos.FundingEntryPerToken.Raw().String(),
			BorrowEntryCumulative: pos.BorrowEntryCumulative.Raw().String(),
			StopLossKey:           keyString(pos.StopLossKey),
			TakeProfitKey:         keyString(pos.TakeProfitKey),
			OpenedAt:              pos.OpenedAt,
			LastTouched:           pos.LastTouched,
			Version:               pos.Version,
		})
	}

	for _, req := range eng.PendingRequests() {
		snap.Requests = append(snap.Requests, requestSnap(req))
	}

	return snap
}

func borrowSnap(s borrowing.SideState) BorrowSnap {
	return BorrowSnap{
		Rate:               s.Rate.Raw().String(),
		Cumulative:         s.Cumulative.Raw().String(),
		AvgEntryCumulative: s.AvgEntryCumulative.Raw().String(),
	}
}

func keyString(k *uuid.UUID) *string {
	if k == nil {
		return nil
	}
	s := k.String()
	return &s
}

func requestSnap(req engine.Request) RequestSnap {
	pk := req.PositionKey()
	rs := RequestSnap{
		Kind:       req.Kind().String(),
		RequestKey: req.Key().String(),
		Instrument: pk.Instrument,
		User:       pk.User.String(),
		IsLong:     pk.IsLong,
		CreatedAt:  req.CreatedAt(),
	}
	switch r := req.(type) {
	case *engine.CreatePosition:
		rs.CollateralToken = r.CollateralToken
		rs.CollateralDelta = r.CollateralDelta.Raw().String()
		rs.SizeDeltaUsd = r.SizeDeltaUsd.Raw().String()
		rs.AcceptablePrice = r.AcceptablePrice.Raw().String()
		rs.StopLossKey = keyString(r.StopLossKey)
		rs.TakeProfitKey = keyString(r.TakeProfitKey)
	case *engine.IncreaseSize:
		rs.CollateralDelta = r.CollateralDelta.Raw().String()
		rs.SizeDeltaUsd = r.SizeDeltaUsd.Raw().String()
		rs.AcceptablePrice = r.AcceptablePrice.Raw().String()
	case *engine.DecreaseSize:
		rs.SizeDeltaUsd = r.SizeDeltaUsd.Raw().String()
		rs.AcceptablePrice = r.AcceptablePrice.Raw().String()
	case *engine.IncreaseCollateral:
		rs.CollateralDelta = r.CollateralDelta.Raw().String()
	case *engine.DecreaseCollateral:
		rs.CollateralDelta = r.CollateralDelta.Raw().String()
	case *engine.FullClose:
		rs.AcceptablePrice = r.AcceptablePrice.Raw().String()
	case *engine.Liquidate:
		rs.Liquidator = r.Liquidator.String()
	case *engine.ADL:
		rs.SizeDeltaUsd = r.SizeDeltaUsd.Raw().String()
	}
	return rs
}

// Apply restores a snapshot into an engine. Markets must already be
// registered with their configs; Apply only overwrites their counters.
func (sd *SnapshotData) Apply(eng *engine.Engine) error {
	for _, ms := range sd.Markets {
		st, err := ms.decode()
		if err != nil {
			return fmt.Errorf("market %s: %w", ms.Instrument, err)
		}
		if err := eng.Markets().Restore(st); err != nil {
			return fmt.Errorf("market %s: %w", ms.Instrument, err)
		}
	}

	for _, ps := range sd.Positions {
		pos, err := ps.decode()
		if err != nil {
			return fmt.Errorf("position %s/%s: %w", ps.Instrument, ps.User, err)
		}
		eng.RestorePosition(pos)
	}

	for _, rs := range sd.Requests {
		req, err := rs.decode()
		if err != nil {
			return fmt.Errorf("request %s: %w", rs.RequestKey, err)
		}
		if err := eng.RestoreRequest(req); err != nil {
			return fmt.Errorf("request %s: %w", rs.RequestKey, err)
		}
	}

	return nil
}

func (ms MarketSnap) decode() (*market.State, error) {
	st := &market.State{Instrument: ms.Instrument, Version: ms.Version}

	var err error
	if st.LongOpenInterest, err = usdOf(ms.LongOpenInterest); err != nil {
		return nil, err
	}
	if st.ShortOpenInterest, err = usdOf(ms.ShortOpenInterest); err != nil {
		return nil, err
	}
	if st.LongAvgEntryPrice, err = usdOf(ms.LongAvgEntryPrice); err != nil {
		return nil, err
	}
	if st.ShortAvgEntryPrice, err = usdOf(ms.ShortAvgEntryPrice); err != nil {
		return nil, err
	}

	f := funding.State{UpdatedAt: ms.FundingUpdatedAt}
	if f.Rate, err = wadOf(ms.FundingRate); err != nil {
		return nil, err
	}
	if f.Velocity, err = wadOf(ms.FundingVelocity); err != nil {
		return nil, err
	}
	if f.AccruedPerToken, err = usdOf(ms.AccruedPerToken); err != nil {
		return nil, err
	}
	st.Funding = f

	if st.LongBorrow, err = ms.LongBorrow.decode(); err != nil {
		return nil, err
	}
	if st.ShortBorrow, err = ms.ShortBorrow.decode(); err != nil {
		return nil, err
	}
	st.BorrowUpdatedAt = ms.BorrowUpdatedAt

	return st, nil
}

func (bs BorrowSnap) decode() (borrowing.SideState, error) {
	var s borrowing.SideState
	var err error
	if s.Rate, err = wadOf(bs.Rate); err != nil {
		return s, err
	}
	if s.Cumulative, err = wadOf(bs.Cumulative); err != nil {
		return s, err
	}
	s.AvgEntryCumulative, err = wadOf(bs.AvgEntryCumulative)
	return s, err
}

func (ps PositionSnap) decode() (*engine.Position, error) {
	user, err := uuid.Parse(ps.User)
	if err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	pos := &engine.Position{
		Key: engine.PositionKey{
			Instrument: ps.Instrument,
			User:       user,
			IsLong:     ps.IsLong,
		},
		CollateralToken: ps.CollateralToken,
		OpenedAt:        ps.OpenedAt,
		LastTouched:     ps.LastTouched,
		Version:         ps.Version,
	}
	if pos.Collateral, err = tokensOf(ps.Collateral); err != nil {
		return nil, err
	}
	if pos.SizeUsd, err = usdOf(ps.SizeUsd); err != nil {
		return nil, err
	}
	if pos.AvgEntryPrice, err = usdOf(ps.AvgEntryPrice); err != nil {
		return nil, err
	}
	if pos.FundingEntryPerToken, err = usdOf(ps.FundingEntryPerToken); err != nil {
		return nil, err
	}
	if pos.BorrowEntryCumulative, err = wadOf(ps.BorrowEntryCumulative); err != nil {
		return nil, err
	}
	if pos.StopLossKey, err = keyOf(ps.StopLossKey); err != nil {
		return nil, err
	}
	if pos.TakeProfitKey, err = keyOf(ps.TakeProfitKey); err != nil {
		return nil, err
	}
	return pos, nil
}

func (rs RequestSnap) decode() (engine.Request, error) {
	key, err := uuid.Parse(rs.RequestKey)
	if err != nil {
		return nil, fmt.Errorf("request key: %w", err)
	}
	user, err := uuid.Parse(rs.User)
	if err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	meta := engine.Meta{
		RequestKey: key,
		Instrument: rs.Instrument,
		User:       user,
		IsLong:     rs.IsLong,
		Created:    rs.CreatedAt,
	}

	switch rs.Kind {
	case "create_position":
		req := &engine.CreatePosition{Meta: meta, CollateralToken: rs.CollateralToken}
		if req.CollateralDelta, err = tokensOf(rs.CollateralDelta); err != nil {
			return nil, err
		}
		if req.SizeDeltaUsd, err = usdOf(rs.SizeDeltaUsd); err != nil {
			return nil, err
		}
		if req.AcceptablePrice, err = usdOf(rs.AcceptablePrice); err != nil {
			return nil, err
		}
		if req.StopLossKey, err = keyOf(rs.StopLossKey); err != nil {
			return nil, err
		}
		if req.TakeProfitKey, err = keyOf(rs.TakeProfitKey); err != nil {
			return nil, err
		}
		return req, nil
	case "increase_size":
		req := &engine.IncreaseSize{Meta: meta}
		if req.CollateralDelta, err = tokensOf(rs.CollateralDelta); err != nil {
			return nil, err
		}
		if req.SizeDeltaUsd, err = usdOf(rs.SizeDeltaUsd); err != nil {
			return nil, err
		}
		if req.AcceptablePrice, err = usdOf(rs.AcceptablePrice); err != nil {
			return nil, err
		}
		return req, nil
	case "decrease_size":
		req := &engine.DecreaseSize{Meta: meta}
		if req.SizeDeltaUsd, err = usdOf(rs.SizeDeltaUsd); err != nil {
			return nil, err
		}
		if req.AcceptablePrice, err = usdOf(rs.AcceptablePrice); err != nil {
			return nil, err
		}
		return req, nil
	case "increase_collateral":
		req := &engine.IncreaseCollateral{Meta: meta}
		if req.CollateralDelta, err = tokensOf(rs.CollateralDelta); err != nil {
			return nil, err
		}
		return req, nil
	case "decrease_collateral":
		req := &engine.DecreaseCollateral{Meta: meta}
		if req.CollateralDelta, err = tokensOf(rs.CollateralDelta); err != nil {
			return nil, err
		}
		return req, nil
	case "full_close":
		req := &engine.FullClose{Meta: meta}
		if req.AcceptablePrice, err = usdOf(rs.AcceptablePrice); err != nil {
			return nil, err
		}
		return req, nil
	case "liquidate":
		req := &engine.Liquidate{Meta: meta}
		if req.Liquidator, err = uuid.Parse(rs.Liquidator); err != nil {
			return nil, fmt.Errorf("liquidator: %w", err)
		}
		return req, nil
	case "adl":
		req := &engine.ADL{Meta: meta}
		if req.SizeDeltaUsd, err = usdOf(rs.SizeDeltaUsd); err != nil {
			return nil, err
		}
		return req, nil
	default:
		return nil, fmt.Errorf("unknown request kind %q", rs.Kind)
	}
}

func rawOf(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bad raw integer %q", s)
	}
	return v, nil
}

func usdOf(s string) (fixed.USD, error) {
	v, err := rawOf(s)
	if err != nil {
		return fixed.ZeroUSD(), err
	}
	return fixed.NewUSD(v), nil
}

func wadOf(s string) (fixed.WAD, error) {
	v, err := rawOf(s)
	if err != nil {
		return fixed.ZeroWAD(), err
	}
	return fixed.NewWAD(v), nil
}

func tokensOf(s string) (fixed.Tokens, error) {
	v, err := rawOf(s)
	if err != nil {
		return fixed.ZeroTokens(), err
	}
	return fixed.NewTokens(v), nil
}

func keyOf(s *string) (*uuid.UUID, error) {
	if s == nil {
		return nil, nil
	}
	k, err := uuid.Parse(*s)
	if err != nil {
		return nil, fmt.Errorf("attached key: %w", err)
	}
	return &k, nil
}

// Save writes a snapshot row. One row per taken_at timestamp; retaking
// at the same timestamp overwrites.
func (sm *SnapshotManager) Save(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO perp.snapshots (snapshot_id, taken_at, data, size_bytes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (taken_at) DO UPDATE SET data = $3, size_bytes = $4
	`, uuid.New(), snap.TakenAt, data, len(data))
	return err
}

// LoadLatest returns the most recent snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM perp.snapshots
		ORDER BY taken_at DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Prune deletes all but the newest keep snapshots.
func (sm *SnapshotManager) Prune(ctx context.Context, keep int) error {
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM perp.snapshots
		WHERE taken_at NOT IN (
			SELECT taken_at FROM perp.snapshots ORDER BY taken_at DESC LIMIT $1
		)
	`, keep)
	return err
}

package persistence_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/engine"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/market"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/persistence"
)

const t0 = int64(1_700_000_000)

func newEngine() *engine.Engine {
	return engine.New(market.NewStore(t0), zerolog.Nop(), nil)
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := newEngine()

	// Dirty the BTC market counters so the round trip has something to
	// preserve.
	st, ok := src.Markets().State("BTC-PERP")
	if !ok {
		t.Fatal("BTC-PERP not registered")
	}
	staged := st.Clone()
	staged.LongOpenInterest = fixed.Dollars(250_000)
	staged.ShortOpenInterest = fixed.Dollars(100_000)
	staged.LongAvgEntryPrice = fixed.Dollars(10_250)
	staged.ShortAvgEntryPrice = fixed.Dollars(9_900)
	staged.Funding.Rate = fixed.WadFromInt64(42_000_000_000_000)
	staged.Funding.Velocity = fixed.WadFromInt64(-7_000_000_000)
	staged.Funding.AccruedPerToken = fixed.Dollars(3)
	staged.Funding.UpdatedAt = t0 + 600
	staged.LongBorrow.Rate = fixed.WadFromInt64(5_000_000_000_000)
	staged.LongBorrow.Cumulative = fixed.WadFromInt64(123_456_789)
	staged.LongBorrow.AvgEntryCumulative = fixed.WadFromInt64(111_111)
	staged.BorrowUpdatedAt = t0 + 600
	staged.Version = 7
	src.Markets().Commit(staged)

	user := uuid.New()
	sl := uuid.New()
	pos := &engine.Position{
		Key: engine.PositionKey{
			Instrument: "BTC-PERP",
			User:       user,
			IsLong:     true,
		},
		CollateralToken:       "USDC",
		Collateral:            fixed.WholeTokens(2_000, fixed.Base6),
		SizeUsd:               fixed.Dollars(50_000),
		AvgEntryPrice:         fixed.Dollars(10_250),
		FundingEntryPerToken:  fixed.Dollars(1),
		BorrowEntryCumulative: fixed.WadFromInt64(111_111),
		StopLossKey:           &sl,
		OpenedAt:              t0 + 10,
		LastTouched:           t0 + 600,
		Version:               3,
	}
	src.RestorePosition(pos)

	stop := &engine.FullClose{
		Meta: engine.Meta{
			RequestKey: sl,
			Instrument: "BTC-PERP",
			User:       user,
			IsLong:     true,
			Created:    t0 + 10,
		},
		AcceptablePrice: fixed.Dollars(9_500),
	}
	if err := src.RestoreRequest(stop); err != nil {
		t.Fatalf("seed request: %v", err)
	}

	snap := persistence.Capture(src, t0+700)

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded persistence.SnapshotData
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.TakenAt != t0+700 {
		t.Errorf("taken_at = %d", decoded.TakenAt)
	}

	dst := newEngine()
	if err := decoded.Apply(dst); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, ok := dst.Markets().State("BTC-PERP")
	if !ok {
		t.Fatal("restored store missing BTC-PERP")
	}
	if got.LongOpenInterest.Cmp(staged.LongOpenInterest) != 0 {
		t.Errorf("long oi = %s, want %s", got.LongOpenInterest, staged.LongOpenInterest)
	}
	if got.ShortOpenInterest.Cmp(staged.ShortOpenInterest) != 0 {
		t.Errorf("short oi = %s", got.ShortOpenInterest)
	}
	if got.Funding.Rate.Cmp(staged.Funding.Rate) != 0 {
		t.Errorf("funding rate = %s", got.Funding.Rate)
	}
	if got.Funding.Velocity.Cmp(staged.Funding.Velocity) != 0 {
		t.Errorf("funding velocity = %s", got.Funding.Velocity)
	}
	if got.Funding.AccruedPerToken.Cmp(staged.Funding.AccruedPerToken) != 0 {
		t.Errorf("accrued per token = %s", got.Funding.AccruedPerToken)
	}
	if got.Funding.UpdatedAt != staged.Funding.UpdatedAt {
		t.Errorf("funding updated at = %d", got.Funding.UpdatedAt)
	}
	if got.LongBorrow.Cumulative.Cmp(staged.LongBorrow.Cumulative) != 0 {
		t.Errorf("long borrow cumulative = %s", got.LongBorrow.Cumulative)
	}
	if got.LongAvgEntryPrice.Cmp(staged.LongAvgEntryPrice) != 0 {
		t.Errorf("long avg entry = %s", got.LongAvgEntryPrice)
	}
	if got.Version != 7 {
		t.Errorf("version = %d", got.Version)
	}

	gotPos, ok := dst.GetPosition("BTC-PERP", user, true)
	if !ok {
		t.Fatal("restored engine missing position")
	}
	if gotPos.Collateral.Cmp(pos.Collateral) != 0 {
		t.Errorf("collateral = %s", gotPos.Collateral)
	}
	if gotPos.SizeUsd.Cmp(pos.SizeUsd) != 0 {
		t.Errorf("size = %s", gotPos.SizeUsd)
	}
	if gotPos.AvgEntryPrice.Cmp(pos.AvgEntryPrice) != 0 {
		t.Errorf("avg entry = %s", gotPos.AvgEntryPrice)
	}
	if gotPos.BorrowEntryCumulative.Cmp(pos.BorrowEntryCumulative) != 0 {
		t.Errorf("borrow entry = %s", gotPos.BorrowEntryCumulative)
	}
	if gotPos.StopLossKey == nil || *gotPos.StopLossKey != sl {
		t.Error("stop loss key lost in round trip")
	}
	if gotPos.TakeProfitKey != nil {
		t.Error("take profit key should stay nil")
	}

	restored, ok := dst.PendingRequest(sl)
	if !ok {
		t.Fatal("restored engine missing pending request")
	}
	fc, ok := restored.(*engine.FullClose)
	if !ok {
		t.Fatalf("wrong request type %T", restored)
	}
	if fc.AcceptablePrice.Cmp(stop.AcceptablePrice) != 0 {
		t.Errorf("acceptable price = %s", fc.AcceptablePrice)
	}
	if fc.CreatedAt() != t0+10 {
		t.Errorf("created at = %d", fc.CreatedAt())
	}
}

func TestSnapshotRequestKinds(t *testing.T) {
	src := newEngine()
	user := uuid.New()

	metaAt := func(i int) engine.Meta {
		return engine.Meta{
			RequestKey: uuid.New(),
			Instrument: "ETH-PERP",
			User:       user,
			IsLong:     i%2 == 0,
			Created:    t0 + int64(i),
		}
	}

	reqs := []engine.Request{
		&engine.CreatePosition{
			Meta:            metaAt(0),
			CollateralToken: "USDC",
			CollateralDelta: fixed.WholeTokens(100, fixed.Base6),
			SizeDeltaUsd:    fixed.Dollars(1_000),
			AcceptablePrice: fixed.Dollars(2_100),
		},
		&engine.IncreaseSize{
			Meta:            metaAt(1),
			CollateralDelta: fixed.ZeroTokens(),
			SizeDeltaUsd:    fixed.Dollars(500),
			AcceptablePrice: fixed.ZeroUSD(),
		},
		&engine.DecreaseSize{
			Meta:            metaAt(2),
			SizeDeltaUsd:    fixed.Dollars(250),
			AcceptablePrice: fixed.ZeroUSD(),
		},
		&engine.IncreaseCollateral{
			Meta:            metaAt(3),
			CollateralDelta: fixed.WholeTokens(50, fixed.Base6),
		},
		&engine.DecreaseCollateral{
			Meta:            metaAt(4),
			CollateralDelta: fixed.WholeTokens(25, fixed.Base6),
		},
		&engine.FullClose{Meta: metaAt(5)},
		&engine.Liquidate{Meta: metaAt(6), Liquidator: uuid.New()},
		&engine.ADL{Meta: metaAt(7), SizeDeltaUsd: fixed.Dollars(100)},
	}
	for _, req := range reqs {
		if err := src.RestoreRequest(req); err != nil {
			t.Fatalf("seed %s: %v", req.Kind(), err)
		}
	}

	snap := persistence.Capture(src, t0)
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded persistence.SnapshotData
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	dst := newEngine()
	if err := decoded.Apply(dst); err != nil {
		t.Fatalf("apply: %v", err)
	}

	for _, want := range reqs {
		got, ok := dst.PendingRequest(want.Key())
		if !ok {
			t.Errorf("%s: missing after restore", want.Kind())
			continue
		}
		if got.Kind() != want.Kind() {
			t.Errorf("kind = %s, want %s", got.Kind(), want.Kind())
		}
		if got.PositionKey() != want.PositionKey() {
			t.Errorf("%s: position key changed", want.Kind())
		}
		if got.CreatedAt() != want.CreatedAt() {
			t.Errorf("%s: created_at changed", want.Kind())
		}
	}

	if lq, ok := dst.PendingRequest(reqs[6].Key()); ok {
		want := reqs[6].(*engine.Liquidate).Liquidator
		if lq.(*engine.Liquidate).Liquidator != want {
			t.Error("liquidator lost in round trip")
		}
	}
}

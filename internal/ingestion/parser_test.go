package ingestion_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/engine"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/ingestion"
)

// ============================================================================
// Request parsing
// ============================================================================

func TestParseRequest_CreatePosition(t *testing.T) {
	data := []byte(`{
		"kind": "create_position",
		"request_key": "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"instrument": "BTC-PERP",
		"user_id": "6ba7b811-9dad-11d1-80b4-00c04fd430c8",
		"side": "long",
		"created_at": 1700000000,
		"collateral_token": "USDC",
		"collateral_delta": "1000000000",
		"size_delta_usd": "10000000000000000000000000000000000",
		"acceptable_price": "10100000000000000000000000000000000"
	}`)

	req, err := ingestion.ParseRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	create, ok := req.(*engine.CreatePosition)
	if !ok {
		t.Fatalf("wrong type %T", req)
	}
	if create.Kind() != engine.KindCreatePosition {
		t.Errorf("kind = %s", create.Kind())
	}
	if create.PositionKey().Instrument != "BTC-PERP" || !create.PositionKey().IsLong {
		t.Errorf("position key = %s", create.PositionKey())
	}
	if create.CreatedAt() != 1700000000 {
		t.Errorf("created_at = %d", create.CreatedAt())
	}
	if create.CollateralToken != "USDC" {
		t.Errorf("collateral token = %s", create.CollateralToken)
	}
	// 1000 USDC at 6 decimals.
	if create.CollateralDelta.Cmp(fixed.WholeTokens(1000, fixed.Base6)) != 0 {
		t.Errorf("collateral delta = %s", create.CollateralDelta)
	}
	if create.SizeDeltaUsd.Cmp(fixed.Dollars(10_000)) != 0 {
		t.Errorf("size delta = %s", create.SizeDeltaUsd)
	}
	if create.AcceptablePrice.Cmp(fixed.Dollars(10_100)) != 0 {
		t.Errorf("acceptable price = %s", create.AcceptablePrice)
	}
	if create.StopLossKey != nil || create.TakeProfitKey != nil {
		t.Error("absent conditional keys should parse as nil")
	}
}

func TestParseRequest_AttachedKeys(t *testing.T) {
	data := []byte(`{
		"kind": "create_position",
		"request_key": "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"instrument": "ETH-PERP",
		"user_id": "6ba7b811-9dad-11d1-80b4-00c04fd430c8",
		"side": "short",
		"created_at": 1700000000,
		"collateral_token": "USDC",
		"collateral_delta": "500000000",
		"size_delta_usd": "5000000000000000000000000000000000",
		"stop_loss_key": "6ba7b812-9dad-11d1-80b4-00c04fd430c8"
	}`)

	req, err := ingestion.ParseRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	create := req.(*engine.CreatePosition)
	if create.StopLossKey == nil {
		t.Fatal("stop loss key should be set")
	}
	if create.StopLossKey.String() != "6ba7b812-9dad-11d1-80b4-00c04fd430c8" {
		t.Errorf("stop loss key = %s", create.StopLossKey)
	}
	if create.TakeProfitKey != nil {
		t.Error("take profit key should be nil")
	}
	if create.PositionKey().IsLong {
		t.Error("side short should parse as !IsLong")
	}
}

func TestParseRequest_AllKinds(t *testing.T) {
	base := `"request_key": "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"instrument": "BTC-PERP",
		"user_id": "6ba7b811-9dad-11d1-80b4-00c04fd430c8",
		"side": "long",
		"created_at": 1700000000`

	cases := []struct {
		name string
		json string
		kind engine.Kind
	}{
		{
			name: "increase_size",
			json: `{"kind": "increase_size", ` + base + `, "size_delta_usd": "1000000000000000000000000000000000"}`,
			kind: engine.KindIncreaseSize,
		},
		{
			name: "decrease_size",
			json: `{"kind": "decrease_size", ` + base + `, "size_delta_usd": "1000000000000000000000000000000000"}`,
			kind: engine.KindDecreaseSize,
		},
		{
			name: "increase_collateral",
			json: `{"kind": "increase_collateral", ` + base + `, "collateral_delta": "1000000"}`,
			kind: engine.KindIncreaseCollateral,
		},
		{
			name: "decrease_collateral",
			json: `{"kind": "decrease_collateral", ` + base + `, "collateral_delta": "1000000"}`,
			kind: engine.KindDecreaseCollateral,
		},
		{
			name: "full_close",
			json: `{"kind": "full_close", ` + base + `}`,
			kind: engine.KindFullClose,
		},
		{
			name: "liquidate",
			json: `{"kind": "liquidate", ` + base + `, "liquidator_id": "6ba7b813-9dad-11d1-80b4-00c04fd430c8"}`,
			kind: engine.KindLiquidate,
		},
		{
			name: "adl",
			json: `{"kind": "adl", ` + base + `, "size_delta_usd": "1000000000000000000000000000000000"}`,
			kind: engine.KindADL,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := ingestion.ParseRequest([]byte(tc.json))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if req.Kind() != tc.kind {
				t.Errorf("kind = %s, want %s", req.Kind(), tc.kind)
			}
		})
	}
}

func TestParseRequest_Rejects(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"unknown kind", `{"kind": "nonsense"}`},
		{"bad uuid", `{"kind": "full_close", "request_key": "not-a-uuid", "instrument": "BTC-PERP", "user_id": "6ba7b811-9dad-11d1-80b4-00c04fd430c8", "side": "long"}`},
		{"bad side", `{"kind": "full_close", "request_key": "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "instrument": "BTC-PERP", "user_id": "6ba7b811-9dad-11d1-80b4-00c04fd430c8", "side": "sideways"}`},
		{"bad amount", `{"kind": "adl", "request_key": "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "instrument": "BTC-PERP", "user_id": "6ba7b811-9dad-11d1-80b4-00c04fd430c8", "side": "long", "size_delta_usd": "12.5"}`},
		{"not json", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ingestion.ParseRequest([]byte(tc.json)); err == nil {
				t.Error("want parse error")
			}
		})
	}
}

// ============================================================================
// Cancel and execution parsing
// ============================================================================

func TestParseCancel(t *testing.T) {
	key, err := ingestion.ParseCancel([]byte(`{"request_key": "6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	if key != want {
		t.Errorf("key = %s, want %s", key, want)
	}

	if _, err := ingestion.ParseCancel([]byte(`{"request_key": "zzz"}`)); err == nil {
		t.Error("bad uuid should fail")
	}
}

func TestParseExecution(t *testing.T) {
	data := []byte(`{
		"request_key": "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"timestamp": 1700000060,
		"pool_value_usd": "1000000000000000000000000000000000000",
		"prices": {
			"BTC": {
				"min": "9990000000000000000000000000000000",
				"med": "10000000000000000000000000000000000",
				"max": "10010000000000000000000000000000000"
			},
			"USDC": {
				"min": "1000000000000000000000000000000",
				"med": "1000000000000000000000000000000",
				"max": "1000000000000000000000000000000"
			}
		},
		"base_unit_decimals": {"USDC": 6, "BTC": 18}
	}`)

	key, pc, err := ingestion.ParseExecution(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if key != uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8") {
		t.Errorf("key = %s", key)
	}
	if pc.Timestamp != 1700000060 {
		t.Errorf("timestamp = %d", pc.Timestamp)
	}
	if pc.PoolValueUsd.Cmp(fixed.Dollars(1_000_000)) != 0 {
		t.Errorf("pool value = %s", pc.PoolValueUsd)
	}

	btc, err := pc.Triple("BTC")
	if err != nil {
		t.Fatalf("btc triple: %v", err)
	}
	if btc.Med.Cmp(fixed.Dollars(10_000)) != 0 {
		t.Errorf("btc med = %s", btc.Med)
	}
	if !btc.Min.LT(btc.Med) || !btc.Med.LT(btc.Max) {
		t.Error("triple ordering lost in parse")
	}

	base, err := pc.BaseUnit("USDC")
	if err != nil {
		t.Fatalf("usdc base unit: %v", err)
	}
	if base.Cmp(fixed.Base6) != 0 {
		t.Errorf("usdc base unit = %s", base)
	}
}

func TestParseExecution_RejectsBadDecimals(t *testing.T) {
	data := []byte(`{
		"request_key": "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"timestamp": 1700000060,
		"pool_value_usd": "0",
		"prices": {},
		"base_unit_decimals": {"USDC": 99}
	}`)
	if _, _, err := ingestion.ParseExecution(data); err == nil {
		t.Error("decimals out of range should fail")
	}
}

package fixed_test

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
)

// ============================================================================
// Test: rounding directions
// ============================================================================

func TestMulWad_RoundDownTruncatesTowardZero(t *testing.T) {
	// 1 dollar * (1/3) wad: inexact, must truncate.
	oneThird := fixed.NewWAD(big.NewInt(333_333_333_333_333_333))
	got := fixed.Dollars(1).MulWad(oneThird, fixed.RoundDown)

	want := new(big.Int).Mul(big.NewInt(333_333_333_333_333_333), exp10(12))
	if got.Raw().Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got.Raw(), want)
	}

	// Negative amount truncates toward zero, not toward -inf.
	gotNeg := fixed.Dollars(-1).MulWad(oneThird, fixed.RoundDown)
	if gotNeg.Raw().Cmp(new(big.Int).Neg(want)) != 0 {
		t.Errorf("negative: got %s, want %s", gotNeg.Raw(), new(big.Int).Neg(want))
	}
}

func TestMulWad_RoundUpAwayFromZero(t *testing.T) {
	third := fixed.NewWAD(big.NewInt(1)) // smallest wad
	down := fixed.NewUSD(big.NewInt(1)).MulWad(third, fixed.RoundDown)
	up := fixed.NewUSD(big.NewInt(1)).MulWad(third, fixed.RoundUp)

	if down.Sign() != 0 {
		t.Errorf("round down: got %s, want 0", down.Raw())
	}
	if up.Raw().Cmp(big.NewInt(1)) != 0 {
		t.Errorf("round up: got %s, want 1", up.Raw())
	}
}

func TestDivWad_HalfEven(t *testing.T) {
	// 1 / 2 with half-even at the midpoint: 0.5 rounds to even.
	a := fixed.NewUSD(big.NewInt(1))
	b := fixed.NewUSD(big.NewInt(2))
	// a/b = 0.5 wad = 5e17 exactly, no rounding needed
	got := a.DivWad(b, fixed.RoundHalfEven)
	if got.Raw().Cmp(big.NewInt(500_000_000_000_000_000)) != 0 {
		t.Errorf("got %s, want 5e17", got.Raw())
	}
}

func TestClamp(t *testing.T) {
	limit := fixed.WadFromInt64(100)

	cases := []struct {
		in   int64
		want int64
	}{
		{50, 50},
		{100, 100},
		{150, 100},
		{-50, -50},
		{-100, -100},
		{-150, -100},
	}

	for _, tc := range cases {
		got := fixed.WadFromInt64(tc.in).Clamp(limit)
		if got.Raw().Cmp(big.NewInt(tc.want)) != 0 {
			t.Errorf("Clamp(%d): got %s, want %d", tc.in, got.Raw(), tc.want)
		}
	}
}

// ============================================================================
// Test: the 1e30 / token-native boundary
// ============================================================================

func TestTokenConversion_Roundtrip18Decimals(t *testing.T) {
	price := fixed.Dollars(3_000) // e.g. an 18-decimal asset at $3000
	amount := fixed.WholeTokens(7, fixed.Base18)

	usd := fixed.USDFromTokens(amount, price, fixed.Base18, fixed.RoundDown)
	if usd.Cmp(fixed.Dollars(21_000)) != 0 {
		t.Errorf("USDFromTokens: got %s, want 21000", usd)
	}

	back := fixed.TokensFromUSD(usd, price, fixed.Base18, fixed.RoundDown)
	if back.Cmp(amount) != 0 {
		t.Errorf("roundtrip: got %s, want %s", back, amount)
	}
}

func TestTokenConversion_6DecimalStable(t *testing.T) {
	price := fixed.Dollars(1)
	amount := fixed.WholeTokens(1_500, fixed.Base6) // 1500 USDC

	usd := fixed.USDFromTokens(amount, price, fixed.Base6, fixed.RoundDown)
	if usd.Cmp(fixed.Dollars(1_500)) != 0 {
		t.Errorf("got %s, want 1500 USD", usd)
	}
}

func TestTokenConversion_RoundtripLossBounded(t *testing.T) {
	// Random fuzz over the conversion boundary: converting USD -> tokens
	// -> USD must never gain value and must lose at most one price-unit
	// worth of dust per conversion.
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		price := fixed.Dollars(1 + rng.Int63n(100_000))
		usd := fixed.Dollars(1 + rng.Int63n(10_000_000))

		tokens := fixed.TokensFromUSD(usd, price, fixed.Base18, fixed.RoundDown)
		back := fixed.USDFromTokens(tokens, price, fixed.Base18, fixed.RoundDown)

		if back.GT(usd) {
			t.Fatalf("roundtrip gained value: %s -> %s (price %s)", usd, back, price)
		}
		loss := usd.Sub(back)
		// One token-native unit is worth price/baseUnit USD.
		maxLoss := price.MulDiv(fixed.NewUSD(big.NewInt(1)), fixed.NewUSD(fixed.Base18), fixed.RoundUp).
			Add(fixed.NewUSD(big.NewInt(1)))
		if loss.GT(maxLoss) {
			t.Fatalf("roundtrip loss %s exceeds %s (usd=%s price=%s)", loss, maxLoss, usd, price)
		}
	}
}

func TestTokensFromUSD_ZeroPricePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on zero price")
		}
	}()
	fixed.TokensFromUSD(fixed.Dollars(1), fixed.ZeroUSD(), fixed.Base18, fixed.RoundDown)
}

// ============================================================================
// Test: rate integration time base
// ============================================================================

func TestScaleByElapsed_FullDay(t *testing.T) {
	rate := fixed.WadFromInt64(1_000_000_000_000) // 1e-6 per day
	got := rate.ScaleByElapsed(86_400)
	if got.Cmp(rate) != 0 {
		t.Errorf("full day: got %s, want %s", got, rate)
	}
}

func TestScaleByElapsed_HalfDay(t *testing.T) {
	rate := fixed.WadFromInt64(1_000_000_000_000)
	got := rate.ScaleByElapsed(43_200)
	if got.Cmp(rate.Half()) != 0 {
		t.Errorf("half day: got %s, want %s", got, rate.Half())
	}
}

func exp10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

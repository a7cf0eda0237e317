package funding_test

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/funding"
)

func testParams() funding.Params {
	return funding.Params{
		MaxVelocity: fixed.NewWAD(big.NewInt(9_000_000_000_000_000)), // 0.009/day²
		SkewScale:   fixed.Dollars(1_000_000),
	}
}

// ============================================================================
// Test: velocity
// ============================================================================

func TestCurrentVelocity_ProportionalToSkew(t *testing.T) {
	p := testParams()

	// Half the skew scale → half the max velocity.
	got := funding.CurrentVelocity(p, fixed.Dollars(500_000))
	want := p.MaxVelocity.Half()
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCurrentVelocity_ClampsAtScale(t *testing.T) {
	p := testParams()

	over := funding.CurrentVelocity(p, fixed.Dollars(5_000_000))
	if over.Cmp(p.MaxVelocity) != 0 {
		t.Errorf("positive clamp: got %s, want %s", over, p.MaxVelocity)
	}

	under := funding.CurrentVelocity(p, fixed.Dollars(-5_000_000))
	if under.Cmp(p.MaxVelocity.Neg()) != 0 {
		t.Errorf("negative clamp: got %s, want %s", under, p.MaxVelocity.Neg())
	}
}

func TestCurrentVelocity_ZeroSkewZeroVelocity(t *testing.T) {
	if v := funding.CurrentVelocity(testParams(), fixed.ZeroUSD()); !v.IsZero() {
		t.Errorf("zero skew should give zero velocity, got %s", v)
	}
}

// ============================================================================
// Test: rate integration and continuity
// ============================================================================

func TestRecompute_RateIntegratesVelocity(t *testing.T) {
	p := testParams()
	s := funding.State{
		Rate:            fixed.ZeroWAD(),
		Velocity:        fixed.NewWAD(big.NewInt(8_640_000_000_000_000)), // 0.00864/day²
		AccruedPerToken: fixed.ZeroUSD(),
		UpdatedAt:       0,
	}

	next := funding.Recompute(s, p, fixed.Dollars(3_000), fixed.SecondsPerDay)

	// One full day: rate = velocity * 1.
	if next.Rate.Cmp(s.Velocity) != 0 {
		t.Errorf("rate after 1 day: got %s, want %s", next.Rate, s.Velocity)
	}
	// Accrued = avg rate (velocity/2) * 1 day * price.
	wantAccrued := fixed.Dollars(3_000).MulWad(s.Velocity.Half(), fixed.RoundDown)
	if next.AccruedPerToken.Cmp(wantAccrued) != 0 {
		t.Errorf("accrued: got %s, want %s", next.AccruedPerToken, wantAccrued)
	}
}

func TestRecompute_ZeroElapsedIsIdentity(t *testing.T) {
	p := testParams()
	s := funding.State{
		Rate:      fixed.WadFromInt64(123),
		Velocity:  fixed.WadFromInt64(456),
		UpdatedAt: 1_000,
	}
	next := funding.Recompute(s, p, fixed.Dollars(100), 1_000)
	if next.Rate.Cmp(s.Rate) != 0 || !next.AccruedPerToken.IsZero() {
		t.Error("zero elapsed must not change the state")
	}
}

// Additivity: accruing over t1+t2 in one step must match accruing t1 then
// t2 from the same starting state, within rounding dust.
func TestRecompute_AdditivityAcrossSplits(t *testing.T) {
	p := testParams()
	price := fixed.Dollars(42_000)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		s := funding.State{
			Rate:            fixed.NewWAD(big.NewInt(rng.Int63n(2_000_000_000_000_000) - 1_000_000_000_000_000)),
			Velocity:        fixed.NewWAD(big.NewInt(rng.Int63n(18_000_000_000_000_000) - 9_000_000_000_000_000)),
			AccruedPerToken: fixed.ZeroUSD(),
			UpdatedAt:       0,
		}
		t1 := 1 + rng.Int63n(fixed.SecondsPerDay)
		t2 := 1 + rng.Int63n(fixed.SecondsPerDay)

		oneShot := funding.Recompute(s, p, price, t1+t2)
		mid := funding.Recompute(s, p, price, t1)
		twoShot := funding.Recompute(mid, p, price, t1+t2)

		// Each step truncates velocity*elapsed/day once, so a split may
		// land a unit or two of wad dust away from the one-shot rate.
		rateDiff := oneShot.Rate.Sub(twoShot.Rate).Abs()
		if rateDiff.GT(fixed.NewWAD(big.NewInt(2))) {
			t.Fatalf("rate diverged: one=%s two=%s (t1=%d t2=%d)", oneShot.Rate, twoShot.Rate, t1, t2)
		}

		diff := oneShot.AccruedPerToken.Sub(twoShot.AccruedPerToken).Abs()
		// Each integration step truncates twice (wad integral + price
		// multiply), so a split may lose a few units of dust.
		tolerance := fixed.NewUSD(new(big.Int).Mul(big.NewInt(4), price.Raw()))
		tolerance = fixed.NewUSD(new(big.Int).Quo(tolerance.Raw(), big.NewInt(1_000_000_000_000_000_000)))
		tolerance = tolerance.Add(fixed.NewUSD(big.NewInt(4)))
		if diff.GT(tolerance) {
			t.Fatalf("accrued diverged by %s (t1=%d t2=%d rate=%s vel=%s)",
				diff, t1, t2, s.Rate, s.Velocity)
		}
	}
}

// Continuity across a sign flip: a rate trajectory crossing zero mid-window
// must accrue the same whether or not the window is split at the crossing.
func TestRecompute_ContinuousAcrossSignFlip(t *testing.T) {
	p := testParams()
	price := fixed.Dollars(10_000)

	// Rate starts negative, velocity positive: crosses zero at
	// |rate|/velocity days = half a day here.
	s := funding.State{
		Rate:            fixed.NewWAD(big.NewInt(-4_320_000_000_000_000)),
		Velocity:        fixed.NewWAD(big.NewInt(8_640_000_000_000_000)),
		AccruedPerToken: fixed.ZeroUSD(),
		UpdatedAt:       0,
	}

	full := funding.Recompute(s, p, price, fixed.SecondsPerDay)
	atFlip := funding.Recompute(s, p, price, fixed.SecondsPerDay/2)
	split := funding.Recompute(atFlip, p, price, fixed.SecondsPerDay)

	if !atFlip.Rate.IsZero() {
		t.Fatalf("rate at crossing should be exactly zero, got %s", atFlip.Rate)
	}
	if full.Rate.Cmp(split.Rate) != 0 {
		t.Errorf("rate diverged across flip: %s vs %s", full.Rate, split.Rate)
	}
	diff := full.AccruedPerToken.Sub(split.AccruedPerToken).Abs()
	if diff.GT(fixed.NewUSD(big.NewInt(1_000_000_000_000))) { // 1e12 of 1e30 = dust
		t.Errorf("accrued diverged across flip by %s", diff)
	}

	// Symmetric trajectory over the full day integrates to zero.
	if !full.AccruedPerToken.IsZero() {
		t.Errorf("symmetric trajectory should net to zero, got %s", full.AccruedPerToken)
	}
}

// ============================================================================
// Test: per-position fee
// ============================================================================

func TestFeeUSD_SignedBySide(t *testing.T) {
	price := fixed.Dollars(2_000)
	entry := fixed.ZeroUSD()
	now := fixed.Dollars(4) // accrued $4 per token since entry

	size := fixed.Dollars(20_000) // 10 tokens at $2000

	longFee := funding.FeeUSD(size, now, entry, price, true)
	if longFee.Cmp(fixed.Dollars(40)) != 0 {
		t.Errorf("long fee: got %s, want 40", longFee)
	}

	shortFee := funding.FeeUSD(size, now, entry, price, false)
	if shortFee.Cmp(fixed.Dollars(-40)) != 0 {
		t.Errorf("short fee: got %s, want -40", shortFee)
	}
}

func TestFeeUSD_NoAccrualNoFee(t *testing.T) {
	acc := fixed.Dollars(7)
	fee := funding.FeeUSD(fixed.Dollars(1_000), acc, acc, fixed.Dollars(100), true)
	if !fee.IsZero() {
		t.Errorf("expected zero fee, got %s", fee)
	}
}

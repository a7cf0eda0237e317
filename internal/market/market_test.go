package market_test

import (
	"testing"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/market"
)

func btcConfig(t *testing.T) *market.Config {
	t.Helper()
	for _, cfg := range market.DefaultConfigs() {
		if cfg.Instrument == "BTC-PERP" {
			return cfg
		}
	}
	t.Fatal("BTC-PERP missing from defaults")
	return nil
}

func TestValidateConfig_Defaults(t *testing.T) {
	for _, cfg := range market.DefaultConfigs() {
		if err := market.ValidateConfig(cfg); err != nil {
			t.Errorf("default config %s invalid: %v", cfg.Instrument, err)
		}
	}
}

func TestValidateConfig_RejectsBadValues(t *testing.T) {
	cfg := btcConfig(t)
	cfg.MaintenanceFraction = fixed.ZeroWAD()
	if err := market.ValidateConfig(cfg); err == nil {
		t.Error("zero maintenance fraction should be rejected")
	}
}

func TestNextAverageEntryPrice_IncreaseBlends(t *testing.T) {
	// 100k open at $2000, adding 100k at $3000 → $2500 average.
	got := market.NextAverageEntryPrice(
		fixed.Dollars(2_000), fixed.Dollars(100_000),
		fixed.Dollars(3_000), fixed.Dollars(100_000), true)

	if got.Cmp(fixed.Dollars(2_500)) != 0 {
		t.Errorf("got %s, want 2500", got)
	}
}

func TestNextAverageEntryPrice_FirstFillTakesPrice(t *testing.T) {
	got := market.NextAverageEntryPrice(
		fixed.ZeroUSD(), fixed.ZeroUSD(),
		fixed.Dollars(1_234), fixed.Dollars(50_000), true)

	if got.Cmp(fixed.Dollars(1_234)) != 0 {
		t.Errorf("got %s, want 1234", got)
	}
}

func TestNextAverageEntryPrice_DecreaseKeepsAverage(t *testing.T) {
	got := market.NextAverageEntryPrice(
		fixed.Dollars(2_000), fixed.Dollars(100_000),
		fixed.Dollars(9_999), fixed.Dollars(40_000), false)

	if got.Cmp(fixed.Dollars(2_000)) != 0 {
		t.Errorf("partial decrease must not move the average, got %s", got)
	}
}

func TestNextAverageEntryPrice_FullCloseResetsToZero(t *testing.T) {
	got := market.NextAverageEntryPrice(
		fixed.Dollars(2_000), fixed.Dollars(100_000),
		fixed.Dollars(9_999), fixed.Dollars(100_000), false)

	if !got.IsZero() {
		t.Errorf("closing the side must reset the average, got %s", got)
	}
}

func TestStore_TouchAdvancesAccrual(t *testing.T) {
	s := market.NewStore(0)
	price := fixed.Dollars(40_000)

	st, err := s.Touch("BTC-PERP", price, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Open long interest so borrowing has utilization.
	cfg, _ := s.Config("BTC-PERP")
	staged := st.Clone()
	staged.ApplySizeDelta(cfg, fixed.Dollars(1_000_000), price, true, true)
	s.Commit(staged)

	st2, err := s.Touch("BTC-PERP", price, fixed.SecondsPerDay)
	if err != nil {
		t.Fatal(err)
	}

	if st2.LongBorrow.Rate.IsZero() {
		t.Error("long borrow rate should be non-zero at non-zero utilization")
	}
	if st2.Funding.Velocity.IsZero() {
		t.Error("funding velocity should bend toward the long skew")
	}
	if st2.Funding.UpdatedAt != fixed.SecondsPerDay {
		t.Errorf("funding timestamp not advanced: %d", st2.Funding.UpdatedAt)
	}
}

func TestStore_TouchUnknownInstrument(t *testing.T) {
	s := market.NewStore(0)
	if _, err := s.Touch("DOGE-PERP", fixed.Dollars(1), 0); err == nil {
		t.Error("expected error for unknown instrument")
	}
}

func TestApplySizeDelta_OpenInterestRoundtrip(t *testing.T) {
	s := market.NewStore(0)
	cfg, _ := s.Config("ETH-PERP")
	st, _ := s.State("ETH-PERP")

	staged := st.Clone()
	staged.ApplySizeDelta(cfg, fixed.Dollars(500_000), fixed.Dollars(2_500), false, true)

	if staged.ShortOpenInterest.Cmp(fixed.Dollars(500_000)) != 0 {
		t.Errorf("short OI: got %s", staged.ShortOpenInterest)
	}
	if staged.ShortAvgEntryPrice.Cmp(fixed.Dollars(2_500)) != 0 {
		t.Errorf("short avg entry: got %s", staged.ShortAvgEntryPrice)
	}
	if staged.Funding.Velocity.Sign() >= 0 {
		t.Error("short-heavy skew must give negative funding velocity")
	}

	staged.ApplySizeDelta(cfg, fixed.Dollars(500_000), fixed.Dollars(2_600), false, false)

	if !staged.ShortOpenInterest.IsZero() {
		t.Errorf("short OI should be zero, got %s", staged.ShortOpenInterest)
	}
	if !staged.ShortAvgEntryPrice.IsZero() {
		t.Error("closing the side must reset its average entry price")
	}
	if !staged.ShortBorrow.AvgEntryCumulative.IsZero() {
		t.Error("closing the side must reset its borrow cohort average")
	}
}

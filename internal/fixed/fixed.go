// Package fixed implements the fixed-point arithmetic the accounting engine
// is built on. USD-denominated quantities carry 30 decimals, rates and
// fractions carry 18 (wad), and token amounts carry their token's native
// base unit. The three families are distinct Go types so a conversion is
// always an explicit function call, never an implicit rescale.
package fixed

import (
	"fmt"
	"math/big"
)

// Rounding selects the rounding direction for division.
type Rounding int

const (
	// RoundDown truncates toward zero. Rates and fees computed against
	// the pool round down so they never exceed the theoretical value.
	RoundDown Rounding = iota
	// RoundUp rounds away from zero. Amounts charged to a trader round up.
	RoundUp
	// RoundHalfEven is banker's rounding, used for settlement payouts.
	RoundHalfEven
)

const (
	// UsdDecimals is the decimal exponent of every USD-denominated value.
	UsdDecimals = 30
	// WadDecimals is the decimal exponent of rates and fractions.
	WadDecimals = 18

	// SecondsPerDay is the time base of funding and borrowing rates:
	// a rate of 1 wad means 100% per day.
	SecondsPerDay = 86_400
)

var (
	usdScale = pow10(UsdDecimals)
	wadScale = pow10(WadDecimals)

	// Base18 and Base6 are the two token base units in use (18-decimal
	// chain-native tokens, 6-decimal stables).
	Base18 = pow10(18)
	Base6  = pow10(6)
)

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

// mulDiv computes a*b/den with the requested rounding. den must be
// non-zero; a zero denominator is a programmer error and panics.
func mulDiv(a, b, den *big.Int, r Rounding) *big.Int {
	if den.Sign() == 0 {
		panic("FATAL: fixed: division by zero")
	}
	num := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() == 0 {
		return quo
	}
	switch r {
	case RoundDown:
		return quo
	case RoundUp:
		if num.Sign()*den.Sign() >= 0 {
			return quo.Add(quo, big.NewInt(1))
		}
		return quo.Sub(quo, big.NewInt(1))
	case RoundHalfEven:
		// Compare 2*|rem| against |den|.
		twice := new(big.Int).Abs(rem)
		twice.Lsh(twice, 1)
		absDen := new(big.Int).Abs(den)
		cmp := twice.Cmp(absDen)
		roundAway := cmp > 0 || (cmp == 0 && quo.Bit(0) == 1)
		if roundAway {
			if num.Sign()*den.Sign() >= 0 {
				return quo.Add(quo, big.NewInt(1))
			}
			return quo.Sub(quo, big.NewInt(1))
		}
		return quo
	default:
		panic(fmt.Sprintf("FATAL: fixed: unknown rounding mode %d", r))
	}
}

// ============================================================================
// USD — signed, 1e30-scaled
// ============================================================================

// USD is a signed USD amount with 30 decimals.
type USD struct{ i *big.Int }

// ZeroUSD returns a zero USD amount.
func ZeroUSD() USD { return USD{new(big.Int)} }

// NewUSD wraps a raw 1e30-scaled integer. A nil input is treated as zero.
func NewUSD(raw *big.Int) USD {
	if raw == nil {
		return ZeroUSD()
	}
	return USD{new(big.Int).Set(raw)}
}

// Dollars returns n whole dollars as a USD amount.
func Dollars(n int64) USD {
	return USD{new(big.Int).Mul(big.NewInt(n), usdScale)}
}

// Raw returns a copy of the underlying 1e30-scaled integer.
func (u USD) Raw() *big.Int { return new(big.Int).Set(u.big()) }

func (u USD) big() *big.Int {
	if u.i == nil {
		return new(big.Int)
	}
	return u.i
}

func (u USD) Add(v USD) USD  { return USD{new(big.Int).Add(u.big(), v.big())} }
func (u USD) Sub(v USD) USD  { return USD{new(big.Int).Sub(u.big(), v.big())} }
func (u USD) Neg() USD       { return USD{new(big.Int).Neg(u.big())} }
func (u USD) Abs() USD       { return USD{new(big.Int).Abs(u.big())} }
func (u USD) Sign() int      { return u.big().Sign() }
func (u USD) IsZero() bool   { return u.big().Sign() == 0 }
func (u USD) Cmp(v USD) int  { return u.big().Cmp(v.big()) }
func (u USD) LT(v USD) bool  { return u.Cmp(v) < 0 }
func (u USD) GT(v USD) bool  { return u.Cmp(v) > 0 }
func (u USD) GTE(v USD) bool { return u.Cmp(v) >= 0 }

// Clone returns an independent copy.
func (u USD) Clone() USD { return USD{new(big.Int).Set(u.big())} }

// MulWad multiplies a USD amount by a wad fraction: u * w / 1e18.
func (u USD) MulWad(w WAD, r Rounding) USD {
	return USD{mulDiv(u.big(), w.big(), wadScale, r)}
}

// MulDiv computes u * num / den where num and den are USD amounts,
// yielding a USD amount. den must be non-zero.
func (u USD) MulDiv(num, den USD, r Rounding) USD {
	return USD{mulDiv(u.big(), num.big(), den.big(), r)}
}

// DivWad computes the wad-scaled ratio u / v. v must be non-zero.
func (u USD) DivWad(v USD, r Rounding) WAD {
	return WAD{mulDiv(u.big(), wadScale, v.big(), r)}
}

func (u USD) String() string { return scaledString(u.big(), UsdDecimals) }

// ============================================================================
// WAD — signed, 1e18-scaled rates and fractions
// ============================================================================

// WAD is a signed 1e18-scaled fraction. Funding and borrowing rates are
// wads per day; margin fractions and utilization are plain wads.
type WAD struct{ i *big.Int }

// ZeroWAD returns a zero wad.
func ZeroWAD() WAD { return WAD{new(big.Int)} }

// NewWAD wraps a raw 1e18-scaled integer. A nil input is treated as zero.
func NewWAD(raw *big.Int) WAD {
	if raw == nil {
		return ZeroWAD()
	}
	return WAD{new(big.Int).Set(raw)}
}

// WadFromInt64 wraps a raw int64 in 1e18 scale (convenient for constants
// and test fixtures).
func WadFromInt64(raw int64) WAD { return WAD{big.NewInt(raw)} }

// OneWAD returns 1.0 as a wad.
func OneWAD() WAD { return WAD{new(big.Int).Set(wadScale)} }

// Raw returns a copy of the underlying 1e18-scaled integer.
func (w WAD) Raw() *big.Int { return new(big.Int).Set(w.big()) }

func (w WAD) big() *big.Int {
	if w.i == nil {
		return new(big.Int)
	}
	return w.i
}

func (w WAD) Add(v WAD) WAD  { return WAD{new(big.Int).Add(w.big(), v.big())} }
func (w WAD) Sub(v WAD) WAD  { return WAD{new(big.Int).Sub(w.big(), v.big())} }
func (w WAD) Neg() WAD       { return WAD{new(big.Int).Neg(w.big())} }
func (w WAD) Abs() WAD       { return WAD{new(big.Int).Abs(w.big())} }
func (w WAD) Sign() int      { return w.big().Sign() }
func (w WAD) IsZero() bool   { return w.big().Sign() == 0 }
func (w WAD) Cmp(v WAD) int  { return w.big().Cmp(v.big()) }
func (w WAD) LT(v WAD) bool  { return w.Cmp(v) < 0 }
func (w WAD) GT(v WAD) bool  { return w.Cmp(v) > 0 }
func (w WAD) GTE(v WAD) bool { return w.Cmp(v) >= 0 }

// Clone returns an independent copy.
func (w WAD) Clone() WAD { return WAD{new(big.Int).Set(w.big())} }

// MulWad multiplies two wads: w * v / 1e18.
func (w WAD) MulWad(v WAD, r Rounding) WAD {
	return WAD{mulDiv(w.big(), v.big(), wadScale, r)}
}

// ScaleByElapsed integrates a per-day rate over elapsed seconds:
// w * elapsed / 86400, truncated toward zero.
func (w WAD) ScaleByElapsed(elapsedSeconds int64) WAD {
	return WAD{mulDiv(w.big(), big.NewInt(elapsedSeconds), big.NewInt(SecondsPerDay), RoundDown)}
}

// MulDivInt computes w * num / den with the requested rounding.
// den must be non-zero.
func (w WAD) MulDivInt(num, den int64, r Rounding) WAD {
	return WAD{mulDiv(w.big(), big.NewInt(num), big.NewInt(den), r)}
}

// Half returns w/2, truncated toward zero.
func (w WAD) Half() WAD {
	return WAD{new(big.Int).Quo(w.big(), big.NewInt(2))}
}

// Clamp bounds w into [-limit, +limit]. limit must be non-negative.
func (w WAD) Clamp(limit WAD) WAD {
	if limit.Sign() < 0 {
		panic("FATAL: fixed: negative clamp bound")
	}
	if w.Cmp(limit) > 0 {
		return limit.Clone()
	}
	neg := limit.Neg()
	if w.Cmp(neg) < 0 {
		return neg
	}
	return w.Clone()
}

func (w WAD) String() string { return scaledString(w.big(), WadDecimals) }

// ============================================================================
// Tokens — token-native units
// ============================================================================

// Tokens is an amount in a token's native units. Its meaning depends on
// the token's base unit, which every conversion takes explicitly.
type Tokens struct{ i *big.Int }

// ZeroTokens returns a zero token amount.
func ZeroTokens() Tokens { return Tokens{new(big.Int)} }

// NewTokens wraps a raw token-native integer. A nil input is treated as zero.
func NewTokens(raw *big.Int) Tokens {
	if raw == nil {
		return ZeroTokens()
	}
	return Tokens{new(big.Int).Set(raw)}
}

// WholeTokens returns n whole tokens of a token with the given base unit.
func WholeTokens(n int64, baseUnit *big.Int) Tokens {
	return Tokens{new(big.Int).Mul(big.NewInt(n), baseUnit)}
}

// Raw returns a copy of the underlying token-native integer.
func (t Tokens) Raw() *big.Int { return new(big.Int).Set(t.big()) }

func (t Tokens) big() *big.Int {
	if t.i == nil {
		return new(big.Int)
	}
	return t.i
}

func (t Tokens) Add(v Tokens) Tokens { return Tokens{new(big.Int).Add(t.big(), v.big())} }
func (t Tokens) Sub(v Tokens) Tokens { return Tokens{new(big.Int).Sub(t.big(), v.big())} }
func (t Tokens) Sign() int           { return t.big().Sign() }
func (t Tokens) IsZero() bool        { return t.big().Sign() == 0 }
func (t Tokens) Cmp(v Tokens) int    { return t.big().Cmp(v.big()) }
func (t Tokens) LT(v Tokens) bool    { return t.Cmp(v) < 0 }

// Clone returns an independent copy.
func (t Tokens) Clone() Tokens { return Tokens{new(big.Int).Set(t.big())} }

// MulWad multiplies a token amount by a wad fraction: t * w / 1e18.
func (t Tokens) MulWad(w WAD, r Rounding) Tokens {
	return Tokens{mulDiv(t.big(), w.big(), wadScale, r)}
}

func (t Tokens) String() string { return t.big().String() }

// ============================================================================
// Cross-type conversions — the 1e30 / token-native boundary
// ============================================================================

// USDFromTokens converts a token amount to USD: amount * price / baseUnit.
// price is the token's USD price, baseUnit the token's native scale.
func USDFromTokens(amount Tokens, price USD, baseUnit *big.Int, r Rounding) USD {
	if baseUnit == nil || baseUnit.Sign() <= 0 {
		panic("FATAL: fixed: invalid base unit")
	}
	return USD{mulDiv(amount.big(), price.big(), baseUnit, r)}
}

// TokensFromUSD converts a USD amount to token units: usd * baseUnit / price.
// price must be positive.
func TokensFromUSD(usd USD, price USD, baseUnit *big.Int, r Rounding) Tokens {
	if baseUnit == nil || baseUnit.Sign() <= 0 {
		panic("FATAL: fixed: invalid base unit")
	}
	if price.Sign() <= 0 {
		panic("FATAL: fixed: non-positive price in conversion")
	}
	return Tokens{mulDiv(usd.big(), baseUnit, price.big(), r)}
}

func scaledString(v *big.Int, decimals int) string {
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	scale := pow10(int64(decimals))
	whole, frac := new(big.Int).QuoRem(abs, scale, new(big.Int))
	fs := frac.String()
	for len(fs) < decimals {
		fs = "0" + fs
	}
	s := whole.String() + "." + fs
	if neg {
		return "-" + s
	}
	return s
}

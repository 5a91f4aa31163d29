// Package money provides fixed-point currency amounts.
//
// Amounts are stored as int64 in the currency's minor unit (1 USD = 100 units,
// 1 JPY = 1 unit). Balances never pass through binary floating point.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooPrecise      = errors.New("amount has more decimal places than the currency allows")
	ErrInvalidCurrency = errors.New("invalid currency code")
	ErrOverflow        = errors.New("amount overflows")
)

// Amount is a quantity in a currency's minor unit.
type Amount int64

// Decimals returns the number of minor-unit digits for an ISO 4217 code.
func Decimals(currency string) int {
	switch strings.ToUpper(currency) {
	case "JPY", "KRW", "UGX", "RWF", "XAF", "XOF", "VND", "CLP", "ISK":
		return 0
	case "BHD", "KWD", "OMR", "JOD", "TND", "LYD", "IQD":
		return 3
	default:
		return 2
	}
}

// NormalizeCurrency upper-cases and validates a three-letter currency code.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return c, nil
}

// Parse converts a decimal string such as "12.50" into minor units of currency.
//
// Rules:
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More fractional digits than the currency allows are rejected, never truncated
func Parse(s, currency string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = strings.TrimRight(parts[1], "0")
		if parts[1] == "" {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	if whole == "" {
		whole = "0"
	}

	dec := Decimals(currency)
	if len(frac) > dec {
		return 0, fmt.Errorf("%w: %q (%s allows %d)", ErrTooPrecise, s, strings.ToUpper(currency), dec)
	}
	for len(frac) < dec {
		frac += "0"
	}

	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return Amount(v), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s, currency string) Amount {
	a, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return a
}

// Format renders a with exactly the currency's number of decimal places.
func Format(a Amount, currency string) string {
	dec := Decimals(currency)
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	s := strconv.FormatInt(v, 10)
	if dec > 0 {
		for len(s) < dec+1 {
			s = "0" + s
		}
		s = s[:len(s)-dec] + "." + s[len(s)-dec:]
	}
	if neg {
		s = "-" + s
	}
	return s
}

// Major returns a as a float in major units. Only for feature engineering,
// never for balance arithmetic.
func Major(a Amount, currency string) float64 {
	f, _ := decimal.New(int64(a), -int32(Decimals(currency))).Float64()
	return f
}

// Add returns a+b, failing on overflow.
func Add(a, b Amount) (Amount, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrOverflow
	}
	return s, nil
}

// Convert applies rate to an amount in from and returns minor units of to,
// rounding half-to-even at the target currency's precision.
func Convert(a Amount, from, to string, rate decimal.Decimal) (Amount, error) {
	if rate.Sign() <= 0 {
		return 0, fmt.Errorf("%w: non-positive rate %s", ErrInvalidAmount, rate)
	}
	major := decimal.New(int64(a), -int32(Decimals(from)))
	converted := major.Mul(rate).RoundBank(int32(Decimals(to)))
	minor := converted.Shift(int32(Decimals(to)))
	if !minor.IsInteger() || minor.GreaterThan(decimal.NewFromInt(maxAmount)) {
		return 0, ErrOverflow
	}
	return Amount(minor.IntPart()), nil
}

const maxAmount = int64(^uint64(0) >> 1)

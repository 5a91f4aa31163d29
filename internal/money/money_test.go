package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		currency string
		expected Amount
	}{
		{"one dollar", "1.00", "USD", 100},
		{"fifty cents", "0.50", "USD", 50},
		{"hundred", "100", "USD", 10_000},
		{"short frac", "1.5", "EUR", 150},
		{"trailing zeros beyond precision", "1.500", "USD", 150},
		{"leading dot", ".25", "USD", 25},
		{"yen has no minor unit", "1500", "JPY", 1500},
		{"dinar has three decimals", "1.234", "KWD", 1234},
		{"lower-case currency", "2.00", "gbp", 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input, tt.currency)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrInvalidAmount},
		{"negative", "-1.00", ErrInvalidAmount},
		{"two dots", "1.2.3", ErrInvalidAmount},
		{"letters", "12a", ErrInvalidAmount},
		{"dangling dot", "12.", ErrInvalidAmount},
		{"sub-cent", "0.001", ErrTooPrecise},
		{"overflow", "99999999999999999999", ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input, "USD")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.00", Format(0, "USD"))
	assert.Equal(t, "0.05", Format(5, "USD"))
	assert.Equal(t, "123.45", Format(12345, "USD"))
	assert.Equal(t, "-1.50", Format(-150, "USD"))
	assert.Equal(t, "1500", Format(1500, "JPY"))
	assert.Equal(t, "0.001", Format(1, "BHD"))
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.01", "10.00", "999999.99"} {
		a := MustParse(s, "USD")
		assert.Equal(t, s, Format(a, "USD"))
	}
}

func TestNormalizeCurrency(t *testing.T) {
	c, err := NormalizeCurrency(" usd ")
	require.NoError(t, err)
	assert.Equal(t, "USD", c)

	for _, bad := range []string{"", "US", "USDT", "U$D"} {
		_, err := NormalizeCurrency(bad)
		assert.ErrorIs(t, err, ErrInvalidCurrency, bad)
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name     string
		amount   Amount
		from, to string
		rate     string
		want     Amount
	}{
		{"usd to eur", 10_000, "USD", "EUR", "0.92", 9_200},
		{"usd to jpy drops minor unit", 1_050, "USD", "JPY", "150.5", 1_580},
		{"half-even rounds down on even", 1, "USD", "EUR", "0.5", 0},
		{"half-even rounds up on odd", 3, "USD", "EUR", "0.5", 2},
		{"jpy to usd", 1_000, "JPY", "USD", "0.0067", 670},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(tt.amount, tt.from, tt.to, decimal.RequireFromString(tt.rate))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvert_RejectsNonPositiveRate(t *testing.T) {
	_, err := Convert(100, "USD", "EUR", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAdd_Overflow(t *testing.T) {
	_, err := Add(Amount(maxAmount), 1)
	assert.ErrorIs(t, err, ErrOverflow)

	s, err := Add(100, 250)
	require.NoError(t, err)
	assert.Equal(t, Amount(350), s)
}

func TestMajor(t *testing.T) {
	assert.InDelta(t, 12.34, Major(1234, "USD"), 1e-9)
	assert.InDelta(t, 1500.0, Major(1500, "JPY"), 1e-9)
}

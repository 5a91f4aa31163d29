// Package exchange provides exchange rates for cross-currency transfers.
//
// A provider either returns a rate or fails with ErrRateUnavailable. There is
// no implicit 1:1 default; Fallback must be wired explicitly to substitute a
// fixed rate on failure.
package exchange

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	ErrRateUnavailable = errors.New("exchange rate unavailable")
	ErrInvalidPair     = errors.New("invalid currency pair")
)

// Provider returns the rate to multiply an amount in from by to obtain to.
type Provider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

var rateLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "walletguard",
		Name:      "exchange_rate_lookups_total",
		Help:      "Exchange rate lookups by provider and result.",
	},
	[]string{"provider", "result"},
)

func init() {
	prometheus.MustRegister(rateLookups)
}

func normalizePair(from, to string) (string, string, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if len(from) != 3 || len(to) != 3 {
		return "", "", ErrInvalidPair
	}
	return from, to, nil
}

package exchange

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"
)

// Fallback substitutes a fixed rate when the wrapped provider fails. It is
// opt-in; caller cancellation and invalid pairs are never masked.
type Fallback struct {
	next   Provider
	rate   decimal.Decimal
	logger *slog.Logger
}

// NewFallback wraps next with a fixed fallback rate.
func NewFallback(next Provider, rate decimal.Decimal, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{next: next, rate: rate, logger: logger}
}

func (f *Fallback) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	r, err := f.next.Rate(ctx, from, to)
	if err == nil {
		return r, nil
	}
	if ctx.Err() != nil || errors.Is(err, ErrInvalidPair) {
		return decimal.Zero, err
	}
	rateLookups.WithLabelValues("fallback", "substituted").Inc()
	f.logger.Warn("exchange rate unavailable, using fallback rate",
		"event", "fallback_rate", "from", from, "to", to, "rate", f.rate.String(), "error", err)
	return f.rate, nil
}

package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Static serves rates from an in-memory table. Inverse pairs are derived.
type Static struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

// NewStatic creates an empty rate table.
func NewStatic() *Static {
	return &Static{rates: make(map[string]decimal.Decimal)}
}

// Set stores the rate for from→to.
func (s *Static) Set(from, to string, rate decimal.Decimal) error {
	from, to, err := normalizePair(from, to)
	if err != nil {
		return err
	}
	if !rate.IsPositive() {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidPair)
	}
	s.mu.Lock()
	s.rates[from+"/"+to] = rate
	s.mu.Unlock()
	return nil
}

func (s *Static) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to, err := normalizePair(from, to)
	if err != nil {
		return decimal.Zero, err
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rates[from+"/"+to]; ok {
		rateLookups.WithLabelValues("static", "ok").Inc()
		return r, nil
	}
	if r, ok := s.rates[to+"/"+from]; ok {
		rateLookups.WithLabelValues("static", "ok").Inc()
		return decimal.NewFromInt(1).DivRound(r, 12), nil
	}
	rateLookups.WithLabelValues("static", "missing").Inc()
	return decimal.Zero, fmt.Errorf("%w: no rate for %s/%s", ErrRateUnavailable, from, to)
}

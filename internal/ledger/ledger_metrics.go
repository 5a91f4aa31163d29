package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletguard",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger writes by operation and result (ok or an error reason).",
	}, []string{"op", "result"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "walletguard",
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Ledger write latency, lock wait excluded.",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration)
}

// track starts timing op. The returned func records the outcome and passes
// err through, so calls read as track("op")(store.Do(...)).
func track(op string) func(error) error {
	start := time.Now()
	return func(err error) error {
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		opsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		return err
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrWalletNotFound):
		return "wallet_not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrTransactionNotFound):
		return "transaction_not_found"
	case errors.Is(err, ErrWalletExists):
		return "wallet_exists"
	}
	return "store_error"
}

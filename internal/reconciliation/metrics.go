package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletguard",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of currencies whose balances disagree with net flow in the last run.",
	})

	reconcileStalePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletguard",
		Subsystem: "reconciliation",
		Name:      "stale_pending",
		Help:      "Number of transactions stuck in pending found in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "walletguard",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletguard",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileStalePending,
		reconcileDuration,
		reconcileErrors,
	)
}

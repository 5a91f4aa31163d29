package risk

import "github.com/prometheus/client_golang/prometheus"

var (
	// ScreensTotal counts screening decisions by verdict and source
	// (model, cache, fail_open, fail_closed).
	ScreensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletguard",
			Name:      "risk_screens_total",
			Help:      "Transfers screened by verdict and decision source.",
		},
		[]string{"verdict", "source"},
	)

	// RetrainsTotal counts fit attempts by result.
	RetrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletguard",
			Name:      "risk_retrains_total",
			Help:      "Model fit attempts by result.",
		},
		[]string{"result"},
	)

	retrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "walletguard",
			Name:      "risk_retrain_duration_seconds",
			Help:      "Model fit duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	modelGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletguard",
			Name:      "risk_model_generation",
			Help:      "Number of successful fits since start.",
		},
	)
)

func init() {
	prometheus.MustRegister(ScreensTotal, RetrainsTotal, retrainDuration, modelGeneration)
}

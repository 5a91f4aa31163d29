package health

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/walletguard/internal/reconciliation"
	"github.com/mbd888/walletguard/internal/risk"
)

// Pinger is anything with a liveness probe, such as a ledger store or *sql.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports p unhealthy when Ping fails.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// ModelStater exposes the anomaly model's training status.
type ModelStater interface {
	State() risk.State
}

// ModelChecker reports the anomaly model. An untrained model is healthy only
// when screening fails open, since otherwise every transfer is refused.
func ModelChecker(name string, m ModelStater, failOpen bool) Checker {
	return func(context.Context) Status {
		st := m.State()
		if !st.Trained {
			return Status{Name: name, Healthy: failOpen, Detail: fmt.Sprintf("untrained, fail_open=%t", failOpen)}
		}
		return Status{
			Name:    name,
			Healthy: true,
			Detail: fmt.Sprintf("generation %d trained %s on %d transfers",
				st.Generation, st.LastTrainedAt.Format(time.RFC3339), st.TrainingSize),
		}
	}
}

// ReportSource returns the latest reconciliation report, or nil before the
// first run.
type ReportSource interface {
	Last() *reconciliation.Report
}

// ReconciliationChecker turns unhealthy once a run finds a conservation
// mismatch or stale pending transfers.
func ReconciliationChecker(name string, src ReportSource) Checker {
	return func(context.Context) Status {
		rep := src.Last()
		if rep == nil {
			return Status{Name: name, Healthy: true, Detail: "no run yet"}
		}
		detail := fmt.Sprintf("%d currencies checked at %s, %d mismatches, %d stale pending",
			len(rep.Currencies), rep.RunAt.Format(time.RFC3339), rep.Mismatches, rep.StalePending)
		return Status{Name: name, Healthy: rep.Healthy(), Detail: detail}
	}
}

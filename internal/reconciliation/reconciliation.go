// Package reconciliation verifies that the ledger conserves money.
//
// For every currency the sum of wallet balances must equal the net flow of
// completed transactions: each completed record debits Amount in Currency
// from its sender wallet and credits CreditedAmount in CreditedCurrency to
// its recipient wallet. Transfers net to zero within a currency, so any
// difference means money was created or destroyed.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/mbd888/walletguard/internal/ledger"
	"github.com/mbd888/walletguard/internal/money"
)

// DefaultStaleAfter is how long a record may stay pending before it is
// reported.
const DefaultStaleAfter = 5 * time.Minute

const maxAttempts = 3

// ErrUnstable is returned when the ledger kept changing during every attempt
// to take a consistent reading.
var ErrUnstable = errors.New("ledger changed during reconciliation")

// Source is the read surface reconciliation needs.
type Source interface {
	SumBalances(ctx context.Context) (map[string]money.Amount, error)
	Query(ctx context.Context, f ledger.Filter, order ledger.Order, limit int) ([]*ledger.Transaction, error)
}

// CurrencyResult is the outcome for one currency.
type CurrencyResult struct {
	Currency string       `json:"currency"`
	Balances money.Amount `json:"balances"`
	NetFlow  money.Amount `json:"netFlow"`
	Diff     money.Amount `json:"diff"`
	Match    bool         `json:"match"`
}

// Report is the outcome of one run.
type Report struct {
	RunAt        time.Time        `json:"runAt"`
	Duration     time.Duration    `json:"duration"`
	Currencies   []CurrencyResult `json:"currencies"`
	Mismatches   int              `json:"mismatches"`
	StalePending int              `json:"stalePending"`
}

// Healthy reports whether the run found nothing wrong.
func (r *Report) Healthy() bool {
	return r.Mismatches == 0 && r.StalePending == 0
}

// Runner executes reconciliation checks.
type Runner struct {
	source     Source
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
	last       atomic.Pointer[Report]
}

// NewRunner creates a runner over source.
func NewRunner(source Source, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		source:     source,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	return r.last.Load()
}

// RunAll runs every check and records the report.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	results, err := r.conservation(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	stale, err := r.source.Query(ctx, ledger.Filter{
		Statuses: []ledger.Status{ledger.StatusPending},
		Until:    r.now().Add(-r.staleAfter),
	}, ledger.OldestFirst, 0)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("query stale pending: %w", err)
	}

	rep := &Report{
		RunAt:        r.now(),
		Currencies:   results,
		StalePending: len(stale),
	}
	for _, c := range results {
		if !c.Match {
			rep.Mismatches++
			r.logger.Error("ledger conservation mismatch",
				"currency", c.Currency,
				"balances", money.Format(c.Balances, c.Currency),
				"net_flow", money.Format(c.NetFlow, c.Currency),
				"diff", money.Format(c.Diff, c.Currency))
		}
	}
	if rep.StalePending > 0 {
		r.logger.Warn("stale pending transactions", "count", rep.StalePending, "oldest", stale[0].ID)
	}
	rep.Duration = time.Since(start)

	reconcileLedgerMismatches.Set(float64(rep.Mismatches))
	reconcileStalePending.Set(float64(rep.StalePending))
	r.last.Store(rep)
	return rep, nil
}

// conservation compares balances against net flow. The flow is read before
// and after the balances; a reading is accepted only when both agree.
func (r *Runner) conservation(ctx context.Context) ([]CurrencyResult, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		before, err := r.netFlow(ctx)
		if err != nil {
			return nil, err
		}
		sums, err := r.source.SumBalances(ctx)
		if err != nil {
			return nil, fmt.Errorf("sum balances: %w", err)
		}
		after, err := r.netFlow(ctx)
		if err != nil {
			return nil, err
		}
		if maps.Equal(before, after) {
			return compare(sums, after), nil
		}
	}
	return nil, ErrUnstable
}

func (r *Runner) netFlow(ctx context.Context) (map[string]money.Amount, error) {
	txs, err := r.source.Query(ctx, ledger.Filter{
		Statuses: []ledger.Status{ledger.StatusCompleted},
	}, ledger.OldestFirst, 0)
	if err != nil {
		return nil, fmt.Errorf("query completed transactions: %w", err)
	}
	flow := make(map[string]money.Amount)
	for _, tx := range txs {
		if tx.SenderWalletID != "" {
			flow[tx.Currency] -= tx.Amount
		}
		if tx.RecipientWalletID != "" {
			flow[tx.CreditedCurrency] += tx.CreditedAmount
		}
	}
	return flow, nil
}

func compare(sums, flow map[string]money.Amount) []CurrencyResult {
	seen := make(map[string]money.Amount, len(sums))
	maps.Copy(seen, sums)
	maps.Copy(seen, flow)
	currencies := slices.Sorted(maps.Keys(seen))

	out := make([]CurrencyResult, 0, len(currencies))
	for _, c := range currencies {
		res := CurrencyResult{Currency: c, Balances: sums[c], NetFlow: flow[c]}
		res.Diff = res.Balances - res.NetFlow
		res.Match = res.Diff == 0
		out = append(out, res)
	}
	return out
}

// Package health aggregates subsystem checks (ledger store, anomaly model,
// reconciliation) behind /health.
package health

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// DefaultTimeout bounds a single CheckAll run.
const DefaultTimeout = 5 * time.Second

// Status is one subsystem's result.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes one subsystem. It should return promptly once ctx ends.
type Checker func(ctx context.Context) Status

type entry struct {
	name  string
	check Checker
}

// Registry runs named checkers concurrently, reporting in registration
// order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a checker. Registering a name again replaces the earlier
// checker in place.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := slices.IndexFunc(r.entries, func(e entry) bool { return e.name == name }); i >= 0 {
		r.entries[i].check = check
		return
	}
	r.entries = append(r.entries, entry{name: name, check: check})
}

// CheckAll runs every checker under the registry timeout. It is healthy
// only if every check is.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := slices.Clone(r.entries)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Go(func() { statuses[i] = e.run(ctx) })
	}
	wg.Wait()

	healthy := !slices.ContainsFunc(statuses, func(s Status) bool { return !s.Healthy })
	return healthy, statuses
}

func (e entry) run(ctx context.Context) (s Status) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s = Status{Detail: fmt.Sprintf("check panicked: %v", p)}
		}
		s.Name = e.name
		s.LatencyMS = time.Since(start).Milliseconds()
	}()
	return e.check(ctx)
}

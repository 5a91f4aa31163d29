// Package circuitbreaker guards outbound calls to upstreams (the exchange
// rate API, webhook receivers). Each upstream gets its own circuit keyed by
// name.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one upstream circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletguard",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Upstream circuit state transitions.",
	}, []string{"upstream", "from", "to"})

	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletguard",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls short-circuited while the upstream circuit was open.",
	}, []string{"upstream"})
)

func init() {
	prometheus.MustRegister(transitions, rejected)
}

// ErrOpen is returned by Execute without calling the upstream.
var ErrOpen = errors.New("circuit open")

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	lastErr  string
}

// Status is a point-in-time view of one upstream circuit.
type Status struct {
	Upstream  string    `json:"upstream"`
	State     State     `json:"state"`
	Failures  int       `json:"failures"`
	OpenedAt  time.Time `json:"openedAt,omitzero"`
	LastError string    `json:"lastError,omitempty"`
}

// Breaker trips an upstream's circuit after threshold consecutive failures
// and lets a single probe through once cooldown has passed.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *Breaker) get(upstream string) *circuit {
	c, ok := b.circuits[upstream]
	if !ok {
		c = &circuit{}
		b.circuits[upstream] = c
	}
	return c
}

// Allow reports whether a call to upstream may proceed. An open circuit
// whose cooldown has elapsed moves to half-open and admits the caller as
// the probe.
func (b *Breaker) Allow(upstream string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(upstream)
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(upstream, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// Success closes the circuit and clears its failure count.
func (b *Breaker) Success(upstream string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(upstream)
	c.failures = 0
	c.lastErr = ""
	b.move(upstream, c, StateClosed)
}

// Failure counts a failed call. A failed probe reopens immediately.
func (b *Breaker) Failure(upstream string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(upstream)
	c.failures++
	if err != nil {
		c.lastErr = err.Error()
	}
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(upstream, c, StateOpen)
	}
}

// Execute runs fn through the upstream's circuit. Errors for which
// countable returns false say nothing about the upstream (caller
// cancellation, bad input); they neither trip the circuit nor consume a
// probe. A nil countable counts every error.
func (b *Breaker) Execute(upstream string, countable func(error) bool, fn func() error) error {
	if !b.Allow(upstream) {
		rejected.WithLabelValues(upstream).Inc()
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.Success(upstream)
	case countable == nil || countable(err):
		b.Failure(upstream, err)
	default:
		b.returnProbe(upstream)
	}
	return err
}

// returnProbe puts a half-open circuit back to open with its cooldown
// already expired, so the next caller probes again.
func (b *Breaker) returnProbe(upstream string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(upstream)
	if c.state == StateHalfOpen {
		c.openedAt = b.now().Add(-b.cooldown)
		b.move(upstream, c, StateOpen)
	}
}

// State returns the upstream's state; unknown upstreams are closed.
func (b *Breaker) State(upstream string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[upstream]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot lists every upstream seen so far, sorted by name.
func (b *Breaker) Snapshot() []Status {
	b.mu.Lock()
	out := make([]Status, 0, len(b.circuits))
	for name, c := range b.circuits {
		st := Status{Upstream: name, State: c.state, Failures: c.failures, LastError: c.lastErr}
		if c.state != StateClosed {
			st.OpenedAt = c.openedAt
		}
		out = append(out, st)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Upstream < out[j].Upstream })
	return out
}

// move must be called with b.mu held.
func (b *Breaker) move(upstream string, c *circuit, to State) {
	if c.state == to {
		return
	}
	transitions.WithLabelValues(upstream, c.state.String(), to.String()).Inc()
	c.state = to
}

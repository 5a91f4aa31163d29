package risk

import "time"

// Defaults for Scheduler.
const (
	DefaultRetrainInterval = 24 * time.Hour
	DefaultMinBatch        = 100
)

// Freshness is the scheduler's view of the model.
type Freshness string

const (
	Stale Freshness = "stale"
	Fresh Freshness = "fresh"
)

// Scheduler decides when the model must be refit. It holds no state of its
// own; every decision is a pure function of the model state, the volume
// observed since the last fit, and the clock.
type Scheduler struct {
	interval time.Duration
	minBatch int
	now      func() time.Time
}

// NewScheduler creates a scheduler. Non-positive values fall back to defaults.
func NewScheduler(interval time.Duration, minBatch int) *Scheduler {
	if interval <= 0 {
		interval = DefaultRetrainInterval
	}
	if minBatch <= 0 {
		minBatch = DefaultMinBatch
	}
	return &Scheduler{
		interval: interval,
		minBatch: minBatch,
		now:      time.Now,
	}
}

// Freshness reports Stale when the model was never trained, its last fit is
// older than the interval, or volume has reached the minimum batch.
func (s *Scheduler) Freshness(st State, volume int) Freshness {
	switch {
	case !st.Trained:
		return Stale
	case s.now().Sub(st.LastTrainedAt) > s.interval:
		return Stale
	case volume >= s.minBatch:
		return Stale
	}
	return Fresh
}

// ShouldRetrain reports whether the model is Stale.
func (s *Scheduler) ShouldRetrain(st State, volume int) bool {
	return s.Freshness(st, volume) == Stale
}

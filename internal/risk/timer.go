package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer refits a stale model in the background so Screen rarely pays for an
// inline fit.
type Timer struct {
	screener *Screener
	every    time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	active  atomic.Bool
}

// NewTimer checks model freshness every interval (default one minute).
func NewTimer(screener *Screener, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{screener: screener, every: interval, logger: logger}
}

// Running reports whether Start is looping.
func (t *Timer) Running() bool { return t.active.Load() }

// Start blocks until ctx ends or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.active.Store(true)
	defer t.active.Store(false)

	tick := time.NewTicker(t.every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.check(ctx)
		}
	}
}

// Stop ends a running loop and prevents later Starts.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Timer) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("risk retrain panicked", "panic", fmt.Sprint(r))
		}
	}()
	if !t.screener.ShouldRetrain() {
		return
	}

	before := t.screener.Model().State().Generation
	err := t.screener.RetrainIfStale(ctx)
	switch {
	case errors.Is(err, ErrEmptyTrainingSet):
		t.logger.Debug("risk retrain skipped, not enough history", "error", err)
	case err != nil:
		t.logger.Warn("scheduled risk retrain failed", "error", err)
	default:
		if st := t.screener.Model().State(); st.Generation != before {
			t.logger.Info("risk model retrained", "generation", st.Generation, "training_size", st.TrainingSize)
		}
	}
}

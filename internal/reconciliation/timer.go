package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// escalateAfter consecutive failed runs raise the log level to ERROR.
const escalateAfter = 3

// Timer reconciles once on start and then every interval.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	failures int
}

// NewTimer creates a reconciliation timer. A non-positive interval means
// every five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks until ctx ends or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.safeRun(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop. Safe to call more than once, and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.failed(fmt.Errorf("panic: %v", r))
		}
	}()
	if ctx.Err() != nil {
		return
	}

	rep, err := t.runner.RunAll(ctx)
	if err != nil {
		t.failed(err)
		return
	}
	if t.failures > 0 {
		t.logger.Info("reconciliation recovered", "failed_runs", t.failures)
	}
	t.failures = 0
	if rep.Healthy() {
		t.logger.Debug("reconciliation clean",
			"currencies", len(rep.Currencies),
			"duration_ms", rep.Duration.Milliseconds())
	}
}

func (t *Timer) failed(err error) {
	t.failures++
	level := slog.LevelWarn
	if t.failures >= escalateAfter {
		level = slog.LevelError
	}
	t.logger.Log(context.Background(), level, "reconciliation run failed",
		"error", err, "consecutive_failures", t.failures)
}

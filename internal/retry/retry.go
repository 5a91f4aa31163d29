// Package retry re-runs outbound calls (rate lookups, webhook deliveries)
// with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// MaxDelay caps a single wait, including server-requested ones.
const MaxDelay = 30 * time.Second

type permanent struct{ err error }

func (e *permanent) Error() string { return e.err.Error() }
func (e *permanent) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

type delayed struct {
	err  error
	wait time.Duration
}

func (e *delayed) Error() string { return e.err.Error() }
func (e *delayed) Unwrap() error { return e.err }

// After marks err as retryable no sooner than wait, e.g. from a 429's
// Retry-After header.
func After(wait time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &delayed{err: err, wait: wait}
}

// RetryAfter parses a Retry-After header in either delta-seconds or
// HTTP-date form. It returns 0 when the header is absent or unparseable.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Do calls fn up to attempts times, stopping on success, a Permanent
// error, or ctx ending. The wait starts at base and doubles, ±25% jitter.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	_, err := DoValue(ctx, attempts, base, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for calls that produce a value.
func DoValue[T any](ctx context.Context, attempts int, base time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	attempts = max(attempts, 1)
	delay := base

	var err error
	for i := range attempts {
		var v T
		if v, err = fn(); err == nil {
			return v, nil
		}
		var p *permanent
		if errors.As(err, &p) {
			return zero, p.err
		}
		if i == attempts-1 {
			break
		}

		wait := jitter(delay)
		var d *delayed
		if errors.As(err, &d) && d.wait > wait {
			wait = d.wait
		}
		t := time.NewTimer(min(wait, MaxDelay))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}

	var d *delayed
	if errors.As(err, &d) {
		return zero, d.err
	}
	return zero, err
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := d / 4
	return d - spread + rand.N(2*spread+1)
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("rate api status 503")

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errUpstream
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return fmt.Errorf("attempt %d: %w", calls, errUpstream)
	})
	assert.ErrorIs(t, err, errUpstream)
	assert.EqualError(t, err, "attempt 3: rate api status 503")
}

func TestDo_PermanentStopsAndUnwraps(t *testing.T) {
	bad := errors.New("webhook status 400")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(bad)
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, bad, err)
	assert.False(t, IsPermanent(err), "unwrapped on return")
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", Permanent(bad))))
	assert.NoError(t, Permanent(nil))
}

func TestDo_ContextEndsWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Do(ctx, 5, time.Hour, func() error { return errUpstream })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_AtLeastOneAttempt(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errUpstream
	})
	assert.Equal(t, 1, calls)
}

func TestDo_AfterHonorsServerDelay(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return After(50*time.Millisecond, errUpstream)
	})
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 2, calls)
	assert.Same(t, errUpstream, err, "delay wrapper removed on return")
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), 3, time.Millisecond, func() (string, error) {
		calls++
		if calls == 1 {
			return "", errUpstream
		}
		return "0.92", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0.92", v)

	v, err = DoValue(context.Background(), 3, time.Millisecond, func() (string, error) {
		return "partial", Permanent(errUpstream)
	})
	assert.ErrorIs(t, err, errUpstream)
	assert.Empty(t, v)
}

func TestJitterBounds(t *testing.T) {
	for range 200 {
		d := jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Zero(t, jitter(0))
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"absent", "", 0},
		{"seconds", "7", 7 * time.Second},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Retry-After", tt.header)
			}
			assert.Equal(t, tt.want, RetryAfter(h, now))
		})
	}
}

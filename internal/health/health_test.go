package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) Status { return Status{Healthy: true} }

func TestRegistry_Empty(t *testing.T) {
	ok, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, ok)
	assert.Empty(t, statuses)
}

func TestRegistry_AggregatesInOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("ledger_store", healthy)
	r.Register("risk_model", func(context.Context) Status {
		return Status{Detail: "untrained, fail_open=false"}
	})
	r.Register("reconciliation", healthy)

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	require.Len(t, statuses, 3)
	assert.Equal(t, "ledger_store", statuses[0].Name)
	assert.Equal(t, "risk_model", statuses[1].Name)
	assert.Equal(t, "untrained, fail_open=false", statuses[1].Detail)
	assert.True(t, statuses[2].Healthy)
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("ledger_store", func(context.Context) Status { return Status{Detail: "down"} })
	r.Register("risk_model", healthy)
	r.Register("ledger_store", healthy)

	ok, statuses := r.CheckAll(context.Background())
	assert.True(t, ok)
	require.Len(t, statuses, 2)
	assert.Equal(t, "ledger_store", statuses[0].Name, "keeps its original slot")
}

func TestRegistry_NameComesFromRegistration(t *testing.T) {
	r := NewRegistry()
	r.Register("ledger_store", func(context.Context) Status {
		return Status{Name: "something else", Healthy: true}
	})
	_, statuses := r.CheckAll(context.Background())
	assert.Equal(t, "ledger_store", statuses[0].Name)
}

func TestRegistry_PanicIsUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("ledger_store", healthy)
	r.Register("risk_model", func(context.Context) Status { panic("nil forest") })

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "risk_model", statuses[1].Name)
	assert.Contains(t, statuses[1].Detail, "nil forest")
}

func TestRegistry_Timeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("ledger_store", PingChecker("ledger_store", pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	start := time.Now()
	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, statuses[0].Detail, context.DeadlineExceeded.Error())
	assert.GreaterOrEqual(t, statuses[0].LatencyMS, int64(20))
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			if i%2 == 0 {
				r.Register("ledger_store", healthy)
			} else {
				r.CheckAll(context.Background())
			}
		})
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 1)
}

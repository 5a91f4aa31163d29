package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletguard/internal/ledger"
	"github.com/mbd888/walletguard/internal/reconciliation"
	"github.com/mbd888/walletguard/internal/risk"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type stateFunc func() risk.State

func (f stateFunc) State() risk.State { return f() }

type lastReport struct{ rep *reconciliation.Report }

func (l lastReport) Last() *reconciliation.Report { return l.rep }

func TestPingChecker(t *testing.T) {
	ok := PingChecker("ledger", ledger.NewMemoryStore())(t.Context())
	assert.True(t, ok.Healthy)
	assert.Equal(t, "ledger", ok.Name)

	bad := PingChecker("ledger", pingFunc(func(context.Context) error {
		return errors.New("connection refused")
	}))(t.Context())
	assert.False(t, bad.Healthy)
	assert.Equal(t, "connection refused", bad.Detail)
}

func TestModelChecker(t *testing.T) {
	untrained := stateFunc(func() risk.State { return risk.State{} })
	assert.True(t, ModelChecker("model", untrained, true)(t.Context()).Healthy)
	assert.False(t, ModelChecker("model", untrained, false)(t.Context()).Healthy)

	trained := stateFunc(func() risk.State {
		return risk.State{Trained: true, Generation: 3, TrainingSize: 250, LastTrainedAt: time.Now()}
	})
	st := ModelChecker("model", trained, false)(t.Context())
	assert.True(t, st.Healthy)
	assert.Contains(t, st.Detail, "generation 3")
	assert.Contains(t, st.Detail, "250 transfers")
}

func TestReconciliationChecker(t *testing.T) {
	assert.True(t, ReconciliationChecker("reconciliation", lastReport{})(t.Context()).Healthy)

	clean := &reconciliation.Report{RunAt: time.Now()}
	assert.True(t, ReconciliationChecker("reconciliation", lastReport{clean})(t.Context()).Healthy)

	broken := &reconciliation.Report{RunAt: time.Now(), Mismatches: 1}
	st := ReconciliationChecker("reconciliation", lastReport{broken})(t.Context())
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Detail, "1 mismatches")
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := NewRegistry()
	var down atomic.Bool
	reg.Register("store", func(context.Context) Status {
		if down.Load() {
			return Status{Detail: "gone"}
		}
		return Status{Healthy: true}
	})

	r := gin.New()
	r.GET("/health", Handler(reg, "1.2.3"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	require.Len(t, resp.Checks, 1)

	down.Store(true)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestFlagHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var ready atomic.Bool
	r := gin.New()
	r.GET("/health/ready", FlagHandler(&ready, "ready", "not_ready"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready.Store(true)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
}

package risk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletguard/internal/auth"
	"github.com/mbd888/walletguard/internal/ledger"
)

func setupRiskRouter(h *Handler, actorID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyActor, &ledger.Account{ID: actorID})
		c.Next()
	})
	h.RegisterProtectedRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r
}

func get(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHandler_ListMine(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, &Assessment{ID: "risk_1", ActorID: "acct_a", Verdict: VerdictNormal}))
	require.NoError(t, store.Record(ctx, &Assessment{ID: "risk_2", ActorID: "acct_b", Verdict: VerdictAnomalous}))
	require.NoError(t, store.Record(ctx, &Assessment{ID: "risk_3", ActorID: "acct_a", Verdict: VerdictAnomalous}))

	r := setupRiskRouter(NewHandler(newTestScreener(&fakeSource{}, true, store), store), "acct_a")

	w := get(r, "GET", "/v1/assessments")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Assessments []*Assessment `json:"assessments"`
		Count       int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "risk_3", body.Assessments[0].ID, "most recent first")

	w = get(r, "GET", "/v1/admin/risk/anomalies?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "risk_3", body.Assessments[0].ID)
}

func TestHandler_NoStore(t *testing.T) {
	r := setupRiskRouter(NewHandler(newTestScreener(&fakeSource{}, true, nil), nil), "acct_a")

	w := get(r, "GET", "/v1/assessments")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestHandler_Retrain(t *testing.T) {
	src := &fakeSource{}
	s := newTestScreener(src, true, nil)
	r := setupRiskRouter(NewHandler(s, nil), "acct_a")

	w := get(r, "POST", "/v1/admin/risk/retrain")
	assert.Equal(t, http.StatusConflict, w.Code, "nothing to train on")

	src.setTraining(trafficSamples(150))
	w = get(r, "POST", "/v1/admin/risk/retrain")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, s.Model().State().Trained)

	w = get(r, "GET", "/v1/admin/risk/model")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"trained":true`)
	assert.Contains(t, w.Body.String(), `"trainingSize":150`)
}

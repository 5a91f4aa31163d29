package risk

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletguard/internal/auth"
)

// Handler exposes the assessment audit trail and model operations.
type Handler struct {
	screener *Screener
	store    Store
}

// NewHandler creates a risk handler. store may be nil when no audit trail
// is kept.
func NewHandler(screener *Screener, store Store) *Handler {
	return &Handler{screener: screener, store: store}
}

// RegisterProtectedRoutes sets up routes scoped to the acting account.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/assessments", h.ListMine)
}

// RegisterAdminRoutes sets up operator routes. Callers must guard the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/risk/model", h.ModelState)
	r.POST("/risk/retrain", h.Retrain)
	r.GET("/risk/anomalies", h.ListAnomalous)
}

// ListMine handles GET /v1/assessments
func (h *Handler) ListMine(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, gin.H{"assessments": []*Assessment{}, "count": 0})
		return
	}
	list, err := h.store.ListByActor(c.Request.Context(), auth.ActorID(c), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": list, "count": len(list)})
}

// ModelState handles GET /v1/admin/risk/model
func (h *Handler) ModelState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"model":          h.screener.Model().State(),
		"options":        h.screener.Model().Options(),
		"volumeSinceFit": h.screener.Volume(),
		"shouldRetrain":  h.screener.ShouldRetrain(),
		"cachedVerdicts": h.screener.Cache().Len(),
	})
}

// Retrain handles POST /v1/admin/risk/retrain
func (h *Handler) Retrain(c *gin.Context) {
	err := h.screener.Retrain(c.Request.Context())
	switch {
	case errors.Is(err, ErrEmptyTrainingSet):
		c.JSON(http.StatusConflict, gin.H{"error": "no_training_data", "message": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retrain_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": h.screener.Model().State()})
}

// ListAnomalous handles GET /v1/admin/risk/anomalies
func (h *Handler) ListAnomalous(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, gin.H{"assessments": []*Assessment{}, "count": 0})
		return
	}
	list, err := h.store.ListAnomalous(c.Request.Context(), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": list, "count": len(list)})
}

func limitParam(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}
	return limit
}

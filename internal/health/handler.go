package health

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the body of GET /health.
type Response struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Checks    []Status `json:"checks"`
	Timestamp string   `json:"timestamp"`
}

// Handler serves the aggregate registry result: 200 when healthy, 503 when
// any subsystem is degraded.
func Handler(r *Registry, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, Response{
			Status:    status,
			Version:   version,
			Checks:    statuses,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// FlagHandler serves 200 while flag is set and 503 otherwise. It backs the
// liveness and readiness probes.
func FlagHandler(flag *atomic.Bool, up, down string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !flag.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": down})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": up})
	}
}

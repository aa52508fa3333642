package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/opensai/secop-search/internal/health"
	"github.com/opensai/secop-search/internal/models"
)

type HealthHandler struct {
	monitor *health.Monitor
	logger  *logrus.Logger
}

func NewHealthHandler(monitor *health.Monitor, logger *logrus.Logger) *HealthHandler {
	return &HealthHandler{monitor: monitor, logger: logger}
}

// HandleLiveness reports process liveness only.
func (h *HealthHandler) HandleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:  "ok",
		Service: "secop-search",
	})
}

// HandleUpstream reports the last known upstream state. A stale snapshot
// triggers a background refresh; the caller never waits on a probe.
func (h *HealthHandler) HandleUpstream(c *gin.Context) {
	state := h.monitor.Current()

	if !state.Fresh(h.monitor.Staleness()) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			h.monitor.Probe(ctx)
		}()
	}

	status := "ok"
	code := http.StatusOK
	if state.Status == health.StatusDegraded || state.Status == health.StatusDown {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	lastChecked := ""
	if !state.CheckedAt.IsZero() {
		lastChecked = state.CheckedAt.Format(time.RFC3339)
	}

	c.JSON(code, models.UpstreamHealthResponse{
		Status:      status,
		Upstream:    "datos.gov.co",
		Reason:      state.Reason,
		LastChecked: lastChecked,
	})
}

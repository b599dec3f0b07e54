package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"geoquery/internal/telemetry"
)

// Handler serves the proxy endpoints
type Handler struct {
	extractor *Extractor
	metrics   *telemetry.Metrics
	started   time.Time
}

// NewHandler creates a proxy handler
func NewHandler(extractor *Extractor, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		extractor: extractor,
		metrics:   metrics,
		started:   time.Now(),
	}
}

// FetchContent handles GET /api/proxy/fetch-content?url=
func (h *Handler) FetchContent(c *gin.Context) {
	start := time.Now()
	target := c.Query("url")

	content, err := h.extractor.Extract(c.Request.Context(), target)
	if err != nil {
		status := statusFor(err)
		h.metrics.RecordProxyFetch(status, time.Since(start))
		slog.Warn("Fetch content failed", "url", target, "status", status, "error", err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.metrics.RecordProxyFetch(http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, content)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoContent):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

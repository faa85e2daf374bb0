package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// BreakerReporter exposes the per-dependency circuit states.
type BreakerReporter interface {
	States() map[string]string
}

type HealthHandler struct {
	ping     func(ctx context.Context) error
	breakers BreakerReporter
}

// NewHealthHandler takes an optional store ping and breaker reporter. An API
// process without a worker has no breakers to report.
func NewHealthHandler(ping func(ctx context.Context) error, breakers BreakerReporter) *HealthHandler {
	return &HealthHandler{ping: ping, breakers: breakers}
}

type healthResponse struct {
	Status   string            `json:"status"`
	Store    string            `json:"store"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// HealthCheck fails only when the request store is unreachable. Open
// breakers degrade the pipeline but the API keeps accepting requests.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	resp := healthResponse{Status: "ok", Store: "ok"}
	if h.breakers != nil {
		resp.Breakers = h.breakers.States()
		for _, state := range resp.Breakers {
			if state != "closed" {
				resp.Status = "degraded"
			}
		}
	}
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Store = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

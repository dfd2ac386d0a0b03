package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and store connectivity probes.
type HealthHandler struct {
	store  pinger
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(store pinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{store: store, logger: logger}
}

// Register mounts /healthz and /healthz/store.
func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Live)
	r.GET("/healthz/store", h.Store)
}

// Live handles GET /healthz.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Store handles GET /healthz/store. Runs a trivial query against the store.
func (h *HealthHandler) Store(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error("store probe failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "store connected and query succeeded"})
}

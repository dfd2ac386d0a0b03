package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tanodlink/crimeledger/internal/ledger"
	"go.uber.org/zap"
)

// LedgerHandler exposes audit endpoints for an emulated ledger chain. It is
// only mounted when the ledger backend keeps its blocks locally.
type LedgerHandler struct {
	chain  ledger.Chain
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(chain ledger.Chain, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{chain: chain, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/blocks/:idx", h.GetBlock)
	}
}

// Overview handles GET /ledger. Returns the block count and tip hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	n, err := h.chain.Len(ctx)
	if err != nil {
		h.logger.Error("ledger len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	root, err := h.chain.Root(ctx)
	if err != nil {
		h.logger.Error("ledger root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger root"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"blocks": n,
		"root":   root,
	})
}

// Verify handles GET /ledger/verify. Walks the chain and reports whether
// every link and payload digest holds.
func (h *LedgerHandler) Verify(c *gin.Context) {
	if err := h.chain.Verify(c.Request.Context()); err != nil {
		h.logger.Error("ledger chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetBlock handles GET /ledger/blocks/:idx.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	b, err := h.chain.Get(c.Request.Context(), idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"index":     b.Index,
		"timestamp": b.Timestamp,
		"key":       b.Key,
		"payload":   string(b.Payload),
		"data_hash": b.DataHash,
		"prev_hash": b.PrevHash,
		"hash":      b.Hash,
	})
}

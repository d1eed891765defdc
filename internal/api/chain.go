// Package api exposes the vote chain over HTTP: public read/cast/verify
// endpoints plus admin-guarded destructive operations, with per-request
// metrics and rate limiting.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/votechain/votechain/internal/ballot"
	"github.com/votechain/votechain/internal/chain"
	"github.com/votechain/votechain/internal/token"
)

// ChainHandler exposes the public chain endpoints.
type ChainHandler struct {
	svc    *ballot.Service
	logger *zap.Logger
}

// NewChainHandler creates a ChainHandler.
func NewChainHandler(svc *ballot.Service, logger *zap.Logger) *ChainHandler {
	return &ChainHandler{svc: svc, logger: logger}
}

// Register mounts the chain routes on the given router group.
func (h *ChainHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/votes", h.CastVote)
	rg.GET("/chain", h.Overview)
	rg.GET("/chain/records", h.ListRecords)
	rg.GET("/chain/records/:idx", h.GetRecord)
	rg.GET("/chain/verify", h.Verify)
	rg.GET("/tally", h.Tally)
	rg.POST("/tally/compare", h.CompareTally)
	rg.POST("/tokens/verify", h.VerifyToken)
}

// CastVote handles POST /votes.
func (h *ChainHandler) CastVote(c *gin.Context) {
	var req struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}

	ctx := c.Request.Context()
	result, err := h.svc.Cast(ctx, req.Value)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrInvalidValue):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, ballot.ErrElectionClosed):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			h.logger.Error("cast vote", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record vote"})
		}
		return
	}

	if records, lenErr := h.svc.Records(ctx); lenErr == nil {
		recordVote(len(records))
	}
	recordSync("push", result.SyncErr)

	resp := gin.H{
		"record":  result.Record,
		"payload": string(result.Payload),
	}
	if result.QRPath != "" {
		resp["qr_path"] = result.QRPath
	}
	if result.SyncLocation != "" {
		resp["sync_location"] = result.SyncLocation
	}
	if result.SyncErr != nil {
		// The vote is committed; surface the sync failure without failing
		// the request.
		resp["sync_error"] = result.SyncErr.Error()
	}
	c.JSON(http.StatusCreated, resp)
}

// Overview handles GET /chain: length and tail hash.
func (h *ChainHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	records, err := h.svc.Records(ctx)
	if err != nil {
		h.logger.Error("chain records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query chain"})
		return
	}

	last := chain.GenesisHash
	if len(records) > 0 {
		last = records[len(records)-1].Hash
	}
	c.JSON(http.StatusOK, gin.H{
		"records":   len(records),
		"last_hash": last,
	})
}

// ListRecords handles GET /chain/records: the full ordered sequence.
func (h *ChainHandler) ListRecords(c *gin.Context) {
	records, err := h.svc.Records(c.Request.Context())
	if err != nil {
		h.logger.Error("chain records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query chain"})
		return
	}
	if records == nil {
		records = []*chain.Record{}
	}
	c.JSON(http.StatusOK, records)
}

// GetRecord handles GET /chain/records/:idx.
func (h *ChainHandler) GetRecord(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	records, err := h.svc.Records(c.Request.Context())
	if err != nil {
		h.logger.Error("chain records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query chain"})
		return
	}
	if idx >= len(records) {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, records[idx])
}

// Verify handles GET /chain/verify: the full invariant report.
func (h *ChainHandler) Verify(c *gin.Context) {
	report, err := h.svc.Validate(c.Request.Context())
	if err != nil {
		h.logger.Error("chain validate", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate chain"})
		return
	}
	recordValidate(report.Valid)
	if !report.Valid {
		h.logger.Warn("chain integrity check failed",
			zap.Int("violations", len(report.Violations)),
		)
	}
	c.JSON(http.StatusOK, report)
}

// Tally handles GET /tally.
func (h *ChainHandler) Tally(c *gin.Context) {
	counts, err := h.svc.Tally(c.Request.Context())
	if err != nil {
		h.logger.Error("tally", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to tally chain"})
		return
	}
	c.JSON(http.StatusOK, counts)
}

// CompareTally handles POST /tally/compare: diffs the chain tally against
// a caller-supplied reference tally.
func (h *ChainHandler) CompareTally(c *gin.Context) {
	var want map[string]int
	if err := c.ShouldBindJSON(&want); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference tally must be a value→count object"})
		return
	}

	diff, err := h.svc.CompareTally(c.Request.Context(), want)
	if err != nil {
		h.logger.Error("compare tally", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compare tally"})
		return
	}
	c.JSON(http.StatusOK, diff)
}

// VerifyToken handles POST /tokens/verify: decodes a token payload and
// cross-checks it against the chain. Verification failures are a 200 with
// verified=false; only malformed payloads are a client error.
func (h *ChainHandler) VerifyToken(c *gin.Context) {
	var req struct {
		Payload string `json:"payload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload is required"})
		return
	}

	rec, err := h.svc.VerifyToken(c.Request.Context(), []byte(req.Payload))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"verified": true, "record": rec})
	case errors.Is(err, token.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ballot.ErrTokenMismatch), errors.Is(err, ballot.ErrTokenUnknown):
		c.JSON(http.StatusOK, gin.H{"verified": false, "reason": err.Error(), "record": rec})
	default:
		h.logger.Error("verify token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify token"})
	}
}

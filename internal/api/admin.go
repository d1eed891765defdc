package api

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/votechain/votechain/internal/ballot"
	"github.com/votechain/votechain/internal/remote"
)

const adminIssuer = "votechaind"

// AdminAuth exchanges the admin password for short-lived HS256 tokens and
// gates destructive endpoints on them. The signing key is generated at
// startup: restarting the service invalidates outstanding tokens, which is
// acceptable at the configured one-hour lifetime.
type AdminAuth struct {
	passwordHash []byte // bcrypt hash of the admin password
	signingKey   []byte
	ttl          time.Duration
}

// NewAdminAuth creates an AdminAuth around a bcrypt password hash.
func NewAdminAuth(passwordHash string, ttl time.Duration) (*AdminAuth, error) {
	if passwordHash == "" {
		return nil, fmt.Errorf("admin password hash is not configured")
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &AdminAuth{
		passwordHash: []byte(passwordHash),
		signingKey:   key,
		ttl:          ttl,
	}, nil
}

// IssueToken verifies password and returns a signed admin token.
func (a *AdminAuth) IssueToken(password string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", fmt.Errorf("admin password rejected")
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    adminIssuer,
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// verify parses and validates an admin token.
func (a *AdminAuth) verify(tokenStr string) error {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&jwt.RegisteredClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return a.signingKey, nil
		},
		jwt.WithIssuer(adminIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("verify admin token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid admin token")
	}
	return nil
}

// Middleware rejects requests without a valid admin bearer token.
func (a *AdminAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
			return
		}
		if err := a.verify(tokenStr); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

// AdminHandler exposes the destructive and sync operations: prune, reset,
// push, pull. All of them sit behind AdminAuth.
type AdminHandler struct {
	svc    *ballot.Service
	auth   *AdminAuth
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(svc *ballot.Service, auth *AdminAuth, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, auth: auth, logger: logger}
}

// Register mounts the admin routes on the given router group.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/admin/token", h.Token)

	guarded := rg.Group("", h.auth.Middleware())
	{
		guarded.POST("/chain/prune", h.Prune)
		guarded.POST("/chain/reset", h.Reset)
		guarded.POST("/sync/push", h.SyncPush)
		guarded.POST("/sync/pull", h.SyncPull)
	}
}

// Token handles POST /admin/token: exchanges the admin password for a JWT.
func (h *AdminHandler) Token(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}

	token, err := h.auth.IssueToken(req.Password)
	if err != nil {
		h.logger.Warn("admin token request rejected", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// Prune handles POST /chain/prune: removes all records for a value. The
// response includes the post-prune validation report so the caller sees the
// integrity break the redaction produced.
func (h *AdminHandler) Prune(c *gin.Context) {
	var req struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}

	removed, err := h.svc.Prune(c.Request.Context(), req.Value)
	if err != nil {
		h.logger.Error("prune failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prune failed"})
		return
	}

	report, err := h.svc.Validate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "post-prune validation failed"})
		return
	}
	recordValidate(report.Valid)

	c.JSON(http.StatusOK, gin.H{
		"removed": removed,
		"report":  report,
	})
}

// Reset handles POST /chain/reset: clears the chain.
func (h *AdminHandler) Reset(c *gin.Context) {
	if err := h.svc.Reset(c.Request.Context()); err != nil {
		h.logger.Error("reset failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
		return
	}
	SetChainLength(0)
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// SyncPush handles POST /sync/push.
func (h *AdminHandler) SyncPush(c *gin.Context) {
	loc, err := h.svc.SyncPush(c.Request.Context())
	recordSync("push", err)
	if err != nil {
		h.logger.Warn("sync push failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"location": loc})
}

// SyncPull handles POST /sync/pull: replaces the local chain with the
// remote copy.
func (h *AdminHandler) SyncPull(c *gin.Context) {
	n, err := h.svc.SyncPull(c.Request.Context())
	recordSync("pull", err)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no remote chain document"})
			return
		}
		h.logger.Warn("sync pull failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	SetChainLength(n)
	c.JSON(http.StatusOK, gin.H{"records": n})
}

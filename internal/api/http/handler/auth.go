package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	secret     string
	defaultTTL time.Duration
}

func NewAuthHandler(secret string, defaultTTL time.Duration) *AuthHandler {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &AuthHandler{secret: secret, defaultTTL: defaultTTL}
}

// IssueToken mints a dashboard JWT for the requested role
// POST /auth/token
func (h *AuthHandler) IssueToken(c *gin.Context) {
	if h.secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "JWT issuance is not configured"})
		return
	}

	var req dto.IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ttl := h.defaultTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	token, expiresAt, err := auth.GenerateToken(h.secret, req.Subject, req.Role, ttl)
	if err != nil {
		slog.Error("Failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	slog.Info("Dashboard token issued", "subject", req.Subject, "role", req.Role, "expires_at", expiresAt)
	c.JSON(http.StatusOK, dto.IssueTokenResponse{Token: token, ExpiresAt: expiresAt})
}

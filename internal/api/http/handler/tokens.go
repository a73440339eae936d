package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/gin-gonic/gin"
)

type TokensHandler struct {
	tokens *provisioning.Store
}

func NewTokensHandler(tokens *provisioning.Store) *TokensHandler {
	return &TokensHandler{tokens: tokens}
}

// CreateToken issues a new enrollment token. The secret is only returned here.
// POST /tokens
func (h *TokensHandler) CreateToken(c *gin.Context) {
	var req dto.CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := provisioning.CreateParams{Name: req.Name, MaxUses: req.MaxUses}
	if req.ExpiresInHours > 0 {
		expiresAt := h.tokens.Now().Add(time.Duration(req.ExpiresInHours) * time.Hour)
		params.ExpiresAt = &expiresAt
	}

	token, secret, err := h.tokens.Create(c.Request.Context(), params)
	if err != nil {
		respondError(c, err, "create enrollment token")
		return
	}

	resp := dto.NewTokenResponse(token, h.tokens.Now())
	resp.Token = secret
	slog.Info("Enrollment token issued", "token_id", token.ID, "by", c.GetString("subject"))
	c.JSON(http.StatusCreated, resp)
}

// ListTokens GET /tokens
func (h *TokensHandler) ListTokens(c *gin.Context) {
	now := h.tokens.Now()
	list := h.tokens.List()
	responses := make([]dto.TokenResponse, len(list))
	for i, t := range list {
		responses[i] = dto.NewTokenResponse(t, now)
	}
	c.JSON(http.StatusOK, dto.ListTokensResponse{Tokens: responses})
}

// GetToken GET /tokens/:id
func (h *TokensHandler) GetToken(c *gin.Context) {
	token, err := h.tokens.Get(c.Param("id"))
	if err != nil {
		respondError(c, err, "get enrollment token")
		return
	}
	c.JSON(http.StatusOK, dto.NewTokenResponse(token, h.tokens.Now()))
}

// RevokeToken deactivates a token; revoked tokens cannot be reactivated
// POST /tokens/:id/revoke
func (h *TokensHandler) RevokeToken(c *gin.Context) {
	token, err := h.tokens.Revoke(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "revoke enrollment token")
		return
	}
	c.JSON(http.StatusOK, dto.NewTokenResponse(token, h.tokens.Now()))
}

// DeleteToken DELETE /tokens/:id
func (h *TokensHandler) DeleteToken(c *gin.Context) {
	if err := h.tokens.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err, "delete enrollment token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "token deleted"})
}

// ValidateToken reports whether a secret would be accepted for enrollment.
// It does not take a use.
// POST /tokens/validate
func (h *TokensHandler) ValidateToken(c *gin.Context) {
	var req dto.ValidateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.tokens.Check(req.Token)
	resp := dto.ValidateTokenResponse{Valid: err == nil, TokenID: token.ID}
	if token.ID != "" {
		resp.State = string(token.State(h.tokens.Now()))
	}
	if err != nil {
		resp.Reason = tokenRejectReason(err)
		c.JSON(http.StatusUnauthorized, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func tokenRejectReason(err error) string {
	switch {
	case errors.Is(err, provisioning.ErrTokenInactive):
		return "token_inactive"
	case errors.Is(err, provisioning.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, provisioning.ErrTokenExhausted):
		return "token_exhausted"
	default:
		return "token_unknown"
	}
}

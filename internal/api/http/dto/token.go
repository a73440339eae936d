package dto

import (
	"time"

	"github.com/EternisAI/silo-fleet/internal/provisioning"
)

type CreateTokenRequest struct {
	Name string `json:"name" binding:"max=255"`
	// MaxUses of -1 means unlimited.
	MaxUses        int `json:"max_uses" binding:"required,min=-1"`
	ExpiresInHours int `json:"expires_in_hours" binding:"omitempty,min=1"`
}

type TokenResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Token     string     `json:"token,omitempty"` // Only returned on creation
	State     string     `json:"state"`
	MaxUses   int        `json:"max_uses"`
	UseCount  int        `json:"use_count"`
	Remaining int        `json:"remaining"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func NewTokenResponse(t provisioning.Token, now time.Time) TokenResponse {
	return TokenResponse{
		ID:        t.ID,
		Name:      t.Name,
		State:     string(t.State(now)),
		MaxUses:   t.MaxUses,
		UseCount:  t.UseCount,
		Remaining: t.Remaining(),
		ExpiresAt: t.ExpiresAt,
		CreatedAt: t.CreatedAt,
		RevokedAt: t.RevokedAt,
	}
}

type ListTokensResponse struct {
	Tokens []TokenResponse `json:"tokens"`
}

type ValidateTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

type ValidateTokenResponse struct {
	Valid   bool   `json:"valid"`
	TokenID string `json:"token_id,omitempty"`
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

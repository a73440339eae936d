package dto

import "time"

type IssueTokenRequest struct {
	Subject    string `json:"subject" binding:"required,max=255"`
	Role       string `json:"role" binding:"required,oneof=admin viewer"`
	TTLMinutes int    `json:"ttl_minutes" binding:"omitempty,min=1"`
}

type IssueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

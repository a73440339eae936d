package dto

import (
	"encoding/json"
	"time"

	"github.com/EternisAI/silo-fleet/internal/broadcasts"
)

type CreateBroadcastRequest struct {
	MessageType      string          `json:"message_type" binding:"required"`
	Payload          json.RawMessage `json:"payload"`
	RequiredLabels   []string        `json:"required_labels"`
	Priority         string          `json:"priority"`
	Limit            int             `json:"limit" binding:"min=0"`
	ExpiresInMinutes int             `json:"expires_in_minutes" binding:"omitempty,min=1"`
}

type BroadcastResponse struct {
	ID             string          `json:"id"`
	Source         string          `json:"source"`
	MessageType    string          `json:"message_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RequiredLabels []string        `json:"required_labels"`
	Priority       string          `json:"priority"`
	Limit          int             `json:"limit"`
	Allocated      int             `json:"allocated"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func NewBroadcastResponse(b broadcasts.Broadcast) BroadcastResponse {
	var payload json.RawMessage
	if json.Valid(b.Payload) {
		payload = b.Payload
	} else if len(b.Payload) > 0 {
		payload, _ = json.Marshal(b.Payload)
	}
	labels := b.RequiredLabels
	if labels == nil {
		labels = []string{}
	}
	return BroadcastResponse{
		ID:             b.ID,
		Source:         b.Source,
		MessageType:    b.MessageType,
		Payload:        payload,
		RequiredLabels: labels,
		Priority:       b.Priority.String(),
		Limit:          b.Limit,
		Allocated:      b.Allocated,
		ExpiresAt:      b.ExpiresAt,
		CreatedAt:      b.CreatedAt,
	}
}

type ListBroadcastsResponse struct {
	Broadcasts []BroadcastResponse `json:"broadcasts"`
}

type PendingBroadcastsResponse struct {
	ClientID   string              `json:"client_id"`
	Broadcasts []BroadcastResponse `json:"broadcasts"`
}

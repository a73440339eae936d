package dto

import (
	"encoding/json"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
)

type AgentResponse struct {
	ClientID          string    `json:"client_id"`
	Hostname          string    `json:"hostname,omitempty"`
	OSType            string    `json:"os_type,omitempty"`
	OSVersion         string    `json:"os_version,omitempty"`
	AgentVersion      string    `json:"agent_version,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	Status            string    `json:"status"`
	EnrolledAt        time.Time `json:"enrolled_at"`
	LastSeen          time.Time `json:"last_seen"`
	Tags              []string  `json:"tags"`
	MessageCount      uint64    `json:"message_count"`
	ErrorCount        uint64    `json:"error_count"`
	EnrollmentTokenID string    `json:"enrollment_token_id,omitempty"`
	Connected         bool      `json:"connected"`
	PeerAddr          string    `json:"peer_addr,omitempty"`
}

func NewAgentResponse(a agents.Agent) AgentResponse {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return AgentResponse{
		ClientID:          a.ClientID,
		Hostname:          a.Hostname,
		OSType:            a.OSType,
		OSVersion:         a.OSVersion,
		AgentVersion:      a.AgentVersion,
		IPAddress:         a.IPAddress,
		Status:            string(a.Status),
		EnrolledAt:        a.EnrolledAt,
		LastSeen:          a.LastSeen,
		Tags:              tags,
		MessageCount:      a.MessageCount,
		ErrorCount:        a.ErrorCount,
		EnrollmentTokenID: a.EnrollmentTokenID,
	}
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}

type TagsRequest struct {
	Tags []string `json:"tags" binding:"required,min=1"`
}

type SendCommandRequest struct {
	MessageType string          `json:"message_type" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority"`
}

type CommandResponse struct {
	MessageID   string    `json:"message_id"`
	ClientID    string    `json:"client_id"`
	MessageType string    `json:"message_type"`
	Priority    string    `json:"priority"`
	CreatedAt   time.Time `json:"creation_time"`
}

type ConnectionInfo struct {
	ClientID  string    `json:"client_id"`
	PeerAddr  string    `json:"peer_addr"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Contacts  uint64    `json:"contacts"`
}

type ConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
	Count       int              `json:"count"`
}

type StatsResponse struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	MessageCount uint64         `json:"message_count"`
	ErrorCount   uint64         `json:"error_count"`
	Pending      int            `json:"pending"`
	Tokens       int            `json:"tokens"`
	Broadcasts   int            `json:"broadcasts"`
}

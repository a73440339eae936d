package wire

import (
	"time"

	"github.com/EternisAI/silo-fleet/internal/messages"
)

type Enrollment struct {
	Hostname     string `json:"hostname,omitempty"`
	OSType       string `json:"os_type,omitempty"`
	OSVersion    string `json:"os_version,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
}

// ContactRequest is sent by an agent on every contact. Enrollment and Token
// are only required the first time.
type ContactRequest struct {
	ClientID   string             `json:"client_id,omitempty"`
	Enrollment *Enrollment        `json:"enrollment,omitempty"`
	Token      string             `json:"token,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	Messages   []messages.Message `json:"messages,omitempty"`
	Acks       []string           `json:"acks,omitempty"`
}

type ContactResponse struct {
	Status    string             `json:"status"`
	Reason    string             `json:"reason,omitempty"`
	ClientID  string             `json:"client_id,omitempty"`
	Messages  []messages.Message `json:"messages,omitempty"`
	AckCursor []string           `json:"ack_cursor,omitempty"`
}

const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
)

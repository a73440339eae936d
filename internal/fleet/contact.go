package fleet

import (
	"fmt"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/messages"
)

// Contact is one inbound request from an agent.
type Contact struct {
	ClientID    string
	Enrollment  *agents.Info
	TokenSecret string
	LastSeen    time.Time
	Messages    []messages.Message
	Acks        []string
	PeerAddr    string
}

type ResponseStatus string

const (
	StatusOK       ResponseStatus = "ok"
	StatusRejected ResponseStatus = "rejected"
)

type Response struct {
	Status   ResponseStatus
	Reason   Reason
	ClientID string
	Messages []messages.Message
	// AckCursor lists the IDs delivered in this response. The agent echoes
	// them back as acknowledgements on its next contact.
	AckCursor []string
}

func (r Response) OK() bool {
	return r.Status == StatusOK
}

func validateContact(c Contact, maxMessages int) error {
	if c.ClientID != "" {
		if err := agents.ValidateClientID(c.ClientID); err != nil {
			return err
		}
	}
	if c.Enrollment != nil && c.TokenSecret == "" && c.ClientID == "" {
		return fmt.Errorf("%w: enrollment without token", ErrMalformedContact)
	}
	if maxMessages > 0 && len(c.Messages) > maxMessages {
		return fmt.Errorf("%w: %d messages exceeds limit of %d", ErrMalformedContact, len(c.Messages), maxMessages)
	}
	for _, m := range c.Messages {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

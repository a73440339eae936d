package broadcasts

import (
	"time"

	"github.com/EternisAI/silo-fleet/internal/messages"
)

type Broadcast struct {
	ID             string
	Source         string
	MessageType    string
	RequiredLabels []string
	ExpiresAt      *time.Time
	Payload        []byte
	Priority       messages.Priority
	// Limit caps how many agents receive the broadcast; 0 means no cap.
	Limit     int
	Allocated int
	CreatedAt time.Time
}

func (b Broadcast) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// Matches reports whether tags is a superset of the required labels.
func (b Broadcast) Matches(tags []string) bool {
	have := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		have[t] = struct{}{}
	}
	for _, l := range b.RequiredLabels {
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}

// MessageFor builds the queued message that delivers b to one agent. The ID is
// derived from both IDs so a redelivered copy is recognisable.
func (b Broadcast) MessageFor(clientID string) messages.Message {
	return messages.Message{
		ID:          b.ID + ":" + clientID,
		Source:      b.Source,
		Destination: clientID,
		Type:        b.MessageType,
		Payload:     b.Payload,
		CreatedAt:   b.CreatedAt,
		Priority:    b.Priority,
	}
}

package events

import (
	"time"
)

type Kind string

const (
	KindStatusChanged    Kind = "status_changed"
	KindAgentEnrolled    Kind = "agent_enrolled"
	KindAgentRemoved     Kind = "agent_removed"
	KindMessageReceived  Kind = "message_received"
	KindBroadcastCreated Kind = "broadcast_created"
	KindBroadcastDeleted Kind = "broadcast_deleted"
)

type Event struct {
	Kind        Kind      `json:"kind"`
	ClientID    string    `json:"client_id,omitempty"`
	OldStatus   string    `json:"old_status,omitempty"`
	NewStatus   string    `json:"new_status,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	MessageType string    `json:"message_type,omitempty"`
	BroadcastID string    `json:"broadcast_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Observer receives events synchronously, in registration order.
type Observer interface {
	Notify(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) {
	f(e)
}

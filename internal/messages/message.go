package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// priorityUnknown is what an unrecognised wire value decodes to. Validate
// rejects it, so a bad priority fails one message instead of the whole body.
const priorityUnknown Priority = -1

var ErrInvalidMessage = errors.New("invalid message")

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "medium"
	}
}

// ParsePriority accepts low, medium or high; the empty string means medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int
		if json.Unmarshal(data, &n) != nil {
			*p = priorityUnknown
			return nil
		}
		*p = Priority(n)
		return nil
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		parsed = priorityUnknown
	}
	*p = parsed
	return nil
}

// Message is the envelope exchanged between the server and agents in both
// directions. Payload holds the encoded body; use Decoded to get the typed view.
type Message struct {
	ID          string    `json:"message_id"`
	Source      string    `json:"source,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Type        string    `json:"message_type"`
	Payload     []byte    `json:"payload,omitempty"`
	CreatedAt   time.Time `json:"creation_time"`
	Priority    Priority  `json:"priority"`
}

func New(source, destination, msgType string, payload []byte, priority Priority, now time.Time) Message {
	return Message{
		ID:          NewID(),
		Source:      source,
		Destination: destination,
		Type:        msgType,
		Payload:     payload,
		CreatedAt:   now,
		Priority:    priority,
	}
}

func NewID() string {
	return uuid.New().String()
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: missing message_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Type) == "" {
		return fmt.Errorf("%w: missing message_type for %s", ErrInvalidMessage, m.ID)
	}
	if m.Priority < PriorityLow || m.Priority > PriorityHigh {
		return fmt.Errorf("%w: priority out of range for %s", ErrInvalidMessage, m.ID)
	}
	return nil
}

func (m Message) Decoded() Payload {
	return Decode(m.Type, m.Payload)
}

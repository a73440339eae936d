package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/google/uuid"
)

const DefaultFeedSize = 50

// Activity is one human-readable line of the operator activity feed.
type Activity struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	ClientID  string    `json:"client_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ActivityRepository interface {
	InsertActivity(ctx context.Context, a Activity) error
	// ListActivity returns up to limit entries, newest first.
	ListActivity(ctx context.Context, limit int) ([]Activity, error)
	// PruneActivity deletes everything but the newest keep entries.
	PruneActivity(ctx context.Context, keep int) error
}

// Feed keeps the latest events as Activity entries in a fixed-size ring and
// mirrors them to an optional repository so the feed survives restarts.
type Feed struct {
	mu       sync.RWMutex
	ring     []Activity
	next     int
	count    int
	inserted int
	repo     ActivityRepository
}

func NewFeed(size int, repo ActivityRepository) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{ring: make([]Activity, size), repo: repo}
}

// Load fills the ring from the repository and trims the stored history.
func (f *Feed) Load(ctx context.Context) error {
	if f.repo == nil {
		return nil
	}
	stored, err := f.repo.ListActivity(ctx, len(f.ring))
	if err != nil {
		return fmt.Errorf("failed to load activity: %w", err)
	}
	f.mu.Lock()
	for i := len(stored) - 1; i >= 0; i-- {
		f.pushLocked(stored[i])
	}
	f.mu.Unlock()
	if err := f.repo.PruneActivity(ctx, len(f.ring)); err != nil {
		return fmt.Errorf("failed to prune activity: %w", err)
	}
	slog.Info("Loaded activity feed", "entries", len(stored))
	return nil
}

func (f *Feed) Notify(e Event) {
	msg, ok := describe(e)
	if !ok {
		return
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	a := Activity{
		ID:        uuid.NewString(),
		Kind:      e.Kind,
		ClientID:  e.ClientID,
		Message:   msg,
		Timestamp: ts,
	}

	f.mu.Lock()
	f.pushLocked(a)
	f.inserted++
	prune := f.inserted%len(f.ring) == 0
	f.mu.Unlock()

	if f.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.repo.InsertActivity(ctx, a); err != nil {
		slog.Warn("Failed to persist activity", "kind", a.Kind, "error", err)
		return
	}
	if prune {
		if err := f.repo.PruneActivity(ctx, len(f.ring)); err != nil {
			slog.Warn("Failed to prune activity", "error", err)
		}
	}
}

// Run records events from ch until it closes or ctx is done.
func (f *Feed) Run(ctx context.Context, ch <-chan Event) {
	forward(ctx, ch, f)
}

// Recent returns up to limit entries, newest first. A limit of zero or less
// returns the whole ring.
func (f *Feed) Recent(limit int) []Activity {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 || limit > f.count {
		limit = f.count
	}
	out := make([]Activity, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (f.next - i + len(f.ring)) % len(f.ring)
		out = append(out, f.ring[idx])
	}
	return out
}

func (f *Feed) pushLocked(a Activity) {
	f.ring[f.next] = a
	f.next = (f.next + 1) % len(f.ring)
	if f.count < len(f.ring) {
		f.count++
	}
}

// describe renders an event for the feed. Heartbeats and acks are not
// interesting to an operator and are left out.
func describe(e Event) (string, bool) {
	switch e.Kind {
	case KindAgentEnrolled:
		return fmt.Sprintf("Agent %s enrolled", e.ClientID), true
	case KindAgentRemoved:
		return fmt.Sprintf("Agent %s removed", e.ClientID), true
	case KindStatusChanged:
		return fmt.Sprintf("Agent %s: %s -> %s", e.ClientID, e.OldStatus, e.NewStatus), true
	case KindMessageReceived:
		if e.MessageType == messages.TypeHeartbeat || e.MessageType == messages.TypeAck {
			return "", false
		}
		return fmt.Sprintf("Message from %s: %s", e.ClientID, e.MessageType), true
	case KindBroadcastCreated:
		return fmt.Sprintf("Broadcast created: %s", e.MessageType), true
	case KindBroadcastDeleted:
		return fmt.Sprintf("Broadcast %s deleted", e.BroadcastID), true
	default:
		return string(e.Kind), true
	}
}

package broadcasts

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("broadcast not found")
	ErrInvalidBroadcast = errors.New("invalid broadcast")
)

type Store struct {
	mu         sync.RWMutex
	broadcasts map[string]*Broadcast
	clock      clock.Clock
}

func NewStore(clk clock.Clock) *Store {
	return &Store{
		broadcasts: make(map[string]*Broadcast),
		clock:      clk,
	}
}

func clone(b *Broadcast) Broadcast {
	out := *b
	out.RequiredLabels = slices.Clone(b.RequiredLabels)
	return out
}

// Create stores b and returns its ID. ID and CreatedAt are assigned when empty.
func (s *Store) Create(b Broadcast) (string, error) {
	if strings.TrimSpace(b.MessageType) == "" {
		return "", fmt.Errorf("%w: message_type is required", ErrInvalidBroadcast)
	}
	if b.Limit < 0 {
		return "", fmt.Errorf("%w: limit must not be negative", ErrInvalidBroadcast)
	}
	now := s.clock.Now()
	if b.Expired(now) {
		return "", fmt.Errorf("%w: already expired", ErrInvalidBroadcast)
	}
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	labels := make([]string, 0, len(b.RequiredLabels))
	for _, l := range b.RequiredLabels {
		if l = strings.TrimSpace(l); l != "" && !slices.Contains(labels, l) {
			labels = append(labels, l)
		}
	}
	sort.Strings(labels)
	b.RequiredLabels = labels
	b.Allocated = 0

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.broadcasts[b.ID]; exists {
		return "", fmt.Errorf("%w: duplicate id %s", ErrInvalidBroadcast, b.ID)
	}
	s.broadcasts[b.ID] = &b

	slog.Info("Broadcast created",
		"broadcast_id", b.ID,
		"message_type", b.MessageType,
		"required_labels", b.RequiredLabels)
	return b.ID, nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.broadcasts[id]; !ok {
		return ErrNotFound
	}
	delete(s.broadcasts, id)
	slog.Info("Broadcast deleted", "broadcast_id", id)
	return nil
}

// Get returns a broadcast by ID. Expired broadcasts are reported as not found.
func (s *Store) Get(id string) (Broadcast, error) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.broadcasts[id]
	if !ok || b.Expired(now) {
		return Broadcast{}, ErrNotFound
	}
	return clone(b), nil
}

func (s *Store) collect(now time.Time, keep func(*Broadcast) bool) []Broadcast {
	s.mu.RLock()
	result := make([]Broadcast, 0, len(s.broadcasts))
	for _, b := range s.broadcasts {
		if b.Expired(now) || !keep(b) {
			continue
		}
		result = append(result, clone(b))
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// ListActive returns unexpired broadcasts, oldest first.
func (s *Store) ListActive(now time.Time) []Broadcast {
	return s.collect(now, func(*Broadcast) bool { return true })
}

// ResolveFor returns unexpired broadcasts whose labels are all in tags and
// that still have delivery slots left.
func (s *Store) ResolveFor(tags []string, now time.Time) []Broadcast {
	return s.collect(now, func(b *Broadcast) bool {
		return (b.Limit == 0 || b.Allocated < b.Limit) && b.Matches(tags)
	})
}

// Claim takes one delivery slot. It fails once the limit is reached or the
// broadcast is gone or expired.
func (s *Store) Claim(id string) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok || b.Expired(now) {
		return false
	}
	if b.Limit > 0 && b.Allocated >= b.Limit {
		return false
	}
	b.Allocated++
	return true
}

// PurgeExpired drops expired broadcasts and returns how many were removed.
func (s *Store) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, b := range s.broadcasts {
		if b.Expired(now) {
			delete(s.broadcasts, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Purged expired broadcasts", "removed", removed)
	}
	return removed
}

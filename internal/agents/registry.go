package agents

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/google/uuid"
)

const maxClientIDLength = 128

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrBlacklisted     = errors.New("agent is blacklisted")
	ErrInvalidClientID = errors.New("invalid client ID")
	ErrInvalidTimeouts = errors.New("invalid timeouts")
	ErrQueueFull       = errors.New("pending queue full")
)

// TokenConsumer validates and consumes an enrollment secret.
type TokenConsumer interface {
	ValidateAndConsume(ctx context.Context, secret string) (provisioning.Token, error)
}

// Repository persists agent snapshots. Upserts must keep last_seen monotonic
// and must never clear a stored blacklisted status.
type Repository interface {
	UpsertAgents(ctx context.Context, agents []Agent) error
	ListAgents(ctx context.Context) ([]Agent, error)
	DeleteAgent(ctx context.Context, clientID string) error
}

type Options struct {
	Timeouts   Timeouts
	MaxPending int
}

type entry struct {
	mu        sync.Mutex
	agent     Agent
	tags      map[string]struct{}
	queue     pendingQueue
	delivered map[string]struct{}
	dirty     bool
	removed   bool
}

func (e *entry) snapshot() Agent {
	a := e.agent
	a.Tags = make([]string, 0, len(e.tags))
	for t := range e.tags {
		a.Tags = append(a.Tags, t)
	}
	sort.Strings(a.Tags)
	return a
}

func (e *entry) setStatus(to Status, at time.Time) *StatusChange {
	from := e.agent.Status
	if from == to {
		return nil
	}
	e.agent.Status = to
	e.dirty = true
	return &StatusChange{ClientID: e.agent.ClientID, Old: from, New: to, Timestamp: at}
}

func (e *entry) applyInfo(info Info) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" && *dst != v {
			*dst = v
			e.dirty = true
		}
	}
	set(&e.agent.Hostname, info.Hostname)
	set(&e.agent.OSType, info.OSType)
	set(&e.agent.OSVersion, info.OSVersion)
	set(&e.agent.AgentVersion, info.AgentVersion)
	set(&e.agent.IPAddress, info.IPAddress)
}

// Registry is the authoritative map of agents. Every entry has its own lock;
// the map lock is only held to find or insert entries.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry

	// persistMu orders Flush against Remove so a deleted row is never
	// written back by a flush that snapshotted it earlier.
	persistMu sync.Mutex

	tmu      sync.RWMutex
	timeouts Timeouts

	clock      clock.Clock
	tokens     TokenConsumer
	repo       Repository
	maxPending int
}

// NewRegistry builds a registry. repo may be nil for a memory-only registry.
func NewRegistry(clk clock.Clock, tokens TokenConsumer, repo Repository, opts Options) (*Registry, error) {
	if err := opts.Timeouts.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		agents:     make(map[string]*entry),
		timeouts:   opts.Timeouts,
		clock:      clk,
		tokens:     tokens,
		repo:       repo,
		maxPending: opts.MaxPending,
	}, nil
}

func ValidateClientID(clientID string) error {
	if clientID == "" || len(clientID) > maxClientIDLength {
		return fmt.Errorf("%w: length must be 1-%d", ErrInvalidClientID, maxClientIDLength)
	}
	for _, r := range clientID {
		if r <= ' ' || r == '/' || r == 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidClientID, clientID)
		}
	}
	return nil
}

func (r *Registry) lookup(clientID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.agents[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrAgentNotFound
	}
	return e, nil
}

// Enroll registers a new agent or refreshes a known one. A blacklisted id is
// rejected before the token is touched. An empty clientID gets a generated id.
// The returned bool is true when a new agent was created.
func (r *Registry) Enroll(ctx context.Context, clientID string, info Info, tokenSecret string) (Agent, bool, error) {
	if clientID == "" {
		clientID = uuid.New().String()
	}
	if err := ValidateClientID(clientID); err != nil {
		return Agent{}, false, err
	}

	if e, err := r.lookup(clientID); err == nil {
		e.mu.Lock()
		blacklisted := e.agent.Status == StatusBlacklisted
		e.mu.Unlock()
		if blacklisted {
			return Agent{}, false, ErrBlacklisted
		}
	}

	token, err := r.tokens.ValidateAndConsume(ctx, tokenSecret)
	if err != nil {
		return Agent{}, false, err
	}

	now := r.clock.Now()

	r.mu.Lock()
	e, exists := r.agents[clientID]
	if !exists {
		e = &entry{
			agent: Agent{
				ClientID:          clientID,
				Status:            StatusEnrolled,
				EnrolledAt:        now,
				LastSeen:          now,
				EnrollmentTokenID: token.ID,
			},
			tags:      make(map[string]struct{}),
			delivered: make(map[string]struct{}),
			dirty:     true,
		}
		e.applyInfo(info)
		r.agents[clientID] = e
		snap := e.snapshot()
		r.mu.Unlock()

		slog.Info("Agent enrolled", "client_id", clientID, "hostname", snap.Hostname, "token_id", token.ID)
		return snap, true, nil
	}
	r.mu.Unlock()

	// The token stays consumed even if the agent turned out to be
	// blacklisted in the meantime.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Agent{}, false, ErrAgentNotFound
	}
	if e.agent.Status == StatusBlacklisted {
		return Agent{}, false, ErrBlacklisted
	}
	e.applyInfo(info)
	slog.Info("Agent re-enrolled", "client_id", clientID, "token_id", token.ID)
	return e.snapshot(), false, nil
}

// RecordContact refreshes last_seen and moves the agent to online. A candidate
// older than the stored last_seen leaves it unchanged; one in the future is
// clamped to now.
func (r *Registry) RecordContact(clientID string, candidate time.Time) (Agent, *StatusChange, error) {
	e, err := r.lookup(clientID)
	if err != nil {
		return Agent{}, nil, err
	}
	now := r.clock.Now()
	if candidate.IsZero() || candidate.After(now) {
		candidate = now
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Agent{}, nil, ErrAgentNotFound
	}
	if e.agent.Status == StatusBlacklisted {
		return Agent{}, nil, ErrBlacklisted
	}
	if candidate.After(e.agent.LastSeen) {
		e.agent.LastSeen = candidate
		e.dirty = true
	}
	change := e.setStatus(StatusOnline, now)
	return e.snapshot(), change, nil
}

// UpdateInfo refreshes descriptive fields. Empty fields in info are ignored.
func (r *Registry) UpdateInfo(clientID string, info Info) (Agent, error) {
	e, err := r.lookup(clientID)
	if err != nil {
		return Agent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Agent{}, ErrAgentNotFound
	}
	if e.agent.Status == StatusBlacklisted {
		return Agent{}, ErrBlacklisted
	}
	e.applyInfo(info)
	return e.snapshot(), nil
}

// RecordMessage counts one received message, and one error if failed.
func (r *Registry) RecordMessage(clientID string, failed bool) error {
	e, err := r.lookup(clientID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.removed:
		return ErrAgentNotFound
	case e.agent.Status == StatusBlacklisted:
		return ErrBlacklisted
	}
	e.agent.MessageCount++
	if failed {
		e.agent.ErrorCount++
	}
	e.dirty = true
	return nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (r *Registry) Tag(clientID string, tags ...string) (Agent, error) {
	e, err := r.lookup(clientID)
	if err != nil {
		return Agent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Agent{}, ErrAgentNotFound
	}
	for _, t := range normalizeTags(tags) {
		if _, ok := e.tags[t]; !ok {
			e.tags[t] = struct{}{}
			e.dirty = true
		}
	}
	return e.snapshot(), nil
}

func (r *Registry) Untag(clientID string, tags ...string) (Agent, error) {
	e, err := r.lookup(clientID)
	if err != nil {
		return Agent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Agent{}, ErrAgentNotFound
	}
	for _, t := range normalizeTags(tags) {
		if _, ok := e.tags[t]; ok {
			delete(e.tags, t)
			e.dirty = true
		}
	}
	return e.snapshot(), nil
}

// Blacklist moves the agent to the terminal blacklisted status and drops its
// pending queue. Blacklisting twice returns a nil change.
func (r *Registry) Blacklist(clientID string) (Agent, *StatusChange, error) {
	e, err := r.lookup(clientID)
	if err != nil {
		return Agent{}, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Agent{}, nil, ErrAgentNotFound
	}
	change := e.setStatus(StatusBlacklisted, r.clock.Now())
	e.queue = pendingQueue{}
	if change != nil {
		slog.Warn("Agent blacklisted", "client_id", clientID, "previous_status", change.Old)
	}
	return e.snapshot(), change, nil
}

// Remove forgets an agent entirely. A removed client must enroll again.
// Blacklisted agents cannot be removed: the entry is what keeps the id banned.
// The repository row is deleted before the entry is dropped from memory.
func (r *Registry) Remove(ctx context.Context, clientID string) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	e, err := r.lookup(clientID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	switch {
	case e.removed:
		e.mu.Unlock()
		return ErrAgentNotFound
	case e.agent.Status == StatusBlacklisted:
		e.mu.Unlock()
		return ErrBlacklisted
	}
	e.removed = true
	e.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.DeleteAgent(ctx, clientID); err != nil {
			e.mu.Lock()
			e.removed = false
			e.mu.Unlock()
			return fmt.Errorf("failed to delete agent: %w", err)
		}
	}

	r.mu.Lock()
	if cur, ok := r.agents[clientID]; ok && cur == e {
		delete(r.agents, clientID)
	}
	r.mu.Unlock()

	slog.Info("Agent removed", "client_id", clientID)
	return nil
}

func (r *Registry) Get(clientID string) (Agent, error) {
	e, err := r.lookup(clientID)
	if err != nil {
		return Agent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

func (r *Registry) entriesSorted() []*entry {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *entry) int {
		return strings.Compare(a.agent.ClientID, b.agent.ClientID)
	})
	return entries
}

// List yields snapshots of agents matching filter, ordered by client ID. Each
// snapshot is taken when it is yielded.
func (r *Registry) List(filter Filter) iter.Seq[Agent] {
	return func(yield func(Agent) bool) {
		for _, e := range r.entriesSorted() {
			e.mu.Lock()
			removed := e.removed
			a := e.snapshot()
			e.mu.Unlock()
			if removed || !filter.Matches(a) {
				continue
			}
			if !yield(a) {
				return
			}
		}
	}
}

func (r *Registry) Stats() Stats {
	stats := Stats{ByStatus: make(map[Status]int)}
	for _, e := range r.entriesSorted() {
		e.mu.Lock()
		if !e.removed {
			stats.Total++
			stats.ByStatus[e.agent.Status]++
			stats.MessageCount += e.agent.MessageCount
			stats.ErrorCount += e.agent.ErrorCount
			stats.Pending += e.queue.len()
		}
		e.mu.Unlock()
	}
	return stats
}

func (r *Registry) Timeouts() Timeouts {
	r.tmu.RLock()
	defer r.tmu.RUnlock()
	return r.timeouts
}

func (r *Registry) SetTimeouts(t Timeouts) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.tmu.Lock()
	r.timeouts = t
	r.tmu.Unlock()
	slog.Info("Agent timeouts updated", "heartbeat_timeout", t.Heartbeat, "offline_timeout", t.Offline)
	return nil
}

// Enqueue appends msg to the agent's pending queue. Re-enqueueing a message ID
// that is still pending is a no-op.
func (r *Registry) Enqueue(clientID string, msg messages.Message) error {
	e, err := r.lookup(clientID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrAgentNotFound
	}
	if r.maxPending > 0 && e.queue.len() >= r.maxPending {
		return ErrQueueFull
	}
	e.queue.push(msg)
	return nil
}

// Drain returns up to max pending messages without removing them.
func (r *Registry) Drain(clientID string, max int) ([]messages.Message, error) {
	e, err := r.lookup(clientID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.peek(max), nil
}

// Acknowledge removes delivered messages. Unknown IDs are ignored.
func (r *Registry) Acknowledge(clientID string, ids []string) (int, error) {
	e, err := r.lookup(clientID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.ack(ids), nil
}

// BroadcastDelivered reports whether the broadcast was already queued for the
// agent.
func (r *Registry) BroadcastDelivered(clientID, broadcastID string) (bool, error) {
	e, err := r.lookup(clientID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, done := e.delivered[broadcastID]
	return done, nil
}

// DeliverBroadcast enqueues a broadcast for an agent at most once. build is
// called with the entry locked and may decline delivery by returning false.
func (r *Registry) DeliverBroadcast(clientID, broadcastID string, build func() (messages.Message, bool)) (bool, error) {
	e, err := r.lookup(clientID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.agent.Status == StatusBlacklisted {
		return false, nil
	}
	if _, done := e.delivered[broadcastID]; done {
		return false, nil
	}
	if r.maxPending > 0 && e.queue.len() >= r.maxPending {
		return false, ErrQueueFull
	}
	msg, ok := build()
	if !ok {
		return false, nil
	}
	e.queue.push(msg)
	e.delivered[broadcastID] = struct{}{}
	return true, nil
}

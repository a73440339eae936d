package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/broadcasts"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/dedupe"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
)

type Deps struct {
	Clock      clock.Clock
	Registry   *agents.Registry
	Tokens     *provisioning.Store
	Broadcasts *broadcasts.Store
	Hub        *events.Hub
	// Settings is optional; without it timeout changes are not persisted.
	Settings SettingsRepository
}

// Server processes agent contacts and exposes the administrative operations
// that share its state.
type Server struct {
	cfg        Config
	clock      clock.Clock
	registry   *agents.Registry
	tokens     *provisioning.Store
	broadcasts *broadcasts.Store
	dispatcher *Dispatcher
	hub        *events.Hub
	seen       *dedupe.Cache
	settings   SettingsRepository
}

func NewServer(cfg Config, deps Deps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fleet config: %w", err)
	}
	if deps.Clock == nil || deps.Registry == nil || deps.Tokens == nil || deps.Broadcasts == nil || deps.Hub == nil {
		return nil, errors.New("fleet server requires clock, registry, tokens, broadcasts and hub")
	}
	return &Server{
		cfg:        cfg,
		clock:      deps.Clock,
		registry:   deps.Registry,
		tokens:     deps.Tokens,
		broadcasts: deps.Broadcasts,
		dispatcher: NewDispatcher(),
		hub:        deps.Hub,
		seen:       dedupe.New(deps.Clock, cfg.DedupeTTL, cfg.DedupeSize),
		settings:   deps.Settings,
	}, nil
}

func (s *Server) Registry() *agents.Registry {
	return s.registry
}

func (s *Server) Tokens() *provisioning.Store {
	return s.tokens
}

func (s *Server) Broadcasts() *broadcasts.Store {
	return s.broadcasts
}

func (s *Server) Events() *events.Hub {
	return s.hub
}

func (s *Server) Clock() clock.Clock {
	return s.clock
}

func (s *Server) Config() Config {
	return s.cfg
}

type RuntimeStats struct {
	Handlers         int
	EventSubscribers int
	DedupeEntries    int
}

func (s *Server) RuntimeStats() RuntimeStats {
	return RuntimeStats{
		Handlers:         s.dispatcher.Len(),
		EventSubscribers: s.hub.Subscribers(),
		DedupeEntries:    s.seen.Len(),
	}
}

// Handle registers h for messageType, or for every type with AnyMessage.
func (s *Server) Handle(messageType string, h Handler) {
	s.dispatcher.Register(messageType, h)
}

// Process runs one contact end to end. It never returns an error: every
// failure becomes a reason-coded rejection. Steps that completed before a
// failure or cancellation stay committed.
func (s *Server) Process(ctx context.Context, c Contact) Response {
	if err := validateContact(c, s.cfg.MaxMessagesPerContact); err != nil {
		return s.rejected(c, rejectionFor(err))
	}

	agent, err := s.identify(ctx, c)
	if err != nil {
		return s.rejected(c, rejectionFor(err))
	}
	clientID := agent.ClientID

	agent, change, err := s.registry.RecordContact(clientID, c.LastSeen)
	if err != nil {
		return s.rejected(c, rejectionFor(err))
	}
	if change != nil {
		s.publishStatusChange(*change)
	}

	acks := append([]string(nil), c.Acks...)
	for _, m := range c.Messages {
		if err := ctx.Err(); err != nil {
			return s.rejected(c, rejectionFor(err))
		}
		if ack, ok := s.handleMessage(ctx, agent, m); ok {
			acks = append(acks, ack...)
		}
	}

	if len(acks) > 0 {
		if n, err := s.registry.Acknowledge(clientID, acks); err == nil && n > 0 {
			slog.Debug("Messages acknowledged", "client_id", clientID, "count", n)
		}
	}

	if err := ctx.Err(); err != nil {
		return s.rejected(c, rejectionFor(err))
	}

	s.deliverBroadcasts(agent)

	out, err := s.registry.Drain(clientID, s.cfg.DeliveryCap)
	if err != nil {
		return s.rejected(c, rejectionFor(err))
	}

	cursor := make([]string, len(out))
	for i, m := range out {
		cursor[i] = m.ID
	}
	return Response{
		Status:    StatusOK,
		ClientID:  clientID,
		Messages:  out,
		AckCursor: cursor,
	}
}

// identify resolves the contacting agent, enrolling it when needed.
func (s *Server) identify(ctx context.Context, c Contact) (agents.Agent, error) {
	info := agents.Info{IPAddress: peerIP(c.PeerAddr)}
	if c.Enrollment != nil {
		info = *c.Enrollment
		if info.IPAddress == "" {
			info.IPAddress = peerIP(c.PeerAddr)
		}
	}

	if c.ClientID != "" {
		agent, err := s.registry.Get(c.ClientID)
		switch {
		case err == nil:
			if agent.Status == agents.StatusBlacklisted {
				return agents.Agent{}, agents.ErrBlacklisted
			}
			return s.registry.UpdateInfo(c.ClientID, info)
		case !errors.Is(err, agents.ErrAgentNotFound):
			return agents.Agent{}, err
		}
	}

	if c.Enrollment == nil || c.TokenSecret == "" {
		return agents.Agent{}, agents.ErrAgentNotFound
	}

	agent, created, err := s.registry.Enroll(ctx, c.ClientID, info, c.TokenSecret)
	if err != nil {
		slog.Warn("Enrollment rejected",
			"client_id", c.ClientID,
			"peer", c.PeerAddr,
			"error", err)
		return agents.Agent{}, err
	}
	if created {
		s.hub.Publish(events.Event{
			Kind:      events.KindAgentEnrolled,
			ClientID:  agent.ClientID,
			Timestamp: s.clock.Now(),
		})
	}
	return agent, nil
}

// handleMessage dispatches one inbound message. Redelivered IDs are skipped.
// It returns acknowledged IDs carried by message_ack payloads.
func (s *Server) handleMessage(ctx context.Context, agent agents.Agent, m messages.Message) ([]string, bool) {
	if s.seen.CheckAndMark(agent.ClientID + "/" + m.ID) {
		slog.Debug("Duplicate message ignored", "client_id", agent.ClientID, "message_id", m.ID)
		return nil, false
	}
	if m.Source == "" {
		m.Source = agent.ClientID
	}

	payload := m.Decoded()
	errs := s.dispatcher.Dispatch(ctx, MessageContext{Agent: agent, Message: m, Payload: payload})
	if err := s.registry.RecordMessage(agent.ClientID, len(errs) > 0); err != nil {
		slog.Debug("Failed to count message", "client_id", agent.ClientID, "error", err)
	}

	s.hub.Publish(events.Event{
		Kind:        events.KindMessageReceived,
		ClientID:    agent.ClientID,
		MessageID:   m.ID,
		MessageType: m.Type,
		Timestamp:   s.clock.Now(),
	})

	if ack, ok := payload.(messages.Ack); ok {
		return ack.MessageIDs, true
	}
	return nil, false
}

func (s *Server) deliverBroadcasts(agent agents.Agent) {
	now := s.clock.Now()
	for _, b := range s.broadcasts.ResolveFor(agent.Tags, now) {
		_, err := s.registry.DeliverBroadcast(agent.ClientID, b.ID, func() (messages.Message, bool) {
			if !s.broadcasts.Claim(b.ID) {
				return messages.Message{}, false
			}
			return b.MessageFor(agent.ClientID), true
		})
		if err != nil {
			slog.Warn("Failed to queue broadcast",
				"client_id", agent.ClientID,
				"broadcast_id", b.ID,
				"error", err)
			return
		}
	}
}

func (s *Server) rejected(c Contact, r *Rejection) Response {
	level := slog.LevelInfo
	if r.Kind == KindInternal {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "Contact rejected",
		"client_id", c.ClientID,
		"peer", c.PeerAddr,
		"reason", r.Reason,
		"error", r.Err)
	return Response{Status: StatusRejected, Reason: r.Reason, ClientID: c.ClientID}
}

func (s *Server) publishStatusChange(change agents.StatusChange) {
	s.hub.Publish(events.Event{
		Kind:      events.KindStatusChanged,
		ClientID:  change.ClientID,
		OldStatus: string(change.Old),
		NewStatus: string(change.New),
		Timestamp: change.Timestamp,
	})
}

func peerIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

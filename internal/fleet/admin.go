package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/broadcasts"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/messages"
)

const (
	settingHeartbeatTimeout = "heartbeat_timeout"
	settingOfflineTimeout   = "offline_timeout"
)

// SettingsRepository stores runtime-adjustable settings as strings.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// SendCommand queues a message for one agent.
func (s *Server) SendCommand(clientID, msgType string, payload []byte, priority messages.Priority) (messages.Message, error) {
	if strings.TrimSpace(msgType) == "" {
		return messages.Message{}, fmt.Errorf("%w: missing message_type", messages.ErrInvalidMessage)
	}
	agent, err := s.registry.Get(clientID)
	if err != nil {
		return messages.Message{}, err
	}
	if agent.Status == agents.StatusBlacklisted {
		return messages.Message{}, agents.ErrBlacklisted
	}

	msg := messages.New(s.cfg.ServerID, clientID, msgType, payload, priority, s.clock.Now())
	if err := s.registry.Enqueue(clientID, msg); err != nil {
		return messages.Message{}, err
	}
	slog.Info("Command queued",
		"client_id", clientID,
		"message_id", msg.ID,
		"message_type", msgType,
		"priority", priority)
	return msg, nil
}

func (s *Server) CreateBroadcast(b broadcasts.Broadcast) (broadcasts.Broadcast, error) {
	if b.Source == "" {
		b.Source = s.cfg.ServerID
	}
	id, err := s.broadcasts.Create(b)
	if err != nil {
		return broadcasts.Broadcast{}, err
	}
	created, err := s.broadcasts.Get(id)
	if err != nil {
		return broadcasts.Broadcast{}, err
	}
	s.hub.Publish(events.Event{
		Kind:        events.KindBroadcastCreated,
		BroadcastID: id,
		MessageType: created.MessageType,
		Timestamp:   s.clock.Now(),
	})
	return created, nil
}

// PendingBroadcasts lists the live broadcasts the agent qualifies for and has
// not been sent yet. A blacklisted agent has none.
func (s *Server) PendingBroadcasts(clientID string) ([]broadcasts.Broadcast, error) {
	agent, err := s.registry.Get(clientID)
	if err != nil {
		return nil, err
	}
	pending := []broadcasts.Broadcast{}
	if agent.Status == agents.StatusBlacklisted {
		return pending, nil
	}
	for _, b := range s.broadcasts.ResolveFor(agent.Tags, s.clock.Now()) {
		done, err := s.registry.BroadcastDelivered(clientID, b.ID)
		if err != nil {
			return nil, err
		}
		if !done {
			pending = append(pending, b)
		}
	}
	return pending, nil
}

func (s *Server) DeleteBroadcast(id string) error {
	if err := s.broadcasts.Delete(id); err != nil {
		return err
	}
	s.hub.Publish(events.Event{
		Kind:        events.KindBroadcastDeleted,
		BroadcastID: id,
		Timestamp:   s.clock.Now(),
	})
	return nil
}

func (s *Server) Blacklist(clientID string) (agents.Agent, error) {
	agent, change, err := s.registry.Blacklist(clientID)
	if err != nil {
		return agents.Agent{}, err
	}
	if change != nil {
		s.publishStatusChange(*change)
	}
	return agent, nil
}

func (s *Server) RemoveAgent(ctx context.Context, clientID string) error {
	if err := s.registry.Remove(ctx, clientID); err != nil {
		return err
	}
	s.hub.Publish(events.Event{
		Kind:      events.KindAgentRemoved,
		ClientID:  clientID,
		Timestamp: s.clock.Now(),
	})
	return nil
}

// SetTimeouts validates, applies and persists new liveness timeouts.
func (s *Server) SetTimeouts(ctx context.Context, t agents.Timeouts) error {
	if err := s.registry.SetTimeouts(t); err != nil {
		return err
	}
	if t.Heartbeat <= s.cfg.SweepInterval {
		slog.Warn("heartbeat_timeout is not larger than the sweep interval, status changes will lag",
			"heartbeat_timeout", t.Heartbeat,
			"sweep_interval", s.cfg.SweepInterval)
	}
	if s.settings == nil {
		return nil
	}
	if err := s.settings.PutSetting(ctx, settingHeartbeatTimeout, t.Heartbeat.String()); err != nil {
		return fmt.Errorf("failed to persist heartbeat_timeout: %w", err)
	}
	if err := s.settings.PutSetting(ctx, settingOfflineTimeout, t.Offline.String()); err != nil {
		return fmt.Errorf("failed to persist offline_timeout: %w", err)
	}
	return nil
}

// LoadSettings applies persisted timeouts over the configured defaults.
func (s *Server) LoadSettings(ctx context.Context) error {
	if s.settings == nil {
		return nil
	}
	t := s.registry.Timeouts()
	for key, dst := range map[string]*time.Duration{
		settingHeartbeatTimeout: &t.Heartbeat,
		settingOfflineTimeout:   &t.Offline,
	} {
		value, ok, err := s.settings.GetSetting(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read setting %s: %w", key, err)
		}
		if !ok {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			slog.Warn("Ignoring invalid persisted setting", "key", key, "value", value, "error", err)
			continue
		}
		*dst = d
	}
	if err := s.registry.SetTimeouts(t); err != nil {
		slog.Warn("Ignoring persisted timeouts", "error", err)
	}
	return nil
}

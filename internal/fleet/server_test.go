package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/broadcasts"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) statusChanges() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == events.KindStatusChanged {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	clock  *clock.Fake
	server *Server
	events *recorder
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 30 * time.Second
	cfg.OfflineTimeout = 90 * time.Second
	cfg.SweepInterval = 5 * time.Second
	cfg.DeliveryCap = 3
	return cfg
}

func newFixture(t *testing.T, cfg Config, settings SettingsRepository) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	tokens := provisioning.NewStore(clk, nil)
	registry, err := agents.NewRegistry(clk, tokens, nil, agents.Options{Timeouts: cfg.Timeouts(), MaxPending: cfg.MaxPending})
	require.NoError(t, err)
	hub := events.NewHub()
	rec := &recorder{}
	hub.Register(rec)

	srv, err := NewServer(cfg, Deps{
		Clock:      clk,
		Registry:   registry,
		Tokens:     tokens,
		Broadcasts: broadcasts.NewStore(clk),
		Hub:        hub,
		Settings:   settings,
	})
	require.NoError(t, err)
	return &fixture{clock: clk, server: srv, events: rec}
}

func (f *fixture) token(t *testing.T, p provisioning.CreateParams) string {
	t.Helper()
	if p.MaxUses == 0 {
		p.MaxUses = 1
	}
	_, secret, err := f.server.Tokens().Create(context.Background(), p)
	require.NoError(t, err)
	return secret
}

func (f *fixture) enroll(t *testing.T, clientID string) Response {
	t.Helper()
	resp := f.server.Process(context.Background(), Contact{
		ClientID:    clientID,
		Enrollment:  &agents.Info{Hostname: clientID + ".local", OSType: "linux"},
		TokenSecret: f.token(t, provisioning.CreateParams{}),
		PeerAddr:    "10.0.0.5:51234",
	})
	require.True(t, resp.OK(), "enroll rejected: %s", resp.Reason)
	return resp
}

func (f *fixture) heartbeat(clientID string, msgs ...messages.Message) Response {
	return f.server.Process(context.Background(), Contact{ClientID: clientID, LastSeen: f.clock.Now(), Messages: msgs})
}

func TestNewServerValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = cfg.HeartbeatTimeout
	_, err := NewServer(cfg, Deps{})
	assert.Error(t, err)

	_, err = NewServer(testConfig(), Deps{})
	assert.Error(t, err)
}

func TestEnrollmentContact(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	resp := f.enroll(t, "agent-1")
	assert.Equal(t, "agent-1", resp.ClientID)
	assert.Empty(t, resp.Messages)

	a, err := f.server.Registry().Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, agents.StatusOnline, a.Status)
	assert.Equal(t, "agent-1.local", a.Hostname)
	assert.Equal(t, "10.0.0.5", a.IPAddress)

	assert.Equal(t, []events.Kind{events.KindAgentEnrolled, events.KindStatusChanged}, f.events.kinds())
	change := f.events.statusChanges()[0]
	assert.Equal(t, string(agents.StatusEnrolled), change.OldStatus)
	assert.Equal(t, string(agents.StatusOnline), change.NewStatus)
}

func TestEnrollmentAssignsClientID(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	resp := f.server.Process(context.Background(), Contact{
		Enrollment:  &agents.Info{Hostname: "fresh"},
		TokenSecret: f.token(t, provisioning.CreateParams{}),
	})
	require.True(t, resp.OK())
	assert.NotEmpty(t, resp.ClientID)

	_, err := f.server.Registry().Get(resp.ClientID)
	assert.NoError(t, err)
}

func TestRejections(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	expires := t0.Add(time.Minute)
	expiring := f.token(t, provisioning.CreateParams{ExpiresAt: &expires})
	exhausted := f.token(t, provisioning.CreateParams{MaxUses: 1})
	f.enroll(t, "agent-used")
	revokedTok, revokedSecret, err := f.server.Tokens().Create(context.Background(), provisioning.CreateParams{MaxUses: 1})
	require.NoError(t, err)
	_, err = f.server.Tokens().Revoke(context.Background(), revokedTok.ID)
	require.NoError(t, err)

	resp := f.server.Process(context.Background(), Contact{Enrollment: &agents.Info{}, TokenSecret: exhausted, ClientID: "a"})
	require.True(t, resp.OK())

	f.clock.Advance(2 * time.Minute)

	cases := []struct {
		name    string
		contact Contact
		reason  Reason
	}{
		{"unknown client", Contact{ClientID: "ghost"}, ReasonUnknownClient},
		{"no identity", Contact{}, ReasonUnknownClient},
		{"unknown client enrollment without token", Contact{ClientID: "ghost", Enrollment: &agents.Info{}}, ReasonUnknownClient},
		{"enrollment without token or id", Contact{Enrollment: &agents.Info{}}, ReasonMalformedRequest},
		{"bad client id", Contact{ClientID: "has space"}, ReasonMalformedRequest},
		{"message without id", Contact{ClientID: "agent-used", Messages: []messages.Message{{Type: "x"}}}, ReasonMalformedRequest},
		{"unknown token", Contact{ClientID: "b", Enrollment: &agents.Info{}, TokenSecret: "et_nope"}, ReasonTokenUnknown},
		{"expired token", Contact{ClientID: "b", Enrollment: &agents.Info{}, TokenSecret: expiring}, ReasonTokenExpired},
		{"exhausted token", Contact{ClientID: "b", Enrollment: &agents.Info{}, TokenSecret: exhausted}, ReasonTokenExhausted},
		{"revoked token", Contact{ClientID: "b", Enrollment: &agents.Info{}, TokenSecret: revokedSecret}, ReasonTokenInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.server.Process(context.Background(), tc.contact)
			assert.Equal(t, StatusRejected, resp.Status)
			assert.Equal(t, tc.reason, resp.Reason)

			// Rejections are stable across retries.
			again := f.server.Process(context.Background(), tc.contact)
			assert.Equal(t, tc.reason, again.Reason)
		})
	}

	_, err = f.server.Registry().Get("b")
	assert.ErrorIs(t, err, agents.ErrAgentNotFound)
}

func TestTooManyMessagesIsMalformed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessagesPerContact = 1
	f := newFixture(t, cfg, nil)
	f.enroll(t, "agent-1")

	resp := f.heartbeat("agent-1",
		messages.Message{ID: "1", Type: "x"},
		messages.Message{ID: "2", Type: "x"})
	assert.Equal(t, ReasonMalformedRequest, resp.Reason)
}

func TestBlacklistedContactChangesNothing(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "agent-1")
	_, err := f.server.Blacklist("agent-1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	resp := f.heartbeat("agent-1", messages.Message{ID: "m1", Type: "status"})
	assert.Equal(t, ReasonBlacklisted, resp.Reason)

	a, err := f.server.Registry().Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, agents.StatusBlacklisted, a.Status)
	assert.Equal(t, uint64(0), a.MessageCount)
	assert.Equal(t, t0, a.LastSeen)

	// A fresh token does not get a blacklisted agent back in.
	resp = f.server.Process(context.Background(), Contact{
		ClientID:    "agent-1",
		Enrollment:  &agents.Info{},
		TokenSecret: f.token(t, provisioning.CreateParams{}),
	})
	assert.Equal(t, ReasonBlacklisted, resp.Reason)
}

func TestKnownAgentWithEnrollmentRefreshesFields(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "agent-1")

	resp := f.server.Process(context.Background(), Contact{
		ClientID:   "agent-1",
		Enrollment: &agents.Info{Hostname: "renamed", AgentVersion: "1.1.0"},
	})
	require.True(t, resp.OK())

	a, err := f.server.Registry().Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", a.Hostname)
	assert.Equal(t, "1.1.0", a.AgentVersion)
	assert.Equal(t, t0, a.EnrolledAt)
}

func TestHandlerDispatch(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "agent-1")

	var mu sync.Mutex
	var calls []string
	record := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}

	f.server.Handle(AnyMessage, HandlerFunc(func(ctx context.Context, mc MessageContext) error {
		record("any:" + mc.Message.Type)
		return nil
	}))
	f.server.Handle("status", HandlerFunc(func(ctx context.Context, mc MessageContext) error {
		record("status-fails")
		return errors.New("boom")
	}))
	f.server.Handle("status", HandlerFunc(func(ctx context.Context, mc MessageContext) error {
		record("status-panics")
		panic("bad handler")
	}))
	f.server.Handle("status", HandlerFunc(func(ctx context.Context, mc MessageContext) error {
		s, ok := mc.Payload.(messages.Structured)
		require.True(t, ok)
		record("status-ok:" + s.Fields.GetFields()["state"].GetStringValue())
		assert.Equal(t, "agent-1", mc.Message.Source)
		return nil
	}))

	resp := f.heartbeat("agent-1",
		messages.Message{ID: "m1", Type: "status", Payload: []byte(`{"state":"ready"}`)},
		messages.Message{ID: "m2", Type: "inventory"},
	)
	require.True(t, resp.OK())

	assert.Equal(t, []string{"any:status", "status-fails", "status-panics", "status-ok:ready", "any:inventory"}, calls)

	a, err := f.server.Registry().Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), a.MessageCount)
	assert.Equal(t, uint64(1), a.ErrorCount)
}

func TestRedeliveredMessageIsNotDispatchedTwice(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "agent-1")

	count := 0
	f.server.Handle(AnyMessage, HandlerFunc(func(ctx context.Context, mc MessageContext) error {
		count++
		return nil
	}))

	m := messages.Message{ID: "m1", Type: "status"}
	require.True(t, f.heartbeat("agent-1", m).OK())
	require.True(t, f.heartbeat("agent-1", m).OK())
	assert.Equal(t, 1, count)
}

func TestCommandDeliveryAndAcknowledgement(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "agent-1")

	low, err := f.server.SendCommand("agent-1", "collect_logs", nil, messages.PriorityLow)
	require.NoError(t, err)
	high, err := f.server.SendCommand("agent-1", "restart", []byte(`{"service":"nginx"}`), messages.PriorityHigh)
	require.NoError(t, err)

	resp := f.heartbeat("agent-1")
	require.True(t, resp.OK())
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, high.ID, resp.Messages[0].ID)
	assert.Equal(t, low.ID, resp.Messages[1].ID)
	assert.Equal(t, []string{high.ID, low.ID}, resp.AckCursor)
	assert.Equal(t, "fleet-server", resp.Messages[0].Source)

	// Not acknowledged yet, so delivered again.
	resp = f.heartbeat("agent-1")
	assert.Len(t, resp.Messages, 2)

	resp = f.server.Process(context.Background(), Contact{ClientID: "agent-1", Acks: []string{high.ID}})
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, low.ID, resp.Messages[0].ID)

	ackPayload, err := messages.Encode(messages.Ack{MessageIDs: []string{low.ID}})
	require.NoError(t, err)
	resp = f.heartbeat("agent-1", messages.Message{ID: "ack-1", Type: messages.TypeAck, Payload: ackPayload})
	assert.Empty(t, resp.Messages)

	// Acknowledging again is harmless.
	resp = f.server.Process(context.Background(), Contact{ClientID: "agent-1", Acks: []string{high.ID, low.ID}})
	require.True(t, resp.OK())
	assert.Empty(t, resp.Messages)
}

func TestDeliveryCap(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "agent-1")
	for i := 0; i < 5; i++ {
		_, err := f.server.SendCommand("agent-1", "noop", nil, messages.PriorityMedium)
		require.NoError(t, err)
	}

	resp := f.heartbeat("agent-1")
	assert.Len(t, resp.Messages, 3)

	resp = f.server.Process(context.Background(), Contact{ClientID: "agent-1", Acks: resp.AckCursor})
	assert.Len(t, resp.Messages, 2)
}

func TestSendCommandErrors(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	_, err := f.server.SendCommand("ghost", "restart", nil, messages.PriorityLow)
	assert.ErrorIs(t, err, agents.ErrAgentNotFound)

	f.enroll(t, "agent-1")
	_, err = f.server.SendCommand("agent-1", "", nil, messages.PriorityLow)
	assert.ErrorIs(t, err, messages.ErrInvalidMessage)

	_, err = f.server.Blacklist("agent-1")
	require.NoError(t, err)
	_, err = f.server.SendCommand("agent-1", "restart", nil, messages.PriorityLow)
	assert.ErrorIs(t, err, agents.ErrBlacklisted)
}

func TestBroadcastDelivery(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "linux-prod")
	f.enroll(t, "prod-only")
	_, err := f.server.Registry().Tag("linux-prod", "linux", "prod")
	require.NoError(t, err)
	_, err = f.server.Registry().Tag("prod-only", "prod")
	require.NoError(t, err)

	b, err := f.server.CreateBroadcast(broadcasts.Broadcast{MessageType: "upgrade", RequiredLabels: []string{"linux"}})
	require.NoError(t, err)
	assert.Equal(t, "fleet-server", b.Source)
	assert.Contains(t, f.events.kinds(), events.KindBroadcastCreated)

	resp := f.heartbeat("linux-prod")
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "upgrade", resp.Messages[0].Type)
	assert.Equal(t, b.ID+":linux-prod", resp.Messages[0].ID)

	assert.Empty(t, f.heartbeat("prod-only").Messages)

	// Once acknowledged the broadcast is not delivered again.
	resp = f.server.Process(context.Background(), Contact{ClientID: "linux-prod", Acks: resp.AckCursor})
	assert.Empty(t, resp.Messages)
	assert.Empty(t, f.heartbeat("linux-prod").Messages)

	require.NoError(t, f.server.DeleteBroadcast(b.ID))
	assert.ErrorIs(t, f.server.DeleteBroadcast(b.ID), broadcasts.ErrNotFound)
}

func TestBroadcastLimit(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "a1")
	f.enroll(t, "a2")

	_, err := f.server.CreateBroadcast(broadcasts.Broadcast{MessageType: "survey", Limit: 1})
	require.NoError(t, err)

	assert.Len(t, f.heartbeat("a1").Messages, 1)
	assert.Empty(t, f.heartbeat("a2").Messages)
}

func TestExpiredBroadcastNotDelivered(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "agent-1")
	expires := t0.Add(10 * time.Second)
	_, err := f.server.CreateBroadcast(broadcasts.Broadcast{MessageType: "flash", ExpiresAt: &expires})
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	assert.Empty(t, f.heartbeat("agent-1").Messages)
}

func TestCancelledContactKeepsCommittedSteps(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "agent-1")
	f.clock.Advance(10 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := f.server.Process(ctx, Contact{
		ClientID: "agent-1",
		LastSeen: f.clock.Now(),
		Messages: []messages.Message{{ID: "m1", Type: "status"}},
	})
	assert.Equal(t, ReasonCancelled, resp.Reason)

	a, err := f.server.Registry().Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), a.LastSeen)
	assert.Equal(t, uint64(0), a.MessageCount)
}

func TestSweeperScenario(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "agent-1")
	sw := NewSweeper(f.server, 0)

	f.clock.Set(t0.Add(45 * time.Second))
	changes := sw.Tick(context.Background())
	require.Len(t, changes, 1)
	assert.Equal(t, agents.StatusDegraded, changes[0].New)

	f.clock.Set(t0.Add(95 * time.Second))
	changes = sw.Tick(context.Background())
	require.Len(t, changes, 1)
	assert.Equal(t, agents.StatusOffline, changes[0].New)

	f.clock.Set(t0.Add(96 * time.Second))
	resp := f.heartbeat("agent-1")
	require.True(t, resp.OK())

	var seen []string
	for _, e := range f.events.statusChanges() {
		seen = append(seen, e.OldStatus+"->"+e.NewStatus)
	}
	assert.Equal(t, []string{"enrolled->online", "online->degraded", "degraded->offline", "offline->online"}, seen)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	sw := NewSweeper(f.server, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRemoveAgentPublishesEvent(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "agent-1")

	require.NoError(t, f.server.RemoveAgent(context.Background(), "agent-1"))
	assert.Contains(t, f.events.kinds(), events.KindAgentRemoved)
	assert.Equal(t, ReasonUnknownClient, f.heartbeat("agent-1").Reason)
}

func TestBlacklistedAgentCannotBeRemovedAndReenrolled(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "bad-agent")
	_, err := f.server.Blacklist("bad-agent")
	require.NoError(t, err)

	err = f.server.RemoveAgent(context.Background(), "bad-agent")
	assert.ErrorIs(t, err, agents.ErrBlacklisted)
	assert.NotContains(t, f.events.kinds(), events.KindAgentRemoved)

	resp := f.server.Process(context.Background(), Contact{
		ClientID:    "bad-agent",
		Enrollment:  &agents.Info{Hostname: "bad-agent.local"},
		TokenSecret: f.token(t, provisioning.CreateParams{}),
	})
	assert.False(t, resp.OK())
	assert.Equal(t, ReasonBlacklisted, resp.Reason)

	a, err := f.server.Registry().Get("bad-agent")
	require.NoError(t, err)
	assert.Equal(t, agents.StatusBlacklisted, a.Status)
}

func TestPendingBroadcasts(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.enroll(t, "web-1")
	f.enroll(t, "db-1")
	_, err := f.server.Registry().Tag("web-1", "linux")
	require.NoError(t, err)

	b, err := f.server.CreateBroadcast(broadcasts.Broadcast{MessageType: "upgrade", RequiredLabels: []string{"linux"}})
	require.NoError(t, err)

	pending, err := f.server.PendingBroadcasts("web-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	pending, err = f.server.PendingBroadcasts("db-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Listing does not claim a slot; delivery does.
	require.Len(t, f.heartbeat("web-1").Messages, 1)
	pending, err = f.server.PendingBroadcasts("web-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.server.PendingBroadcasts("ghost")
	assert.ErrorIs(t, err, agents.ErrAgentNotFound)
}

func TestRuntimeStats(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	assert.Equal(t, RuntimeStats{}, f.server.RuntimeStats())

	f.server.Handle("status", HandlerFunc(func(context.Context, MessageContext) error { return nil }))
	_, cancel := f.server.Events().Subscribe(1)
	defer cancel()
	f.enroll(t, "agent-1")
	f.heartbeat("agent-1", messages.Message{ID: "m1", Type: "status"})

	rt := f.server.RuntimeStats()
	assert.Equal(t, 1, rt.Handlers)
	assert.Equal(t, 1, rt.EventSubscribers)
	assert.Equal(t, 1, rt.DedupeEntries)
}

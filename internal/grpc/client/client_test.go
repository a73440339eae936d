package client

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/broadcasts"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/grpc/server"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"gopkg.in/yaml.v3"
)

type harness struct {
	fleet    *fleet.Server
	dialOpts []grpc.DialOption
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.Real{}
	cfg := fleet.DefaultConfig()
	tokens := provisioning.NewStore(clk, nil)
	registry, err := agents.NewRegistry(clk, tokens, nil, agents.Options{Timeouts: cfg.Timeouts(), MaxPending: cfg.MaxPending})
	require.NoError(t, err)
	fs, err := fleet.NewServer(cfg, fleet.Deps{
		Clock:      clk,
		Registry:   registry,
		Tokens:     tokens,
		Broadcasts: broadcasts.NewStore(clk),
		Hub:        events.NewHub(),
	})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := server.NewServer(0, fs, nil)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(func() {
		_ = srv.StopWithTimeout(time.Second)
	})

	return &harness{
		fleet: fs,
		dialOpts: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	}
}

func (h *harness) token(t *testing.T) string {
	t.Helper()
	_, secret, err := h.fleet.Tokens().Create(context.Background(), provisioning.CreateParams{Name: "test", MaxUses: 1})
	require.NoError(t, err)
	return secret
}

func (h *harness) client(cfg Config, configPath string) *Client {
	cfg.ServerAddr = "passthrough:///bufnet"
	return NewClient(cfg, configPath, h.dialOpts...)
}

func TestEnrollPersistsClientID(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "application.yaml")
	secret := h.token(t)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: INFO\nfleet:\n  server_addr: localhost:9090\n  enrollment_token: "+secret+"\n"), 0600))

	c := h.client(Config{EnrollmentToken: secret, AgentVersion: "1.2.3"}, path)
	require.NoError(t, c.ContactOnce(context.Background()))

	clientID := c.GetClientID()
	require.NotEmpty(t, clientID)
	a, err := h.fleet.Registry().Get(clientID)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", a.AgentVersion)
	assert.Equal(t, agents.StatusOnline, a.Status)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var saved map[string]any
	require.NoError(t, yaml.Unmarshal(data, &saved))
	fleetCfg := saved["fleet"].(map[string]any)
	assert.Equal(t, clientID, fleetCfg["client_id"])
	assert.NotContains(t, fleetCfg, "enrollment_token")
	assert.Equal(t, "localhost:9090", fleetCfg["server_addr"])
	assert.Contains(t, saved, "log")

	// The token is spent; later contacts use the client id alone.
	require.NoError(t, c.ContactOnce(context.Background()))
	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Contacts)
	assert.True(t, stats.Enrolled)
}

func TestRejectedContact(t *testing.T) {
	h := newHarness(t)
	c := h.client(Config{ClientID: "ghost"}, "")

	err := c.ContactOnce(context.Background())
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, string(fleet.ReasonUnknownClient), rejected.Reason)
	assert.Equal(t, uint64(1), c.Stats().Failures)
}

func TestCommandsAreHandledAndAcknowledged(t *testing.T) {
	h := newHarness(t)
	c := h.client(Config{EnrollmentToken: h.token(t)}, "")
	require.NoError(t, c.ContactOnce(context.Background()))

	var mu sync.Mutex
	var got []string
	c.Handle("restart", func(ctx context.Context, msg messages.Message) error {
		mu.Lock()
		got = append(got, string(msg.Payload))
		mu.Unlock()
		return nil
	})

	_, err := h.fleet.SendCommand(c.GetClientID(), "restart", []byte(`{"service":"nginx"}`), messages.PriorityHigh)
	require.NoError(t, err)

	require.NoError(t, c.ContactOnce(context.Background()))
	assert.Equal(t, []string{`{"service":"nginx"}`}, got)
	assert.Len(t, c.acks, 1)

	// The next contact carries the acknowledgement, so nothing is redelivered.
	require.NoError(t, c.ContactOnce(context.Background()))
	assert.Len(t, got, 1)
	assert.Empty(t, c.acks)

	msgs, err := h.fleet.Registry().Drain(c.GetClientID(), 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedeliveryIsNotHandledTwice(t *testing.T) {
	h := newHarness(t)
	c := h.client(Config{EnrollmentToken: h.token(t)}, "")
	require.NoError(t, c.ContactOnce(context.Background()))

	calls := 0
	c.Handle(AnyCommand, func(ctx context.Context, msg messages.Message) error {
		calls++
		return nil
	})
	_, err := h.fleet.SendCommand(c.GetClientID(), "ping", nil, messages.PriorityLow)
	require.NoError(t, err)

	require.NoError(t, c.ContactOnce(context.Background()))
	// Lose the acknowledgement so the server delivers again.
	c.acks = nil
	require.NoError(t, c.ContactOnce(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestOutboundMessagesReachHandlers(t *testing.T) {
	h := newHarness(t)
	received := make(chan fleet.MessageContext, 4)
	h.fleet.Handle(fleet.AnyMessage, fleet.HandlerFunc(func(ctx context.Context, mc fleet.MessageContext) error {
		received <- mc
		return nil
	}))

	c := h.client(Config{EnrollmentToken: h.token(t)}, "")
	require.NoError(t, c.ContactOnce(context.Background()))

	_, err := c.SendJSON("status", map[string]any{"cpu": 45})
	require.NoError(t, err)
	require.NoError(t, c.ContactOnce(context.Background()))

	select {
	case mc := <-received:
		assert.Equal(t, "status", mc.Message.Type)
		assert.Equal(t, c.GetClientID(), mc.Agent.ClientID)
		s, ok := mc.Payload.(messages.Structured)
		require.True(t, ok)
		assert.Equal(t, float64(45), s.Fields.GetFields()["cpu"].GetNumberValue())
	default:
		t.Fatal("message was not dispatched")
	}
	assert.Equal(t, uint64(1), c.Stats().Sent)
}

func TestHandlerFailureIsReported(t *testing.T) {
	h := newHarness(t)
	failures := make(chan messages.Failure, 1)
	h.fleet.Handle(messages.TypeError, fleet.HandlerFunc(func(ctx context.Context, mc fleet.MessageContext) error {
		if f, ok := mc.Payload.(messages.Failure); ok {
			failures <- f
		}
		return nil
	}))

	c := h.client(Config{EnrollmentToken: h.token(t)}, "")
	require.NoError(t, c.ContactOnce(context.Background()))
	c.Handle("upgrade", func(ctx context.Context, msg messages.Message) error {
		return errors.New("disk full")
	})

	cmd, err := h.fleet.SendCommand(c.GetClientID(), "upgrade", nil, messages.PriorityMedium)
	require.NoError(t, err)
	require.NoError(t, c.ContactOnce(context.Background()))
	require.NoError(t, c.ContactOnce(context.Background()))

	select {
	case f := <-failures:
		assert.Equal(t, cmd.ID, f.MessageID)
		assert.Equal(t, "disk full", f.Error)
	default:
		t.Fatal("failure was not reported")
	}
}

func TestSendBufferFull(t *testing.T) {
	c := NewClient(Config{ServerAddr: "passthrough:///unused"}, "")
	for i := 0; i < sendChannelBuffer; i++ {
		_, err := c.Send("status", nil, messages.PriorityLow)
		require.NoError(t, err)
	}
	_, err := c.Send("status", nil, messages.PriorityLow)
	assert.ErrorIs(t, err, ErrSendBufferFull)

	_, err = c.Send("", nil, messages.PriorityLow)
	assert.ErrorIs(t, err, messages.ErrInvalidMessage)
}

func TestIncreaseReconnectDelay(t *testing.T) {
	c := NewClient(Config{}, "")
	var delays []time.Duration
	for i := 0; i < 7; i++ {
		c.increaseReconnectDelay()
		delays = append(delays, c.reconnectDelay)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, delays)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	c := h.client(Config{EnrollmentToken: h.token(t), HeartbeatInterval: 10 * time.Millisecond}, "")
	require.NoError(t, c.Start())

	assert.Eventually(t, func() bool {
		return c.Stats().Contacts >= 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	n := c.Stats().Contacts
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, c.Stats().Contacts)
	require.NoError(t, c.Stop())
}

func TestStopWithoutStart(t *testing.T) {
	h := newHarness(t)
	c := h.client(Config{EnrollmentToken: h.token(t)}, "")
	require.NoError(t, c.ContactOnce(context.Background()))

	done := make(chan struct{})
	go func() {
		_ = c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running loop")
	}
}

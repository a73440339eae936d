package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/dedupe"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/EternisAI/silo-fleet/internal/usage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	grpctls "github.com/EternisAI/silo-fleet/internal/grpc/tls"
)

const (
	sendChannelBuffer = 100
	maxBatch          = 64
	contactTimeout    = 30 * time.Second
	initialDelay      = 1 * time.Second
	maxDelay          = 30 * time.Second
	backoffFactor     = 2
	seenTTL           = 30 * time.Minute
	seenSize          = 10000
)

// AnyCommand registers a handler for every message type.
const AnyCommand = "*"

var ErrSendBufferFull = errors.New("send buffer full")

// RejectedError is returned when the server refuses a contact.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "contact rejected: " + e.Reason
}

type Config struct {
	ServerAddr        string         `mapstructure:"server_addr"`
	ClientID          string         `mapstructure:"client_id"`
	EnrollmentToken   string         `mapstructure:"enrollment_token"`
	HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval"`
	AgentVersion      string         `mapstructure:"agent_version"`
	TLS               grpctls.Config `mapstructure:"tls"`
}

// CommandHandler processes one message delivered by the server. A returned
// error is reported back as a message_error.
type CommandHandler func(ctx context.Context, msg messages.Message) error

type Stats struct {
	ClientID string `json:"client_id"`
	Enrolled bool   `json:"enrolled"`
	Contacts uint64 `json:"contacts"`
	Failures uint64 `json:"failures"`
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
}

type Client struct {
	cfg        Config
	configPath string
	dialOpts   []grpc.DialOption

	conn *grpc.ClientConn
	rpc  wire.FleetServiceClient

	sendCh chan messages.Message
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	// Owned by the contact loop.
	outbox    []messages.Message
	acks      []string
	announced bool
	host      *wire.Enrollment
	seen      *dedupe.Cache

	handlersMu sync.RWMutex
	handlers   map[string][]CommandHandler

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	mu       sync.RWMutex
	started  bool
	stats    Stats
}

// NewClient creates an agent client. configPath, when set, receives the
// server-assigned client id after enrollment. dialOpts replace the
// transport credentials derived from cfg.TLS.
func NewClient(cfg Config, configPath string, dialOpts ...grpc.DialOption) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:               cfg,
		configPath:        configPath,
		dialOpts:          dialOpts,
		sendCh:            make(chan messages.Message, sendChannelBuffer),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		reconnectDelay:    initialDelay,
		maxReconnectDelay: maxDelay,
		seen:              dedupe.New(clock.Real{}, seenTTL, seenSize),
		handlers:          make(map[string][]CommandHandler),
		ctx:               ctx,
		cancel:            cancel,
		stats:             Stats{ClientID: cfg.ClientID},
	}
}

// Handle registers h for msgType, or for every type with AnyCommand.
func (c *Client) Handle(msgType string, h CommandHandler) {
	c.handlersMu.Lock()
	c.handlers[msgType] = append(c.handlers[msgType], h)
	c.handlersMu.Unlock()
}

func (c *Client) Start() error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go c.connectionLoop()
	return nil
}

// Stop ends the contact loop and closes the connection. It may be called
// without Start, after one-shot ContactOnce use, and more than once.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		slog.Info("Stopping fleet client")
		close(c.stopCh)
		c.cancel()

		c.mu.RLock()
		started := c.started
		c.mu.RUnlock()
		if started {
			<-c.doneCh
		} else {
			c.disconnect()
		}
		slog.Info("Fleet client stopped")
	})
	return nil
}

// Send buffers a message for the next contact.
func (c *Client) Send(msgType string, payload []byte, priority messages.Priority) (messages.Message, error) {
	msg := messages.New(c.GetClientID(), "", msgType, payload, priority, time.Now())
	if err := msg.Validate(); err != nil {
		return messages.Message{}, err
	}
	select {
	case c.sendCh <- msg:
		return msg, nil
	default:
		return messages.Message{}, ErrSendBufferFull
	}
}

func (c *Client) SendJSON(msgType string, v any) (messages.Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return messages.Message{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	return c.Send(msgType, data, messages.PriorityMedium)
}

func (c *Client) GetClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.ClientID
}

func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)
	defer c.disconnect()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		wait := c.cfg.HeartbeatInterval
		if err := c.ContactOnce(c.ctx); err != nil {
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				slog.Error("Contact rejected", "reason", rejected.Reason, "retry_in", c.reconnectDelay)
			} else {
				slog.Error("Contact failed", "error", err, "retry_in", c.reconnectDelay)
				c.disconnect()
			}
			wait = c.reconnectDelay
			c.increaseReconnectDelay()
		} else {
			c.reconnectDelay = initialDelay
		}

		select {
		case <-time.After(wait):
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) connect() error {
	if c.rpc != nil {
		return nil
	}
	slog.Info("Connecting to server", "address", c.cfg.ServerAddr)

	opts := c.dialOpts
	if len(opts) == 0 {
		creds, err := grpctls.ClientCredentials(c.cfg.TLS)
		if err != nil {
			return fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		if creds != nil {
			opts = append(opts, grpc.WithTransportCredentials(creds))
			slog.Info("Using TLS connection")
		} else {
			opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
			slog.Warn("Using insecure connection (TLS disabled)")
		}
	}

	conn, err := grpc.NewClient(c.cfg.ServerAddr, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}
	c.conn = conn
	c.rpc = wire.NewFleetServiceClient(conn)
	c.announced = false
	return nil
}

func (c *Client) disconnect() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.rpc = nil
}

func (c *Client) increaseReconnectDelay() {
	c.reconnectDelay = c.reconnectDelay * backoffFactor
	if c.reconnectDelay > c.maxReconnectDelay {
		c.reconnectDelay = c.maxReconnectDelay
	}
}

// ContactOnce performs a single contact: it sends buffered messages and
// pending acknowledgements, then handles whatever the server delivers.
// It must not be called concurrently with itself or a running loop.
func (c *Client) ContactOnce(ctx context.Context) error {
	if err := c.connect(); err != nil {
		return err
	}
	c.fillOutbox()

	req := c.buildRequest(ctx)
	callCtx, cancel := context.WithTimeout(ctx, contactTimeout)
	defer cancel()

	resp, err := c.rpc.Contact(callCtx, req)
	if err != nil {
		c.countFailure()
		return fmt.Errorf("contact failed: %w", err)
	}
	if resp.Status != wire.StatusOK {
		c.countFailure()
		return &RejectedError{Reason: resp.Reason}
	}

	sent := len(c.outbox)
	c.outbox = nil
	c.acks = nil
	c.announced = true

	c.mu.Lock()
	c.stats.Contacts++
	c.stats.Sent += uint64(sent)
	c.stats.Received += uint64(len(resp.Messages))
	c.stats.Enrolled = true
	c.mu.Unlock()

	c.mu.RLock()
	changed := resp.ClientID != "" && (resp.ClientID != c.cfg.ClientID || c.cfg.EnrollmentToken != "")
	c.mu.RUnlock()
	if changed {
		c.adoptClientID(resp.ClientID)
	}

	c.acks = append(c.acks, resp.AckCursor...)
	for _, msg := range resp.Messages {
		if c.seen.CheckAndMark(msg.ID) {
			slog.Debug("Duplicate delivery ignored", "message_id", msg.ID)
			continue
		}
		c.dispatch(ctx, msg)
	}
	return nil
}

func (c *Client) fillOutbox() {
	for len(c.outbox) < maxBatch {
		select {
		case msg := <-c.sendCh:
			c.outbox = append(c.outbox, msg)
		default:
			return
		}
	}
}

func (c *Client) buildRequest(ctx context.Context) *wire.ContactRequest {
	c.mu.RLock()
	clientID := c.cfg.ClientID
	token := c.cfg.EnrollmentToken
	c.mu.RUnlock()

	req := &wire.ContactRequest{
		ClientID:  clientID,
		Timestamp: time.Now(),
		Messages:  c.outbox,
		Acks:      c.acks,
	}
	if !c.announced || clientID == "" {
		if c.host == nil {
			c.host = c.systemInfo(ctx)
		}
		req.Enrollment = c.host
		req.Token = token
	}
	return req
}

func (c *Client) dispatch(ctx context.Context, msg messages.Message) {
	c.handlersMu.RLock()
	handlers := append([]CommandHandler(nil), c.handlers[AnyCommand]...)
	handlers = append(handlers, c.handlers[msg.Type]...)
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		slog.Warn("No handler for message", "message_id", msg.ID, "type", msg.Type)
		return
	}

	for _, h := range handlers {
		if err := runHandler(ctx, h, msg); err != nil {
			slog.Error("Command handler failed", "message_id", msg.ID, "type", msg.Type, "error", err)
			c.reportFailure(msg.ID, err)
		}
	}
}

func runHandler(ctx context.Context, h CommandHandler, msg messages.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (c *Client) reportFailure(messageID string, cause error) {
	payload, err := messages.Encode(messages.Failure{MessageID: messageID, Error: cause.Error()})
	if err != nil {
		slog.Error("Failed to encode failure report", "error", err)
		return
	}
	if _, err := c.Send(messages.TypeError, payload, messages.PriorityHigh); err != nil {
		slog.Error("Failed to queue failure report", "message_id", messageID, "error", err)
	}
}

func (c *Client) countFailure() {
	c.mu.Lock()
	c.stats.Failures++
	c.mu.Unlock()
}

func (c *Client) systemInfo(ctx context.Context) *wire.Enrollment {
	h := usage.DescribeHost(ctx)
	return &wire.Enrollment{
		Hostname:     h.Hostname,
		OSType:       h.OSType,
		OSVersion:    h.OSVersion,
		AgentVersion: c.cfg.AgentVersion,
	}
}

func (c *Client) adoptClientID(clientID string) {
	c.mu.Lock()
	c.cfg.ClientID = clientID
	c.cfg.EnrollmentToken = ""
	c.stats.ClientID = clientID
	c.mu.Unlock()
	slog.Info("Enrolled with server", "client_id", clientID)

	if c.configPath == "" {
		return
	}
	if err := c.saveClientIDToConfig(clientID); err != nil {
		slog.Error("Failed to persist client_id to config", "error", err)
		return
	}
	slog.Info("Client ID persisted to config", "config_path", c.configPath)
}

func (c *Client) saveClientIDToConfig(clientID string) error {
	data, err := os.ReadFile(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config map[string]any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if config == nil {
		config = make(map[string]any)
	}

	fleetConfig, ok := config["fleet"].(map[string]any)
	if !ok {
		fleetConfig = make(map[string]any)
		config["fleet"] = fleetConfig
	}

	// The token is single purpose; keep only the identity it bought.
	fleetConfig["client_id"] = clientID
	delete(fleetConfig, "enrollment_token")

	updated, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Agent enrolled on " + time.Now().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(c.configPath, []byte(header+string(updated)), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

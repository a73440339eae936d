package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Name          string        `mapstructure:"name"`
	Token         string        `mapstructure:"token"`
	ConnectWait   time.Duration `mapstructure:"connect_wait"`
}

// NATSSink publishes events as JSON on <prefix>.<kind>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

func ConnectNATS(cfg NATSConfig) (*NATSSink, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.ConnectWait > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectWait))
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	slog.Info("Connected to NATS", "url", url)
	return NewNATSSink(conn, cfg.SubjectPrefix), nil
}

func NewNATSSink(conn *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "fleet.events"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

func (s *NATSSink) Subject(kind Kind) string {
	return s.prefix + "." + string(kind)
}

func (s *NATSSink) Notify(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("Failed to encode event", "kind", e.Kind, "error", err)
		return
	}
	if err := s.conn.Publish(s.Subject(e.Kind), data); err != nil {
		slog.Warn("Failed to publish event to NATS", "kind", e.Kind, "error", err)
	}
}

// Run forwards events from ch until it closes or ctx is done.
func (s *NATSSink) Run(ctx context.Context, ch <-chan Event) {
	forward(ctx, ch, s)
}

func (s *NATSSink) Close() {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}

func forward(ctx context.Context, ch <-chan Event, o Observer) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			notify(o, e)
		}
	}
}

package fleet

import (
	"fmt"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
)

type Config struct {
	ServerID              string        `mapstructure:"server_id"`
	HeartbeatTimeout      time.Duration `mapstructure:"heartbeat_timeout"`
	OfflineTimeout        time.Duration `mapstructure:"offline_timeout"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	DeliveryCap           int           `mapstructure:"delivery_cap"`
	MaxPending            int           `mapstructure:"max_pending"`
	MaxMessagesPerContact int           `mapstructure:"max_messages_per_contact"`
	DedupeTTL             time.Duration `mapstructure:"dedupe_ttl"`
	DedupeSize            int           `mapstructure:"dedupe_size"`
}

func DefaultConfig() Config {
	return Config{
		ServerID:              "fleet-server",
		HeartbeatTimeout:      60 * time.Second,
		OfflineTimeout:        300 * time.Second,
		SweepInterval:         15 * time.Second,
		DeliveryCap:           64,
		MaxPending:            1024,
		MaxMessagesPerContact: 256,
		DedupeTTL:             30 * time.Minute,
		DedupeSize:            100000,
	}
}

func (c Config) Timeouts() agents.Timeouts {
	return agents.Timeouts{Heartbeat: c.HeartbeatTimeout, Offline: c.OfflineTimeout}
}

func (c Config) Validate() error {
	if err := c.Timeouts().Validate(); err != nil {
		return err
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.SweepInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("sweep_interval (%s) must be smaller than heartbeat_timeout (%s)",
			c.SweepInterval, c.HeartbeatTimeout)
	}
	if c.DeliveryCap <= 0 {
		return fmt.Errorf("delivery_cap must be positive")
	}
	if c.MaxPending < 0 || c.MaxMessagesPerContact < 0 {
		return fmt.Errorf("max_pending and max_messages_per_contact must not be negative")
	}
	if c.DedupeTTL <= 0 || c.DedupeSize <= 0 {
		return fmt.Errorf("dedupe_ttl and dedupe_size must be positive")
	}
	return nil
}

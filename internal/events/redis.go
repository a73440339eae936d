package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPublishTimeout = 2 * time.Second

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// RedisSink publishes events as JSON on a pub/sub channel.
type RedisSink struct {
	rdb     *redis.Client
	channel string
}

func ConnectRedis(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "address", cfg.Address)
	return NewRedisSink(rdb, cfg.Channel), nil
}

func NewRedisSink(rdb *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "fleet:events"
	}
	return &RedisSink{rdb: rdb, channel: channel}
}

func (s *RedisSink) Channel() string {
	return s.channel
}

func (s *RedisSink) Notify(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("Failed to encode event", "kind", e.Kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := s.rdb.Publish(ctx, s.channel, data).Err(); err != nil {
		slog.Warn("Failed to publish event to Redis", "kind", e.Kind, "error", err)
	}
}

func (s *RedisSink) Run(ctx context.Context, ch <-chan Event) {
	forward(ctx, ch, s)
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

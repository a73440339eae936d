package main

import (
	"context"
	"log/slog"
	"time"

	grpcclient "github.com/EternisAI/silo-fleet/internal/grpc/client"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/EternisAI/silo-fleet/internal/usage"
)

const (
	commandPing         = "ping"
	commandPong         = "pong"
	commandCollectUsage = "collect_usage"
)

type pong struct {
	MessageID string    `json:"message_id"`
	Time      time.Time `json:"time"`
}

func registerCommands(c *grpcclient.Client, collector *usage.Collector) {
	c.Handle(grpcclient.AnyCommand, func(ctx context.Context, msg messages.Message) error {
		slog.Info("Command received",
			"message_id", msg.ID,
			"message_type", msg.Type,
			"priority", msg.Priority,
			"source", msg.Source)
		return nil
	})

	c.Handle(commandPing, func(ctx context.Context, msg messages.Message) error {
		_, err := c.SendJSON(commandPong, pong{MessageID: msg.ID, Time: time.Now()})
		return err
	})

	c.Handle(commandCollectUsage, func(ctx context.Context, msg messages.Message) error {
		_, err := c.SendJSON(messages.TypeResourceUsage, collector.Collect(ctx))
		return err
	})
}

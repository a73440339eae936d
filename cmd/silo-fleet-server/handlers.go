package main

import (
	"context"
	"log/slog"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/messages"
)

// registerHandlers installs the server's own reactions to agent messages.
func registerHandlers(fs *fleet.Server) {
	fs.Handle(messages.TypeResourceUsage, fleet.HandlerFunc(func(ctx context.Context, mc fleet.MessageContext) error {
		usage, ok := mc.Payload.(messages.ResourceUsage)
		if !ok {
			slog.Warn("Malformed resource usage report", "client_id", mc.Agent.ClientID, "message_id", mc.Message.ID)
			return nil
		}
		slog.Debug("Resource usage",
			"client_id", mc.Agent.ClientID,
			"cpu_percent", usage.CPUPercent,
			"memory_bytes", usage.MemoryBytes,
			"goroutines", usage.Goroutines,
			"uptime_seconds", usage.UptimeSeconds)
		return nil
	}))

	fs.Handle(messages.TypeError, fleet.HandlerFunc(func(ctx context.Context, mc fleet.MessageContext) error {
		if failure, ok := mc.Payload.(messages.Failure); ok {
			slog.Warn("Agent reported command failure",
				"client_id", mc.Agent.ClientID,
				"message_id", failure.MessageID,
				"error", failure.Error)
		}
		return nil
	}))
}

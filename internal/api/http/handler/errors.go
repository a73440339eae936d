package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/broadcasts"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/gin-gonic/gin"
)

// respondError maps domain errors to HTTP statuses. Anything unrecognised is
// logged and reported as a 500 with a generic message.
func respondError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, agents.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
	case errors.Is(err, provisioning.ErrTokenNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
	case errors.Is(err, broadcasts.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "broadcast not found"})
	case errors.Is(err, agents.ErrBlacklisted):
		c.JSON(http.StatusConflict, gin.H{"error": "agent is blacklisted"})
	case errors.Is(err, agents.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "agent command queue is full"})
	case errors.Is(err, agents.ErrInvalidClientID),
		errors.Is(err, agents.ErrInvalidTimeouts),
		errors.Is(err, provisioning.ErrInvalidParams),
		errors.Is(err, broadcasts.ErrInvalidBroadcast),
		errors.Is(err, messages.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("Failed to "+action, "error", err, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + action})
	}
}

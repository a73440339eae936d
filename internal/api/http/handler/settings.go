package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/gin-gonic/gin"
)

type SettingsHandler struct {
	fleet *fleet.Server
}

func NewSettingsHandler(fleetServer *fleet.Server) *SettingsHandler {
	return &SettingsHandler{fleet: fleetServer}
}

func (h *SettingsHandler) current() dto.SettingsResponse {
	t := h.fleet.Registry().Timeouts()
	return dto.SettingsResponse{
		HeartbeatTimeout: t.Heartbeat.String(),
		OfflineTimeout:   t.Offline.String(),
		SweepInterval:    h.fleet.Config().SweepInterval.String(),
	}
}

// GetSettings GET /settings
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.current())
}

// UpdateSettings changes the liveness timeouts at runtime
// PUT /settings
func (h *SettingsHandler) UpdateSettings(c *gin.Context) {
	var req dto.UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	heartbeat, err := time.ParseDuration(req.HeartbeatTimeout)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid heartbeat_timeout: %v", err)})
		return
	}
	offline, err := time.ParseDuration(req.OfflineTimeout)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid offline_timeout: %v", err)})
		return
	}

	if err := h.fleet.SetTimeouts(c.Request.Context(), agents.Timeouts{Heartbeat: heartbeat, Offline: offline}); err != nil {
		respondError(c, err, "update settings")
		return
	}
	c.JSON(http.StatusOK, h.current())
}

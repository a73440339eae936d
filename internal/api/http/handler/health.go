package handler

import (
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	fleet *fleet.Server
}

func NewHealthHandler(fleetServer *fleet.Server) *HealthHandler {
	return &HealthHandler{fleet: fleetServer}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	rt := h.fleet.RuntimeStats()
	ctx.JSON(http.StatusOK, dto.HealthResponse{
		Status:           "ok",
		ServerID:         h.fleet.Config().ServerID,
		Time:             h.fleet.Clock().Now(),
		Handlers:         rt.Handlers,
		EventSubscribers: rt.EventSubscribers,
		DedupeEntries:    rt.DedupeEntries,
	})
}

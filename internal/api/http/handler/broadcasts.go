package handler

import (
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/broadcasts"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/gin-gonic/gin"
)

type BroadcastsHandler struct {
	fleet *fleet.Server
}

func NewBroadcastsHandler(fleetServer *fleet.Server) *BroadcastsHandler {
	return &BroadcastsHandler{fleet: fleetServer}
}

// CreateBroadcast POST /broadcasts
func (h *BroadcastsHandler) CreateBroadcast(c *gin.Context) {
	var req dto.CreateBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	priority, err := messages.ParsePriority(req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b := broadcasts.Broadcast{
		MessageType:    req.MessageType,
		Payload:        rawPayload(req.Payload),
		RequiredLabels: req.RequiredLabels,
		Priority:       priority,
		Limit:          req.Limit,
	}
	if req.ExpiresInMinutes > 0 {
		expiresAt := h.fleet.Clock().Now().Add(time.Duration(req.ExpiresInMinutes) * time.Minute)
		b.ExpiresAt = &expiresAt
	}

	created, err := h.fleet.CreateBroadcast(b)
	if err != nil {
		respondError(c, err, "create broadcast")
		return
	}
	c.JSON(http.StatusCreated, dto.NewBroadcastResponse(created))
}

// ListBroadcasts returns broadcasts that have not expired
// GET /broadcasts
func (h *BroadcastsHandler) ListBroadcasts(c *gin.Context) {
	active := h.fleet.Broadcasts().ListActive(h.fleet.Clock().Now())
	responses := make([]dto.BroadcastResponse, len(active))
	for i, b := range active {
		responses[i] = dto.NewBroadcastResponse(b)
	}
	c.JSON(http.StatusOK, dto.ListBroadcastsResponse{Broadcasts: responses})
}

// PendingBroadcasts lists broadcasts the agent qualifies for and has not been
// sent yet
// GET /broadcasts/pending/:client_id
func (h *BroadcastsHandler) PendingBroadcasts(c *gin.Context) {
	clientID := c.Param("client_id")
	pending, err := h.fleet.PendingBroadcasts(clientID)
	if err != nil {
		respondError(c, err, "list pending broadcasts")
		return
	}
	responses := make([]dto.BroadcastResponse, len(pending))
	for i, b := range pending {
		responses[i] = dto.NewBroadcastResponse(b)
	}
	c.JSON(http.StatusOK, dto.PendingBroadcastsResponse{ClientID: clientID, Broadcasts: responses})
}

// GetBroadcast GET /broadcasts/:id
func (h *BroadcastsHandler) GetBroadcast(c *gin.Context) {
	b, err := h.fleet.Broadcasts().Get(c.Param("id"))
	if err != nil {
		respondError(c, err, "get broadcast")
		return
	}
	c.JSON(http.StatusOK, dto.NewBroadcastResponse(b))
}

// DeleteBroadcast DELETE /broadcasts/:id
func (h *BroadcastsHandler) DeleteBroadcast(c *gin.Context) {
	if err := h.fleet.DeleteBroadcast(c.Param("id")); err != nil {
		respondError(c, err, "delete broadcast")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "broadcast deleted"})
}

package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	grpcserver "github.com/EternisAI/silo-fleet/internal/grpc/server"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/gin-gonic/gin"
)

type AgentsHandler struct {
	fleet       *fleet.Server
	connections *grpcserver.ConnectionManager
}

// NewAgentsHandler creates the agents handler. connections may be nil when
// no gRPC endpoint runs in this process.
func NewAgentsHandler(fleetServer *fleet.Server, connections *grpcserver.ConnectionManager) *AgentsHandler {
	return &AgentsHandler{
		fleet:       fleetServer,
		connections: connections,
	}
}

func (h *AgentsHandler) response(a agents.Agent) dto.AgentResponse {
	resp := dto.NewAgentResponse(a)
	if h.connections != nil {
		if conn, ok := h.connections.GetConnection(a.ClientID); ok {
			resp.Connected = true
			resp.PeerAddr = conn.PeerAddr
		}
	}
	return resp
}

// ListAgents returns agents matching the optional status and tag filters
// GET /agents?status=online&tag=linux&tag=prod
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	var filter agents.Filter
	if s := c.Query("status"); s != "" {
		status, err := agents.ParseStatus(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Status = status
	}
	for _, t := range c.QueryArray("tag") {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Tags = append(filter.Tags, part)
			}
		}
	}

	responses := []dto.AgentResponse{}
	for a := range h.fleet.Registry().List(filter) {
		responses = append(responses, h.response(a))
	}

	c.JSON(http.StatusOK, dto.ListAgentsResponse{Agents: responses, Count: len(responses)})
}

// GetAgent returns details for a specific agent
// GET /agents/:id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	agent, err := h.fleet.Registry().Get(c.Param("id"))
	if err != nil {
		respondError(c, err, "get agent")
		return
	}
	c.JSON(http.StatusOK, h.response(agent))
}

// RemoveAgent forgets an agent entirely; it must enroll again to come back
// DELETE /agents/:id
func (h *AgentsHandler) RemoveAgent(c *gin.Context) {
	clientID := c.Param("id")
	if err := h.fleet.RemoveAgent(c.Request.Context(), clientID); err != nil {
		respondError(c, err, "remove agent")
		return
	}
	if h.connections != nil {
		h.connections.Forget(clientID)
	}

	slog.Info("Agent removed", "client_id", clientID, "by", c.GetString("subject"))
	c.JSON(http.StatusOK, gin.H{"message": "agent removed"})
}

// AddTags POST /agents/:id/tags
func (h *AgentsHandler) AddTags(c *gin.Context) {
	h.changeTags(c, h.fleet.Registry().Tag)
}

// RemoveTags DELETE /agents/:id/tags
func (h *AgentsHandler) RemoveTags(c *gin.Context) {
	h.changeTags(c, h.fleet.Registry().Untag)
}

func (h *AgentsHandler) changeTags(c *gin.Context, apply func(string, ...string) (agents.Agent, error)) {
	var req dto.TagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent, err := apply(c.Param("id"), req.Tags...)
	if err != nil {
		respondError(c, err, "update tags")
		return
	}
	c.JSON(http.StatusOK, h.response(agent))
}

// Blacklist permanently refuses further contact from the agent
// POST /agents/:id/blacklist
func (h *AgentsHandler) Blacklist(c *gin.Context) {
	agent, err := h.fleet.Blacklist(c.Param("id"))
	if err != nil {
		respondError(c, err, "blacklist agent")
		return
	}
	if h.connections != nil {
		h.connections.Forget(agent.ClientID)
	}

	slog.Warn("Agent blacklisted", "client_id", agent.ClientID, "by", c.GetString("subject"))
	c.JSON(http.StatusOK, h.response(agent))
}

// SendCommand queues a command for delivery on the agent's next contact
// POST /agents/:id/commands
func (h *AgentsHandler) SendCommand(c *gin.Context) {
	var req dto.SendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	priority, err := messages.ParsePriority(req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.fleet.SendCommand(c.Param("id"), req.MessageType, rawPayload(req.Payload), priority)
	if err != nil {
		respondError(c, err, "send command")
		return
	}

	c.JSON(http.StatusAccepted, dto.CommandResponse{
		MessageID:   msg.ID,
		ClientID:    msg.Destination,
		MessageType: msg.Type,
		Priority:    msg.Priority.String(),
		CreatedAt:   msg.CreatedAt,
	})
}

// ListConnections returns transport-level details of recently seen agents
// GET /connections
func (h *AgentsHandler) ListConnections(c *gin.Context) {
	infos := []dto.ConnectionInfo{}
	if h.connections != nil {
		for _, conn := range h.connections.ListConnections() {
			infos = append(infos, dto.ConnectionInfo{
				ClientID:  conn.ClientID,
				PeerAddr:  conn.PeerAddr,
				FirstSeen: conn.FirstSeen,
				LastSeen:  conn.LastSeen,
				Contacts:  conn.Contacts,
			})
		}
	}
	c.JSON(http.StatusOK, dto.ConnectionsResponse{Connections: infos, Count: len(infos)})
}

// Stats GET /stats
func (h *AgentsHandler) Stats(c *gin.Context) {
	stats := h.fleet.Registry().Stats()
	byStatus := make(map[string]int, len(stats.ByStatus))
	for s, n := range stats.ByStatus {
		byStatus[string(s)] = n
	}
	c.JSON(http.StatusOK, dto.StatsResponse{
		Total:        stats.Total,
		ByStatus:     byStatus,
		MessageCount: stats.MessageCount,
		ErrorCount:   stats.ErrorCount,
		Pending:      stats.Pending,
		Tokens:       len(h.fleet.Tokens().List()),
		Broadcasts:   len(h.fleet.Broadcasts().ListActive(h.fleet.Clock().Now())),
	})
}

// rawPayload treats a JSON string as the literal payload bytes and any other
// JSON value as its encoded form.
func rawPayload(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return []byte(raw)
}


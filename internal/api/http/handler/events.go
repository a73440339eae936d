package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

type EventsHandler struct {
	hub      *events.Hub
	activity *events.Feed
	upgrader *websocket.Upgrader
}

func NewEventsHandler(hub *events.Hub, activity *events.Feed) *EventsHandler {
	return &EventsHandler{
		hub:      hub,
		activity: activity,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Callers are already authenticated by the API middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Recent returns the activity feed, newest first
// GET /events?limit=20
func (h *EventsHandler) Recent(c *gin.Context) {
	limit := events.DefaultFeedSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, events.DefaultFeedSize)
	}
	list := []events.Activity{}
	if h.activity != nil {
		list = append(list, h.activity.Recent(limit)...)
	}
	c.JSON(http.StatusOK, dto.ListActivityResponse{Events: list, Count: len(list)})
}

// Stream pushes fleet events as JSON text frames until the client goes away
// GET /events/ws?kind=status_changed,agent_enrolled
func (h *EventsHandler) Stream(c *gin.Context) {
	kinds := make(map[events.Kind]bool)
	for _, k := range strings.Split(c.Query("kind"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[events.Kind(k)] = true
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err, "client_ip", c.ClientIP())
		return
	}
	defer conn.Close()

	ch, cancel := h.hub.Subscribe(eventBuffer)
	defer cancel()

	slog.Info("Event stream opened", "client_ip", c.ClientIP(), "subject", c.GetString("subject"))
	defer slog.Info("Event stream closed", "client_ip", c.ClientIP())

	// Inbound frames are ignored; reading is only needed to notice a close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if len(kinds) > 0 && !kinds[e.Kind] {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				slog.Debug("Event stream write failed", "error", err)
				return
			}
		}
	}
}

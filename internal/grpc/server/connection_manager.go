package server

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
)

const (
	staleConnectionTimeout = 10 * time.Minute
	cleanupInterval        = 1 * time.Minute
)

// Connection is the transport-level view of an agent: where it last called
// from and how often.
type Connection struct {
	ClientID  string    `json:"client_id"`
	PeerAddr  string    `json:"peer_addr"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Contacts  uint64    `json:"contacts"`
}

type ConnectionManager struct {
	clock       clock.Clock
	connections map[string]*Connection
	mu          sync.RWMutex
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func NewConnectionManager(clk clock.Clock) *ConnectionManager {
	cm := &ConnectionManager{
		clock:       clk,
		connections: make(map[string]*Connection),
		stopCh:      make(chan struct{}),
	}
	go cm.cleanupStaleConnections()
	return cm
}

// Observe records a successful contact from clientID.
func (cm *ConnectionManager) Observe(clientID, peerAddr string) {
	now := cm.clock.Now()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.connections[clientID]
	if !ok {
		cm.connections[clientID] = &Connection{
			ClientID:  clientID,
			PeerAddr:  peerAddr,
			FirstSeen: now,
			LastSeen:  now,
			Contacts:  1,
		}
		slog.Info("Agent connection established",
			"client_id", clientID,
			"peer", peerAddr,
			"total_connections", len(cm.connections))
		return
	}

	if conn.PeerAddr != peerAddr {
		slog.Info("Agent peer address changed",
			"client_id", clientID,
			"old_peer", conn.PeerAddr,
			"new_peer", peerAddr)
		conn.PeerAddr = peerAddr
	}
	conn.LastSeen = now
	conn.Contacts++
}

func (cm *ConnectionManager) Forget(clientID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.connections[clientID]; ok {
		delete(cm.connections, clientID)
		slog.Info("Agent connection forgotten",
			"client_id", clientID,
			"total_connections", len(cm.connections))
	}
}

func (cm *ConnectionManager) GetConnection(clientID string) (Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conn, ok := cm.connections[clientID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// ListConnections returns every tracked connection ordered by client id.
func (cm *ConnectionManager) ListConnections() []Connection {
	cm.mu.RLock()
	out := make([]Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		out = append(out, *conn)
	}
	cm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (cm *ConnectionManager) Stop() {
	cm.stopOnce.Do(func() {
		close(cm.stopCh)
	})
}

func (cm *ConnectionManager) cleanupStaleConnections() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.removeStaleConnections()
		case <-cm.stopCh:
			return
		}
	}
}

func (cm *ConnectionManager) removeStaleConnections() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := cm.clock.Now()
	removed := 0
	for clientID, conn := range cm.connections {
		if now.Sub(conn.LastSeen) > staleConnectionTimeout {
			slog.Debug("Removing stale connection",
				"client_id", clientID,
				"last_seen", conn.LastSeen,
				"peer", conn.PeerAddr)
			delete(cm.connections, clientID)
			removed++
		}
	}
	return removed
}

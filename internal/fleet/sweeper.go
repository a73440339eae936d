package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
)

const flushTimeout = 5 * time.Second

// Sweeper periodically downgrades silent agents and does housekeeping.
type Sweeper struct {
	server   *Server
	interval time.Duration
}

func NewSweeper(server *Server, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = server.cfg.SweepInterval
	}
	return &Sweeper{server: server, interval: interval}
}

// Run ticks until ctx is cancelled, then flushes once more.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	slog.Info("Heartbeat sweeper started", "interval", sw.interval)
	for {
		select {
		case <-ticker.C:
			sw.Tick(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			if err := sw.server.registry.Flush(flushCtx); err != nil {
				slog.Error("Final agent flush failed", "error", err)
			}
			cancel()
			slog.Info("Heartbeat sweeper stopped")
			return
		}
	}
}

// Tick runs one sweep. A panic is logged and confined to this tick.
func (sw *Sweeper) Tick(ctx context.Context) (changes []agents.StatusChange) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Sweep failed", "panic", r)
		}
	}()

	s := sw.server
	now := s.clock.Now()
	changes = s.registry.Sweep(now)
	for _, c := range changes {
		slog.Info("Agent status changed",
			"client_id", c.ClientID,
			"old_status", c.Old,
			"new_status", c.New)
		s.publishStatusChange(c)
	}

	s.broadcasts.PurgeExpired(now)
	s.seen.Prune()

	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := s.registry.Flush(flushCtx); err != nil {
		slog.Error("Failed to flush agents", "error", err)
	}
	return changes
}

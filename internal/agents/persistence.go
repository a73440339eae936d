package agents

import (
	"context"
	"fmt"
	"log/slog"
)

// Load restores agents from the repository. Pending queues are not persisted.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	stored, err := r.repo.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range stored {
		tags := make(map[string]struct{}, len(a.Tags))
		for _, t := range a.Tags {
			tags[t] = struct{}{}
		}
		a.Tags = nil
		r.agents[a.ClientID] = &entry{
			agent:     a,
			tags:      tags,
			delivered: make(map[string]struct{}),
		}
	}
	slog.Info("Agents loaded", "count", len(stored))
	return nil
}

// Flush writes every agent changed since the last flush. Agents that fail to
// persist stay dirty and are retried on the next flush.
func (r *Registry) Flush(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var dirty []*entry
	var snapshots []Agent
	for _, e := range entries {
		e.mu.Lock()
		if e.dirty && !e.removed {
			e.dirty = false
			dirty = append(dirty, e)
			snapshots = append(snapshots, e.snapshot())
		}
		e.mu.Unlock()
	}
	if len(snapshots) == 0 {
		return nil
	}

	if err := r.repo.UpsertAgents(ctx, snapshots); err != nil {
		for _, e := range dirty {
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
		}
		return fmt.Errorf("failed to persist agents: %w", err)
	}
	slog.Debug("Agents flushed", "count", len(snapshots))
	return nil
}

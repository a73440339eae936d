package agents

import (
	"time"
)

type observation struct {
	e        *entry
	lastSeen time.Time
	status   Status
	target   Status
}

// Sweep downgrades agents whose last contact is older than the configured
// timeouts. It runs in two phases: observe every entry, then apply each
// decision only if last_seen and status are still what was observed. A
// contact that lands in between therefore always wins.
func (r *Registry) Sweep(now time.Time) []StatusChange {
	return r.apply(r.observe(now), now)
}

func (r *Registry) observe(now time.Time) []observation {
	timeouts := r.Timeouts()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var pending []observation
	for _, e := range entries {
		e.mu.Lock()
		lastSeen, status, removed := e.agent.LastSeen, e.agent.Status, e.removed
		e.mu.Unlock()
		if removed {
			continue
		}
		if target, ok := classify(status, now.Sub(lastSeen), timeouts); ok {
			pending = append(pending, observation{e: e, lastSeen: lastSeen, status: status, target: target})
		}
	}
	return pending
}

func (r *Registry) apply(pending []observation, now time.Time) []StatusChange {
	var changes []StatusChange
	for _, o := range pending {
		if change := o.e.compareAndSetStatus(o.lastSeen, o.status, o.target, now); change != nil {
			changes = append(changes, *change)
		}
	}
	return changes
}

func (e *entry) compareAndSetStatus(lastSeen time.Time, from, to Status, at time.Time) *StatusChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.agent.LastSeen.Equal(lastSeen) || e.agent.Status != from {
		return nil
	}
	return e.setStatus(to, at)
}

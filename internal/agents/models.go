package agents

import (
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusEnrolled    Status = "enrolled"
	StatusOnline      Status = "online"
	StatusDegraded    Status = "degraded"
	StatusOffline     Status = "offline"
	StatusBlacklisted Status = "blacklisted"
)

var transitions = map[Status][]Status{
	StatusEnrolled: {StatusOnline, StatusDegraded, StatusOffline, StatusBlacklisted},
	StatusOnline:   {StatusDegraded, StatusOffline, StatusBlacklisted},
	StatusDegraded: {StatusOnline, StatusOffline, StatusBlacklisted},
	StatusOffline:  {StatusOnline, StatusBlacklisted},
}

// CanTransition reports whether from -> to is an edge of the status machine.
// Blacklisted has no outgoing edges.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusEnrolled, StatusOnline, StatusDegraded, StatusOffline, StatusBlacklisted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown agent status %q", s)
	}
}

// Info holds the descriptive fields an agent reports about itself.
type Info struct {
	Hostname     string
	OSType       string
	OSVersion    string
	AgentVersion string
	IPAddress    string
}

// Agent is a point-in-time copy of a registry entry.
type Agent struct {
	ClientID          string
	Hostname          string
	OSType            string
	OSVersion         string
	AgentVersion      string
	IPAddress         string
	Status            Status
	EnrolledAt        time.Time
	LastSeen          time.Time
	Tags              []string
	MessageCount      uint64
	ErrorCount        uint64
	EnrollmentTokenID string
}

// HasTags reports whether the agent carries every tag in required.
func (a Agent) HasTags(required []string) bool {
	for _, t := range required {
		if !slices.Contains(a.Tags, t) {
			return false
		}
	}
	return true
}

type StatusChange struct {
	ClientID  string
	Old       Status
	New       Status
	Timestamp time.Time
}

type Filter struct {
	Status Status
	Tags   []string
}

func (f Filter) Matches(a Agent) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return a.HasTags(f.Tags)
}

type Stats struct {
	Total        int
	ByStatus     map[Status]int
	MessageCount uint64
	ErrorCount   uint64
	Pending      int
}

type Timeouts struct {
	Heartbeat time.Duration
	Offline   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Heartbeat: 60 * time.Second,
		Offline:   300 * time.Second,
	}
}

func (t Timeouts) Validate() error {
	if t.Heartbeat <= 0 || t.Offline <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidTimeouts)
	}
	if t.Offline <= t.Heartbeat {
		return fmt.Errorf("%w: offline_timeout (%s) must exceed heartbeat_timeout (%s)",
			ErrInvalidTimeouts, t.Offline, t.Heartbeat)
	}
	return nil
}

// classify returns the status a sweep should move an agent to, if any.
// Sweeps only downgrade; coming back online is driven by contacts.
func classify(current Status, elapsed time.Duration, t Timeouts) (Status, bool) {
	if current == StatusBlacklisted || current == StatusOffline {
		return current, false
	}
	var target Status
	switch {
	case elapsed >= t.Offline:
		target = StatusOffline
	case elapsed >= t.Heartbeat:
		target = StatusDegraded
	default:
		return current, false
	}
	if target == current || !CanTransition(current, target) {
		return current, false
	}
	return target, true
}

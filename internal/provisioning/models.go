package provisioning

import (
	"time"
)

// Unlimited is the MaxUses value for tokens without a use bound.
const Unlimited = -1

type State string

const (
	StateActive    State = "active"
	StateRevoked   State = "revoked"
	StateExpired   State = "expired"
	StateExhausted State = "exhausted"
)

type Token struct {
	ID         string
	Name       string
	SecretHash string
	ExpiresAt  *time.Time
	MaxUses    int
	UseCount   int
	Active     bool
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// State reports why a token can or cannot be used at now. Revocation wins
// over expiry, expiry over exhaustion.
func (t Token) State(now time.Time) State {
	switch {
	case !t.Active:
		return StateRevoked
	case t.ExpiresAt != nil && now.After(*t.ExpiresAt):
		return StateExpired
	case t.MaxUses != Unlimited && t.UseCount >= t.MaxUses:
		return StateExhausted
	default:
		return StateActive
	}
}

// Remaining returns the number of uses left, or Unlimited.
func (t Token) Remaining() int {
	if t.MaxUses == Unlimited {
		return Unlimited
	}
	if t.UseCount >= t.MaxUses {
		return 0
	}
	return t.MaxUses - t.UseCount
}

type CreateParams struct {
	Name      string
	MaxUses   int
	ExpiresAt *time.Time
}

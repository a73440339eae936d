package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
)

type Reason string

const (
	ReasonMalformedRequest Reason = "malformed_request"
	ReasonUnknownClient    Reason = "unknown_client_requires_enrollment"
	ReasonBlacklisted      Reason = "blacklisted"
	ReasonTokenUnknown     Reason = "token_unknown"
	ReasonTokenInactive    Reason = "token_inactive"
	ReasonTokenExpired     Reason = "token_expired"
	ReasonTokenExhausted   Reason = "token_exhausted"
	ReasonCancelled        Reason = "cancelled"
	ReasonInternal         Reason = "internal_error"
)

type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindPolicy     ErrorKind = "policy"
	KindNotFound   ErrorKind = "not_found"
	KindInternal   ErrorKind = "internal"
)

var ErrMalformedContact = errors.New("malformed contact")

// Rejection is a reason-coded refusal of a contact.
type Rejection struct {
	Kind   ErrorKind
	Reason Reason
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %v", r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func reject(kind ErrorKind, reason Reason, err error) *Rejection {
	return &Rejection{Kind: kind, Reason: reason, Err: err}
}

func rejectionFor(err error) *Rejection {
	var r *Rejection
	switch {
	case errors.As(err, &r):
		return r
	case errors.Is(err, ErrMalformedContact),
		errors.Is(err, agents.ErrInvalidClientID),
		errors.Is(err, messages.ErrInvalidMessage):
		return reject(KindValidation, ReasonMalformedRequest, err)
	case errors.Is(err, agents.ErrBlacklisted):
		return reject(KindPolicy, ReasonBlacklisted, err)
	case errors.Is(err, agents.ErrAgentNotFound):
		return reject(KindValidation, ReasonUnknownClient, err)
	case errors.Is(err, provisioning.ErrTokenUnknown):
		return reject(KindValidation, ReasonTokenUnknown, err)
	case errors.Is(err, provisioning.ErrTokenInactive):
		return reject(KindPolicy, ReasonTokenInactive, err)
	case errors.Is(err, provisioning.ErrTokenExpired):
		return reject(KindPolicy, ReasonTokenExpired, err)
	case errors.Is(err, provisioning.ErrTokenExhausted):
		return reject(KindPolicy, ReasonTokenExhausted, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return reject(KindInternal, ReasonCancelled, err)
	default:
		return reject(KindInternal, ReasonInternal, err)
	}
}

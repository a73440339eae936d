package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/messages"
)

// AnyMessage registers a handler for every message type.
const AnyMessage = "*"

var ErrHandlerPanic = errors.New("handler panicked")

type MessageContext struct {
	Agent   agents.Agent
	Message messages.Message
	Payload messages.Payload
}

type Handler interface {
	HandleMessage(ctx context.Context, mc MessageContext) error
}

type HandlerFunc func(ctx context.Context, mc MessageContext) error

func (f HandlerFunc) HandleMessage(ctx context.Context, mc MessageContext) error {
	return f(ctx, mc)
}

type registration struct {
	messageType string
	handler     Handler
}

// Dispatcher is an append-only, ordered list of handler registrations.
// Registering while contacts are being dispatched is safe.
type Dispatcher struct {
	mu            sync.RWMutex
	registrations []registration
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) Register(messageType string, h Handler) {
	if messageType == "" {
		messageType = AnyMessage
	}
	d.mu.Lock()
	d.registrations = append(d.registrations, registration{messageType: messageType, handler: h})
	d.mu.Unlock()
}

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.registrations)
}

// Dispatch runs every handler interested in the message, in registration
// order. A failing or panicking handler does not stop the others; their
// errors are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, mc MessageContext) []error {
	d.mu.RLock()
	regs := make([]registration, 0, len(d.registrations))
	for _, r := range d.registrations {
		if r.messageType == AnyMessage || r.messageType == mc.Message.Type {
			regs = append(regs, r)
		}
	}
	d.mu.RUnlock()

	var errs []error
	for _, r := range regs {
		if err := invoke(ctx, r.handler, mc); err != nil {
			slog.Warn("Message handler failed",
				"client_id", mc.Agent.ClientID,
				"message_id", mc.Message.ID,
				"message_type", mc.Message.Type,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

func invoke(ctx context.Context, h Handler, mc MessageContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.HandleMessage(ctx, mc)
}

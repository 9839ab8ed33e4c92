package dispatch

import (
	"context"
	"time"
)

// Handler runs one agent type in-process.
type Handler func(ctx context.Context, req Request) (*Response, error)

// InProcessTransport dispatches directly to a registered Handler, with no
// serialization or polling — the cheapest transport, used for agents that
// live in the same process as the Controller.
type InProcessTransport struct {
	handlers map[string]Handler
}

// NewInProcessTransport builds an InProcessTransport with no handlers registered.
func NewInProcessTransport() *InProcessTransport {
	return &InProcessTransport{handlers: make(map[string]Handler)}
}

// Register binds a Handler to an agent type.
func (t *InProcessTransport) Register(agentType string, h Handler) {
	t.handlers[agentType] = h
}

// Supports reports whether a handler is registered for agentType.
func (t *InProcessTransport) Supports(agentType string) bool {
	_, ok := t.handlers[agentType]
	return ok
}

// Dispatch invokes the registered handler, bounding it by the
// deadline via a derived context.
func (t *InProcessTransport) Dispatch(ctx context.Context, req Request, deadline time.Time) (*Response, error) {
	h := t.handlers[req.AgentType]
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return h(runCtx, req)
}

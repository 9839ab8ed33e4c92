// Package dispatch implements the Bridge/Dispatcher (§4.5): a uniform
// "run agent X over input Y" surface resolved across an in-process
// transport and a file-bridge transport. The uniform-interface-resolved-
// by-a-factory shape is grounded directly on the teacher's
// agents/spawner_factory.go AgentSpawner interface and SpawnerFactory; the
// decorator-wraps-transport pattern used for audit logging below is
// grounded on agents/audit.go's AuditingSpawner.
package dispatch

import (
	"context"
	"time"

	"github.com/kcenon/ad-sdlc/internal/errs"
)

// Request is the uniform envelope passed to every transport.
type Request struct {
	AgentType         string
	Input             map[string]interface{}
	ScratchpadDir     string
	ProjectDir        string
	PriorStageOutputs map[string]string
}

// Response is the uniform result every transport returns.
type Response struct {
	Output    string
	Artifacts []string
	Success   bool
	Error     string
}

// Transport is implemented by each concrete dispatch mechanism.
type Transport interface {
	// Supports reports whether this transport can handle agentType.
	Supports(agentType string) bool

	// Dispatch runs agentType over req, failing with BridgeTimeout (file
	// transport) or the transport's own error otherwise if deadline
	// passes before a result is available.
	Dispatch(ctx context.Context, req Request, deadline time.Time) (*Response, error)
}

// Dispatcher resolves the first Transport whose Supports(agentType) is
// true, else fails closed with AgentDispatchError — spec.md is explicit
// that an unsupported agent type must never silently no-op.
type Dispatcher struct {
	transports []Transport
}

// New builds a Dispatcher trying transports in order.
func New(transports ...Transport) *Dispatcher {
	return &Dispatcher{transports: transports}
}

// Dispatch resolves a transport for req.AgentType and runs it, wrapping
// any failure as AgentDispatchError(stage, cause) per §4.5/§7.
func (d *Dispatcher) Dispatch(ctx context.Context, stage string, req Request, deadline time.Time) (*Response, error) {
	for _, t := range d.transports {
		if t.Supports(req.AgentType) {
			resp, err := t.Dispatch(ctx, req, deadline)
			if err != nil {
				return nil, errs.Wrap(errs.KindAgentDispatchError, "stage "+stage+": dispatch "+req.AgentType, err)
			}
			return resp, nil
		}
	}
	return nil, errs.New(errs.KindAgentDispatchError, "stage "+stage+": no transport supports agent type "+req.AgentType)
}

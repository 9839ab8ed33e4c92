package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kcenon/ad-sdlc/internal/security"
)

// AuditingTransport wraps a Transport to record every dispatch in an
// append-only AuditLog, grounded on the teacher's agents/audit.go
// AuditingSpawner decorator — same shape, one log call on success and one
// on failure, delegating everything else to the inner transport.
type AuditingTransport struct {
	inner Transport
	log   security.AuditLog
}

// NewAuditingTransport wraps inner with audit logging through log.
func NewAuditingTransport(inner Transport, log security.AuditLog) *AuditingTransport {
	return &AuditingTransport{inner: inner, log: log}
}

// Supports delegates to the wrapped transport.
func (t *AuditingTransport) Supports(agentType string) bool {
	return t.inner.Supports(agentType)
}

// Dispatch runs the wrapped transport and records the outcome, preserving
// whatever error or response the inner transport returned.
func (t *AuditingTransport) Dispatch(ctx context.Context, req Request, deadline time.Time) (*Response, error) {
	start := time.Now()
	correlationID := uuid.NewString()

	detail, _ := json.Marshal(map[string]interface{}{
		"agentType":  req.AgentType,
		"projectDir": req.ProjectDir,
	})

	resp, err := t.inner.Dispatch(ctx, req, deadline)

	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		t.log.Append(security.AuditEntry{
			ID:            uuid.NewString(),
			CorrelationID: correlationID,
			EventType:     security.AuditAgentFailed,
			Actor:         req.AgentType,
			Detail:        string(detail),
			Outcome:       "error: " + err.Error(),
			CreatedAt:     time.Now(),
		})
		return resp, err
	}

	outcome := "success"
	if resp != nil && !resp.Success {
		outcome = "failed: " + resp.Error
	}
	t.log.Append(security.AuditEntry{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		EventType:     security.AuditAgentDispatched,
		Actor:         req.AgentType,
		Detail:        string(detail),
		Outcome:       outcome + " (" + durationToString(durationMs) + ")",
		CreatedAt:     time.Now(),
	})
	return resp, nil
}

func durationToString(ms int64) string {
	return time.Duration(ms * int64(time.Millisecond)).String()
}

package security

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Gate composes the five Security Gate sub-components behind one surface,
// matching §4.1's bundling of command whitelist, path resolver, secret
// manager, rate limiter, and audit log into a single owned subsystem.
type Gate struct {
	Whitelist *Whitelist
	Paths     *PathResolver
	Secrets   *SecretManager
	Limiter   *RateLimiter
	Audit     AuditLog
}

// NewGate assembles a Gate. A nil audit log defaults to NoOpAuditLog. Paths
// and Secrets are wired to the same audit log so every path resolution and
// secret access — not just command execution — leaves a trail (§4.1, S5).
func NewGate(whitelist *Whitelist, paths *PathResolver, secrets *SecretManager, limiter *RateLimiter, audit AuditLog) *Gate {
	if audit == nil {
		audit = NoOpAuditLog{}
	}
	if paths != nil {
		paths.SetAuditLog(audit)
	}
	if secrets != nil {
		secrets.SetAuditLog(audit)
	}
	return &Gate{Whitelist: whitelist, Paths: paths, Secrets: secrets, Limiter: limiter, Audit: audit}
}

// RunCommand enforces rate limiting, then whitelist validation, then runs
// base/subcommand/args with secretNames injected as environment variables,
// auditing the outcome either way.
func (g *Gate) RunCommand(ctx context.Context, key, base, subcommand string, args []string, secretNames []string, timeout time.Duration) (*Result, error) {
	executor := NewExecutor(g.Whitelist, g.Secrets)
	correlationID := uuid.NewString()

	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := g.Limiter.Wait(ctx, key, deadline); err != nil {
		g.Audit.Append(AuditEntry{
			ID: uuid.NewString(), CorrelationID: correlationID, EventType: AuditRateLimited,
			Actor: key, Detail: fmt.Sprintf("%s %s", base, subcommand), Outcome: "denied", CreatedAt: time.Now(),
		})
		return nil, err
	}

	result, err := executor.Run(ctx, base, subcommand, args, secretNames, timeout)

	outcome := "allowed"
	eventType := AuditCommandRun
	if err != nil {
		outcome = "denied: " + err.Error()
		eventType = AuditCommandDenied
	}
	g.Audit.Append(AuditEntry{
		ID: uuid.NewString(), CorrelationID: correlationID, EventType: eventType,
		Actor: key, Detail: fmt.Sprintf("%s %s %v", base, subcommand, args), Outcome: outcome, CreatedAt: time.Now(),
	})

	return result, err
}

package security

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kcenon/ad-sdlc/internal/errs"
)

// SecretManager resolves secret names (e.g. GITHUB_TOKEN, ANTHROPIC_TOKEN)
// to values from the process environment. Secrets are only ever handed to
// a subprocess via its environment, never as an argv element and never
// written to a log line — audit entries record the secret's name, never
// its value.
type SecretManager struct {
	lookup func(string) (string, bool)
	audit  AuditLog
}

// NewSecretManager builds a SecretManager backed by the OS environment.
func NewSecretManager() *SecretManager {
	return &SecretManager{lookup: os.LookupEnv, audit: NoOpAuditLog{}}
}

// NewSecretManagerWithLookup builds a SecretManager backed by a custom
// lookup function, for tests.
func NewSecretManagerWithLookup(lookup func(string) (string, bool)) *SecretManager {
	return &SecretManager{lookup: lookup, audit: NoOpAuditLog{}}
}

// SetAuditLog wires the Security Gate's audit log in, so every secret
// access — denied or allowed — leaves a trail per §4.1.
func (s *SecretManager) SetAuditLog(audit AuditLog) {
	if audit == nil {
		audit = NoOpAuditLog{}
	}
	s.audit = audit
}

// Get resolves a single secret by env var name, auditing the access by
// name only — the resolved value never reaches the audit entry.
func (s *SecretManager) Get(name string) (string, error) {
	v, err := s.get(name)

	eventType := AuditSecretAccessed
	outcome := "allowed"
	if err != nil {
		eventType = AuditSecretDenied
		outcome = "denied: " + err.Error()
	}
	s.audit.Append(AuditEntry{
		ID: uuid.NewString(), CorrelationID: uuid.NewString(), EventType: eventType,
		Actor: "secret-manager", Detail: name, Outcome: outcome, CreatedAt: time.Now(),
	})

	return v, err
}

func (s *SecretManager) get(name string) (string, error) {
	if !strings.HasSuffix(name, "_TOKEN") {
		return "", errs.New(errs.KindValidation, "secret name must end in _TOKEN: "+name)
	}
	v, ok := s.lookup(name)
	if !ok || v == "" {
		return "", errs.Security(errs.RuleSecretNotFound, "secret not found: "+name)
	}
	return v, nil
}

// Environ resolves a set of secret names into KEY=VALUE environment
// entries suitable for exec.Cmd.Env, appended to the minimal base
// environment a subprocess needs (PATH, HOME) rather than the full parent
// environment, so unrelated secrets never leak to a spawned agent.
func (s *SecretManager) Environ(names []string) ([]string, error) {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	for _, name := range names {
		v, err := s.Get(name)
		if err != nil {
			return nil, err
		}
		env = append(env, fmt.Sprintf("%s=%s", name, v))
	}
	return env, nil
}

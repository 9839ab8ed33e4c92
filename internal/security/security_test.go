package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWhitelistRejectsUnknownBase(t *testing.T) {
	w := NewWhitelist(CommandSpec{Base: "git", Subcommands: map[string]bool{"status": true}})
	err := w.Validate("rm", "", []string{"-rf", "/"})
	require.Error(t, err)
}

func TestWhitelistRejectsUnknownSubcommand(t *testing.T) {
	w := NewWhitelist(CommandSpec{Base: "git", Subcommands: map[string]bool{"status": true}})
	err := w.Validate("git", "push", nil)
	require.Error(t, err)
}

func TestWhitelistRejectsShellMetacharacters(t *testing.T) {
	w := NewWhitelist(CommandSpec{Base: "git", Subcommands: map[string]bool{"status": true}})
	err := w.Validate("git", "status", []string{"; rm -rf /"})
	require.Error(t, err)
}

func TestWhitelistAllowsValidCommand(t *testing.T) {
	w := NewWhitelist(CommandSpec{Base: "echo", Subcommands: map[string]bool{}})
	err := w.Validate("echo", "", []string{"hello"})
	require.NoError(t, err)
}

func TestExecutorRunsWhitelistedCommand(t *testing.T) {
	w := NewWhitelist(CommandSpec{Base: "echo", Subcommands: map[string]bool{}})
	e := NewExecutor(w, nil)

	res, err := e.Run(context.Background(), "echo", "", []string{"hello"}, nil, 2*time.Second)
	require.NoError(t, err)
	require.Contains(t, string(res.Stdout), "hello")
}

func TestExecutorRejectsNonWhitelisted(t *testing.T) {
	w := NewWhitelist(CommandSpec{Base: "echo", Subcommands: map[string]bool{}})
	e := NewExecutor(w, nil)

	_, err := e.Run(context.Background(), "cat", "", []string{"/etc/passwd"}, nil, 2*time.Second)
	require.Error(t, err)
}

func TestPathResolverRejectsTraversal(t *testing.T) {
	r, err := NewPathResolver(t.TempDir())
	require.NoError(t, err)

	_, err = r.Resolve("../../etc/passwd")
	require.Error(t, err)
}

func TestPathResolverAllowsNested(t *testing.T) {
	r, err := NewPathResolver(t.TempDir())
	require.NoError(t, err)

	p, err := r.Resolve("a/b/c.txt")
	require.NoError(t, err)
	require.NotEmpty(t, p)
}

func TestSecretManagerNotFound(t *testing.T) {
	s := NewSecretManagerWithLookup(func(string) (string, bool) { return "", false })
	_, err := s.Get("GITHUB_TOKEN")
	require.Error(t, err)
}

func TestSecretManagerFound(t *testing.T) {
	s := NewSecretManagerWithLookup(func(k string) (string, bool) {
		if k == "GITHUB_TOKEN" {
			return "secret-value", true
		}
		return "", false
	})
	v, err := s.Get("GITHUB_TOKEN")
	require.NoError(t, err)
	require.Equal(t, "secret-value", v)
}

func TestGateAuditsPathDenials(t *testing.T) {
	dir := t.TempDir()
	paths, err := NewPathResolver(dir)
	require.NoError(t, err)
	audit, err := NewFileAuditLog(dir + "/audit.jsonl")
	require.NoError(t, err)

	NewGate(NewWhitelist(), paths, NewSecretManager(), NewRateLimiter(10, 10), audit)

	_, err = paths.Resolve("../../etc/passwd")
	require.Error(t, err)

	entries, err := audit.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, AuditPathDenied, entries[0].EventType)
}

func TestGateAuditsSecretAccess(t *testing.T) {
	dir := t.TempDir()
	secrets := NewSecretManagerWithLookup(func(k string) (string, bool) {
		if k == "GITHUB_TOKEN" {
			return "secret-value", true
		}
		return "", false
	})
	audit, err := NewFileAuditLog(dir + "/audit.jsonl")
	require.NoError(t, err)
	paths, err := NewPathResolver(dir)
	require.NoError(t, err)

	NewGate(NewWhitelist(), paths, secrets, NewRateLimiter(10, 10), audit)

	_, err = secrets.Get("GITHUB_TOKEN")
	require.NoError(t, err)
	_, err = secrets.Get("MISSING_TOKEN")
	require.Error(t, err)

	entries, err := audit.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, AuditSecretDenied, entries[0].EventType)
	require.Equal(t, AuditSecretAccessed, entries[1].EventType)
	require.NotContains(t, entries[1].Detail, "secret-value")
}

func TestRateLimiterExceededReturnsError(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	ctx := context.Background()

	require.NoError(t, rl.Wait(ctx, "k", time.Now().Add(time.Second)))
	err := rl.Wait(ctx, "k", time.Now().Add(10*time.Millisecond))
	require.Error(t, err)
}

func TestFileAuditLogAppendAndRecent(t *testing.T) {
	dir := t.TempDir()
	log, err := NewFileAuditLog(dir + "/audit.jsonl")
	require.NoError(t, err)

	require.NoError(t, log.Append(AuditEntry{ID: "1", EventType: AuditCommandRun, Outcome: "allowed", CreatedAt: time.Now()}))
	require.NoError(t, log.Append(AuditEntry{ID: "2", EventType: AuditCommandRun, Outcome: "allowed", CreatedAt: time.Now()}))

	entries, err := log.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "2", entries[0].ID)
}

func TestSQLAuditLogAppendAndRecent(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenSQLAuditLog(dir + "/audit.db")
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Append(AuditEntry{ID: "1", EventType: AuditCommandRun, Outcome: "allowed"}))
	entries, err := log.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

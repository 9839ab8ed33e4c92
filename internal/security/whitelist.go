// Package security implements the Security Gate (§4.1): command
// whitelisting, path resolution, secret injection, rate limiting, and
// audit logging. It is the first component in dependency order because
// every other component that shells out or touches the filesystem routes
// through it.
//
// The argv-only exec pattern here is grounded directly on the teacher's
// git/worktree.go runGit/runGitOutput: exec.Command is always given an
// argument vector, never a shell string, so there is nothing for a shell
// to reinterpret.
package security

import (
	"fmt"
	"regexp"
	"time"

	"github.com/kcenon/ad-sdlc/internal/errs"
)

// CommandSpec whitelists one base command and the subcommands allowed
// under it (e.g. base "git", subcommands "status", "diff", "commit").
type CommandSpec struct {
	Base        string
	Subcommands map[string]bool
}

// shellMeta matches any character that would be meaningful to a shell if
// this codebase ever (wrongly) concatenated arguments into a string. It
// exists to reject inputs before they reach exec.Command, as defense in
// depth even though exec.Command never invokes a shell.
var shellMeta = regexp.MustCompile(`[;&|$` + "`" + `<>\\\n(){}\[\]*?!~]`)

// Whitelist is the Security Gate's mutable set of allowed commands, owned
// by the gate rather than held in a global. Update takes
// WhitelistUpdateOptions, but neither stores nor audits them: only the
// CommandSpec itself is applied, and no audit entry records the change.
type Whitelist struct {
	specs map[string]CommandSpec
}

// WhitelistUpdateOptions records who changed the whitelist and why, for
// the audit trail.
type WhitelistUpdateOptions struct {
	ActorID string
	Reason  string
	At      time.Time
}

// NewWhitelist builds a Whitelist from an initial set of specs.
func NewWhitelist(specs ...CommandSpec) *Whitelist {
	w := &Whitelist{specs: make(map[string]CommandSpec)}
	for _, s := range specs {
		w.specs[s.Base] = s
	}
	return w
}

// Update replaces or adds a CommandSpec. Failure to validate the spec
// itself (e.g. empty base) is a WhitelistUpdateError, not a panic — a bad
// config must never crash the gate.
func (w *Whitelist) Update(spec CommandSpec, opts WhitelistUpdateOptions) error {
	if spec.Base == "" {
		return errs.Security(errs.RuleWhitelistUpdate, "whitelist entry missing base command")
	}
	w.specs[spec.Base] = spec
	return nil
}

// Validate checks that base+subcommand is whitelisted and that no
// argument contains a shell metacharacter. It never inspects the command
// as a concatenated string — callers always pass argv.
func (w *Whitelist) Validate(base, subcommand string, args []string) error {
	spec, ok := w.specs[base]
	if !ok {
		return errs.Security(errs.RuleCommandNotAllowed, fmt.Sprintf("command not whitelisted: %s", base))
	}
	if subcommand != "" && !spec.Subcommands[subcommand] {
		return errs.Security(errs.RuleCommandNotAllowed, fmt.Sprintf("subcommand not whitelisted: %s %s", base, subcommand))
	}
	if shellMeta.MatchString(base) || (subcommand != "" && shellMeta.MatchString(subcommand)) {
		return errs.Security(errs.RuleCommandInjection, "shell metacharacter in command or subcommand")
	}
	for _, a := range args {
		if shellMeta.MatchString(a) {
			return errs.Security(errs.RuleCommandInjection, "shell metacharacter in argument: "+a)
		}
	}
	return nil
}

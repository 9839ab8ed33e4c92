package security

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/kcenon/ad-sdlc/internal/errs"
)

// Executor runs whitelisted commands as argv vectors with a hard timeout,
// grounded on git/worktree.go's runGit/runGitOutput.
type Executor struct {
	whitelist *Whitelist
	secrets   *SecretManager
}

// NewExecutor builds an Executor bound to a whitelist and secret manager.
func NewExecutor(whitelist *Whitelist, secrets *SecretManager) *Executor {
	return &Executor{whitelist: whitelist, secrets: secrets}
}

// Result captures the outcome of a whitelisted command invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Run validates base/subcommand/args against the whitelist, injects any
// requested secrets as environment variables (never as argv, never
// logged), and runs the command with a deadline. args never passes
// through a shell: exec.CommandContext always receives an argument
// vector.
func (e *Executor) Run(ctx context.Context, base, subcommand string, args []string, secretNames []string, timeout time.Duration) (*Result, error) {
	if err := e.whitelist.Validate(base, subcommand, args); err != nil {
		return nil, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fullArgs := args
	if subcommand != "" {
		fullArgs = append([]string{subcommand}, args...)
	}

	cmd := exec.CommandContext(runCtx, base, fullArgs...)

	if e.secrets != nil && len(secretNames) > 0 {
		env, err := e.secrets.Environ(secretNames)
		if err != nil {
			return nil, err
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, errs.New(errs.KindTimeout, "command timed out: "+base)
	}
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode},
			errs.Wrap(errs.KindIOError, "command failed: "+base, err)
	}

	return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: 0}, nil
}

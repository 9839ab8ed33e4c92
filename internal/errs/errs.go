// Package errs defines the closed set of error kinds the pipeline raises,
// and the propagation rules (retryable vs fatal) the scheduler and CLI
// both depend on.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a PipelineError for retry decisions and exit-code mapping.
type Kind string

const (
	KindValidation          Kind = "Validation"
	KindSchemaValidation    Kind = "SchemaValidation"
	KindNotFound            Kind = "NotFound"
	KindAlreadyExists       Kind = "AlreadyExists"
	KindInvalidState        Kind = "InvalidState"
	KindTimeout             Kind = "Timeout"
	KindCancelled           Kind = "Cancelled"
	KindRateLimitExceeded   Kind = "RateLimitExceeded"
	KindCircuitOpen         Kind = "CircuitOpen"
	KindSecurityDenied      Kind = "SecurityDenied"
	KindBridgeTimeout       Kind = "BridgeTimeout"
	KindAgentDispatchError  Kind = "AgentDispatchError"
	KindCircularDependency  Kind = "CircularDependency"
	KindDeadlockOrBlocked   Kind = "DeadlockOrBlocked"
	KindIOError             Kind = "IOError"
	KindInternal             Kind = "Internal"
	KindLockTimeout          Kind = "LockTimeout"
	KindStateCorrupted       Kind = "StateCorrupted"

	// Security Gate failure taxonomy (§4.1), modeled as SecurityDenied with
	// a ViolatedRule, but kept as distinct sentinels for callers that need
	// to switch on the exact rule rather than just "denied".
	RuleCommandInjection  = "command-injection"
	RuleCommandNotAllowed = "command-not-allowed"
	RulePathTraversal     = "path-traversal"
	RuleRateLimitExceeded = "rate-limit-exceeded"
	RuleSecretNotFound    = "secret-not-found"
	RuleWhitelistUpdate   = "whitelist-update-error"
)

// PipelineError is the concrete error type carried across every component
// boundary in this codebase. Kind drives retry/exit-code decisions; Cause
// preserves the underlying error for %w-style wrapping; CorrelationID ties
// a user-visible failure back to an audit log entry.
type PipelineError struct {
	Kind          Kind
	Message       string
	Cause         error
	CorrelationID string
	ViolatedRule  string
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// New builds a PipelineError with no cause.
func New(kind Kind, message string) *PipelineError {
	return &PipelineError{Kind: kind, Message: message}
}

// Wrap builds a PipelineError around an existing error.
func Wrap(kind Kind, message string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Cause: cause}
}

// Security constructs a SecurityDenied error with the violated rule recorded.
func Security(rule, message string) *PipelineError {
	return &PipelineError{Kind: KindSecurityDenied, Message: message, ViolatedRule: rule}
}

// WithCorrelation attaches a correlation id and returns the same error for chaining.
func (e *PipelineError) WithCorrelation(id string) *PipelineError {
	e.CorrelationID = id
	return e
}

// KindOf extracts the Kind of err, or KindInternal if err is not (or does
// not wrap) a *PipelineError.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the pipeline's retry policy may reattempt
// work that failed with err. Security-gate denials and schema/validation
// failures are never retryable; timeouts, rate limits, and generic IO
// errors are. CircuitOpen is deliberately excluded: a caller observing it
// must fail fast without consuming a retry attempt (see the scheduler's
// runWithRetry).
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindRateLimitExceeded, KindIOError, KindBridgeTimeout, KindAgentDispatchError:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must never be retried under any policy,
// regardless of attempts remaining.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindSchemaValidation, KindSecurityDenied, KindCircularDependency:
		return true
	default:
		return false
	}
}

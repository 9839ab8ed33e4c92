package security

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kcenon/ad-sdlc/internal/errs"
)

// safePathPattern matches the characters this codebase considers legal in
// a project-relative path component: alphanumerics, dash, underscore, dot
// (for extensions) and the path separator itself.
var safePathPattern = regexp.MustCompile(`^[A-Za-z0-9_./-]+$`)

// PathResolver canonicalizes a project-relative path against a root and
// rejects traversal outside of it, following symlinks to their real
// target before the containment check so a symlink cannot be used to
// escape the root.
type PathResolver struct {
	root  string
	audit AuditLog
}

// NewPathResolver builds a PathResolver rooted at an absolute directory.
// Audit logging defaults to a no-op until SetAuditLog wires a real log in
// (NewGate does this for every PathResolver it composes).
func NewPathResolver(root string) (*PathResolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, "resolve root path", err)
	}
	return &PathResolver{root: abs, audit: NoOpAuditLog{}}, nil
}

// SetAuditLog wires the Security Gate's audit log in, so every Resolve
// call — denied or allowed — leaves a trail per §4.1.
func (r *PathResolver) SetAuditLog(audit AuditLog) {
	if audit == nil {
		audit = NoOpAuditLog{}
	}
	r.audit = audit
}

// Resolve returns the canonical absolute path for a project-relative
// input, or a PathTraversal error if it would escape root. Every call is
// audited, since a denied resolution is itself the security-relevant
// event §4.1/S5 expect a trail for.
func (r *PathResolver) Resolve(rel string) (string, error) {
	resolved, err := r.resolveInner(rel)

	eventType := AuditPathResolved
	outcome := "allowed"
	if err != nil {
		eventType = AuditPathDenied
		outcome = "denied: " + err.Error()
	}
	r.audit.Append(AuditEntry{
		ID: uuid.NewString(), CorrelationID: uuid.NewString(), EventType: eventType,
		Actor: "path-resolver", Detail: rel, Outcome: outcome, CreatedAt: time.Now(),
	})

	return resolved, err
}

func (r *PathResolver) resolveInner(rel string) (string, error) {
	if !safePathPattern.MatchString(rel) {
		return "", errs.Security(errs.RulePathTraversal, "path contains disallowed characters: "+rel)
	}
	if strings.Contains(rel, "..") {
		return "", errs.Security(errs.RulePathTraversal, "path contains traversal segment: "+rel)
	}

	joined := filepath.Join(r.root, rel)
	cleaned := filepath.Clean(joined)

	if !withinRoot(r.root, cleaned) {
		return "", errs.Security(errs.RulePathTraversal, "resolved path escapes root: "+rel)
	}

	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		// Target need not exist yet (e.g. a path about to be written); the
		// containment check on the lexical path above still holds.
		return cleaned, nil
	}
	if !withinRoot(r.root, resolved) {
		return "", errs.Security(errs.RulePathTraversal, "symlink target escapes root: "+rel)
	}
	return resolved, nil
}

func withinRoot(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

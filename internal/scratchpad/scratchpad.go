// Package scratchpad implements the pipeline's atomic, versioned artifact
// store. It is the only component that owns on-disk artifacts: the
// Controller and Orchestrator mirror their in-memory state here for
// durability, but never write a project artifact directly.
//
// Writes are committed via temp-file-then-rename, the same pattern the
// teacher uses in kanban/state.go's Save(). Reads and writes to the same
// logical path are mutually excluded within this process by a
// sync.RWMutex per path. Read and Write take no lock file and no deadline;
// only WithLock adds an advisory lock file for cross-process exclusion,
// bounded by a deadline.
package scratchpad

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/kcenon/ad-sdlc/internal/errs"
)

// Format selects the on-disk encoding for an artifact.
type Format string

const (
	FormatYAML     Format = "yaml"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Section is one of the four top-level artifact categories (§3, §6).
type Section string

const (
	SectionInfo      Section = "info"
	SectionDocuments Section = "documents"
	SectionIssues    Section = "issues"
	SectionProgress  Section = "progress"
)

// Ref identifies a single artifact within a project.
type Ref struct {
	ProjectID   string
	Section     Section
	LogicalName string
}

func (r Ref) filename(format Format) string {
	switch format {
	case FormatYAML:
		return r.LogicalName + ".yaml"
	case FormatMarkdown:
		return r.LogicalName + ".md"
	default:
		return r.LogicalName + ".json"
	}
}

func (r Ref) key() string {
	return r.ProjectID + "/" + string(r.Section) + "/" + r.LogicalName
}

// Versioned is implemented by any type written through WriteTyped/ReadTyped
// so the store can stamp and validate schemaVersion without reflection over
// arbitrary field names.
type Versioned interface {
	GetSchemaVersion() string
	SetSchemaVersion(string)
}

// Scratchpad is the artifact store rooted at <home>/scratchpad.
type Scratchpad struct {
	root        string
	lockTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.RWMutex

	sf singleflight.Group
}

// New creates a Scratchpad rooted at root (typically $AD_SDLC_HOME/scratchpad).
func New(root string, lockTimeout time.Duration) *Scratchpad {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Scratchpad{
		root:        root,
		lockTimeout: lockTimeout,
		locks:       make(map[string]*sync.RWMutex),
	}
}

// Root returns the directory this Scratchpad is rooted at, for callers
// (e.g. the Dispatcher's bridge request envelope) that need to pass it
// through to an external collaborator.
func (s *Scratchpad) Root() string {
	return s.root
}

func (s *Scratchpad) pathFor(ref Ref, format Format) string {
	return filepath.Join(s.root, string(ref.Section), ref.ProjectID, ref.filename(format))
}

func (s *Scratchpad) mutexFor(key string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.RWMutex{}
		s.locks[key] = m
	}
	return m
}

// Exists reports whether an artifact is present under any known format.
func (s *Scratchpad) Exists(ref Ref) (bool, error) {
	for _, f := range []Format{FormatJSON, FormatYAML, FormatMarkdown} {
		if _, err := os.Stat(s.pathFor(ref, f)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// List returns the logical names of artifacts present under a project's section.
func (s *Scratchpad) List(projectID string, section Section) ([]string, error) {
	dir := filepath.Join(s.root, string(section), projectID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, "list artifacts", err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		base := name[:len(name)-len(ext)]
		if !seen[base] {
			seen[base] = true
			names = append(names, base)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read loads the raw bytes and detected format of an artifact.
func (s *Scratchpad) Read(ref Ref) ([]byte, Format, error) {
	key := ref.key()
	lock := s.mutexFor(key)
	lock.RLock()
	defer lock.RUnlock()

	for _, f := range []Format{FormatJSON, FormatYAML, FormatMarkdown} {
		path := s.pathFor(ref, f)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, f, nil
		}
		if !os.IsNotExist(err) {
			return nil, "", errs.Wrap(errs.KindIOError, "read artifact "+key, err)
		}
	}
	return nil, "", errs.New(errs.KindNotFound, "artifact not found: "+key)
}

// ReadTyped decodes an artifact into out, which must implement Versioned.
// requiredMajor is the major version string (e.g. "1") this reader
// supports; a schemaVersion with a different major, or a missing
// schemaVersion entirely, is a SchemaValidationError — this codebase never
// silently stamps a version on read (see SPEC_FULL.md Open Question 1).
func (s *Scratchpad) ReadTyped(ref Ref, requiredMajor string, out Versioned) error {
	data, format, err := s.Read(ref)
	if err != nil {
		return err
	}
	if format == FormatMarkdown {
		return errs.New(errs.KindSchemaValidation, "cannot decode markdown artifact as typed value: "+ref.key())
	}
	if err := decode(data, format, out); err != nil {
		return errs.Wrap(errs.KindSchemaValidation, "decode artifact "+ref.key(), err)
	}
	return ensureSchemaVersion(out.GetSchemaVersion(), requiredMajor, ref.key())
}

// ensureSchemaVersion enforces major-version compatibility between a
// reader's expected version and an artifact's stamped version.
func ensureSchemaVersion(actual, requiredMajor, what string) error {
	if actual == "" {
		return errs.New(errs.KindSchemaValidation, "missing schemaVersion in "+what)
	}
	major := actual
	for i, c := range actual {
		if c == '.' {
			major = actual[:i]
			break
		}
	}
	if major != requiredMajor {
		return errs.New(errs.KindSchemaValidation,
			fmt.Sprintf("schemaVersion major mismatch for %s: have %s, need %s.x", what, actual, requiredMajor))
	}
	return nil
}

// Write atomically persists raw bytes via temp-file-then-rename, the
// pattern grounded on kanban/state.go's Save().
func (s *Scratchpad) Write(ref Ref, format Format, data []byte) error {
	key := ref.key()
	lock := s.mutexFor(key)
	lock.Lock()
	defer lock.Unlock()
	return s.writeLocked(ref, format, data)
}

func (s *Scratchpad) writeLocked(ref Ref, format Format, data []byte) error {
	if format == FormatMarkdown {
		if err := validateMarkdown(data); err != nil {
			return errs.Wrap(errs.KindValidation, "malformed markdown artifact "+ref.key(), err)
		}
	}

	path := s.pathFor(ref, format)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindIOError, "create artifact directory", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.KindIOError, "write temp artifact", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.KindIOError, "rename artifact into place", err)
	}
	return nil
}

// validateMarkdown runs a narrative artifact through the same renderer the
// teacher's web server used to turn artifact bodies into HTML
// (server.go's goldmark.Convert) before the atomic rename commits it. Only
// a render error fails the write; Markdown parsing accepts any input, so no
// document is rejected for its syntax.
func validateMarkdown(data []byte) error {
	return goldmark.Convert(data, io.Discard)
}

// WriteTyped stamps v's schemaVersion (if unset) and persists it encoded
// as format.
func (s *Scratchpad) WriteTyped(ref Ref, format Format, schemaVersion string, v Versioned) error {
	if v.GetSchemaVersion() == "" {
		v.SetSchemaVersion(schemaVersion)
	}
	data, err := encode(v, format)
	if err != nil {
		return errs.Wrap(errs.KindIOError, "encode artifact "+ref.key(), err)
	}
	return s.Write(ref, format, data)
}

// WithLock runs fn while holding the per-path lock for ref, both in-process
// and (via an advisory lock file) across processes, failing with
// LockTimeout if the lock cannot be acquired before deadline.
func (s *Scratchpad) WithLock(ctx context.Context, ref Ref, deadline time.Time, fn func() error) error {
	key := ref.key()
	lock := s.mutexFor(key)

	acquired := make(chan struct{})
	go func() {
		lock.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Until(deadline)):
		go func() { <-acquired; lock.Unlock() }()
		return errs.New(errs.KindLockTimeout, "in-process lock timeout: "+key)
	case <-ctx.Done():
		go func() { <-acquired; lock.Unlock() }()
		return errs.Wrap(errs.KindCancelled, "lock wait cancelled: "+key, ctx.Err())
	}
	defer lock.Unlock()

	unlockFile, err := s.acquireFileLock(ctx, ref, deadline)
	if err != nil {
		return err
	}
	defer unlockFile()

	return fn()
}

// acquireFileLock creates an advisory sidecar lock file using O_EXCL,
// polling until deadline, matching the teacher's ticker/select loop idiom
// (background.go's runAgentLoop) rather than blocking indefinitely.
func (s *Scratchpad) acquireFileLock(ctx context.Context, ref Ref, deadline time.Time) (func(), error) {
	lockPath := filepath.Join(s.root, string(ref.Section), ref.ProjectID, ref.LogicalName+".lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIOError, "create lock directory", err)
	}

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, errs.Wrap(errs.KindIOError, "acquire file lock", err)
		}
		if time.Now().After(deadline) {
			return nil, errs.New(errs.KindLockTimeout, "file lock timeout: "+ref.key())
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindCancelled, "lock wait cancelled", ctx.Err())
		}
	}
}

// ReadCoalesced reads an artifact, coalescing concurrent identical reads
// through a singleflight group so a burst of readers does not thrash the
// per-path RWMutex with redundant I/O.
func (s *Scratchpad) ReadCoalesced(ref Ref) ([]byte, Format, error) {
	type result struct {
		data   []byte
		format Format
	}
	v, err, _ := s.sf.Do(ref.key(), func() (interface{}, error) {
		data, format, err := s.Read(ref)
		if err != nil {
			return nil, err
		}
		return result{data, format}, nil
	})
	if err != nil {
		return nil, "", err
	}
	r := v.(result)
	return r.data, r.format, nil
}

func decode(data []byte, format Format, out any) error {
	switch format {
	case FormatYAML:
		return yaml.Unmarshal(data, out)
	default:
		return json.Unmarshal(data, out)
	}
}

func encode(v any, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(v)
	case FormatMarkdown:
		if s, ok := v.(fmt.Stringer); ok {
			return []byte(s.String()), nil
		}
		return nil, fmt.Errorf("markdown artifacts must implement fmt.Stringer")
	default:
		return json.MarshalIndent(v, "", "  ")
	}
}

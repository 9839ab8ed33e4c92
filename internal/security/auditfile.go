package security

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/kcenon/ad-sdlc/internal/errs"
)

// FileAuditLog is a JSONL, append-only AuditLog for environments that
// prefer a plain file over SQLite — the same dual-store precedent the
// teacher follows with kanban.StateStore's JSON-file and SQLite backends.
type FileAuditLog struct {
	mu   sync.Mutex
	path string
}

// NewFileAuditLog builds a FileAuditLog appending to path.
func NewFileAuditLog(path string) (*FileAuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIOError, "create audit log directory", err)
	}
	return &FileAuditLog{path: path}, nil
}

// Append writes one JSON line to the log file.
func (f *FileAuditLog) Append(entry AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindIOError, "open audit log", err)
	}
	defer file.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap(errs.KindIOError, "marshal audit entry", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return errs.Wrap(errs.KindIOError, "write audit entry", err)
	}
	return nil
}

// Recent returns up to the last `limit` entries, newest first.
func (f *FileAuditLog) Recent(limit int) ([]AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, "open audit log", err)
	}
	defer file.Close()

	var all []AuditEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		all = append(all, e)
	}

	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]AuditEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = all[len(all)-1-i]
	}
	return out, nil
}

package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/effigo/internal/models"
)

// Appender serializes JSONL appends per file path. Lines are marshaled first
// and written with a single Write call under a per-file mutex, so concurrent
// writers never interleave and files stay parseable line by line. Files are
// never truncated or rewritten.
type Appender struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAppender creates an appender with an empty lock registry
func NewAppender() *Appender {
	return &Appender{
		locks: make(map[string]*sync.Mutex),
	}
}

func (a *Appender) lockFor(path string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[path] = lock
	}
	return lock
}

// Append writes one envelope line to the file, creating parent directories
// on first use
func (a *Appender) Append(path string, entry models.LogEntry) error {
	data, err := entry.ToJSON()
	if err != nil {
		return err
	}

	lock := a.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append log line: %w", err)
	}
	return nil
}

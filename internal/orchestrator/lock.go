package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HeldError reports that another run already holds the process lock.
// The caller logs the holder and exits zero; a concurrent run is not an
// error, the lock exists to prevent double-runs.
type HeldError struct {
	Path   string
	Holder string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("run lock %s held by %s", e.Path, e.Holder)
}

// Lock is the process-wide run lock. The lock file carries the holder's
// pid and run key so the already-active diagnostic can name it; this is
// why an exclusive-create pidfile is used rather than an advisory lock.
type Lock struct {
	path string
	held bool
}

// NewLock prepares a lock at the given path.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire takes the lock or returns *HeldError with the holder payload.
func (l *Lock) Acquire(runKey string) error {
	if dir := filepath.Dir(l.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create lock directory: %w", err)
		}
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			holder := "unknown"
			if raw, readErr := os.ReadFile(l.path); readErr == nil {
				holder = strings.TrimSpace(string(raw))
			}
			return &HeldError{Path: l.path, Holder: holder}
		}
		return fmt.Errorf("acquire run lock: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "pid=%d run_key=%s\n", os.Getpid(), runKey); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("write run lock: %w", err)
	}
	l.held = true
	return nil
}

// Release removes the lock if this process holds it.
func (l *Lock) Release() {
	if l.held {
		os.Remove(l.path)
		l.held = false
	}
}

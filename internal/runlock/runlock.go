// Package runlock enforces the single-instance invariant: ledger mutations
// are read-modify-rewrite cycles with no file-level concurrency control, so
// only one engine process may run against a state directory at a time.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vidmirror/internal/storage"
)

// ErrAlreadyRunning means another instance holds the run lock.
var ErrAlreadyRunning = errors.New("runlock: another instance is running")

// Lock is a held run lock. Release it with Release.
type Lock struct {
	fl      *storage.FileLock
	pidPath string
}

// Acquire takes the run lock for the given state directory. It fails fast:
// a concurrent instance is an operator error, not a condition to wait out.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("runlock: %w", err)
	}

	pidPath := filepath.Join(stateDir, "vidmirror.pid")
	fl := storage.NewFileLock(pidPath)
	if err := fl.Lock(100 * time.Millisecond); err != nil {
		if errors.Is(err, storage.ErrLockTimeout) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}

	// The pid file is diagnostic only; the flock is the actual mutex.
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("runlock: %w", err)
	}
	return &Lock{fl: fl, pidPath: pidPath}, nil
}

// Release drops the lock and removes the pid file.
func (l *Lock) Release() {
	os.Remove(l.pidPath)
	l.fl.Unlock()
}

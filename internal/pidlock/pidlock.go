// Package pidlock enforces spec §6's single-instance-per-user requirement:
// the daemon refuses to start a second time against the same data directory
// while a prior instance still holds the lock.
package pidlock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock is an acquired, exclusive PID lock file under a data directory.
// Release removes the file so a subsequent start finds no stale lock.
type Lock struct {
	flock *flock.Flock
	path  string
}

// Acquire creates (or reuses) "<dataDir>/apiforged.pid", takes an exclusive,
// non-blocking lock on it, and writes the current process's PID. If another
// live process already holds the lock, Acquire returns an error naming the
// path so the operator can identify and stop the competing instance.
func Acquire(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("pidlock: creating data directory %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, "apiforged.pid")

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("pidlock: locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("pidlock: %s is held by another apiforged instance", path)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("pidlock: writing pid to %s: %w", path, err)
	}

	return &Lock{flock: fl, path: path}, nil
}

// Release unlocks and removes the PID file. Called on clean shutdown; a
// process that dies without calling Release leaves the file behind but the
// OS releases the flock automatically, so the next Acquire still succeeds.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("pidlock: unlocking %s: %w", l.path, err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidlock: removing %s: %w", l.path, err)
	}
	return nil
}

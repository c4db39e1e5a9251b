package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/picklr-io/lakestack/internal/logging"
)

// StaleLockAge is how old a lock file must be before it is taken over.
const StaleLockAge = 10 * time.Minute

// ErrLocked is returned when another process holds the state lock.
var ErrLocked = errors.New("state is locked")

// Lock acquires a file lock on the state to prevent concurrent modifications.
func (m *Manager) Lock(ctx context.Context) error {
	lockPath := m.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(lockPath); err == nil {
		if age := time.Since(info.ModTime()); age > StaleLockAge {
			log := logging.With("state")
			log.Warn().Str("lock", lockPath).Dur("age", age).Msg("taking over stale state lock")
			os.Remove(lockPath)
		} else {
			return fmt.Errorf("%w by another process (lock file: %s). "+
				"If this is an error, remove the lock file manually", ErrLocked, lockPath)
		}
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w by another process (lock file: %s)", ErrLocked, lockPath)
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	// Current PID and timestamp, for whoever finds the lock.
	fmt.Fprintf(f, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return nil
}

// Unlock releases the state lock.
func (m *Manager) Unlock(ctx context.Context) error {
	lockPath := m.lockPath()
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (m *Manager) lockPath() string {
	return m.path + ".lock"
}

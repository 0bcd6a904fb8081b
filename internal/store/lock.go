package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// LockFileName is the lock file created inside the state directory.
const LockFileName = "challrun.lock"

// lockRetryInterval is the poll interval while waiting for the state
// directory lock. 50ms keeps the wait after a release short without
// busy-spinning.
const lockRetryInterval = 50 * time.Millisecond

// Lock is an exclusive, cross-process lock on a state directory. Two
// runtimes sharing one state directory would fight over the database and
// double-manage instances; the lock makes the second one fail fast at
// startup instead.
type Lock struct {
	fl  *flock.Flock
	log *slog.Logger
}

// AcquireLock takes the exclusive lock for dir, creating the directory if
// needed. It polls until the lock is acquired or ctx is done. If logger is
// nil, slog.Default() is used.
func AcquireLock(ctx context.Context, dir string, logger *slog.Logger) (*Lock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, LockFileName)
	fl := flock.New(path)

	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire state lock %s: %w", path, err)
	}
	if !locked {
		// TryLockContext reports failure through err; this branch covers
		// the (false, nil) case so a nil Lock is never paired with nil err.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire state lock %s: %w", path, ctx.Err())
		}
		return nil, fmt.Errorf("acquire state lock %s: lock not acquired", path)
	}
	return &Lock{fl: fl, log: logger}, nil
}

// Release unlocks and closes the lock file. The file itself stays on disk:
// removing it races against another process that just acquired a lock on
// the same path. Best effort; errors are logged, not returned.
func (l *Lock) Release() {
	if l == nil || l.fl == nil {
		return
	}
	// Close unlocks internally.
	if err := l.fl.Close(); err != nil {
		l.log.Debug("release state lock", "path", l.fl.Path(), "error", err)
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

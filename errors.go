package challrun

import (
	"github.com/ctfrange/challrun/internal/backend"
	"github.com/ctfrange/challrun/internal/core"
)

// Sentinel errors for error inspection with errors.Is.
// These are immutable constants safe for use in wrapped error chain comparison.
const (
	// ErrNotStarted is returned by instance operations before Start has
	// been called.
	ErrNotStarted = core.ErrNotStarted

	// ErrShuttingDown is returned by instance operations once Shutdown has
	// begun.
	ErrShuttingDown = core.ErrShuttingDown

	// ErrInstanceNotFound is returned by status, destroy, and lookup
	// operations when no record matches, including records already purged
	// after the retention window.
	ErrInstanceNotFound = core.ErrInstanceNotFound

	// ErrSlotConflict is returned by CreateInstance when the challenge and
	// owner already have a live instance whose request differs from the
	// new one. The caller destroys the existing instance first.
	ErrSlotConflict = core.ErrSlotConflict

	// ErrInstanceBusy is returned by DestroyInstance while the instance's
	// provision is still in flight. The caller retries once the create
	// settles.
	ErrInstanceBusy = core.ErrInstanceBusy

	// ErrIllegalTransition is returned when an instance's lifecycle state
	// forbids the requested operation.
	ErrIllegalTransition = core.ErrIllegalTransition

	// ErrBackendUnavailable is returned when the container engine cannot
	// be reached.
	ErrBackendUnavailable = backend.ErrBackendUnavailable

	// ErrProvisionFailed is returned by CreateInstance when the backend
	// could not bring the instance up. The failed record stays queryable
	// with the failure reason until the retention purge.
	ErrProvisionFailed = backend.ErrProvisionFailed

	// ErrPortExhausted is returned by CreateInstance when the backend's
	// instance cap leaves no host port to publish.
	ErrPortExhausted = backend.ErrPortExhausted

	// ErrTerminateFailed is returned by DestroyInstance when the backend
	// could not tear the instance down. The record is force-marked
	// terminated and its backend resources flagged as orphaned.
	ErrTerminateFailed = backend.ErrTerminateFailed

	// ErrUnsupported is returned by instance operations when the runtime
	// was built with WithUnsupportedBackend.
	ErrUnsupported = backend.ErrUnsupported
)

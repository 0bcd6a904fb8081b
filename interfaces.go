package challrun

import "context"

// Runtime manages challenge instances on one configured backend.
//
// Callers must follow this lifecycle ordering:
//
//	New → Start → instance operations (repeatable) → Shutdown
//
// Start must be called before any instance operation. Shutdown is safe to
// call at any point, including before Start. See each method's
// documentation for detailed error conditions. All methods are safe for
// concurrent use.
type Runtime interface {
	// Start acquires an exclusive lock on the state directory, loads
	// persisted instance records, repairs whatever a previous process left
	// mid-flight, and launches the background sweep and health loops.
	//
	// A second Start after success returns nil. A failed Start releases
	// everything it took and can be retried. Returns ErrShuttingDown after
	// Shutdown.
	Start(ctx context.Context) error

	// CreateInstance provisions one challenge instance and returns its
	// record with the player-facing access info, in state StateRunning.
	//
	// Creates are idempotent per challenge and owner: while that pair
	// already holds a live instance, CreateInstance returns the existing
	// record instead of provisioning a twin, and concurrent duplicate
	// calls collapse into a single backend create. A failed or terminated
	// record does not block the slot; re-creating builds a fresh instance
	// with a new ID.
	//
	// Returns ErrInstanceBusy while the slot's current instance is being
	// torn down, ErrUnsupported on the unsupported backend, and the
	// provisioning failure otherwise. CreateInstance never retries on the
	// caller's behalf.
	CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error)

	// DestroyInstance tears down the instance the ref targets. Destroying
	// an instance that already reached a terminal state is a no-op.
	//
	// When the backend cannot confirm the teardown, the instance is still
	// force-marked StateTerminated with Orphaned set, the slot is freed,
	// and the backend error is returned for external remediation.
	//
	// Returns ErrInstanceNotFound for an unknown ref and ErrInstanceBusy
	// while the instance is still provisioning.
	DestroyInstance(ctx context.Context, ref Ref) error

	// GetInstanceStatus returns a copy of the instance record with the
	// given ID. Terminal records stay queryable until the retention window
	// passes; afterwards the ID returns ErrInstanceNotFound.
	GetInstanceStatus(id string) (*Instance, error)

	// LookupInstance returns a copy of the live (non-terminal) instance
	// for a challenge and owner pair, or ErrInstanceNotFound if the slot
	// is empty. For shared challenges pass SharedOwnerKey as the owner.
	LookupInstance(challengeID int64, ownerKey string) (*Instance, error)

	// ListInstances returns copies of every instance record, terminal ones
	// included, ordered by creation time.
	ListInstances() ([]*Instance, error)

	// GetRunnerHealth probes the configured backend and returns the health
	// per backend kind. Probe results never affect instance state.
	GetRunnerHealth(ctx context.Context) (map[BackendKind]BackendHealth, error)

	// CachedRunnerHealth returns the most recent probe results without
	// touching the backend. The background loop refreshes them on the
	// configured health probe interval.
	CachedRunnerHealth() (map[BackendKind]BackendHealth, error)

	// Shutdown drains in-flight operations, stops the background loops,
	// closes the backend client and the store, and releases the state
	// directory. Instances keep running on the backend; a later Start
	// picks them up from the persisted records. Safe to call multiple
	// times and before Start.
	Shutdown() error
}

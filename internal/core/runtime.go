package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ctfrange/challrun/internal/backend"
	"github.com/ctfrange/challrun/internal/sentinel"
	"github.com/ctfrange/challrun/internal/store"
)

const (
	// ErrNotStarted is returned by operations invoked before Start
	// completed successfully.
	ErrNotStarted = sentinel.Error("runtime not started")

	// ErrShuttingDown is returned by operations invoked during or after
	// Shutdown.
	ErrShuttingDown = sentinel.Error("runtime is shutting down")

	// ErrInstanceBusy is returned when an instance is in a transitional
	// state that the requested operation cannot interrupt, such as
	// destroying an instance that is still provisioning.
	ErrInstanceBusy = sentinel.Error("instance operation in progress")
)

// runtimeState tracks the runtime lifecycle. Transitions only move forward:
// created to starting to ready to shutting down. A failed Start rolls back
// to created so it can be retried.
type runtimeState uint32

const (
	runtimeCreated runtimeState = iota
	runtimeStarting
	runtimeReady
	runtimeShuttingDown
)

func (s runtimeState) String() string {
	switch s {
	case runtimeCreated:
		return "created"
	case runtimeStarting:
		return "starting"
	case runtimeReady:
		return "ready"
	case runtimeShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("runtimeState(%d)", uint32(s))
	}
}

// Runtime owns the full lifecycle of challenge instances on one backend:
// it serializes creates per challenge and owner, drives the state machine,
// persists every change, and runs the background sweep and health loops.
//
// A Runtime is inert until Start and unusable after Shutdown. All methods
// are safe for concurrent use.
type Runtime struct {
	cfg     RuntimeConfig
	adapter backend.Adapter

	// state is read on every operation's fast path; startMu serializes
	// Start and Shutdown against each other.
	state   atomic.Uint32
	startMu sync.Mutex

	lock *store.Lock
	st   *store.Store
	reg  *Registry

	// flights collapses concurrent creates for one slot into a single
	// provision call.
	flights singleflight.Group

	health *healthAggregator
	sched  *scheduler

	// loopCancel stops the sweep and health goroutines. They run on a
	// background context, not the Start context, so they outlive it.
	loopCancel context.CancelFunc

	inflight         atomic.Int64
	inflightDone     chan struct{}
	inflightDoneOnce sync.Once
}

// NewRuntime builds a runtime from cfg and the adapter that will execute
// its backend calls. The runtime takes ownership of the adapter and closes
// it during Shutdown.
//
// NewRuntime panics if cfg is invalid or adapter is nil: both are
// programmer errors, and a runtime constructed from them could never work.
func NewRuntime(cfg RuntimeConfig, adapter backend.Adapter) *Runtime {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid runtime config: %v", err))
	}
	if adapter == nil {
		panic("nil backend adapter")
	}
	return &Runtime{
		cfg:          cfg,
		adapter:      adapter,
		inflightDone: make(chan struct{}),
	}
}

// Start acquires the state directory, loads persisted instance records,
// repairs what the previous process left mid-flight, and launches the
// sweep and health loops. A second Start after success returns nil; a
// failed Start releases everything it took and can be retried.
func (r *Runtime) Start(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	switch r.loadState() {
	case runtimeReady:
		return nil
	case runtimeShuttingDown:
		return ErrShuttingDown
	}
	r.storeState(runtimeStarting)

	lock, err := store.AcquireLock(ctx, r.cfg.StateDir, Logger())
	if err != nil {
		r.storeState(runtimeCreated)
		return fmt.Errorf("acquiring state directory lock: %w", err)
	}

	st, err := store.Open(ctx, r.cfg.StateDir, Logger())
	if err != nil {
		lock.Release()
		r.storeState(runtimeCreated)
		return fmt.Errorf("opening instance store: %w", err)
	}

	reg := NewRegistry(st)
	repaired, err := r.recover(ctx, st, reg)
	if err != nil {
		_ = st.Close()
		lock.Release()
		r.storeState(runtimeCreated)
		return fmt.Errorf("recovering persisted instances: %w", err)
	}

	r.lock = lock
	r.st = st
	r.reg = reg

	loopCtx, cancel := context.WithCancel(context.Background())
	r.loopCancel = cancel
	r.health = newHealthAggregator(r.adapter, r.cfg.HealthProbeInterval, r.cfg.HealthProbeTimeout)
	r.health.start(loopCtx)
	r.sched = newScheduler(r)
	r.sched.start(loopCtx)

	r.storeState(runtimeReady)
	Logger().Info("runtime started",
		"state_dir", r.cfg.StateDir,
		"backend", r.adapter.Kind(),
		"instances", reg.Len(),
		"repaired", repaired,
	)
	return nil
}

// recover loads all persisted rows, rewrites the ones the previous process
// left behind, and fills the registry. Rewrites happen before rows are
// indexed, so the transition table never sees them.
//
// Three rewrites apply. When one slot holds several live rows, all but the
// newest are failed. Live rows from a different backend kind are
// force-terminated as orphaned, since their resources are unreachable
// through the configured adapter. Rows caught in Requested or Provisioning
// are failed, because that work died with the old process. Live rows in
// Expiring or Terminating are kept as they are; the first sweep finishes
// their teardown.
func (r *Runtime) recover(ctx context.Context, st *store.Store, reg *Registry) (int, error) {
	rows, err := st.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	instances := make([]*Instance, 0, len(rows))
	for _, rec := range rows {
		in, err := fromRecord(rec)
		if err != nil {
			Logger().Error("dropping unreadable instance row", "error", err)
			if derr := st.Delete(ctx, rec.ID); derr != nil {
				Logger().Error("deleting unreadable instance row failed", "instance_id", rec.ID, "error", derr)
			}
			continue
		}
		instances = append(instances, in)
	}

	// Newest live row per slot wins; ties keep the first one seen.
	newest := make(map[string]*Instance)
	for _, in := range instances {
		if in.State.IsTerminal() {
			continue
		}
		if cur, ok := newest[in.Slot()]; !ok || in.CreatedAt.After(cur.CreatedAt) {
			newest[in.Slot()] = in
		}
	}

	repaired := 0
	now := time.Now()
	for _, in := range instances {
		if in.State.IsTerminal() {
			continue
		}
		switch {
		case newest[in.Slot()] != in:
			in.State = StateFailed
			in.StateReason = "superseded by a newer record for the same challenge and owner"
		case in.BackendKind != r.adapter.Kind():
			in.State = StateTerminated
			in.Orphaned = in.BackendRef != ""
			in.StateReason = fmt.Sprintf("backend changed from %s to %s across restart", in.BackendKind, r.adapter.Kind())
		case in.State == StateRequested || in.State == StateProvisioning:
			in.State = StateFailed
			in.StateReason = "provisioning interrupted by restart"
		default:
			continue
		}
		in.Access = nil
		if in.TerminatedAt == nil {
			t := now
			in.TerminatedAt = &t
		}
		repaired++
		Logger().Warn("repaired instance record",
			"instance_id", in.ID,
			"challenge_id", in.ChallengeID,
			"owner", in.OwnerKey,
			"state", in.State,
			"reason", in.StateReason,
		)
		if err := st.Upsert(ctx, toRecord(in)); err != nil {
			return 0, fmt.Errorf("persisting repaired instance %s: %w", in.ID, err)
		}
	}

	for _, in := range instances {
		if err := reg.load(in); err != nil {
			Logger().Error("dropping conflicting instance row", "instance_id", in.ID, "error", err)
		}
	}
	return repaired, nil
}

// Shutdown drains in-flight operations, stops the sweep and health loops,
// closes the adapter and the store, and releases the state directory.
// Only the first call does the work; it is safe to call Shutdown multiple
// times and before Start.
func (r *Runtime) Shutdown() error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if r.loadState() == runtimeShuttingDown {
		return nil
	}
	started := r.loadState() == runtimeReady
	r.storeState(runtimeShuttingDown)

	if !started {
		if err := r.adapter.Close(); err != nil {
			return fmt.Errorf("closing backend adapter: %w", err)
		}
		return nil
	}

	if n := r.inflight.Load(); n > 0 {
		Logger().Info("waiting for in-flight operations", "count", n)
		timer := time.NewTimer(r.cfg.ShutdownDrainTimeout)
		select {
		case <-r.inflightDone:
			timer.Stop()
		case <-timer.C:
			Logger().Warn("shutdown drain timed out", "remaining", r.inflight.Load())
		}
	}

	r.loopCancel()
	r.sched.stop()
	r.health.stop()

	var errs []error
	if err := r.adapter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing backend adapter: %w", err))
	}
	if err := r.st.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing instance store: %w", err))
	}
	r.lock.Release()

	Logger().Info("runtime stopped")
	return errors.Join(errs...)
}

// GetInstanceStatus returns a copy of the instance record with the given
// ID, terminal records included until the retention purge drops them.
func (r *Runtime) GetInstanceStatus(id string) (*Instance, error) {
	if err := r.beginOp(); err != nil {
		return nil, err
	}
	defer r.endOp()

	in, ok := r.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return in, nil
}

// LookupInstance returns a copy of the live instance for a challenge and
// owner, if one exists.
func (r *Runtime) LookupInstance(challengeID int64, ownerKey string) (*Instance, error) {
	if err := r.beginOp(); err != nil {
		return nil, err
	}
	defer r.endOp()

	in, ok := r.reg.GetSlot(challengeID, ownerKey)
	if !ok {
		return nil, fmt.Errorf("%w: no live instance for challenge %d and owner %q", ErrInstanceNotFound, challengeID, ownerKey)
	}
	return in, nil
}

// ListInstances returns copies of every instance record, ordered by
// creation time and then by ID for records created in the same
// millisecond.
func (r *Runtime) ListInstances() ([]*Instance, error) {
	if err := r.beginOp(); err != nil {
		return nil, err
	}
	defer r.endOp()

	out := r.reg.Snapshot(nil)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// beginOp gates one public operation. The state check runs twice, once
// before the in-flight count is taken and once after, so an operation
// cannot slip in behind Shutdown's drain check.
func (r *Runtime) beginOp() error {
	switch r.loadState() {
	case runtimeCreated, runtimeStarting:
		return ErrNotStarted
	case runtimeShuttingDown:
		return ErrShuttingDown
	}
	r.inflight.Add(1)
	if r.loadState() == runtimeShuttingDown {
		r.endOp()
		return ErrShuttingDown
	}
	return nil
}

// endOp releases the in-flight slot taken by beginOp. The last operation
// out during shutdown wakes the drain.
func (r *Runtime) endOp() {
	if r.inflight.Add(-1) == 0 && r.loadState() == runtimeShuttingDown {
		r.inflightDoneOnce.Do(func() { close(r.inflightDone) })
	}
}

func (r *Runtime) loadState() runtimeState {
	return runtimeState(r.state.Load())
}

func (r *Runtime) storeState(s runtimeState) {
	r.state.Store(uint32(s))
}

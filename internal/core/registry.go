package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ctfrange/challrun/internal/backend"
	"github.com/ctfrange/challrun/internal/sentinel"
	"github.com/ctfrange/challrun/internal/store"
)

const (
	// ErrInstanceNotFound is returned when no instance matches the given
	// identifier or challenge and owner pair.
	ErrInstanceNotFound = sentinel.Error("instance not found")

	// ErrSlotConflict is returned when an insert would give a challenge
	// and owner pair a second live instance.
	ErrSlotConflict = sentinel.Error("challenge and owner already have a live instance")

	// ErrIllegalTransition is returned when a requested state change is
	// not in the transition table.
	ErrIllegalTransition = sentinel.Error("illegal instance state transition")
)

// persistTimeout bounds each write-through to the instance database.
// Writes run on a background context so a canceled request cannot leave
// memory and disk disagreeing about a transition that already happened.
const persistTimeout = 5 * time.Second

// Registry is the in-memory instance table with write-through persistence.
//
// Memory is authoritative. Every mutation is mirrored to the store before
// the mutating method returns; a store failure is logged rather than
// returned, so a crash right after one loses at most that write.
//
// All lookups return deep copies. The only live *Instance pointers are the
// ones inside the registry maps, and they are only touched under mu.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Instance
	bySlot map[string]*Instance // non-terminal instances only

	st *store.Store // nil disables persistence, used by tests
}

// NewRegistry returns an empty registry backed by st.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{
		byID:   make(map[string]*Instance),
		bySlot: make(map[string]*Instance),
		st:     st,
	}
}

// Insert registers a new instance and persists it. It returns
// ErrSlotConflict if the instance's slot already has a non-terminal
// instance; the check and the insert happen under one lock acquisition, so
// two concurrent inserts for the same slot cannot both succeed.
func (r *Registry) Insert(in *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.bySlot[in.Slot()]; ok {
		return fmt.Errorf("%w: instance %s is %s", ErrSlotConflict, cur.ID, cur.State)
	}
	if _, ok := r.byID[in.ID]; ok {
		return fmt.Errorf("%w: instance ID %s already registered", ErrSlotConflict, in.ID)
	}

	stored := in.Clone()
	r.byID[stored.ID] = stored
	if !stored.State.IsTerminal() {
		r.bySlot[stored.Slot()] = stored
	}
	r.persist(stored)
	return nil
}

// load indexes a recovered instance without persisting it. Recovery rewrites
// states before calling load, so rows land here already consistent; the slot
// index still only accepts one non-terminal instance per slot.
func (r *Registry) load(in *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[in.ID]; ok {
		return fmt.Errorf("%w: instance ID %s already registered", ErrSlotConflict, in.ID)
	}
	if !in.State.IsTerminal() {
		if cur, ok := r.bySlot[in.Slot()]; ok {
			return fmt.Errorf("%w: instance %s is %s", ErrSlotConflict, cur.ID, cur.State)
		}
		r.bySlot[in.Slot()] = in
	}
	r.byID[in.ID] = in
	return nil
}

// Get returns a copy of the instance with the given ID.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return in.Clone(), true
}

// GetSlot returns a copy of the non-terminal instance for the given
// challenge and owner, if one exists.
func (r *Registry) GetSlot(challengeID int64, ownerKey string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.bySlot[SlotKey(challengeID, ownerKey)]
	if !ok {
		return nil, false
	}
	return in.Clone(), true
}

// Snapshot returns copies of all instances for which keep returns true.
// A nil keep selects everything.
func (r *Registry) Snapshot(keep func(*Instance) bool) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Instance
	for _, in := range r.byID {
		if keep == nil || keep(in) {
			out = append(out, in.Clone())
		}
	}
	return out
}

// Len returns the number of registered instances, terminal ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Transition moves an instance to next, applies mutate to it while the
// registry lock is held, persists, and returns a copy of the result. It
// fails with ErrIllegalTransition if the move is not in the transition
// table, which is how a stale caller loses a race: whoever transitioned the
// instance first wins, the loser gets the error and re-reads.
//
// Two invariants are maintained here rather than trusted to callers:
// entering a terminal state stamps TerminatedAt and drops the slot index
// entry, and leaving StateRunning clears Access.
func (r *Registry) Transition(id string, next State, mutate func(*Instance)) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if !in.State.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s from %s to %s", ErrIllegalTransition, id, in.State, next)
	}

	in.State = next
	if mutate != nil {
		mutate(in)
	}
	if next != StateRunning {
		in.Access = nil
	}
	if next.IsTerminal() {
		if in.TerminatedAt == nil {
			now := time.Now()
			in.TerminatedAt = &now
		}
		if r.bySlot[in.Slot()] == in {
			delete(r.bySlot, in.Slot())
		}
	}

	r.persist(in)
	return in.Clone(), nil
}

// RecordHealthOK resets the instance's consecutive failure count and stamps
// LastHealthAt. It is a no-op if the instance is no longer running.
func (r *Registry) RecordHealthOK(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.byID[id]
	if !ok || in.State != StateRunning {
		return
	}
	in.healthFails = 0
	in.LastHealthAt = at
	r.persist(in)
}

// RecordHealthFailure increments the instance's consecutive failure count
// and returns the new count, or 0 if the instance is no longer running.
// The count lives in memory only; a restart starting over from zero merely
// delays the failure threshold by a few probes.
func (r *Registry) RecordHealthFailure(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.byID[id]
	if !ok || in.State != StateRunning {
		return 0
	}
	in.healthFails++
	return in.healthFails
}

// Evict drops terminal instances from the in-memory table. The retention
// purge deletes the rows in bulk first, so Evict does not touch the store.
// Non-terminal IDs are skipped.
func (r *Registry) Evict(ids []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for _, id := range ids {
		in, ok := r.byID[id]
		if !ok || !in.State.IsTerminal() {
			continue
		}
		delete(r.byID, id)
		evicted++
	}
	return evicted
}

// persist mirrors one instance to the store. Callers hold mu.
func (r *Registry) persist(in *Instance) {
	if r.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.st.Upsert(ctx, toRecord(in)); err != nil {
		Logger().Error("persisting instance failed",
			"instance_id", in.ID,
			"state", in.State,
			"error", err,
		)
	}
}

// toRecord flattens an instance into its stored form. Access is carried as
// JSON since only the runtime ever interprets it.
func toRecord(in *Instance) store.Record {
	rec := store.Record{
		ID:           in.ID,
		ChallengeID:  in.ChallengeID,
		OwnerKey:     in.OwnerKey,
		Deployment:   in.Deployment.String(),
		AlwaysOn:     in.AlwaysOn,
		ImageRef:     in.ImageRef,
		Port:         in.Port,
		Protocol:     in.Protocol,
		BackendKind:  in.BackendKind.String(),
		BackendRef:   in.BackendRef,
		State:        in.State.String(),
		StateReason:  in.StateReason,
		Orphaned:     in.Orphaned,
		CreatedAt:    in.CreatedAt.UnixMilli(),
		LastHealthAt: timeToMillis(in.LastHealthAt),
	}
	rec.StartedAt = timeToMillis(in.StartedAt)
	if in.ExpiresAt != nil {
		ms := in.ExpiresAt.UnixMilli()
		rec.ExpiresAt = &ms
	}
	if in.TerminatedAt != nil {
		ms := in.TerminatedAt.UnixMilli()
		rec.TerminatedAt = &ms
	}
	if in.Access != nil {
		data, err := json.Marshal(in.Access)
		if err == nil {
			rec.AccessJSON = string(data)
		}
	}
	return rec
}

// fromRecord rebuilds an instance from its stored form. It fails on rows
// whose enum columns no release of the runtime ever wrote.
func fromRecord(rec store.Record) (*Instance, error) {
	state, err := ParseState(rec.State)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", rec.ID, err)
	}
	deployment, err := ParseDeployment(rec.Deployment)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", rec.ID, err)
	}
	kind, err := backend.ParseKind(rec.BackendKind)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", rec.ID, err)
	}

	in := &Instance{
		ID:           rec.ID,
		ChallengeID:  rec.ChallengeID,
		OwnerKey:     rec.OwnerKey,
		Deployment:   deployment,
		AlwaysOn:     rec.AlwaysOn,
		ImageRef:     rec.ImageRef,
		Port:         rec.Port,
		Protocol:     rec.Protocol,
		BackendKind:  kind,
		BackendRef:   rec.BackendRef,
		State:        state,
		StateReason:  rec.StateReason,
		Orphaned:     rec.Orphaned,
		CreatedAt:    time.UnixMilli(rec.CreatedAt),
		StartedAt:    millisToTime(rec.StartedAt),
		LastHealthAt: millisToTime(rec.LastHealthAt),
	}
	if rec.ExpiresAt != nil {
		t := time.UnixMilli(*rec.ExpiresAt)
		in.ExpiresAt = &t
	}
	if rec.TerminatedAt != nil {
		t := time.UnixMilli(*rec.TerminatedAt)
		in.TerminatedAt = &t
	}
	if rec.AccessJSON != "" {
		var access AccessInfo
		if err := json.Unmarshal([]byte(rec.AccessJSON), &access); err != nil {
			return nil, fmt.Errorf("instance %s: decoding access info: %w", rec.ID, err)
		}
		in.Access = &access
	}
	return in, nil
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

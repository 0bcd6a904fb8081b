package challrun

import (
	"context"
	"fmt"

	"github.com/ctfrange/challrun/internal/backend"
	"github.com/ctfrange/challrun/internal/core"
)

// Compile-time interface satisfaction check.
var _ Runtime = (*runtime)(nil)

// runtime adapts *core.Runtime to the public Runtime interface. The core
// runtime is stored as a named (unexported) field rather than embedded to
// prevent callers from using type assertions to reach internal methods
// that are not part of the public Runtime interface.
type runtime struct {
	rt *core.Runtime
}

// New builds a Runtime from the given options. Each call returns a fresh,
// independent runtime; nothing is shared between runtimes except the
// process-level logger. Two runtimes must not share a state directory —
// Start enforces that with an exclusive lock.
//
// Without options the runtime talks to a local Docker engine on
// DefaultDockerSocket and keeps its state under DefaultStateDirName in the
// system temp directory. New performs no I/O; a dead engine or an
// unwritable state directory surfaces from Start or from the first
// operation, not here.
//
// Panics if any option receives an invalid value. See individual With*
// functions for constraints.
//
//nolint:ireturn // Returns Runtime interface by design for testability (mockable).
func New(opts ...Option) (Runtime, error) {
	o := defaultRuntimeOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime configuration: %w", err)
	}
	o.desc.Logger = core.Logger()
	adapter, err := backend.New(o.desc)
	if err != nil {
		return nil, err
	}
	return &runtime{rt: core.NewRuntime(o.cfg, adapter)}, nil
}

// Start wraps core.Runtime.Start.
func (r *runtime) Start(ctx context.Context) error {
	return r.rt.Start(ctx)
}

// CreateInstance wraps core.Runtime.CreateInstance.
func (r *runtime) CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error) {
	return r.rt.CreateInstance(ctx, req)
}

// DestroyInstance wraps core.Runtime.DestroyInstance.
func (r *runtime) DestroyInstance(ctx context.Context, ref Ref) error {
	return r.rt.DestroyInstance(ctx, ref.request())
}

// GetInstanceStatus wraps core.Runtime.GetInstanceStatus.
func (r *runtime) GetInstanceStatus(id string) (*Instance, error) {
	return r.rt.GetInstanceStatus(id)
}

// LookupInstance wraps core.Runtime.LookupInstance.
func (r *runtime) LookupInstance(challengeID int64, ownerKey string) (*Instance, error) {
	return r.rt.LookupInstance(challengeID, ownerKey)
}

// ListInstances wraps core.Runtime.ListInstances.
func (r *runtime) ListInstances() ([]*Instance, error) {
	return r.rt.ListInstances()
}

// GetRunnerHealth wraps core.Runtime.BackendHealth.
func (r *runtime) GetRunnerHealth(ctx context.Context) (map[BackendKind]BackendHealth, error) {
	return r.rt.BackendHealth(ctx)
}

// CachedRunnerHealth wraps core.Runtime.CachedBackendHealth.
func (r *runtime) CachedRunnerHealth() (map[BackendKind]BackendHealth, error) {
	return r.rt.CachedBackendHealth()
}

// Shutdown wraps core.Runtime.Shutdown.
func (r *runtime) Shutdown() error {
	return r.rt.Shutdown()
}

// Ref identifies the instance a destroy targets: either one specific
// instance by ID, or whatever live instance a challenge and owner pair
// currently holds. Construct values with ByID or ByOwner.
type Ref struct {
	req core.DestroyRequest
}

// ByID targets the instance with the given ID.
func ByID(instanceID string) Ref {
	return Ref{req: core.DestroyRequest{InstanceID: instanceID}}
}

// ByOwner targets the live instance for a challenge and owner pair. For
// shared challenges pass SharedOwnerKey as the owner.
func ByOwner(challengeID int64, ownerKey string) Ref {
	return Ref{req: core.DestroyRequest{ChallengeID: challengeID, OwnerKey: ownerKey}}
}

func (r Ref) request() core.DestroyRequest {
	return r.req
}

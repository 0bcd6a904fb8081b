package challrun

import (
	"github.com/ctfrange/challrun/internal/backend"
	"github.com/ctfrange/challrun/internal/core"
)

// Instance is a snapshot of one challenge instance's record: identity,
// slot, lifecycle state, backend handle, timing, and (while running) the
// player-facing access info. Every Instance handed out by the runtime is a
// detached copy; it never changes underneath its holder.
//
// Instance is a type alias (not a named type) so that the underlying
// [core.Instance] methods are part of the public API:
//
//   - Slot returns the instance's challenge/owner key.
//   - Expired reports whether the TTL deadline has passed.
//   - Clone returns a deep copy.
//
// Audit: new methods added to core.Instance automatically become part of
// the public API through this alias.
type Instance = core.Instance

// AccessInfo tells a player how to reach a running instance.
type AccessInfo = core.AccessInfo

// PortBinding maps one exposed container port to its allocated host port.
type PortBinding = core.PortBinding

// CreateRequest describes the instance a caller wants. See the
// [core.CreateRequest] field documentation for constraints; CreateInstance
// validates the request and reports every violation in one error.
type CreateRequest = core.CreateRequest

// State is an instance's position in the lifecycle. States advance
// monotonically; StateTerminated and StateFailed are terminal and absorb
// all further transitions.
//
// State is a type alias so the underlying [core.State] methods (IsValid,
// IsTerminal, CanTransition, String) are part of the public API.
type State = core.State

const (
	// StateRequested means the create was accepted but no backend call has
	// been made yet.
	StateRequested = core.StateRequested

	// StateProvisioning means the backend is bringing the instance up.
	StateProvisioning = core.StateProvisioning

	// StateRunning means the instance is up and Access is populated.
	StateRunning = core.StateRunning

	// StateExpiring means the TTL passed and the sweep claimed the
	// instance for teardown.
	StateExpiring = core.StateExpiring

	// StateTerminating means a backend teardown is in flight.
	StateTerminating = core.StateTerminating

	// StateTerminated is the terminal state of a completed or forced
	// teardown. A forced teardown also sets Orphaned.
	StateTerminated = core.StateTerminated

	// StateFailed is the terminal state of a failed provision or a health
	// failure. StateReason carries the cause.
	StateFailed = core.StateFailed
)

// ParseState maps a persisted state name back to its State value.
func ParseState(name string) (State, error) {
	return core.ParseState(name)
}

// BackendKind identifies a backend adapter implementation.
//
// BackendKind is a type alias so the underlying [backend.Kind] methods
// (IsValid, String) are part of the public API.
type BackendKind = backend.Kind

const (
	// BackendLocal is a container engine on the same host, reached over a
	// unix socket.
	BackendLocal = backend.KindLocal

	// BackendRemoteSecure is a container engine reached over TCP with
	// mutual TLS.
	BackendRemoteSecure = backend.KindRemoteSecure

	// BackendUnsupported is the explicit placeholder for deployments
	// without a container engine.
	BackendUnsupported = backend.KindUnsupported
)

// ParseBackendKind maps a backend kind name ("local", "remote-secure",
// "unsupported") back to its BackendKind value.
func ParseBackendKind(name string) (BackendKind, error) {
	return backend.ParseKind(name)
}

// Health grades a backend probe result.
//
// Health is a type alias so the underlying [backend.Health] String method
// is part of the public API.
type Health = backend.Health

const (
	// HealthHealthy means the engine answered and reports ready.
	HealthHealthy = backend.HealthHealthy

	// HealthDegraded means the engine answered but reports a problem.
	HealthDegraded = backend.HealthDegraded

	// HealthUnavailable means the engine could not be reached, or the
	// backend is the unsupported placeholder.
	HealthUnavailable = backend.HealthUnavailable
)

// BackendHealth is one probe result: the backend kind, its health grade,
// and when the probe ran.
type BackendHealth = core.BackendHealth

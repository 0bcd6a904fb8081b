package core

import (
	"fmt"
	"time"

	"github.com/ctfrange/challrun/internal/backend"
)

// Instance is the authoritative record for one challenge instance. The
// registry owns all mutation; everything handed to callers is a copy made
// under the registry lock, so a returned Instance never changes underneath
// its holder.
type Instance struct {
	// ID is the runtime-assigned instance identifier. Re-provisioning a
	// slot after a terminal state always produces a new ID.
	ID string

	// ChallengeID and OwnerKey form the slot key. At most one non-terminal
	// instance exists per slot; shared instances use SharedOwnerKey.
	ChallengeID int64
	OwnerKey    string

	// Deployment distinguishes per-player from shared instances. AlwaysOn
	// is only meaningful for shared instances and exempts them from TTL
	// expiry.
	Deployment DeploymentType
	AlwaysOn   bool

	// ImageRef, Port, and Protocol record the provision request so a
	// restarted runtime can reason about what the backend is running.
	ImageRef string
	Port     int
	Protocol string

	// BackendKind is the adapter kind that provisioned this instance.
	// BackendRef is the backend's opaque handle (the container ID here),
	// empty until provisioning hands one back.
	BackendKind backend.Kind
	BackendRef  string

	State State

	// StateReason carries the cause of the last transition into
	// StateFailed or a forced StateTerminated.
	StateReason string

	// Orphaned is set when teardown could not be confirmed and the record
	// was force-marked terminated. Backend resources may still exist.
	Orphaned bool

	CreatedAt time.Time

	// StartedAt is when the instance entered StateRunning; zero until then.
	StartedAt time.Time

	// ExpiresAt is the TTL deadline. Nil means no expiry: always-on shared
	// instances, and instances that have not reached StateRunning.
	ExpiresAt *time.Time

	// TerminatedAt is when the instance entered a terminal state. The
	// retention purge keys off this.
	TerminatedAt *time.Time

	// Access is non-nil exactly while State is StateRunning.
	Access *AccessInfo

	// LastHealthAt is the time of the most recent successful backend
	// inspect of this instance.
	LastHealthAt time.Time

	// healthFails counts consecutive failed inspects. In-memory only: a
	// restart resets the count, which at worst delays the
	// failure-threshold transition by a few probes.
	healthFails int
}

// AccessInfo tells a player how to reach a running instance.
type AccessInfo struct {
	// Host is the advertised hostname or address, never a bind-all address.
	Host string

	// URL is the primary connection string, built from Host and the first
	// port mapping.
	URL string

	Ports []PortBinding
}

// PortBinding maps one exposed container port to its allocated host port.
type PortBinding struct {
	ContainerPort int
	HostPort      int
	Protocol      string
}

// SlotKey returns the registry key for a (challenge, owner) pair.
func SlotKey(challengeID int64, ownerKey string) string {
	return fmt.Sprintf("%d/%s", challengeID, ownerKey)
}

// Slot returns the instance's registry key.
func (in *Instance) Slot() string {
	return SlotKey(in.ChallengeID, in.OwnerKey)
}

// Expired reports whether the instance's TTL deadline is at or before now.
// Always-on instances never expire regardless of any stored deadline.
func (in *Instance) Expired(now time.Time) bool {
	if in.AlwaysOn || in.ExpiresAt == nil {
		return false
	}
	return !in.ExpiresAt.After(now)
}

// Clone returns a deep copy. Pointer fields are duplicated so the caller's
// copy is fully detached from the registry's record.
func (in *Instance) Clone() *Instance {
	cp := *in
	if in.ExpiresAt != nil {
		t := *in.ExpiresAt
		cp.ExpiresAt = &t
	}
	if in.TerminatedAt != nil {
		t := *in.TerminatedAt
		cp.TerminatedAt = &t
	}
	if in.Access != nil {
		a := *in.Access
		a.Ports = append([]PortBinding(nil), in.Access.Ports...)
		cp.Access = &a
	}
	return &cp
}

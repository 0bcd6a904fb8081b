package core

import "fmt"

// State is the lifecycle state of an Instance. Transitions are monotonic:
// an instance moves forward through the table below and never revisits a
// state. StateTerminated and StateFailed are terminal and absorb every
// further transition attempt.
type State int

const (
	// StateRequested is the initial state: the request passed validation
	// and a record exists, but no backend work has started.
	StateRequested State = iota

	// StateProvisioning means the backend create call is in flight.
	StateProvisioning

	// StateRunning means the backend confirmed the workload is up. Access
	// information is present exactly while an instance is in this state.
	StateRunning

	// StateExpiring marks an instance selected for teardown, either by TTL
	// expiry or an explicit destroy. No new access is handed out.
	StateExpiring

	// StateTerminating means the backend destroy call is in flight.
	StateTerminating

	// StateTerminated is terminal: backend resources are released, or were
	// force-marked released after repeated teardown failures.
	StateTerminated

	// StateFailed is terminal: provisioning failed, sustained health checks
	// failed, or the runtime restarted mid-provision.
	StateFailed
)

// transitions is the closed set of legal state changes. Failure edges from
// Requested, Provisioning, and Running converge on StateFailed; everything
// else moves strictly forward toward StateTerminated.
var transitions = map[State][]State{
	StateRequested:    {StateProvisioning, StateFailed},
	StateProvisioning: {StateRunning, StateFailed},
	StateRunning:      {StateExpiring, StateFailed},
	StateExpiring:     {StateTerminating},
	StateTerminating:  {StateTerminated},
	StateTerminated:   nil,
	StateFailed:       nil,
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is StateTerminated or StateFailed.
func (s State) IsTerminal() bool {
	return s == StateTerminated || s == StateFailed
}

// IsValid reports whether s is a recognized State value.
func (s State) IsValid() bool {
	return s >= StateRequested && s <= StateFailed
}

// String returns the lowercase wire name of the state. The same names are
// persisted in the store, so they must stay stable across releases.
func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateProvisioning:
		return "provisioning"
	case StateRunning:
		return "running"
	case StateExpiring:
		return "expiring"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState maps a persisted state name back to its State value.
func ParseState(name string) (State, error) {
	for s := StateRequested; s <= StateFailed; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown instance state %q", name)
}

// DeploymentType controls how an instance is owned and reclaimed.
type DeploymentType int

const (
	// DeploymentDynamic is a per-player instance. The owner key identifies
	// the requesting player or team, and the instance carries a TTL.
	DeploymentDynamic DeploymentType = iota

	// DeploymentShared is a single instance serving all players. Shared
	// instances are stored under the fixed owner key SharedOwnerKey and may
	// be flagged always-on, which exempts them from TTL expiry.
	DeploymentShared
)

// SharedOwnerKey is the sentinel owner key under which shared instances are
// registered, so the one-instance-per-slot rule applies to them unchanged.
const SharedOwnerKey = "@shared"

// IsValid reports whether d is a recognized DeploymentType value.
func (d DeploymentType) IsValid() bool {
	switch d {
	case DeploymentDynamic, DeploymentShared:
		return true
	default:
		return false
	}
}

// String returns the name of the deployment type.
func (d DeploymentType) String() string {
	switch d {
	case DeploymentDynamic:
		return "dynamic"
	case DeploymentShared:
		return "shared"
	default:
		return fmt.Sprintf("DeploymentType(%d)", int(d))
	}
}

// ParseDeployment maps a persisted deployment name back to its
// DeploymentType value.
func ParseDeployment(name string) (DeploymentType, error) {
	switch name {
	case "dynamic":
		return DeploymentDynamic, nil
	case "shared":
		return DeploymentShared, nil
	default:
		return 0, fmt.Errorf("unknown deployment type %q", name)
	}
}

package challrun

import "github.com/ctfrange/challrun/internal/core"

// DeploymentType controls how an instance is owned and reclaimed. See the
// individual constant documentation for each mode's behavior.
//
// DeploymentType is a type alias (not a named type) so that the underlying
// [core.DeploymentType] methods are part of the public API:
//
//   - IsValid reports whether the value is a recognized deployment type.
//   - String returns the wire name (implements [fmt.Stringer]).
//
// This is intentional: callers can validate and print deployment values
// without the public package needing to redeclare these methods.
//
// Audit: new methods added to core.DeploymentType automatically become
// part of the public API through this alias.
type DeploymentType = core.DeploymentType

const (
	// DeploymentDynamic is a per-player instance. The create request's
	// owner key identifies the player or team, and at most one live
	// instance exists per challenge and owner. Dynamic instances expire
	// after their TTL. This is the zero value.
	DeploymentDynamic = core.DeploymentDynamic

	// DeploymentShared is a single instance serving all players of a
	// challenge. Shared instances run under the fixed owner key
	// SharedOwnerKey; concurrent creates from different players converge
	// on the one instance. Marked always-on, a shared instance carries no
	// expiry and the sweep never reclaims it.
	DeploymentShared = core.DeploymentShared
)

// SharedOwnerKey is the owner key under which shared instances run. Create
// requests for shared deployments are normalized onto it regardless of the
// owner key supplied; dynamic requests must not use it.
const SharedOwnerKey = core.SharedOwnerKey

// ParseDeployment maps a deployment name ("dynamic", "shared") back to its
// DeploymentType value. Useful when deployment modes arrive from challenge
// configuration files rather than code.
func ParseDeployment(name string) (DeploymentType, error) {
	return core.ParseDeployment(name)
}

package core

import (
	"errors"
	"fmt"
	"time"
)

// CreateRequest describes one instance creation. The zero protocol means
// TCP and a zero TTL means the configured default; both are filled in by
// withDefaults before the request reaches the backend.
type CreateRequest struct {
	ChallengeID int64

	// OwnerKey identifies the requesting player or team. It is ignored
	// for shared deployments, which always run under SharedOwnerKey.
	OwnerKey string

	Deployment DeploymentType

	// AlwaysOn exempts a shared instance from TTL expiry.
	AlwaysOn bool

	ImageRef string

	// Port is the container port the challenge listens on.
	Port     int
	Protocol string

	// TTL overrides the configured default lifetime. Zero means default.
	TTL time.Duration
}

// Validate checks field constraints and the combinations the lifecycle
// cannot honor, returning every violation joined into one error.
func (cr CreateRequest) Validate() error {
	var errs []error

	if cr.ChallengeID <= 0 {
		errs = append(errs, fmt.Errorf("challenge ID must be positive, got %d", cr.ChallengeID))
	}
	if !cr.Deployment.IsValid() {
		errs = append(errs, fmt.Errorf("unknown deployment type %d", int(cr.Deployment)))
	}
	if cr.Deployment == DeploymentDynamic && cr.OwnerKey == "" {
		errs = append(errs, errors.New("owner key must not be empty for dynamic instances"))
	}
	if cr.Deployment == DeploymentDynamic && cr.OwnerKey == SharedOwnerKey {
		errs = append(errs, fmt.Errorf("owner key %q is reserved for shared instances", SharedOwnerKey))
	}
	if cr.AlwaysOn && cr.Deployment != DeploymentShared {
		errs = append(errs, errors.New("always-on requires a shared deployment"))
	}
	if cr.AlwaysOn && cr.TTL != 0 {
		errs = append(errs, errors.New("always-on instances cannot carry a TTL"))
	}
	if cr.ImageRef == "" {
		errs = append(errs, errors.New("image reference must not be empty"))
	}
	if cr.Port < 1 || cr.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", cr.Port))
	}
	switch cr.Protocol {
	case "", "tcp", "udp":
	default:
		errs = append(errs, fmt.Errorf("protocol must be tcp or udp, got %q", cr.Protocol))
	}
	if cr.TTL < 0 {
		errs = append(errs, fmt.Errorf("TTL must not be negative, got %s", cr.TTL))
	}

	return errors.Join(errs...)
}

// withDefaults returns a copy with the owner key, protocol, and TTL
// normalized. Shared instances are forced onto SharedOwnerKey so the
// one-live-instance-per-slot rule covers them unchanged.
func (cr CreateRequest) withDefaults(cfg RuntimeConfig) CreateRequest {
	if cr.Deployment == DeploymentShared {
		cr.OwnerKey = SharedOwnerKey
	}
	if cr.Protocol == "" {
		cr.Protocol = "tcp"
	}
	if cr.AlwaysOn {
		cr.TTL = 0
	} else if cr.TTL == 0 {
		cr.TTL = cfg.DefaultTTL
	}
	return cr
}

// DestroyRequest identifies the instance to tear down, either directly by
// instance ID or by its challenge and owner slot. The instance ID wins
// when both are set.
type DestroyRequest struct {
	InstanceID  string
	ChallengeID int64
	OwnerKey    string
}

// Validate checks that the request identifies exactly one instance.
func (dr DestroyRequest) Validate() error {
	if dr.InstanceID != "" {
		return nil
	}

	var errs []error
	if dr.ChallengeID <= 0 {
		errs = append(errs, fmt.Errorf("challenge ID must be positive, got %d", dr.ChallengeID))
	}
	if dr.OwnerKey == "" {
		errs = append(errs, errors.New("owner key must not be empty when destroying by challenge"))
	}
	return errors.Join(errs...)
}

package core

import (
	"errors"
	"fmt"
	"time"
)

// Defaults for RuntimeConfig fields. The sweep interval and TTL mirror the
// platform's long-standing operational values.
const (
	DefaultSweepInterval          = 60 * time.Second
	DefaultTTL                    = time.Hour
	DefaultRetentionWindow        = 15 * time.Minute
	DefaultProvisionTimeout       = 2 * time.Minute
	DefaultTerminateTimeout       = 30 * time.Second
	DefaultHealthProbeInterval    = 30 * time.Second
	DefaultHealthProbeTimeout     = 10 * time.Second
	DefaultHealthFailureThreshold = 3
	DefaultTeardownRetries        = 3
	DefaultSweepParallelism       = 10
	DefaultShutdownDrainTimeout   = 30 * time.Second
	DefaultAdvertiseHost          = "localhost"
)

// RuntimeConfig holds the runtime's configuration.
//
// Concurrency contract: all fields are immutable after construction via
// NewRuntime. The scheduler, health aggregator, and request paths read
// them without synchronization, relying on this guarantee.
type RuntimeConfig struct {
	// StateDir holds the instance database and the cross-process lock.
	// Exactly one runtime may own a state directory at a time.
	StateDir string

	// AdvertiseHost is the hostname players connect to. It replaces
	// whatever bind address the engine reports, which is usually a
	// bind-all address that players cannot use.
	AdvertiseHost string

	// SweepInterval is the cleanup scheduler's cycle period.
	SweepInterval time.Duration

	// DefaultTTL applies to dynamic instances whose create request does
	// not carry an explicit TTL.
	DefaultTTL time.Duration

	// RetentionWindow is how long terminal records stay queryable before
	// the retention purge removes them.
	RetentionWindow time.Duration

	// ProvisionTimeout bounds one backend provision, including an image
	// pull. TerminateTimeout bounds one backend teardown attempt.
	ProvisionTimeout time.Duration
	TerminateTimeout time.Duration

	// HealthProbeInterval is the aggregator's probe period;
	// HealthProbeTimeout bounds each backend probe and each per-instance
	// inspect during the sweep's health pass.
	HealthProbeInterval time.Duration
	HealthProbeTimeout  time.Duration

	// HealthFailureThreshold is the number of consecutive not-running
	// observations after which a Running instance is marked Failed.
	HealthFailureThreshold int

	// TeardownRetries is the per-cycle retry budget for one expired
	// instance before the scheduler force-marks it terminated.
	TeardownRetries int

	// SweepParallelism caps concurrent teardowns and inspects within one
	// sweep cycle.
	SweepParallelism int

	// ShutdownDrainTimeout is how long Shutdown waits for in-flight
	// create and destroy calls before tearing the loops down anyway.
	ShutdownDrainTimeout time.Duration

	// InstanceMemoryBytes and InstanceNanoCPUs cap each provisioned
	// workload. Zero means engine default.
	InstanceMemoryBytes int64
	InstanceNanoCPUs    int64
}

// Validate checks all RuntimeConfig invariants and returns an error
// describing every violation found, joined with errors.Join so callers can
// fix them in one pass.
//
// Validate is called by NewRuntime, which panics on error since invalid
// config is a programmer error.
func (c RuntimeConfig) Validate() error {
	var errs []error

	if c.StateDir == "" {
		errs = append(errs, errors.New("state directory must not be empty"))
	}
	if c.AdvertiseHost == "" {
		errs = append(errs, errors.New("advertise host must not be empty"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be greater than 0, got %s", c.SweepInterval))
	}
	if c.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("default TTL must be greater than 0, got %s", c.DefaultTTL))
	}
	if c.RetentionWindow <= 0 {
		errs = append(errs, fmt.Errorf("retention window must be greater than 0, got %s", c.RetentionWindow))
	}
	if c.ProvisionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("provision timeout must be greater than 0, got %s", c.ProvisionTimeout))
	}
	if c.TerminateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("terminate timeout must be greater than 0, got %s", c.TerminateTimeout))
	}
	if c.HealthProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("health probe interval must be greater than 0, got %s", c.HealthProbeInterval))
	}
	if c.HealthProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("health probe timeout must be greater than 0, got %s", c.HealthProbeTimeout))
	}
	if c.HealthFailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("health failure threshold must be greater than 0, got %d", c.HealthFailureThreshold))
	}
	if c.TeardownRetries <= 0 {
		errs = append(errs, fmt.Errorf("teardown retries must be greater than 0, got %d", c.TeardownRetries))
	}
	if c.SweepParallelism <= 0 {
		errs = append(errs, fmt.Errorf("sweep parallelism must be greater than 0, got %d", c.SweepParallelism))
	}
	if c.ShutdownDrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown drain timeout must be greater than 0, got %s", c.ShutdownDrainTimeout))
	}
	if c.InstanceMemoryBytes < 0 {
		errs = append(errs, fmt.Errorf("instance memory must not be negative, got %d", c.InstanceMemoryBytes))
	}
	if c.InstanceNanoCPUs < 0 {
		errs = append(errs, fmt.Errorf("instance nano CPUs must not be negative, got %d", c.InstanceNanoCPUs))
	}

	return errors.Join(errs...)
}

package challrun

import "github.com/ctfrange/challrun/internal/core"

// Default configuration values for New.
// These constants are exported so callers can reference the defaults
// when building custom configurations relative to them (e.g.,
// 2 * DefaultProvisionTimeout).
const (
	// DefaultDockerSocket is the unix socket the local backend connects to
	// when WithLocalBackend is not given an explicit path.
	DefaultDockerSocket = "/var/run/docker.sock"

	// DefaultStateDirName is the directory name under the system temp
	// directory where the instance database and the runtime lock live. The
	// full default path is computed as
	// filepath.Join(os.TempDir(), DefaultStateDirName).
	DefaultStateDirName = "challrun"

	// DefaultAdvertiseHost is the hostname published in instance access
	// info when WithAdvertiseHost is not set. Useful only for single-host
	// development; production deployments set the public challenge host.
	DefaultAdvertiseHost = core.DefaultAdvertiseHost

	// DefaultSweepInterval is the cleanup scheduler's cycle period.
	DefaultSweepInterval = core.DefaultSweepInterval

	// DefaultTTL is the lifetime applied to dynamic instances whose create
	// request carries no explicit TTL.
	DefaultTTL = core.DefaultTTL

	// DefaultRetentionWindow is how long terminal instance records stay
	// queryable after termination before the sweep purges them.
	DefaultRetentionWindow = core.DefaultRetentionWindow

	// DefaultProvisionTimeout bounds one backend provision, including the
	// image availability check. Pulls of large challenge images can take
	// most of this window on a cold engine.
	DefaultProvisionTimeout = core.DefaultProvisionTimeout

	// DefaultTerminateTimeout bounds one backend teardown attempt.
	DefaultTerminateTimeout = core.DefaultTerminateTimeout

	// DefaultHealthProbeInterval is how often the background loop probes
	// backend health for CachedRunnerHealth.
	DefaultHealthProbeInterval = core.DefaultHealthProbeInterval

	// DefaultHealthProbeTimeout bounds one health or inspect probe.
	DefaultHealthProbeTimeout = core.DefaultHealthProbeTimeout

	// DefaultHealthFailureThreshold is the number of consecutive sweeps
	// that must observe a running instance's container not running before
	// the instance is marked StateFailed.
	DefaultHealthFailureThreshold = core.DefaultHealthFailureThreshold

	// DefaultTeardownRetries is the per-sweep retry budget for tearing down
	// one expired instance before it is force-marked terminated.
	DefaultTeardownRetries = core.DefaultTeardownRetries

	// DefaultSweepParallelism caps concurrent teardowns and health inspects
	// within one sweep cycle.
	DefaultSweepParallelism = core.DefaultSweepParallelism

	// DefaultShutdownDrainTimeout is the maximum time Shutdown waits for
	// in-flight create and destroy operations to complete before
	// proceeding. If ProvisionTimeout is configured larger than this value,
	// an in-flight create could exceed the drain window, causing Shutdown
	// to proceed prematurely; increase this timeout to at least match the
	// longest expected operation.
	DefaultShutdownDrainTimeout = core.DefaultShutdownDrainTimeout
)

package challrun

import (
	"fmt"
	"time"

	"github.com/ctfrange/challrun/internal/backend"
)

// requirePositive panics if v <= 0 with a descriptive message.
func requirePositive[T int | int64 | time.Duration](name string, v T) {
	if v <= 0 {
		panic(fmt.Sprintf("challrun: %s must be greater than 0, got %v", name, v))
	}
}

// requireNonEmpty panics if s is empty with a descriptive message.
func requireNonEmpty(name, s string) {
	if s == "" {
		panic(fmt.Sprintf("challrun: %s must not be empty", name))
	}
}

// Option configures a Runtime during construction via New. Each With*
// function returns an Option that sets a specific field.
//
// Several With* functions panic on invalid input (empty paths, negative
// counts, non-positive durations). These panics are intentional: option
// values are typically compile-time constants or configuration loaded and
// checked at process start, so an invalid value indicates a programmer
// error rather than a runtime condition. The pattern mirrors
// [regexp.MustCompile] — fail fast during initialization instead of
// returning errors that would be universally fatal anyway.
type Option func(*runtimeOptions)

// WithLocalBackend runs instances on a container engine reached over a
// unix socket on the same host. This is the default backend, using
// DefaultDockerSocket.
//
// Panics if socketPath is empty.
func WithLocalBackend(socketPath string) Option {
	requireNonEmpty("socket path", socketPath)
	return func(o *runtimeOptions) {
		o.desc.Kind = backend.KindLocal
		o.desc.SocketPath = socketPath
	}
}

// WithRemoteBackend runs instances on a container engine reached over TCP
// with mutual TLS. host is the engine endpoint as host:port; the remaining
// arguments are paths to the CA certificate, the client certificate, and
// the client key. Transient failures against a remote engine are retried
// with capped exponential backoff (see WithRemoteRetry).
//
// Panics if any argument is empty.
func WithRemoteBackend(host, caCertPath, certPath, keyPath string) Option {
	requireNonEmpty("remote host", host)
	requireNonEmpty("CA certificate path", caCertPath)
	requireNonEmpty("client certificate path", certPath)
	requireNonEmpty("client key path", keyPath)
	return func(o *runtimeOptions) {
		o.desc.Kind = backend.KindRemoteSecure
		o.desc.Host = host
		o.desc.CACertPath = caCertPath
		o.desc.CertPath = certPath
		o.desc.KeyPath = keyPath
	}
}

// WithUnsupportedBackend selects the explicit placeholder for deployment
// targets without a container engine. Every instance operation fails with
// ErrUnsupported and runner health reports unavailable, but the runtime
// stays constructible and queryable.
func WithUnsupportedBackend() Option {
	return func(o *runtimeOptions) {
		o.desc.Kind = backend.KindUnsupported
	}
}

// WithStateDir sets the directory holding the instance database and the
// runtime lock. Two runtimes must not share a state directory; Start
// enforces that with an exclusive lock. If not set, defaults to
// DefaultStateDirName under the system temp directory.
//
// Panics if dir is empty.
func WithStateDir(dir string) Option {
	requireNonEmpty("state directory", dir)
	return func(o *runtimeOptions) {
		o.cfg.StateDir = dir
	}
}

// WithAdvertiseHost sets the hostname players connect to. Engines report
// bind addresses (usually a bind-all address), so published ports are
// advertised under this host instead.
//
// Default: "localhost".
//
// Panics if host is empty.
func WithAdvertiseHost(host string) Option {
	requireNonEmpty("advertise host", host)
	return func(o *runtimeOptions) {
		o.cfg.AdvertiseHost = host
	}
}

// WithSweepInterval sets how often the cleanup sweep runs. Each sweep
// reclaims expired instances, finishes interrupted teardowns, reconciles
// instance health, and purges terminal records past the retention window.
//
// Default: 60 seconds.
//
// Panics if d <= 0.
func WithSweepInterval(d time.Duration) Option {
	requirePositive("sweep interval", d)
	return func(o *runtimeOptions) {
		o.cfg.SweepInterval = d
	}
}

// WithDefaultTTL sets the time-to-live applied to dynamic instances whose
// create request carries no explicit TTL. Always-on instances never take
// a TTL.
//
// Default: 1 hour.
//
// Panics if d <= 0.
func WithDefaultTTL(d time.Duration) Option {
	requirePositive("default TTL", d)
	return func(o *runtimeOptions) {
		o.cfg.DefaultTTL = d
	}
}

// WithRetentionWindow sets how long terminal instance records stay
// queryable via GetInstanceStatus after termination before the sweep
// purges them.
//
// Default: 15 minutes.
//
// Panics if d <= 0.
func WithRetentionWindow(d time.Duration) Option {
	requirePositive("retention window", d)
	return func(o *runtimeOptions) {
		o.cfg.RetentionWindow = d
	}
}

// WithProvisionTimeout bounds one backend provision call, covering image
// availability checks, container creation, and start. A provision
// exceeding it fails the instance.
//
// Default: 2 minutes.
//
// Panics if d <= 0.
func WithProvisionTimeout(d time.Duration) Option {
	requirePositive("provision timeout", d)
	return func(o *runtimeOptions) {
		o.cfg.ProvisionTimeout = d
	}
}

// WithTerminateTimeout bounds one backend terminate call.
//
// Default: 30 seconds.
//
// Panics if d <= 0.
func WithTerminateTimeout(d time.Duration) Option {
	requirePositive("terminate timeout", d)
	return func(o *runtimeOptions) {
		o.cfg.TerminateTimeout = d
	}
}

// WithHealthProbeInterval sets how often the background loop probes the
// backend's health for CachedRunnerHealth.
//
// Default: 30 seconds.
//
// Panics if d <= 0.
func WithHealthProbeInterval(d time.Duration) Option {
	requirePositive("health probe interval", d)
	return func(o *runtimeOptions) {
		o.cfg.HealthProbeInterval = d
	}
}

// WithHealthProbeTimeout bounds one health or inspect probe.
//
// Default: 10 seconds.
//
// Panics if d <= 0.
func WithHealthProbeTimeout(d time.Duration) Option {
	requirePositive("health probe timeout", d)
	return func(o *runtimeOptions) {
		o.cfg.HealthProbeTimeout = d
	}
}

// WithHealthFailureThreshold sets how many consecutive sweeps must observe
// a running instance's container not running before the instance is marked
// StateFailed. Probe errors (an unreachable engine) are never counted.
//
// Default: 3.
//
// Panics if n <= 0.
func WithHealthFailureThreshold(n int) Option {
	requirePositive("health failure threshold", n)
	return func(o *runtimeOptions) {
		o.cfg.HealthFailureThreshold = n
	}
}

// WithTeardownRetries sets how many teardown attempts one sweep cycle
// spends per instance before force-marking it terminated and flagging the
// backend resources as orphaned.
//
// Default: 3.
//
// Panics if n <= 0.
func WithTeardownRetries(n int) Option {
	requirePositive("teardown retry budget", n)
	return func(o *runtimeOptions) {
		o.cfg.TeardownRetries = n
	}
}

// WithSweepParallelism caps how many instances one sweep cycle tears down
// or probes concurrently.
//
// Default: 10.
//
// Panics if n <= 0.
func WithSweepParallelism(n int) Option {
	requirePositive("sweep parallelism", n)
	return func(o *runtimeOptions) {
		o.cfg.SweepParallelism = n
	}
}

// WithShutdownDrainTimeout sets how long Shutdown waits for in-flight
// instance operations to finish before proceeding.
//
// Default: 30 seconds.
//
// Panics if d <= 0.
func WithShutdownDrainTimeout(d time.Duration) Option {
	requirePositive("shutdown drain timeout", d)
	return func(o *runtimeOptions) {
		o.cfg.ShutdownDrainTimeout = d
	}
}

// WithInstanceResources caps each instance's memory in bytes and CPU in
// billionths of a core (nano-CPUs, the engine's unit: 500000000 is half a
// core). A zero value leaves that limit at the engine default.
//
// Panics if either value is negative.
func WithInstanceResources(memoryBytes, nanoCPUs int64) Option {
	if memoryBytes < 0 {
		panic(fmt.Sprintf("challrun: instance memory must not be negative, got %d", memoryBytes))
	}
	if nanoCPUs < 0 {
		panic(fmt.Sprintf("challrun: instance nano-CPUs must not be negative, got %d", nanoCPUs))
	}
	return func(o *runtimeOptions) {
		o.cfg.InstanceMemoryBytes = memoryBytes
		o.cfg.InstanceNanoCPUs = nanoCPUs
	}
}

// WithMaxInstances caps concurrently provisioned instances on the backend.
// Each instance publishes one host port, so the cap is the port budget;
// at the cap, CreateInstance fails with ErrPortExhausted. A value of 0
// means uncapped.
//
// Default: 0.
//
// Panics if n < 0.
func WithMaxInstances(n int) Option {
	if n < 0 {
		panic(fmt.Sprintf("challrun: max instances must not be negative, got %d", n))
	}
	return func(o *runtimeOptions) {
		o.desc.MaxInstances = n
	}
}

// WithEngineNetwork attaches instances to the named engine network instead
// of the engine default. A configured but missing network downgrades to
// the default with a warning rather than failing provisions.
//
// Panics if name is empty.
func WithEngineNetwork(name string) Option {
	requireNonEmpty("engine network", name)
	return func(o *runtimeOptions) {
		o.desc.Network = name
	}
}

// WithEngineOpTimeout bounds each individual engine API call made by the
// backend adapter. The zero value (not setting this option) uses the
// adapter's default.
//
// Panics if d <= 0.
func WithEngineOpTimeout(d time.Duration) Option {
	requirePositive("engine op timeout", d)
	return func(o *runtimeOptions) {
		o.desc.OpTimeout = d
	}
}

// WithEngineStopGrace sets how long a terminating instance may stop
// gracefully before the engine kills it.
//
// Panics if d <= 0.
func WithEngineStopGrace(d time.Duration) Option {
	requirePositive("engine stop grace", d)
	return func(o *runtimeOptions) {
		o.desc.StopGrace = d
	}
}

// WithRemoteRetry shapes the remote backend's retry policy: up to
// maxAttempts per operation, with exponential backoff starting at 1 second
// and capped at maxInterval. Ignored for the local and unsupported
// backends.
//
// Panics if maxAttempts <= 0 or maxInterval <= 0.
func WithRemoteRetry(maxAttempts int, maxInterval time.Duration) Option {
	requirePositive("remote retry attempts", maxAttempts)
	requirePositive("remote retry max interval", maxInterval)
	return func(o *runtimeOptions) {
		o.desc.RetryMaxAttempts = maxAttempts
		o.desc.RetryMaxInterval = maxInterval
	}
}

package challrun

import "time"

// ConfigSnapshot holds a copy of runtimeOptions fields for test assertions.
// Exported only via export_test.go so that the _test package can verify
// option closures actually mutate the config without accessing internals.
type ConfigSnapshot struct {
	StateDir               string
	AdvertiseHost          string
	SweepInterval          time.Duration
	DefaultTTL             time.Duration
	RetentionWindow        time.Duration
	ProvisionTimeout       time.Duration
	TerminateTimeout       time.Duration
	HealthProbeInterval    time.Duration
	HealthProbeTimeout     time.Duration
	HealthFailureThreshold int
	TeardownRetries        int
	SweepParallelism       int
	ShutdownDrainTimeout   time.Duration
	InstanceMemoryBytes    int64
	InstanceNanoCPUs       int64

	BackendKind      BackendKind
	SocketPath       string
	Host             string
	CACertPath       string
	CertPath         string
	KeyPath          string
	MaxInstances     int
	Network          string
	OpTimeout        time.Duration
	StopGrace        time.Duration
	RetryMaxAttempts int
	RetryMaxInterval time.Duration
}

// ApplyOptionsForTesting creates default runtimeOptions, applies the given
// options, and returns a ConfigSnapshot of the result. This tests the
// option closures directly without constructing a backend.
func ApplyOptionsForTesting(opts ...Option) ConfigSnapshot {
	o := defaultRuntimeOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return ConfigSnapshot{
		StateDir:               o.cfg.StateDir,
		AdvertiseHost:          o.cfg.AdvertiseHost,
		SweepInterval:          o.cfg.SweepInterval,
		DefaultTTL:             o.cfg.DefaultTTL,
		RetentionWindow:        o.cfg.RetentionWindow,
		ProvisionTimeout:       o.cfg.ProvisionTimeout,
		TerminateTimeout:       o.cfg.TerminateTimeout,
		HealthProbeInterval:    o.cfg.HealthProbeInterval,
		HealthProbeTimeout:     o.cfg.HealthProbeTimeout,
		HealthFailureThreshold: o.cfg.HealthFailureThreshold,
		TeardownRetries:        o.cfg.TeardownRetries,
		SweepParallelism:       o.cfg.SweepParallelism,
		ShutdownDrainTimeout:   o.cfg.ShutdownDrainTimeout,
		InstanceMemoryBytes:    o.cfg.InstanceMemoryBytes,
		InstanceNanoCPUs:       o.cfg.InstanceNanoCPUs,

		BackendKind:      o.desc.Kind,
		SocketPath:       o.desc.SocketPath,
		Host:             o.desc.Host,
		CACertPath:       o.desc.CACertPath,
		CertPath:         o.desc.CertPath,
		KeyPath:          o.desc.KeyPath,
		MaxInstances:     o.desc.MaxInstances,
		Network:          o.desc.Network,
		OpTimeout:        o.desc.OpTimeout,
		StopGrace:        o.desc.StopGrace,
		RetryMaxAttempts: o.desc.RetryMaxAttempts,
		RetryMaxInterval: o.desc.RetryMaxInterval,
	}
}

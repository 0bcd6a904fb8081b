package challrun

import (
	"os"
	"path/filepath"

	"github.com/ctfrange/challrun/internal/backend"
	"github.com/ctfrange/challrun/internal/core"
)

// runtimeOptions accumulates option values during New. The unexported type
// keeps internal/core and internal/backend out of public API signatures:
// cfg feeds core.NewRuntime and desc feeds backend.New.
type runtimeOptions struct {
	cfg  core.RuntimeConfig
	desc backend.Descriptor
}

// defaultRuntimeOptions returns the configuration New starts from before
// applying options: a local backend on DefaultDockerSocket, state under
// the system temp directory, and the Default* timing values.
func defaultRuntimeOptions() runtimeOptions {
	return runtimeOptions{
		cfg: core.RuntimeConfig{
			StateDir:               filepath.Join(os.TempDir(), DefaultStateDirName),
			AdvertiseHost:          DefaultAdvertiseHost,
			SweepInterval:          DefaultSweepInterval,
			DefaultTTL:             DefaultTTL,
			RetentionWindow:        DefaultRetentionWindow,
			ProvisionTimeout:       DefaultProvisionTimeout,
			TerminateTimeout:       DefaultTerminateTimeout,
			HealthProbeInterval:    DefaultHealthProbeInterval,
			HealthProbeTimeout:     DefaultHealthProbeTimeout,
			HealthFailureThreshold: DefaultHealthFailureThreshold,
			TeardownRetries:        DefaultTeardownRetries,
			SweepParallelism:       DefaultSweepParallelism,
			ShutdownDrainTimeout:   DefaultShutdownDrainTimeout,
		},
		desc: backend.Descriptor{
			Kind:       backend.KindLocal,
			SocketPath: DefaultDockerSocket,
		},
	}
}

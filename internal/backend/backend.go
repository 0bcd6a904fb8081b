// Package backend abstracts the container engine behind the Adapter
// contract. The rest of the runtime speaks Provision, Terminate, Inspect,
// and HealthCheck; which engine endpoint answers, and over which transport,
// is decided once at construction from the Descriptor.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ctfrange/challrun/internal/sentinel"
)

// Sentinel errors returned by adapters. Matched with errors.Is through
// wrapped chains.
const (
	// ErrBackendUnavailable means the engine endpoint could not be reached,
	// for the remote adapter after the retry budget was exhausted.
	ErrBackendUnavailable = sentinel.Error("backend unavailable")

	// ErrProvisionFailed means the engine rejected or failed the create.
	// The wrapping error carries the reason.
	ErrProvisionFailed = sentinel.Error("provision failed")

	// ErrPortExhausted means no published host port could be allocated,
	// either because the engine reported the allocation failure or because
	// the instance ceiling, which models the port budget, was reached.
	ErrPortExhausted = sentinel.Error("no ports available")

	// ErrTerminateFailed means teardown could not be confirmed. The caller
	// force-marks the instance terminated and flags it orphaned.
	ErrTerminateFailed = sentinel.Error("terminate failed")

	// ErrUnsupported is returned for every operation on the unsupported
	// adapter kind.
	ErrUnsupported = sentinel.Error("unsupported backend")
)

// Kind identifies the adapter variant. The set is closed: New refuses
// descriptors with any other value.
type Kind int

const (
	// KindLocal talks to an engine daemon over a unix socket on the same
	// host. No retries: the socket either answers or the engine is down.
	KindLocal Kind = iota

	// KindRemoteSecure talks to an engine daemon over TCP with mutual TLS.
	// Calls carry bounded timeouts and transient failures are retried with
	// capped exponential backoff.
	KindRemoteSecure

	// KindUnsupported is the explicit placeholder for deployment targets
	// without an engine. Every operation fails with ErrUnsupported.
	KindUnsupported
)

// IsValid reports whether k is a recognized Kind value.
func (k Kind) IsValid() bool {
	switch k {
	case KindLocal, KindRemoteSecure, KindUnsupported:
		return true
	default:
		return false
	}
}

// String returns the wire name of the kind. The names are persisted with
// instance records, so they must stay stable.
func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemoteSecure:
		return "remote-secure"
	case KindUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a persisted kind name back to its Kind value.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "local":
		return KindLocal, nil
	case "remote-secure":
		return KindRemoteSecure, nil
	case "unsupported":
		return KindUnsupported, nil
	default:
		return 0, fmt.Errorf("unknown backend kind %q", name)
	}
}

// Health is the coarse availability of an engine endpoint.
type Health int

const (
	// HealthHealthy means the endpoint answered promptly.
	HealthHealthy Health = iota

	// HealthDegraded means the endpoint answered, but only after retries.
	HealthDegraded

	// HealthUnavailable means the endpoint did not answer.
	HealthUnavailable
)

// String returns the wire name of the health value.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("Health(%d)", int(h))
	}
}

// Status is the engine's view of one provisioned workload.
type Status int

const (
	// StatusRunning means the engine reports the workload up.
	StatusRunning Status = iota

	// StatusExited means the workload exists but is no longer running.
	StatusExited

	// StatusGone means the engine has no record of the handle.
	StatusGone

	// StatusUnknown means the engine reported a state outside the mapping.
	StatusUnknown
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusGone:
		return "gone"
	default:
		return "unknown"
	}
}

// ProvisionSpec describes one workload to create. All fields except
// resource limits are required.
type ProvisionSpec struct {
	// ImageRef is the engine image reference to run.
	ImageRef string

	// Port is the container port the challenge listens on; Protocol is
	// "tcp" or "udp". The host port is allocated by the engine.
	Port     int
	Protocol string

	// InstanceID is the runtime's identifier for the instance, attached as
	// a label for operator tooling.
	InstanceID string

	// IdempotencyKey deduplicates creates: a retried Provision that finds
	// a live workload labeled with the same key adopts it instead of
	// creating a twin.
	IdempotencyKey string

	// ChallengeID and OwnerKey are attached as labels.
	ChallengeID int64
	OwnerKey    string

	// MemoryBytes and NanoCPUs cap the workload's resources. Zero means
	// engine default.
	MemoryBytes int64
	NanoCPUs    int64
}

// Validate checks the spec and reports every violation at once.
func (s ProvisionSpec) Validate() error {
	var errs []error

	if s.ImageRef == "" {
		errs = append(errs, errors.New("image ref must not be empty"))
	}
	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be in 1..65535, got %d", s.Port))
	}
	if s.Protocol != "tcp" && s.Protocol != "udp" {
		errs = append(errs, fmt.Errorf("protocol must be tcp or udp, got %q", s.Protocol))
	}
	if s.InstanceID == "" {
		errs = append(errs, errors.New("instance id must not be empty"))
	}
	if s.IdempotencyKey == "" {
		errs = append(errs, errors.New("idempotency key must not be empty"))
	}

	return errors.Join(errs...)
}

// Handle is the engine's answer to a successful Provision.
type Handle struct {
	// Ref is the engine's identifier for the workload (the container ID).
	// It is the only value later operations need.
	Ref string

	// Ports are the allocated host port mappings as the engine reported
	// them. HostIP may be a bind-all address; callers substitute the
	// advertised host before handing access out.
	Ports []PortMapping
}

// PortMapping is one container-to-host port binding as reported by the
// engine.
type PortMapping struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// Adapter is the contract between the runtime and a container engine.
// Implementations are safe for concurrent use.
type Adapter interface {
	// Kind identifies the adapter variant.
	Kind() Kind

	// Provision creates and starts one workload and returns its handle
	// with the allocated port mappings. Provision is idempotent per
	// ProvisionSpec.IdempotencyKey: a retry that finds the prior workload
	// adopts it.
	Provision(ctx context.Context, spec ProvisionSpec) (*Handle, error)

	// Terminate stops and removes the workload. A handle the engine no
	// longer knows is success, so Terminate can be retried freely.
	Terminate(ctx context.Context, ref string) error

	// Inspect reports the engine's view of the workload. Best effort: an
	// unreachable engine is an error, a missing workload is StatusGone.
	Inspect(ctx context.Context, ref string) (Status, error)

	// HealthCheck probes the engine endpoint itself. It never returns an
	// error; unreachability is the HealthUnavailable value.
	HealthCheck(ctx context.Context) Health

	// Close releases the engine client. The adapter is unusable afterwards.
	Close() error
}

// Descriptor selects and parameterizes the adapter variant. Fields are
// read once by New and never mutated afterwards.
type Descriptor struct {
	Kind Kind

	// SocketPath is the engine unix socket. Required for KindLocal.
	SocketPath string

	// Host is the engine TCP endpoint as host:port, and the CA, cert, and
	// key paths hold the mutual TLS material. All required for
	// KindRemoteSecure.
	Host       string
	CACertPath string
	CertPath   string
	KeyPath    string

	// MaxInstances caps concurrently provisioned workloads. Each
	// provisioned workload publishes one host port, so the cap is the
	// port budget. 0 means uncapped.
	MaxInstances int

	// Network is an engine network to attach workloads to. Empty means
	// the engine default. A configured but missing network downgrades to
	// the default with a warning rather than failing provisions.
	Network string

	// OpTimeout bounds each individual engine call. The zero value takes
	// the package default.
	OpTimeout time.Duration

	// StopGrace is how long Terminate lets a workload stop before the
	// engine kills it. The zero value takes the package default.
	StopGrace time.Duration

	// RetryMaxAttempts and RetryMaxInterval shape the remote adapter's
	// backoff: attempts start at a 1 second interval and double up to
	// RetryMaxInterval. Zero values take the package defaults. Ignored
	// for KindLocal and KindUnsupported.
	RetryMaxAttempts int
	RetryMaxInterval time.Duration

	// Logger (optional, defaults to slog.Default())
	Logger *slog.Logger
}

// Validate checks the descriptor for the selected kind and reports every
// violation at once.
func (d Descriptor) Validate() error {
	var errs []error

	if !d.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("invalid backend kind: %v", d.Kind))
	}
	switch d.Kind {
	case KindLocal:
		if d.SocketPath == "" {
			errs = append(errs, errors.New("local backend requires a socket path"))
		}
	case KindRemoteSecure:
		if d.Host == "" {
			errs = append(errs, errors.New("remote backend requires a host"))
		}
		if d.CACertPath == "" {
			errs = append(errs, errors.New("remote backend requires a CA certificate path"))
		}
		if d.CertPath == "" {
			errs = append(errs, errors.New("remote backend requires a client certificate path"))
		}
		if d.KeyPath == "" {
			errs = append(errs, errors.New("remote backend requires a client key path"))
		}
	}
	if d.MaxInstances < 0 {
		errs = append(errs, fmt.Errorf("max instances must not be negative, got %d", d.MaxInstances))
	}
	if d.OpTimeout < 0 {
		errs = append(errs, fmt.Errorf("op timeout must not be negative, got %s", d.OpTimeout))
	}
	if d.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry max attempts must not be negative, got %d", d.RetryMaxAttempts))
	}

	return errors.Join(errs...)
}

// New builds the adapter for the descriptor. The descriptor must validate;
// construction does not touch the engine, so a dead endpoint surfaces on
// the first operation, not here.
func New(d Descriptor) (Adapter, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("backend descriptor: %w", err)
	}
	switch d.Kind {
	case KindLocal, KindRemoteSecure:
		return newDockerAdapter(d)
	case KindUnsupported:
		return &unsupportedAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown backend kind: %v", d.Kind)
	}
}

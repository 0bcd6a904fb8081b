package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-connections/tlsconfig"
)

// Labels attached to every workload this runtime creates. Operators can
// list or reap runtime-owned containers by filtering on them.
const (
	labelManaged     = "challrun.managed"
	labelChallengeID = "challrun.challenge-id"
	labelOwnerKey    = "challrun.owner-key"
	labelInstanceID  = "challrun.instance-id"
	labelIdemKey     = "challrun.idempotency-key"
)

const (
	// DefaultOpTimeout bounds one engine API call.
	DefaultOpTimeout = 30 * time.Second

	// DefaultStopGrace is how long a workload gets to stop before the
	// engine kills it.
	DefaultStopGrace = 10 * time.Second

	// DefaultRetryMaxAttempts and DefaultRetryMaxInterval shape the remote
	// adapter's backoff.
	DefaultRetryMaxAttempts = 4
	DefaultRetryMaxInterval = 8 * time.Second

	// pullTimeout bounds an image pull, which can be far slower than any
	// other engine call.
	pullTimeout = 5 * time.Minute
)

// dockerAdapter serves both KindLocal and KindRemoteSecure. The two differ
// only in client transport and in retry: local has none, remote retries
// transient failures through retrier.
type dockerAdapter struct {
	kind      Kind
	cli       *client.Client
	retry     *retrier
	opTimeout time.Duration
	stopGrace time.Duration
	maxInst   int

	// wantNetwork is the configured engine network. It is resolved against
	// the engine once, on first provision; a missing network logs a
	// warning and falls back to the engine default permanently.
	wantNetwork string
	netOnce     sync.Once
	resolvedNet string

	log *slog.Logger
}

var _ Adapter = (*dockerAdapter)(nil)

func newDockerAdapter(d Descriptor) (*dockerAdapter, error) {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("backend", d.Kind.String())

	cli, err := newEngineClient(d)
	if err != nil {
		return nil, err
	}

	a := &dockerAdapter{
		kind:        d.Kind,
		cli:         cli,
		opTimeout:   d.OpTimeout,
		stopGrace:   d.StopGrace,
		maxInst:     d.MaxInstances,
		wantNetwork: d.Network,
		log:         log,
	}
	if a.opTimeout <= 0 {
		a.opTimeout = DefaultOpTimeout
	}
	if a.stopGrace <= 0 {
		a.stopGrace = DefaultStopGrace
	}
	if d.Kind == KindRemoteSecure {
		r := retrier{maxAttempts: d.RetryMaxAttempts, maxInterval: d.RetryMaxInterval}
		if r.maxAttempts <= 0 {
			r.maxAttempts = DefaultRetryMaxAttempts
		}
		if r.maxInterval <= 0 {
			r.maxInterval = DefaultRetryMaxInterval
		}
		a.retry = &r
	}
	return a, nil
}

// newEngineClient builds the engine client for the descriptor: a unix
// socket client for KindLocal, a mutual-TLS TCP client for
// KindRemoteSecure. Construction never dials; connectivity surfaces on the
// first call.
func newEngineClient(d Descriptor) (*client.Client, error) {
	switch d.Kind {
	case KindLocal:
		cli, err := client.NewClientWithOpts(
			client.WithHost("unix://"+d.SocketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("build local engine client: %w", err)
		}
		return cli, nil

	case KindRemoteSecure:
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   d.CACertPath,
			CertFile: d.CertPath,
			KeyFile:  d.KeyPath,
		})
		if err != nil {
			return nil, fmt.Errorf("load mutual TLS material: %w", err)
		}
		httpCli := &http.Client{
			Transport:     &http.Transport{TLSClientConfig: tlsCfg},
			CheckRedirect: client.CheckRedirect,
		}
		cli, err := client.NewClientWithOpts(
			client.WithHost("tcp://"+d.Host),
			client.WithHTTPClient(httpCli),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("build remote engine client: %w", err)
		}
		return cli, nil

	default:
		return nil, fmt.Errorf("no engine client for backend kind %v", d.Kind)
	}
}

func (a *dockerAdapter) Kind() Kind {
	return a.kind
}

// call runs fn once for the local adapter and through the retry policy for
// the remote one. A transiently failing remote call that exhausts its
// budget comes back as ErrBackendUnavailable.
func (a *dockerAdapter) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if a.retry == nil {
		return fn(ctx)
	}
	attempts, err := a.retry.do(ctx, a.log, op, fn)
	if err != nil && transientEngineErr(err) {
		return fmt.Errorf("%w: %s gave up after %d attempts: %v", ErrBackendUnavailable, op, attempts, err)
	}
	return err
}

// opCtx bounds one engine API call.
func (a *dockerAdapter) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.opTimeout)
}

func (a *dockerAdapter) Provision(ctx context.Context, spec ProvisionSpec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("provision spec: %w", err)
	}
	var h *Handle
	err := a.call(ctx, "provision", func(ctx context.Context) error {
		var callErr error
		h, callErr = a.provisionOnce(ctx, spec)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// provisionOnce is one provision attempt. The idempotency lookup makes the
// whole attempt retryable: a retry after a half-finished attempt adopts
// the container the previous attempt created instead of creating a twin.
func (a *dockerAdapter) provisionOnce(ctx context.Context, spec ProvisionSpec) (*Handle, error) {
	if id, found, err := a.findByIdempotencyKey(ctx, spec.IdempotencyKey); err != nil {
		return nil, err
	} else if found {
		a.log.Debug("adopting container from earlier attempt",
			"container", shortRef(id), "instance", spec.InstanceID)
		return a.startAndCollect(ctx, id)
	}

	if err := a.checkCapacity(ctx); err != nil {
		return nil, err
	}

	id, err := a.createContainer(ctx, spec)
	if err != nil {
		return nil, err
	}
	a.log.Debug("container created",
		"container", shortRef(id), "instance", spec.InstanceID, "image", spec.ImageRef)
	return a.startAndCollect(ctx, id)
}

// findByIdempotencyKey looks for a container labeled with the given key,
// in any state.
func (a *dockerAdapter) findByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	lctx, cancel := a.opCtx(ctx)
	defer cancel()

	list, err := a.cli.ContainerList(lctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelIdemKey+"="+key)),
	})
	if err != nil {
		if transientEngineErr(err) {
			return "", false, err
		}
		return "", false, fmt.Errorf("%w: list containers: %v", ErrProvisionFailed, err)
	}
	if len(list) == 0 {
		return "", false, nil
	}
	return list[0].ID, true, nil
}

// checkCapacity counts running managed containers against the configured
// ceiling. The engine is the source of truth, so the count survives
// runtime restarts; the window between count and create is closed by the
// engine's own port allocation failure, which maps to the same error.
func (a *dockerAdapter) checkCapacity(ctx context.Context) error {
	if a.maxInst <= 0 {
		return nil
	}
	lctx, cancel := a.opCtx(ctx)
	defer cancel()

	list, err := a.cli.ContainerList(lctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		if transientEngineErr(err) {
			return err
		}
		return fmt.Errorf("%w: count containers: %v", ErrProvisionFailed, err)
	}
	if len(list) >= a.maxInst {
		return fmt.Errorf("%w: %d of %d instance slots in use", ErrPortExhausted, len(list), a.maxInst)
	}
	return nil
}

// createContainer creates the workload, pulling the image on a not-found
// and retrying the create once.
func (a *dockerAdapter) createContainer(ctx context.Context, spec ProvisionSpec) (string, error) {
	port, err := nat.NewPort(spec.Protocol, strconv.Itoa(spec.Port))
	if err != nil {
		return "", fmt.Errorf("%w: bad port spec: %v", ErrProvisionFailed, err)
	}

	cfg := &container.Config{
		Image:        spec.ImageRef,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			labelManaged:     "true",
			labelChallengeID: strconv.FormatInt(spec.ChallengeID, 10),
			labelOwnerKey:    spec.OwnerKey,
			labelInstanceID:  spec.InstanceID,
			labelIdemKey:     spec.IdempotencyKey,
		},
	}
	// An empty host binding asks the engine to allocate a free host port.
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{port: {{HostIP: "", HostPort: ""}}},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	var netCfg *network.NetworkingConfig
	if name := a.networkName(ctx); name != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{name: {}},
		}
	}
	name := containerName(spec.ChallengeID, spec.OwnerKey, spec.InstanceID)

	cctx, cancel := a.opCtx(ctx)
	resp, err := a.cli.ContainerCreate(cctx, cfg, hostCfg, netCfg, nil, name)
	cancel()
	if err != nil && cerrdefs.IsNotFound(err) {
		if pullErr := a.pullImage(ctx, spec.ImageRef); pullErr != nil {
			return "", pullErr
		}
		cctx, cancel = a.opCtx(ctx)
		resp, err = a.cli.ContainerCreate(cctx, cfg, hostCfg, netCfg, nil, name)
		cancel()
	}
	if err != nil {
		switch {
		case transientEngineErr(err):
			return "", err
		case portAllocErr(err):
			return "", fmt.Errorf("%w: %v", ErrPortExhausted, err)
		default:
			return "", fmt.Errorf("%w: create container: %v", ErrProvisionFailed, err)
		}
	}
	return resp.ID, nil
}

// pullImage fetches the image and drains the progress stream; the engine
// finishes the pull only once the stream is consumed.
func (a *dockerAdapter) pullImage(ctx context.Context, ref string) error {
	a.log.Info("pulling image", "image", ref)

	pctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	rd, err := a.cli.ImagePull(pctx, ref, image.PullOptions{})
	if err != nil {
		if transientEngineErr(err) {
			return err
		}
		return fmt.Errorf("%w: pull image %s: %v", ErrProvisionFailed, ref, err)
	}
	defer rd.Close()
	if _, err := io.Copy(io.Discard, rd); err != nil {
		return fmt.Errorf("%w: pull image %s: %v", ErrProvisionFailed, ref, err)
	}
	return nil
}

// startAndCollect starts the container (a no-op if it is already running)
// and reads back the allocated port mappings.
func (a *dockerAdapter) startAndCollect(ctx context.Context, id string) (*Handle, error) {
	sctx, cancel := a.opCtx(ctx)
	err := a.cli.ContainerStart(sctx, id, container.StartOptions{})
	cancel()
	if err != nil {
		if transientEngineErr(err) {
			return nil, err
		}
		if portAllocErr(err) {
			return nil, fmt.Errorf("%w: %v", ErrPortExhausted, err)
		}
		return nil, fmt.Errorf("%w: start container: %v", ErrProvisionFailed, err)
	}

	ictx, cancel := a.opCtx(ctx)
	insp, err := a.cli.ContainerInspect(ictx, id)
	cancel()
	if err != nil {
		if transientEngineErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: inspect container: %v", ErrProvisionFailed, err)
	}
	if insp.State == nil || !insp.State.Running {
		reason := "not running"
		if insp.State != nil {
			reason = fmt.Sprintf("state %s, exit code %d", insp.State.Status, insp.State.ExitCode)
		}
		return nil, fmt.Errorf("%w: container exited immediately: %s", ErrProvisionFailed, reason)
	}

	ports := portsFromInspect(insp.NetworkSettings.Ports)
	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: engine reported no host port mapping", ErrProvisionFailed)
	}
	return &Handle{Ref: id, Ports: ports}, nil
}

func (a *dockerAdapter) Terminate(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	return a.call(ctx, "terminate", func(ctx context.Context) error {
		return a.terminateOnce(ctx, ref)
	})
}

// terminateOnce stops the workload within the grace period, then removes
// it. A container the engine no longer knows counts as success at every
// step.
func (a *dockerAdapter) terminateOnce(ctx context.Context, ref string) error {
	grace := int(a.stopGrace.Seconds())
	sctx, cancel := a.opCtx(ctx)
	err := a.cli.ContainerStop(sctx, ref, container.StopOptions{Timeout: &grace})
	cancel()
	if err != nil && !cerrdefs.IsNotFound(err) {
		if transientEngineErr(err) {
			return err
		}
		// Force removal below also kills a container the engine refused
		// to stop.
		a.log.Warn("container stop failed, forcing removal",
			"container", shortRef(ref), "error", err)
	}

	rctx, cancel := a.opCtx(ctx)
	err = a.cli.ContainerRemove(rctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true})
	cancel()
	if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		if transientEngineErr(err) {
			return err
		}
		return fmt.Errorf("%w: remove container %s: %v", ErrTerminateFailed, shortRef(ref), err)
	}
	return nil
}

func (a *dockerAdapter) Inspect(ctx context.Context, ref string) (Status, error) {
	st := StatusUnknown
	err := a.call(ctx, "inspect", func(ctx context.Context) error {
		ictx, cancel := a.opCtx(ctx)
		defer cancel()

		insp, err := a.cli.ContainerInspect(ictx, ref)
		if err != nil {
			if cerrdefs.IsNotFound(err) {
				st = StatusGone
				return nil
			}
			return err
		}
		st = mapContainerState(insp.State)
		return nil
	})
	if err != nil {
		return StatusUnknown, err
	}
	return st, nil
}

func (a *dockerAdapter) HealthCheck(ctx context.Context) Health {
	ping := func(ctx context.Context) error {
		pctx, cancel := a.opCtx(ctx)
		defer cancel()
		_, err := a.cli.Ping(pctx)
		return err
	}

	attempts := 1
	var err error
	if a.retry == nil {
		err = ping(ctx)
	} else {
		attempts, err = a.retry.do(ctx, a.log, "ping", ping)
	}
	switch {
	case err != nil:
		return HealthUnavailable
	case attempts > 1:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func (a *dockerAdapter) Close() error {
	return a.cli.Close()
}

// networkName resolves the configured network against the engine exactly
// once. The empty result, cached on a miss or a lookup failure, means the
// engine default network.
func (a *dockerAdapter) networkName(ctx context.Context) string {
	a.netOnce.Do(func() {
		if a.wantNetwork == "" {
			return
		}
		ictx, cancel := a.opCtx(ctx)
		defer cancel()
		if _, err := a.cli.NetworkInspect(ictx, a.wantNetwork, network.InspectOptions{}); err != nil {
			a.log.Warn("configured network not found, using engine default",
				"network", a.wantNetwork, "error", err)
			return
		}
		a.resolvedNet = a.wantNetwork
	})
	return a.resolvedNet
}

// mapContainerState folds the engine's state vocabulary into the Status
// triad the runtime reasons about.
func mapContainerState(s *container.State) Status {
	if s == nil {
		return StatusUnknown
	}
	switch s.Status {
	case "running":
		return StatusRunning
	case "exited", "dead", "removing":
		return StatusExited
	default:
		return StatusUnknown
	}
}

// portsFromInspect flattens the engine's port map into a stable, sorted
// slice, dropping bindings without an allocated host port.
func portsFromInspect(pm nat.PortMap) []PortMapping {
	out := make([]PortMapping, 0, len(pm))
	for port, bindings := range pm {
		for _, b := range bindings {
			hp, err := strconv.Atoi(b.HostPort)
			if err != nil || hp == 0 {
				continue
			}
			out = append(out, PortMapping{
				ContainerPort: port.Int(),
				HostPort:      hp,
				Protocol:      port.Proto(),
				HostIP:        b.HostIP,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContainerPort != out[j].ContainerPort {
			return out[i].ContainerPort < out[j].ContainerPort
		}
		return out[i].HostPort < out[j].HostPort
	})
	return out
}

// nameSanitizer strips characters the engine rejects in container names.
var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// containerName builds a readable, engine-safe name. The instance ID
// prefix keeps retried creates for the same instance on the same name.
func containerName(challengeID int64, ownerKey, instanceID string) string {
	owner := nameSanitizer.ReplaceAllString(ownerKey, "-")
	if len(owner) > 20 {
		owner = owner[:20]
	}
	nonce := instanceID
	if len(nonce) > 8 {
		nonce = nonce[:8]
	}
	return fmt.Sprintf("chall-%d-%s-%s", challengeID, owner, nonce)
}

// portAllocErr matches the engine's published-port allocation failures.
// The engine reports them only as message text.
func portAllocErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
}

// shortRef trims an engine ID to the familiar 12 characters for logs.
func shortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}

package challrun_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ctfrange/challrun"
)

func TestMain(m *testing.M) {
	challrun.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

// newTestRuntime builds a runtime on the unsupported backend with an
// isolated state directory. The unsupported backend needs no container
// engine, which keeps these tests runnable anywhere, while still driving
// the full construction, persistence, and lifecycle plumbing.
func newTestRuntime(t *testing.T, opts ...challrun.Option) challrun.Runtime {
	t.Helper()

	opts = append([]challrun.Option{
		challrun.WithUnsupportedBackend(),
		challrun.WithStateDir(t.TempDir()),
		challrun.WithAdvertiseHost("challs.test"),
		challrun.WithSweepInterval(time.Hour),
		challrun.WithHealthProbeInterval(time.Hour),
	}, opts...)

	rt, err := challrun.New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// Shutdown is safe to call repeatedly and before Start, so tests that
	// exercise it explicitly are still covered.
	t.Cleanup(func() { _ = rt.Shutdown() })
	return rt
}

func TestNewWithDefaults(t *testing.T) {
	t.Parallel()

	// New performs no I/O: a runtime on the default local socket must
	// construct even on hosts without an engine.
	rt, err := challrun.New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if rt == nil {
		t.Fatal("New() returned nil runtime")
	}
	if err := rt.Shutdown(); err != nil {
		t.Errorf("Shutdown() before Start error = %v, want nil", err)
	}
}

func TestOperationsBeforeStart(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t)

	ctx := context.Background()
	if _, err := rt.CreateInstance(ctx, challrun.CreateRequest{}); !errors.Is(err, challrun.ErrNotStarted) {
		t.Errorf("CreateInstance before Start error = %v, want ErrNotStarted", err)
	}
	if err := rt.DestroyInstance(ctx, challrun.ByID("inst-1")); !errors.Is(err, challrun.ErrNotStarted) {
		t.Errorf("DestroyInstance before Start error = %v, want ErrNotStarted", err)
	}
	if _, err := rt.GetInstanceStatus("inst-1"); !errors.Is(err, challrun.ErrNotStarted) {
		t.Errorf("GetInstanceStatus before Start error = %v, want ErrNotStarted", err)
	}
	if _, err := rt.ListInstances(); !errors.Is(err, challrun.ErrNotStarted) {
		t.Errorf("ListInstances before Start error = %v, want ErrNotStarted", err)
	}
	if _, err := rt.GetRunnerHealth(ctx); !errors.Is(err, challrun.ErrNotStarted) {
		t.Errorf("GetRunnerHealth before Start error = %v, want ErrNotStarted", err)
	}
}

func TestRuntimeLifecycleOnUnsupportedTarget(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t)
	ctx := context.Background()

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Every create fails loudly instead of half-working.
	req := challrun.CreateRequest{
		ChallengeID: 7,
		OwnerKey:    "team-7",
		ImageRef:    "registry.example.org/challs/pwn:latest",
		Port:        31337,
	}
	if _, err := rt.CreateInstance(ctx, req); !errors.Is(err, challrun.ErrUnsupported) {
		t.Fatalf("CreateInstance error = %v, want ErrUnsupported", err)
	}

	// The attempt leaves a queryable failed record behind.
	list, err := rt.ListInstances()
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListInstances() returned %d records, want 1", len(list))
	}
	rec := list[0]
	if rec.State != challrun.StateFailed {
		t.Errorf("record state = %v, want StateFailed", rec.State)
	}
	if rec.BackendKind != challrun.BackendUnsupported {
		t.Errorf("record backend = %v, want BackendUnsupported", rec.BackendKind)
	}
	if rec.StateReason == "" {
		t.Error("record StateReason is empty, want the provision failure")
	}

	got, err := rt.GetInstanceStatus(rec.ID)
	if err != nil {
		t.Fatalf("GetInstanceStatus(%q) error = %v", rec.ID, err)
	}
	if got.ID != rec.ID {
		t.Errorf("GetInstanceStatus ID = %q, want %q", got.ID, rec.ID)
	}

	// A failed record does not occupy the slot.
	if _, err := rt.LookupInstance(7, "team-7"); !errors.Is(err, challrun.ErrInstanceNotFound) {
		t.Errorf("LookupInstance error = %v, want ErrInstanceNotFound", err)
	}

	// Destroying the terminal record is a no-op; unknown refs are not found.
	if err := rt.DestroyInstance(ctx, challrun.ByID(rec.ID)); err != nil {
		t.Errorf("DestroyInstance(terminal) error = %v, want nil", err)
	}
	if err := rt.DestroyInstance(ctx, challrun.ByID("no-such-instance")); !errors.Is(err, challrun.ErrInstanceNotFound) {
		t.Errorf("DestroyInstance(unknown ID) error = %v, want ErrInstanceNotFound", err)
	}
	if err := rt.DestroyInstance(ctx, challrun.ByOwner(99, "nobody")); !errors.Is(err, challrun.ErrInstanceNotFound) {
		t.Errorf("DestroyInstance(empty slot) error = %v, want ErrInstanceNotFound", err)
	}

	// Health reports the platform truth: no engine here.
	health, err := rt.GetRunnerHealth(ctx)
	if err != nil {
		t.Fatalf("GetRunnerHealth() error = %v", err)
	}
	res, ok := health[challrun.BackendUnsupported]
	if !ok {
		t.Fatalf("GetRunnerHealth() missing BackendUnsupported entry, got %v", health)
	}
	if res.Health != challrun.HealthUnavailable {
		t.Errorf("runner health = %v, want HealthUnavailable", res.Health)
	}
	if res.CheckedAt.IsZero() {
		t.Error("runner health CheckedAt is zero, want probe time")
	}

	cached, err := rt.CachedRunnerHealth()
	if err != nil {
		t.Fatalf("CachedRunnerHealth() error = %v", err)
	}
	if _, ok := cached[challrun.BackendUnsupported]; !ok {
		t.Errorf("CachedRunnerHealth() missing BackendUnsupported entry, got %v", cached)
	}

	if err := rt.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := rt.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v, want nil", err)
	}
	if _, err := rt.CreateInstance(ctx, req); !errors.Is(err, challrun.ErrShuttingDown) {
		t.Errorf("CreateInstance after Shutdown error = %v, want ErrShuttingDown", err)
	}
}

func TestFailedRecordSurvivesRestart(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	ctx := context.Background()

	rt := newTestRuntime(t, challrun.WithStateDir(stateDir))
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := rt.CreateInstance(ctx, challrun.CreateRequest{
		ChallengeID: 3,
		OwnerKey:    "player-1",
		ImageRef:    "registry.example.org/challs/misc:latest",
		Port:        8080,
	}); !errors.Is(err, challrun.ErrUnsupported) {
		t.Fatalf("CreateInstance error = %v, want ErrUnsupported", err)
	}
	list, err := rt.ListInstances()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListInstances() = %d records, %v; want 1 record", len(list), err)
	}
	failedID := list[0].ID
	if err := rt.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// A second runtime on the same state directory picks the record up.
	rt2 := newTestRuntime(t, challrun.WithStateDir(stateDir))
	if err := rt2.Start(ctx); err != nil {
		t.Fatalf("restart Start() error = %v", err)
	}

	rec, err := rt2.GetInstanceStatus(failedID)
	if err != nil {
		t.Fatalf("GetInstanceStatus(%q) after restart error = %v", failedID, err)
	}
	if rec.State != challrun.StateFailed {
		t.Errorf("restarted record state = %v, want StateFailed", rec.State)
	}
	if rec.StateReason == "" {
		t.Error("restarted record lost its StateReason")
	}
}

func TestRuntimesAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// Separate state directories: both runtimes start and run side by side.
	a := newTestRuntime(t)
	b := newTestRuntime(t)
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start(a) error = %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start(b) error = %v", err)
	}

	if _, err := a.CreateInstance(ctx, challrun.CreateRequest{
		ChallengeID: 1, OwnerKey: "p1", ImageRef: "img:latest", Port: 80,
	}); !errors.Is(err, challrun.ErrUnsupported) {
		t.Fatalf("CreateInstance(a) error = %v, want ErrUnsupported", err)
	}

	// The record is a's alone.
	la, _ := a.ListInstances()
	lb, _ := b.ListInstances()
	if len(la) != 1 {
		t.Errorf("runtime a has %d records, want 1", len(la))
	}
	if len(lb) != 0 {
		t.Errorf("runtime b has %d records, want 0", len(lb))
	}
}

func TestStateDirIsExclusive(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	ctx := context.Background()

	first := newTestRuntime(t, challrun.WithStateDir(stateDir))
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start(first) error = %v", err)
	}

	second := newTestRuntime(t, challrun.WithStateDir(stateDir))
	lockCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if err := second.Start(lockCtx); err == nil {
		t.Fatal("Start(second) on a held state directory succeeded, want lock error")
	}
}

func TestCreateRequestValidationSurfaces(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t)
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Missing image, port, and owner: rejected before any backend call, all
	// violations reported at once.
	_, err := rt.CreateInstance(ctx, challrun.CreateRequest{ChallengeID: 5})
	if err == nil {
		t.Fatal("CreateInstance(invalid) error = nil, want validation error")
	}
	if errors.Is(err, challrun.ErrUnsupported) {
		t.Errorf("validation error reached the backend: %v", err)
	}

	list, lerr := rt.ListInstances()
	if lerr != nil {
		t.Fatalf("ListInstances() error = %v", lerr)
	}
	if len(list) != 0 {
		t.Errorf("invalid request left %d records, want 0", len(list))
	}
}

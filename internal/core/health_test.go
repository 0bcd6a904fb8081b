package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ctfrange/challrun/internal/backend"
)

func TestHealthAggregatorProbe(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	agg := newHealthAggregator(ad, time.Hour, time.Second)
	ctx := context.Background()

	got := agg.probe(ctx)
	if got.Kind != backend.KindLocal {
		t.Errorf("Kind = %s, want local", got.Kind)
	}
	if got.Health != backend.HealthHealthy {
		t.Errorf("Health = %s, want healthy", got.Health)
	}
	if got.CheckedAt.IsZero() {
		t.Error("CheckedAt is zero")
	}

	ad.setHealth(backend.HealthDegraded)
	if got := agg.probe(ctx); got.Health != backend.HealthDegraded {
		t.Errorf("Health after degradation = %s, want degraded", got.Health)
	}

	snap := agg.snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot holds %d entries, want 1", len(snap))
	}
	if snap[backend.KindLocal].Health != backend.HealthDegraded {
		t.Errorf("cached Health = %s, want degraded", snap[backend.KindLocal].Health)
	}
}

func TestHealthAggregatorSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	agg := newHealthAggregator(ad, time.Hour, time.Second)
	agg.probe(context.Background())

	snap := agg.snapshot()
	snap[backend.KindLocal] = BackendHealth{Kind: backend.KindLocal, Health: backend.HealthUnavailable}

	if agg.snapshot()[backend.KindLocal].Health != backend.HealthHealthy {
		t.Error("mutating a snapshot changed the aggregator's cache")
	}
}

func TestRuntimeBackendHealth(t *testing.T) {
	t.Parallel()

	ad := newFakeAdapter()
	rt := startRuntime(t, testConfig(t), ad)
	ctx := context.Background()

	// Let the aggregator's startup probe land before asserting, so the
	// cache only changes through the calls below.
	waitFor(t, func() bool { return ad.healthCheckCount() > 0 })

	health, err := rt.BackendHealth(ctx)
	if err != nil {
		t.Fatalf("BackendHealth returned error: %v", err)
	}
	if got := health[backend.KindLocal].Health; got != backend.HealthHealthy {
		t.Errorf("Health = %s, want healthy", got)
	}

	// BackendHealth probes live, so a degraded engine shows immediately.
	ad.setHealth(backend.HealthDegraded)
	health, err = rt.BackendHealth(ctx)
	if err != nil {
		t.Fatalf("BackendHealth returned error: %v", err)
	}
	if got := health[backend.KindLocal].Health; got != backend.HealthDegraded {
		t.Errorf("Health = %s, want degraded", got)
	}

	// The cached view serves the last probe without touching the engine.
	ad.setHealth(backend.HealthHealthy)
	cached, err := rt.CachedBackendHealth()
	if err != nil {
		t.Fatalf("CachedBackendHealth returned error: %v", err)
	}
	if got := cached[backend.KindLocal].Health; got != backend.HealthDegraded {
		t.Errorf("cached Health = %s, want the stale degraded value", got)
	}
}

func TestRuntimeBackendHealthBeforeStart(t *testing.T) {
	t.Parallel()

	rt := NewRuntime(testConfig(t), newFakeAdapter())
	if _, err := rt.BackendHealth(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("BackendHealth before Start returned %v, want ErrNotStarted", err)
	}
	if _, err := rt.CachedBackendHealth(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("CachedBackendHealth before Start returned %v, want ErrNotStarted", err)
	}
}

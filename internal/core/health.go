package core

import (
	"context"
	"sync"
	"time"

	"github.com/ctfrange/challrun/internal/backend"
)

// BackendHealth is one probe result for a backend adapter.
type BackendHealth struct {
	Kind      backend.Kind
	Health    backend.Health
	CheckedAt time.Time
}

// healthAggregator keeps a cached view of backend health, refreshed on a
// timer and on demand. It only talks to the backend; instance records are
// reconciled by the scheduler, never from here.
type healthAggregator struct {
	adapter  backend.Adapter
	interval time.Duration
	timeout  time.Duration

	mu   sync.RWMutex
	last map[backend.Kind]BackendHealth

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHealthAggregator(adapter backend.Adapter, interval, timeout time.Duration) *healthAggregator {
	return &healthAggregator{
		adapter:  adapter,
		interval: interval,
		timeout:  timeout,
		last:     make(map[backend.Kind]BackendHealth),
	}
}

func (h *healthAggregator) start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.run(ctx)
}

// stop cancels the loop and waits for an in-progress probe to return.
func (h *healthAggregator) stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *healthAggregator) run(ctx context.Context) {
	defer h.wg.Done()

	// Prime the cache so the first snapshot after Start is never empty.
	h.probe(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := h.probe(ctx)
			if res.Health != backend.HealthHealthy {
				Logger().Warn("backend health probe",
					"backend", res.Kind,
					"health", res.Health,
				)
			}
		}
	}
}

// probe refreshes the cache with a live check and returns the result.
func (h *healthAggregator) probe(ctx context.Context) BackendHealth {
	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	res := BackendHealth{
		Kind:      h.adapter.Kind(),
		Health:    h.adapter.HealthCheck(pctx),
		CheckedAt: time.Now(),
	}

	h.mu.Lock()
	h.last[res.Kind] = res
	h.mu.Unlock()
	return res
}

// snapshot returns a copy of the cached view without probing.
func (h *healthAggregator) snapshot() map[backend.Kind]BackendHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[backend.Kind]BackendHealth, len(h.last))
	for k, v := range h.last {
		out[k] = v
	}
	return out
}

// BackendHealth probes the backend now and returns the fresh result keyed
// by adapter kind. The probe also refreshes the cached view.
func (r *Runtime) BackendHealth(ctx context.Context) (map[backend.Kind]BackendHealth, error) {
	if err := r.beginOp(); err != nil {
		return nil, err
	}
	defer r.endOp()

	res := r.health.probe(ctx)
	return map[backend.Kind]BackendHealth{res.Kind: res}, nil
}

// CachedBackendHealth returns the last known probe results without
// touching the backend.
func (r *Runtime) CachedBackendHealth() (map[backend.Kind]BackendHealth, error) {
	if err := r.beginOp(); err != nil {
		return nil, err
	}
	defer r.endOp()

	return r.health.snapshot(), nil
}

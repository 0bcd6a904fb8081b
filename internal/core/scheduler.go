package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ctfrange/challrun/internal/backend"
)

// scheduler drives the periodic sweep: reclaiming expired instances,
// finishing teardowns a previous cycle or process left behind, reconciling
// instance health against the backend, and purging terminal records past
// the retention window.
//
// One sweep runs at a time; the loop takes the next tick only after the
// previous cycle finished, so a slow backend stretches the period instead
// of stacking cycles.
type scheduler struct {
	rt *Runtime

	cancel context.CancelFunc
	wg     sync.WaitGroup
	cycles atomic.Uint64
}

func newScheduler(rt *Runtime) *scheduler {
	return &scheduler{rt: rt}
}

func (s *scheduler) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// stop cancels the loop and waits for an in-progress cycle to return.
func (s *scheduler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.rt.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one cycle. Phases run in order and a failing phase never
// stops the later ones.
func (s *scheduler) sweep(ctx context.Context) {
	cycle := s.cycles.Add(1)
	start := time.Now()
	log := Logger().With("cycle", cycle)

	reclaimed := s.reapExpired(ctx, log, start)
	failed := s.reconcileHealth(ctx, log)
	purged := s.purgeRetained(ctx, log, start)

	log.Debug("sweep finished",
		"reclaimed", reclaimed,
		"health_failed", failed,
		"purged", purged,
		"elapsed", time.Since(start),
	)
}

// reapExpired tears down instances whose TTL passed, plus any stuck in
// Expiring or Terminating from an earlier failure or restart. Teardowns
// run concurrently up to the configured parallelism.
func (s *scheduler) reapExpired(ctx context.Context, log *slog.Logger, now time.Time) int {
	candidates := s.rt.reg.Snapshot(func(in *Instance) bool {
		switch in.State {
		case StateRunning:
			return in.Expired(now)
		case StateExpiring, StateTerminating:
			return true
		default:
			return false
		}
	})
	if len(candidates) == 0 {
		return 0
	}

	var reclaimed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.rt.cfg.SweepParallelism)
	for _, in := range candidates {
		g.Go(func() error {
			if s.reapOne(ctx, log, in) {
				reclaimed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(reclaimed.Load())
}

// reapOne drives one instance to Terminated, retrying inside this cycle's
// budget. When the budget is spent the record is force-marked terminated
// so an unreachable backend cannot wedge the slot until the next restart.
func (s *scheduler) reapOne(ctx context.Context, log *slog.Logger, in *Instance) bool {
	if in.State == StateRunning {
		if _, err := s.rt.reg.Transition(in.ID, StateExpiring, func(cur *Instance) {
			cur.StateReason = "ttl expired"
		}); err != nil {
			// A destroy or a health failure got there first; the next
			// cycle sees whatever state that left behind.
			return false
		}
		log.Info("instance expired",
			"instance_id", in.ID,
			"challenge_id", in.ChallengeID,
			"owner", in.OwnerKey,
		)
	}

	var err error
	for attempt := 1; attempt <= s.rt.cfg.TeardownRetries; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		if err = s.rt.driveTeardown(ctx, in.ID); err == nil {
			log.Info("instance reclaimed", "instance_id", in.ID)
			return true
		}
		log.Warn("teardown attempt failed",
			"instance_id", in.ID,
			"attempt", attempt,
			"error", err,
		)
	}

	s.rt.forceTerminate(in.ID, fmt.Sprintf("teardown retries exhausted: %v", err))
	log.Warn("instance force-terminated, backend resources may be orphaned",
		"instance_id", in.ID,
		"backend_ref", in.BackendRef,
	)
	return true
}

// reconcileHealth inspects running instances and fails the ones the
// backend says are gone, after the configured number of consecutive
// not-running observations. Inspect errors are not counted: an unreachable
// engine says nothing about the instance itself.
func (s *scheduler) reconcileHealth(ctx context.Context, log *slog.Logger) int {
	running := s.rt.reg.Snapshot(func(in *Instance) bool {
		return in.State == StateRunning
	})
	if len(running) == 0 {
		return 0
	}

	var failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.rt.cfg.SweepParallelism)
	for _, in := range running {
		g.Go(func() error {
			ictx, cancel := context.WithTimeout(ctx, s.rt.cfg.HealthProbeTimeout)
			defer cancel()

			status, err := s.rt.adapter.Inspect(ictx, in.BackendRef)
			if err != nil {
				log.Debug("instance inspect failed", "instance_id", in.ID, "error", err)
				return nil
			}
			if status == backend.StatusRunning {
				s.rt.reg.RecordHealthOK(in.ID, time.Now())
				return nil
			}

			n := s.rt.reg.RecordHealthFailure(in.ID)
			if n == 0 || n < s.rt.cfg.HealthFailureThreshold {
				if n > 0 {
					log.Debug("instance not running",
						"instance_id", in.ID,
						"status", status,
						"consecutive", n,
					)
				}
				return nil
			}

			if _, terr := s.rt.reg.Transition(in.ID, StateFailed, func(cur *Instance) {
				cur.StateReason = fmt.Sprintf("backend reported %s for %d consecutive probes", status, n)
			}); terr == nil {
				failed.Add(1)
				log.Warn("instance failed health checks",
					"instance_id", in.ID,
					"challenge_id", in.ChallengeID,
					"owner", in.OwnerKey,
					"status", status,
					"consecutive", n,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

// purgeRetained deletes terminal records older than the retention window,
// store rows first in one statement, then the in-memory copies. A failed
// store purge leaves memory untouched so the next cycle retries the same
// set.
func (s *scheduler) purgeRetained(ctx context.Context, log *slog.Logger, now time.Time) int {
	cutoff := now.Add(-s.rt.cfg.RetentionWindow)
	stale := s.rt.reg.Snapshot(func(in *Instance) bool {
		return in.State.IsTerminal() && in.TerminatedAt != nil && in.TerminatedAt.Before(cutoff)
	})
	if len(stale) == 0 {
		return 0
	}

	if s.rt.st != nil {
		states := []string{StateTerminated.String(), StateFailed.String()}
		if _, err := s.rt.st.PurgeTerminalBefore(ctx, states, cutoff.UnixMilli()); err != nil {
			log.Error("purging terminal records failed", "error", err)
			return 0
		}
	}

	ids := make([]string, 0, len(stale))
	for _, in := range stale {
		ids = append(ids, in.ID)
	}
	n := s.rt.reg.Evict(ids)
	if n > 0 {
		log.Debug("purged terminal instance records", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n
}

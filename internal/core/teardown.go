package core

import (
	"context"
	"errors"
	"fmt"
)

// DestroyInstance tears one instance down and waits for the backend to
// confirm. Destroying a terminal instance is a no-op. An instance that is
// still provisioning cannot be destroyed yet; callers get ErrInstanceBusy
// and retry once it settles.
//
// When the backend refuses to confirm the teardown, the record is
// force-marked Terminated with its orphaned flag set so the slot frees up
// anyway, and the backend error is returned.
func (r *Runtime) DestroyInstance(ctx context.Context, req DestroyRequest) error {
	if err := r.beginOp(); err != nil {
		return err
	}
	defer r.endOp()

	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid destroy request: %w", err)
	}

	in, err := r.resolveDestroy(req)
	if err != nil {
		return err
	}

	switch in.State {
	case StateTerminated, StateFailed:
		return nil
	case StateRequested, StateProvisioning:
		return fmt.Errorf("%w: instance %s is still %s", ErrInstanceBusy, in.ID, in.State)
	case StateRunning:
		if _, err := r.reg.Transition(in.ID, StateExpiring, func(cur *Instance) {
			cur.StateReason = "destroy requested"
		}); err != nil && !errors.Is(err, ErrIllegalTransition) {
			return err
		}
		// An illegal transition means the sweep or a concurrent destroy
		// moved it first; driveTeardown picks up from whatever state the
		// instance is in now.
	}

	if err := r.driveTeardown(ctx, in.ID); err != nil {
		r.forceTerminate(in.ID, fmt.Sprintf("teardown failed: %v", err))
		return fmt.Errorf("destroying instance %s: %w", in.ID, err)
	}

	Logger().Info("instance destroyed",
		"instance_id", in.ID,
		"challenge_id", in.ChallengeID,
		"owner", in.OwnerKey,
	)
	return nil
}

// resolveDestroy finds the target record: by ID if given, otherwise the
// live instance for the challenge and owner.
func (r *Runtime) resolveDestroy(req DestroyRequest) (*Instance, error) {
	if req.InstanceID != "" {
		in, ok := r.reg.Get(req.InstanceID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, req.InstanceID)
		}
		return in, nil
	}

	in, ok := r.reg.GetSlot(req.ChallengeID, req.OwnerKey)
	if !ok {
		return nil, fmt.Errorf("%w: no live instance for challenge %d and owner %q", ErrInstanceNotFound, req.ChallengeID, req.OwnerKey)
	}
	return in, nil
}

// driveTeardown walks an instance from the teardown half of the lifecycle
// to Terminated: Expiring advances to Terminating, then one backend
// terminate runs under TerminateTimeout. Re-entrant by construction; a
// second call after a failed attempt resumes at Terminating, and losing a
// transition race just means re-reading the state that won.
func (r *Runtime) driveTeardown(ctx context.Context, id string) error {
	var in *Instance
	for {
		cur, ok := r.reg.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		if cur.State.IsTerminal() {
			return nil
		}
		if cur.State == StateTerminating {
			in = cur
			break
		}
		if cur.State != StateExpiring {
			return fmt.Errorf("instance %s is %s, not ready for teardown", id, cur.State)
		}
		if _, err := r.reg.Transition(id, StateTerminating, nil); err != nil && !errors.Is(err, ErrIllegalTransition) {
			return err
		}
	}

	tctx, cancel := context.WithTimeout(ctx, r.cfg.TerminateTimeout)
	defer cancel()
	if err := r.adapter.Terminate(tctx, in.BackendRef); err != nil {
		return err
	}

	if _, err := r.reg.Transition(id, StateTerminated, nil); err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			// A concurrent teardown confirmed first. Same outcome.
			return nil
		}
		return err
	}
	return nil
}

// forceTerminate walks an instance to a terminal state without backend
// confirmation, stamping the orphaned flag when backend resources were
// ever attached. Used when teardown retries are exhausted; the slot must
// not stay wedged behind an unreachable backend.
func (r *Runtime) forceTerminate(id, reason string) {
	for {
		in, ok := r.reg.Get(id)
		if !ok || in.State.IsTerminal() {
			return
		}

		var next State
		switch in.State {
		case StateRunning:
			next = StateExpiring
		case StateExpiring:
			next = StateTerminating
		case StateTerminating:
			next = StateTerminated
		default:
			next = StateFailed
		}

		_, err := r.reg.Transition(id, next, func(cur *Instance) {
			if next.IsTerminal() {
				cur.Orphaned = cur.BackendRef != ""
				cur.StateReason = reason
			}
		})
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			return
		}
	}
}

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ctfrange/challrun/internal/backend"
)

// CreateInstance returns the live instance for the request's challenge and
// owner, provisioning one if none exists. Calling it again while the
// instance runs returns the same record, so platform callers can treat it
// as "ensure running". Concurrent calls for one slot share a single
// provision flight and all get that flight's result.
func (r *Runtime) CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error) {
	if err := r.beginOp(); err != nil {
		return nil, err
	}
	defer r.endOp()

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid create request: %w", err)
	}
	req = req.withDefaults(r.cfg)

	// The flight keyed on the slot is what guarantees the backend sees at
	// most one create per slot at a time. Duplicate callers block here
	// and share the winner's result, errors included.
	v, err, _ := r.flights.Do(SlotKey(req.ChallengeID, req.OwnerKey), func() (any, error) {
		return r.provisionSlot(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Instance).Clone(), nil
}

// provisionSlot runs inside the per-slot flight: it resolves the slot's
// current occupant or registers a fresh record and walks it through
// Requested, Provisioning, and Running around one backend call.
func (r *Runtime) provisionSlot(ctx context.Context, req CreateRequest) (*Instance, error) {
	if cur, ok := r.reg.GetSlot(req.ChallengeID, req.OwnerKey); ok {
		if cur.State == StateRunning {
			return cur, nil
		}
		// Expiring or Terminating: the slot frees up once the sweep
		// finishes the teardown, so the caller retries rather than piling
		// a create onto an unfinished destroy.
		return nil, fmt.Errorf("%w: instance %s is %s", ErrInstanceBusy, cur.ID, cur.State)
	}

	now := time.Now()
	in := &Instance{
		ID:          uuid.NewString(),
		ChallengeID: req.ChallengeID,
		OwnerKey:    req.OwnerKey,
		Deployment:  req.Deployment,
		AlwaysOn:    req.AlwaysOn,
		ImageRef:    req.ImageRef,
		Port:        req.Port,
		Protocol:    req.Protocol,
		BackendKind: r.adapter.Kind(),
		State:       StateRequested,
		CreatedAt:   now,
	}
	if err := r.reg.Insert(in); err != nil {
		return nil, err
	}

	Logger().Info("provisioning instance",
		"instance_id", in.ID,
		"challenge_id", req.ChallengeID,
		"owner", req.OwnerKey,
		"deployment", req.Deployment,
		"image", req.ImageRef,
	)

	if _, err := r.reg.Transition(in.ID, StateProvisioning, nil); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.ProvisionTimeout)
	defer cancel()
	handle, perr := r.adapter.Provision(pctx, backend.ProvisionSpec{
		InstanceID:     in.ID,
		IdempotencyKey: in.ID,
		ChallengeID:    req.ChallengeID,
		OwnerKey:       req.OwnerKey,
		ImageRef:       req.ImageRef,
		Port:           req.Port,
		Protocol:       req.Protocol,
		MemoryBytes:    r.cfg.InstanceMemoryBytes,
		NanoCPUs:       r.cfg.InstanceNanoCPUs,
	})
	if perr != nil {
		reason := perr.Error()
		if errors.Is(perr, context.DeadlineExceeded) {
			reason = fmt.Sprintf("provision timed out after %s", r.cfg.ProvisionTimeout)
		}
		if _, terr := r.reg.Transition(in.ID, StateFailed, func(cur *Instance) {
			cur.StateReason = reason
		}); terr != nil {
			Logger().Error("marking failed instance", "instance_id", in.ID, "error", terr)
		}
		Logger().Warn("instance provisioning failed",
			"instance_id", in.ID,
			"challenge_id", req.ChallengeID,
			"owner", req.OwnerKey,
			"error", perr,
		)
		return nil, fmt.Errorf("provisioning instance %s: %w", in.ID, perr)
	}

	started := time.Now()
	updated, err := r.reg.Transition(in.ID, StateRunning, func(cur *Instance) {
		cur.BackendRef = handle.Ref
		cur.StartedAt = started
		cur.LastHealthAt = started
		cur.Access = r.buildAccess(handle, req.Port)
		if !cur.AlwaysOn && req.TTL > 0 {
			exp := started.Add(req.TTL)
			cur.ExpiresAt = &exp
		}
	})
	if err != nil {
		// The record went terminal while the backend call was in flight,
		// so nothing tracks what was just created. Release it.
		Logger().Warn("discarding provisioned backend resources",
			"instance_id", in.ID,
			"backend_ref", handle.Ref,
			"error", err,
		)
		tctx, tcancel := context.WithTimeout(context.Background(), r.cfg.TerminateTimeout)
		defer tcancel()
		if terr := r.adapter.Terminate(tctx, handle.Ref); terr != nil {
			Logger().Error("releasing unregistered backend resources failed",
				"instance_id", in.ID,
				"backend_ref", handle.Ref,
				"error", terr,
			)
		}
		return nil, err
	}

	attrs := []any{
		"instance_id", updated.ID,
		"challenge_id", updated.ChallengeID,
		"owner", updated.OwnerKey,
		"backend_ref", updated.BackendRef,
		"url", updated.Access.URL,
	}
	if updated.ExpiresAt != nil {
		attrs = append(attrs, "expires_at", updated.ExpiresAt.Format(time.RFC3339))
	}
	Logger().Info("instance running", attrs...)
	return updated, nil
}

// buildAccess converts engine port mappings into player-facing access
// info. Engines report bind addresses, usually a bind-all address that
// players cannot dial, so every mapping is advertised under the configured
// host instead. The URL points at the mapping for the requested container
// port, falling back to the first mapping.
func (r *Runtime) buildAccess(handle *backend.Handle, containerPort int) *AccessInfo {
	access := &AccessInfo{Host: r.cfg.AdvertiseHost}
	for _, pm := range handle.Ports {
		access.Ports = append(access.Ports, PortBinding{
			ContainerPort: pm.ContainerPort,
			HostPort:      pm.HostPort,
			Protocol:      pm.Protocol,
		})
	}

	primary := 0
	for i, pb := range access.Ports {
		if pb.ContainerPort == containerPort {
			primary = i
			break
		}
	}
	if len(access.Ports) > 0 {
		access.URL = fmt.Sprintf("http://%s:%d", access.Host, access.Ports[primary].HostPort)
	}
	return access
}

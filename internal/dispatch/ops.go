package dispatch

import (
	"context"

	"backendd/internal/backend"
	"backendd/internal/permissions"
	"backendd/pkg/types"
)

// Authorize checks caller against key in the handler's permission registry.
func (h *Handler) Authorize(caller permissions.Caller, key permissions.Key) error {
	return h.perms.Check(caller, key.ID)
}

// Enable turns an instance's kill switch on. It still needs Restart (or
// InitAll) before it takes jobs.
func (h *Handler) Enable(caller permissions.Caller, id int) error {
	if err := h.Authorize(caller, permissions.ToggleBackends); err != nil {
		return err
	}
	inst, err := h.Get(id)
	if err != nil {
		return err
	}
	h.log.Info().Str("caller", caller.Name).Int("backend_id", id).Msg("enable backend")
	return inst.Enable()
}

// Disable turns an instance's kill switch off.
func (h *Handler) Disable(caller permissions.Caller, id int) error {
	if err := h.Authorize(caller, permissions.ToggleBackends); err != nil {
		return err
	}
	inst, err := h.Get(id)
	if err != nil {
		return err
	}
	h.log.Info().Str("caller", caller.Name).Int("backend_id", id).Msg("disable backend")
	inst.Disable()
	return nil
}

// Restart re-initializes an instance. It is the operator's way out of ERRORED.
func (h *Handler) Restart(ctx context.Context, caller permissions.Caller, id int) error {
	if err := h.Authorize(caller, permissions.RestartBackends); err != nil {
		return err
	}
	inst, err := h.Get(id)
	if err != nil {
		return err
	}
	h.log.Info().Str("caller", caller.Name).Int("backend_id", id).Msg("restart backend")
	return inst.Reinit(ctx)
}

// FreeMemory asks one instance to release memory.
func (h *Handler) FreeMemory(ctx context.Context, caller permissions.Caller, id int, systemRAM bool) (bool, error) {
	if err := h.Authorize(caller, permissions.ControlMemory); err != nil {
		return false, err
	}
	inst, err := h.Get(id)
	if err != nil {
		return false, err
	}
	return inst.FreeMemory(ctx, systemRAM), nil
}

// Remove shuts an instance down and drops it from the pool. The instance is
// removed even when its shutdown reports a failure.
func (h *Handler) Remove(ctx context.Context, caller permissions.Caller, id int) error {
	if err := h.Authorize(caller, permissions.AddRemoveBackends); err != nil {
		return err
	}
	m, err := h.remove(id)
	if err != nil {
		return err
	}
	h.log.Info().Str("caller", caller.Name).Int("backend_id", id).Msg("remove backend")
	return m.inst.ShutdownNow(ctx)
}

// LoadStatus returns the load log entries of id starting at since, and the
// index to poll next.
func (h *Handler) LoadStatus(id, since int) ([]backend.LoadStatusEntry, int, error) {
	inst, err := h.Get(id)
	if err != nil {
		return nil, 0, err
	}
	entries := inst.LoadStatus().Since(since)
	next := since
	if n := len(entries); n > 0 {
		next = entries[n-1].TrackerIndex + 1
	}
	return entries, next, nil
}

// WithReservation runs fn while holding a reservation on id, which keeps
// ordinary dispatch away from the instance.
func (h *Handler) WithReservation(id int, fn func(inst *backend.Instance) error) error {
	inst, err := h.Get(id)
	if err != nil {
		return err
	}
	inst.Reserve()
	defer inst.Release()
	return fn(inst)
}

// DispatchTo is the privileged path: it reserves id and runs req there,
// bypassing the ordinary candidate selection.
func (h *Handler) DispatchTo(ctx context.Context, id int, req types.GenerateRequest, emit backend.EmitFunc) error {
	m, err := h.member(id)
	if err != nil {
		return err
	}
	in := backend.Input{JobID: h.nextJobID(), Request: req}
	if req.Model != "" {
		mdl, ok := h.findModel(req.Model)
		if !ok {
			return ErrModelNotFound(req.Model)
		}
		in.Model = mdl
	}
	h.jobs.Add(1)
	err = h.WithReservation(id, func(*backend.Instance) error {
		return h.runOn(ctx, m, in, emit, true)
	})
	jobsTotal.WithLabelValues(resultLabel(err)).Inc()
	return err
}

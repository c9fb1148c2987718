package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"backendd/internal/backend"
	"backendd/pkg/types"
)

// Dispatch runs req on one eligible instance and streams its outputs to emit.
//
// Instances that already hold the requested model are preferred, then the
// least loaded. A redirectable failure moves the job to the next candidate,
// up to MaxAttempts times, unless outputs were already emitted. When no
// instance is eligible the job waits up to MaxWait before failing as too busy.
func (h *Handler) Dispatch(ctx context.Context, req types.GenerateRequest, emit backend.EmitFunc) error {
	in := backend.Input{JobID: h.nextJobID(), Request: req}
	if req.Model != "" {
		m, ok := h.findModel(req.Model)
		if !ok {
			jobsTotal.WithLabelValues("not_found").Inc()
			return ErrModelNotFound(req.Model)
		}
		in.Model = m
	}
	h.jobs.Add(1)
	err := h.dispatch(ctx, in, emit)
	jobsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		h.log.Debug().Err(err).Str("job_id", in.JobID).Msg("dispatch failed")
	}
	return err
}

func (h *Handler) dispatch(ctx context.Context, in backend.Input, emit backend.EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	observed := false
	deadline := time.NewTimer(h.maxWait)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	attempts := 0
	for {
		cands := h.candidates(in)
		if len(cands) == 0 {
			if reason, ok := h.capable(in); !ok {
				return noBackendError{reason: reason}
			}
		}
		for _, m := range cands {
			if !observed {
				waitSeconds.Observe(time.Since(start).Seconds())
				observed = true
			}
			emitted := 0
			err := h.runOn(ctx, m, in, func(o types.Output) error {
				emitted++
				return emit(o)
			}, false)
			if err == nil || !backend.IsRedirect(err) || emitted > 0 {
				return err
			}
			attempts++
			h.redirects.Add(1)
			redirectsTotal.Inc()
			h.log.Debug().Err(err).Str("job_id", in.JobID).Int("backend_id", m.inst.ID()).Int("attempt", attempts).Msg("job redirected")
			if attempts >= h.maxAttempts {
				return tooBusyError{reason: "redirected " + strconv.Itoa(attempts) + " times"}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return tooBusyError{reason: "no backend became available within " + h.maxWait.String()}
		case <-tick.C:
		}
	}
}

// runOn executes in on m, switching models first when needed. Only the
// holder of a reservation on m passes privileged.
func (h *Handler) runOn(ctx context.Context, m *member, in backend.Input, emit backend.EmitFunc, privileged bool) error {
	release, err := h.enter(ctx, m, in)
	if err != nil {
		return err
	}
	defer release()
	if privileged {
		return m.inst.GenerateLiveReserved(ctx, in, in.JobID, emit)
	}
	return m.inst.GenerateLive(ctx, in, in.JobID, emit)
}

// enter registers a job on m. When m holds a different model and runs no
// other dispatched job, the model is switched before the job is admitted.
func (h *Handler) enter(ctx context.Context, m *member, in backend.Input) (func(), error) {
	want := wantModel(in)
	m.mu.Lock()
	if m.switching {
		m.mu.Unlock()
		return nil, backend.ErrRedirect("model switch in progress")
	}
	if want == "" || m.inst.CurrentModel() == want {
		m.jobs++
		m.mu.Unlock()
		return m.leave, nil
	}
	if m.jobs > 0 {
		m.mu.Unlock()
		return nil, backend.ErrRedirect("busy with another model")
	}
	m.switching = true
	m.mu.Unlock()

	err := m.inst.LoadModelFor(ctx, in.Model, backend.NewJobContext(in))

	m.mu.Lock()
	m.switching = false
	if err == nil {
		m.jobs++
	}
	m.mu.Unlock()
	if err != nil {
		if !backend.IsRedirect(err) {
			modelSwitchesTotal.WithLabelValues("failed").Inc()
		}
		return nil, err
	}
	modelSwitchesTotal.WithLabelValues("ok").Inc()
	return m.leave, nil
}

func (m *member) leave() {
	m.mu.Lock()
	m.jobs--
	m.mu.Unlock()
}

// candidates returns the eligible instances able to serve in, best first.
func (h *Handler) candidates(in backend.Input) []*member {
	want := wantModel(in)
	type cand struct {
		m        *member
		hasModel bool
		inflight int
	}
	var cs []cand
	for _, m := range h.snapshot() {
		inst := m.inst
		if !inst.Eligible() || !inst.Supports(in.Request.Features) {
			continue
		}
		has := want == "" || inst.CurrentModel() == want
		if !has && !inst.CanLoadModels() {
			continue
		}
		cs = append(cs, cand{m: m, hasModel: has, inflight: inst.InFlight()})
	}
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].hasModel != cs[j].hasModel {
			return cs[i].hasModel
		}
		return cs[i].inflight < cs[j].inflight
	})
	out := make([]*member, len(cs))
	for i, c := range cs {
		out[i] = c.m
	}
	return out
}

// capable reports whether any instance could serve in once it becomes
// eligible. Disabled, errored and shutting-down instances never will.
func (h *Handler) capable(in backend.Input) (string, bool) {
	want := wantModel(in)
	ms := h.snapshot()
	if len(ms) == 0 {
		return "no backends configured", false
	}
	for _, m := range ms {
		inst := m.inst
		st := inst.Status()
		if !inst.Enabled() || inst.ShuttingDown() || st == backend.StatusDisabled || st == backend.StatusErrored {
			continue
		}
		if !inst.Supports(in.Request.Features) {
			continue
		}
		if want != "" && !inst.CanLoadModels() && inst.CurrentModel() != want {
			continue
		}
		return "", true
	}
	var parts []string
	if want != "" {
		parts = append(parts, "model "+want)
	}
	if len(in.Request.Features) > 0 {
		parts = append(parts, "features ["+strings.Join(in.Request.Features, ",")+"]")
	}
	if len(parts) == 0 {
		return "every backend is disabled, errored or shutting down", false
	}
	return "no usable backend for " + strings.Join(parts, " and "), false
}

func (h *Handler) nextJobID() string {
	return fmt.Sprintf("job-%d", h.jobSeq.Add(1))
}

func wantModel(in backend.Input) string {
	if in.Model == (types.Model{}) {
		return ""
	}
	return backend.ModelName(in.Model)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTooBusy(err):
		return "too_busy"
	case IsNoBackend(err):
		return "no_backend"
	case backend.IsModelLoadFailure(err):
		return "model_load_failed"
	case backend.IsRedirect(err):
		return "redirect"
	default:
		return "error"
	}
}

package dispatch

import (
	"time"

	"backendd/internal/backend"
	"backendd/internal/config"
	"backendd/pkg/types"
)

// Status builds the pool report served at /backends.
func (h *Handler) Status() types.StatusResponse {
	ms := h.snapshot()
	resp := types.StatusResponse{
		Backends:       make([]types.BackendStatus, 0, len(ms)),
		UptimeSeconds:  int64(time.Since(h.startTime) / time.Second),
		ServerTimeUnix: time.Now().Unix(),
		JobsTotal:      h.jobs.Load(),
		RedirectsTotal: h.redirects.Load(),
	}
	for _, m := range ms {
		snap := m.inst.Snapshot()
		if m.inst.Eligible() {
			resp.Eligible++
		}
		if snap.Status == string(backend.StatusLoading) {
			resp.Loading++
		}
		resp.Backends = append(resp.Backends, snap)
	}
	return resp
}

// PersistedSpecs returns the configuration of every real instance, reflecting
// operator changes such as enable/disable. Ephemeral instances are left out.
func (h *Handler) PersistedSpecs() []config.BackendConfig {
	var out []config.BackendConfig
	for _, m := range h.snapshot() {
		inst := m.inst
		if !inst.Real() {
			continue
		}
		enabled := inst.Enabled()
		loads := inst.CanLoadModels()
		out = append(out, config.BackendConfig{
			ID:            inst.ID(),
			Type:          inst.Type(),
			Title:         inst.Title(),
			Enabled:       &enabled,
			MaxUsages:     inst.MaxUsages(),
			CanLoadModels: &loads,
			Features:      inst.Features(),
			Settings:      m.settings,
		})
	}
	return out
}

package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"backendd/internal/backend"
)

// InitAll initializes every WAITING instance concurrently. Failed instances
// stay ERRORED; their errors are joined into the result.
func (h *Handler) InitAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.initParallel)
	for _, m := range h.snapshot() {
		inst := m.inst
		if inst.Status() != backend.StatusWaiting {
			continue
		}
		g.Go(func() error {
			if err := inst.Init(gctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ShutdownAll shuts every instance down concurrently and joins their failures.
func (h *Handler) ShutdownAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, m := range h.snapshot() {
		inst := m.inst
		g.Go(func() error {
			if err := inst.ShutdownNow(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		h.log.Error().Int("failed", len(errs)).Msg("backend pool shutdown incomplete")
	}
	return errors.Join(errs...)
}

// FreeMemoryAll asks every instance to release memory and reports whether all
// of them did so synchronously.
func (h *Handler) FreeMemoryAll(ctx context.Context, systemRAM bool) bool {
	ms := h.snapshot()
	freed := make([]bool, len(ms))
	var g errgroup.Group
	for i, m := range ms {
		g.Go(func() error {
			freed[i] = m.inst.FreeMemory(ctx, systemRAM)
			return nil
		})
	}
	_ = g.Wait()
	for _, ok := range freed {
		if !ok {
			return false
		}
	}
	return true
}

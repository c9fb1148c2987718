package backend

import (
	"context"
	"time"
)

// OnShutdown subscribes fn to the one-shot "about to shut down" notification.
// It returns false, without subscribing, when shutdown already started.
func (b *Instance) OnShutdown(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdownReserve {
		return false
	}
	b.onShutdown = append(b.onShutdown, fn)
	return true
}

// ShutdownNow tears the instance down exactly once: it excludes the instance
// from dispatch, fires and clears the shutdown subscribers, waits for in-flight
// jobs and any running Init or Reinit (until ctx is done), clears the current
// model and releases the backend's resources. Concurrent and repeated calls
// wait for the first one and return its result. A failed release is returned
// as *ShutdownError.
func (b *Instance) ShutdownNow(ctx context.Context) error {
	b.mu.Lock()
	if done := b.shutdownDone; done != nil {
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.shutdownErr
	}
	b.shutdownReserve = true
	done := make(chan struct{})
	b.shutdownDone = done
	subs := b.onShutdown
	b.onShutdown = nil
	if b.clearTimer != nil {
		b.clearTimer.Stop()
		b.clearTimer = nil
	}
	b.publisher.Publish(Event{Name: "shutdown_start", BackendID: b.id, Fields: map[string]any{}})
	b.mu.Unlock()

	start := time.Now()
	for _, fn := range subs {
		fn()
	}

	if err := b.waitIdle(ctx); err != nil {
		b.log.Warn().Err(err).Int("inflight", b.InFlight()).Msg("shutdown proceeding with jobs in flight")
	}
	if err := b.waitLifecycle(ctx); err != nil {
		b.log.Warn().Err(err).Msg("shutdown proceeding while init is still running")
	}

	b.mu.Lock()
	b.model = ""
	b.released = true
	b.mu.Unlock()

	var result error
	if err := b.impl.Shutdown(ctx); err != nil {
		result = &ShutdownError{Backend: b.label(), Err: err}
		shutdownFailuresTotal.WithLabelValues(b.typ).Inc()
		b.log.Error().Err(err).Msg("backend shutdown failed; resources may have leaked")
	}
	b.loadStatus.Clear()

	b.mu.Lock()
	b.shutdownErr = result
	if result != nil {
		b.lastErr = result.Error()
	}
	b.publisher.Publish(Event{Name: "shutdown_done", BackendID: b.id, Fields: map[string]any{"dur_ms": int(time.Since(start) / time.Millisecond), "failed": result != nil}})
	b.mu.Unlock()
	close(done)
	b.log.Info().Dur("dur", time.Since(start)).Msg("backend shut down")
	return result
}

// FreeMemory asks the backend to release VRAM (and system RAM when systemRAM
// is set) without shutting down. It never changes the status. A false result
// may be followed by an asynchronous release within about a second.
func (b *Instance) FreeMemory(ctx context.Context, systemRAM bool) bool {
	if b.ShuttingDown() {
		return false
	}
	freed := b.impl.FreeMemory(ctx, systemRAM)
	b.log.Debug().Bool("system_ram", systemRAM).Bool("freed", freed).Msg("free memory")
	return freed
}

// waitIdle blocks until no job is in flight or ctx is done.
func (b *Instance) waitIdle(ctx context.Context) error {
	for {
		b.mu.RLock()
		ch := b.drained
		b.mu.RUnlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitLifecycle blocks until no Init or Reinit is running or ctx is done.
func (b *Instance) waitLifecycle(ctx context.Context) error {
	for {
		b.mu.RLock()
		ch := b.restartDone
		if ch == nil {
			ch = b.initDone
		}
		b.mu.RUnlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

package backend

import "fmt"

// Reserve claims preferential use of the instance. While any reservation is
// outstanding, Eligible reports false and Generate/GenerateLive redirect; the
// holder runs jobs through GenerateReserved/GenerateLiveReserved. Every Reserve
// must be paired with exactly one Release.
func (b *Instance) Reserve() {
	b.mu.Lock()
	b.reservations++
	n := b.reservations
	b.mu.Unlock()
	reservationsGauge.WithLabelValues(b.idLabel).Set(float64(n))
}

// Release drops a reservation taken with Reserve. Releasing more than was
// reserved is a programming error and panics, like a negative sync.WaitGroup.
func (b *Instance) Release() {
	b.mu.Lock()
	if b.reservations <= 0 {
		b.mu.Unlock()
		panic(fmt.Sprintf("backend %s: Release without matching Reserve", b.label()))
	}
	b.reservations--
	n := b.reservations
	b.mu.Unlock()
	reservationsGauge.WithLabelValues(b.idLabel).Set(float64(n))
}

// Reservations returns the outstanding reservation count.
func (b *Instance) Reservations() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reservations
}

// InFlight returns the number of executing jobs.
func (b *Instance) InFlight() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inFlight
}

// acquireUsage takes one of the MaxUsages job slots and flips IDLE -> RUNNING.
// Only privileged callers get a slot while a reservation is outstanding.
// Failures are redirects: the job should go to another instance.
func (b *Instance) acquireUsage(privileged bool) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.shutdownReserve:
		return nil, ErrRedirect("backend shutting down")
	case !b.enabled:
		return nil, ErrRedirect("backend disabled")
	case !b.status.Dispatchable():
		return nil, ErrRedirect("backend " + string(b.status))
	case !privileged && b.reservations > 0:
		return nil, ErrRedirect("backend reserved")
	case b.inFlight >= b.maxUsages:
		return nil, ErrRedirect("backend at capacity")
	}
	b.inFlight++
	if b.inFlight == 1 {
		b.drained = make(chan struct{})
	}
	if b.status == StatusIdle {
		_ = b.setStatusLocked(StatusRunning)
	}
	inflightJobs.WithLabelValues(b.idLabel).Set(float64(b.inFlight))
	released := false
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if released {
			return
		}
		released = true
		b.inFlight--
		inflightJobs.WithLabelValues(b.idLabel).Set(float64(b.inFlight))
		if b.inFlight == 0 {
			close(b.drained)
			b.drained = nil
			if b.status == StatusRunning {
				_ = b.setStatusLocked(StatusIdle)
			}
		}
	}, nil
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"backendd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxUsages = 1
)

// Config holds the externally controlled settings of an instance.
type Config struct {
	ID    int
	Type  string
	Title string
	// MaxUsages caps concurrently executing jobs. Values < 1 mean 1.
	MaxUsages     int
	Enabled       bool
	Real          bool
	CanLoadModels bool
	Features      []string
	// LoadStatusRetention clears the load log this long after a successful
	// init. Zero keeps it until the next re-init.
	LoadStatusRetention time.Duration
	Logger              zerolog.Logger
	Publisher           EventPublisher
}

// Instance wraps a Backend with the lifecycle state the dispatcher relies on:
// status, reservations, in-flight usage, current model and shutdown.
type Instance struct {
	id            int
	typ           string
	impl          Backend
	real          bool
	canLoadModels bool
	features      map[string]struct{}
	retention     time.Duration
	log           zerolog.Logger
	publisher     EventPublisher
	loadStatus    *LoadStatus
	idLabel       string

	// loadMu serializes model switches.
	loadMu sync.Mutex

	mu              sync.RWMutex
	title           string
	status          Status
	enabled         bool
	shutdownReserve bool
	maxUsages       int
	reservations    int
	inFlight        int
	drained         chan struct{} // closed when inFlight drops to 0
	model           string
	lastErr         string
	clearTimer      *time.Timer
	onShutdown      []func()
	shutdownDone    chan struct{}
	shutdownErr     error
	initDone        chan struct{} // closed when the running Init returns
	restartDone     chan struct{} // closed when the running Reinit returns
	released        bool          // ShutdownNow reached the backend release
}

// New wraps impl. The instance starts WAITING, or DISABLED when cfg.Enabled is false.
func New(cfg Config, impl Backend) *Instance {
	if cfg.MaxUsages < 1 {
		cfg.MaxUsages = defaultMaxUsages
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	log := cfg.Logger.With().Str("backend_type", cfg.Type).Int("backend_id", cfg.ID).Logger()
	b := &Instance{
		id:            cfg.ID,
		typ:           cfg.Type,
		impl:          impl,
		real:          cfg.Real,
		canLoadModels: cfg.CanLoadModels,
		features:      make(map[string]struct{}, len(cfg.Features)),
		retention:     cfg.LoadStatusRetention,
		log:           log,
		publisher:     cfg.Publisher,
		loadStatus:    NewLoadStatus(log),
		idLabel:       strconv.Itoa(cfg.ID),
		title:         cfg.Title,
		status:        StatusWaiting,
		enabled:       cfg.Enabled,
		maxUsages:     cfg.MaxUsages,
	}
	for _, f := range cfg.Features {
		b.features[f] = struct{}{}
	}
	if !cfg.Enabled {
		b.status = StatusDisabled
	}
	return b
}

func (b *Instance) ID() int                 { return b.id }
func (b *Instance) Type() string            { return b.typ }
func (b *Instance) Real() bool              { return b.real }
func (b *Instance) CanLoadModels() bool     { return b.canLoadModels }
func (b *Instance) Backend() Backend        { return b.impl }
func (b *Instance) LoadStatus() *LoadStatus { return b.loadStatus }

// AddLoadStatus records a progress message in the load log.
func (b *Instance) AddLoadStatus(message string) { b.loadStatus.Add(message) }

// Title returns the operator-visible name.
func (b *Instance) Title() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.title
}

// SetTitle renames the instance.
func (b *Instance) SetTitle(title string) {
	b.mu.Lock()
	b.title = title
	b.mu.Unlock()
}

// Status returns the current lifecycle status.
func (b *Instance) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// IsAlive reports whether at least one job is executing (status RUNNING).
// Idle instances are not alive but are still dispatchable.
func (b *Instance) IsAlive() bool { return b.Status() == StatusRunning }

// Enabled reports the operator kill switch.
func (b *Instance) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// ShuttingDown reports whether ShutdownNow has begun.
func (b *Instance) ShuttingDown() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shutdownReserve
}

// CurrentModel returns the loaded model name, or "" when none is loaded.
func (b *Instance) CurrentModel() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.model
}

// MaxUsages returns the concurrent job ceiling.
func (b *Instance) MaxUsages() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxUsages
}

// SetMaxUsages changes the concurrent job ceiling. Running jobs are unaffected.
func (b *Instance) SetMaxUsages(n int) {
	if n < 1 {
		n = defaultMaxUsages
	}
	b.mu.Lock()
	b.maxUsages = n
	b.mu.Unlock()
}

// LastError returns the message of the last lifecycle failure.
func (b *Instance) LastError() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// Features returns the declared features in sorted order.
func (b *Instance) Features() []string {
	out := make([]string, 0, len(b.features))
	for f := range b.features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether every feature in want is declared.
func (b *Instance) Supports(want []string) bool {
	for _, f := range want {
		if _, ok := b.features[f]; !ok {
			return false
		}
	}
	return true
}

// Eligible is the ordinary-dispatch predicate: dispatchable status, enabled,
// not shutting down, no outstanding reservation and a free usage slot.
func (b *Instance) Eligible() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.Dispatchable() && b.enabled && !b.shutdownReserve && b.reservations == 0 && b.inFlight < b.maxUsages
}

// Snapshot returns a consistent read-only view for status reporting.
func (b *Instance) Snapshot() types.BackendStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return types.BackendStatus{
		ID:            b.id,
		Type:          b.typ,
		Title:         b.title,
		Status:        string(b.status),
		Enabled:       b.enabled,
		Real:          b.real,
		CanLoadModels: b.canLoadModels,
		CurrentModel:  b.model,
		MaxUsages:     b.maxUsages,
		InFlight:      b.inFlight,
		Reservations:  b.reservations,
		ShuttingDown:  b.shutdownReserve,
		Features:      b.Features(),
		LastError:     b.lastErr,
	}
}

// setStatusLocked performs a checked transition. b.mu must be held.
func (b *Instance) setStatusLocked(to Status) error {
	from := b.status
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	b.status = to
	statusTransitionsTotal.WithLabelValues(b.typ, string(from), string(to)).Inc()
	b.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("backend status")
	b.publisher.Publish(Event{Name: "status", BackendID: b.id, Fields: map[string]any{"from": string(from), "to": string(to)}})
	return nil
}

// Fail moves the instance to ERRORED after an unrecoverable fault detected
// outside of Init. It is a no-op for disabled instances.
func (b *Instance) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusDisabled {
		return
	}
	if err != nil {
		b.lastErr = err.Error()
	}
	_ = b.setStatusLocked(StatusErrored)
	b.log.Error().Err(err).Msg("backend faulted")
}

// Init runs the backend's initialization: WAITING|ERRORED -> LOADING -> IDLE,
// or LOADING -> ERRORED with an *InitError. An Init that completes after
// ShutdownNow began never reaches IDLE; it returns ErrShutDown.
func (b *Instance) Init(ctx context.Context) error { return b.init(ctx, false) }

func (b *Instance) init(ctx context.Context, restart bool) error {
	b.mu.Lock()
	switch {
	case b.shutdownReserve:
		b.mu.Unlock()
		return ErrShutDown
	case !b.enabled || b.status == StatusDisabled:
		b.mu.Unlock()
		return ErrDisabled
	case b.restartDone != nil && !restart:
		b.mu.Unlock()
		return fmt.Errorf("init during restart: %w", ErrInvalidTransition)
	case b.status != StatusWaiting && b.status != StatusErrored:
		st := b.status
		b.mu.Unlock()
		return fmt.Errorf("init from %s: %w", st, ErrInvalidTransition)
	}
	_ = b.setStatusLocked(StatusLoading)
	b.lastErr = ""
	done := make(chan struct{})
	b.initDone = done
	b.mu.Unlock()

	start := time.Now()
	b.loadStatus.Add("initializing backend")
	err := b.impl.Init(ctx, b.loadStatus)

	b.mu.Lock()
	b.initDone = nil
	if b.shutdownReserve {
		late := b.released
		if b.status == StatusLoading {
			_ = b.setStatusLocked(StatusErrored)
		}
		b.lastErr = "shut down during init"
		b.mu.Unlock()
		close(done)
		b.log.Warn().Err(err).Bool("late_release", late).Msg("init finished after shutdown began")
		if late {
			// ShutdownNow gave up waiting and already released; release what
			// this Init acquired since.
			if rerr := b.impl.Shutdown(context.WithoutCancel(ctx)); rerr != nil {
				shutdownFailuresTotal.WithLabelValues(b.typ).Inc()
				return &ShutdownError{Backend: b.label(), Err: rerr}
			}
		}
		return fmt.Errorf("init of backend %s: %w", b.label(), ErrShutDown)
	}
	defer close(done)
	defer b.mu.Unlock()
	if err != nil {
		b.lastErr = err.Error()
		if b.status == StatusLoading {
			_ = b.setStatusLocked(StatusErrored)
		}
		b.loadStatus.Addf("init failed: %v", err)
		b.log.Error().Err(err).Msg("backend init failed")
		return &InitError{Backend: b.label(), Err: err}
	}
	if b.status != StatusLoading {
		// Disabled or faulted while the implementation was still loading.
		return fmt.Errorf("init of backend %s interrupted: status is %s", b.label(), b.status)
	}
	_ = b.setStatusLocked(StatusIdle)
	b.loadStatus.Add("backend ready")
	b.log.Info().Dur("dur", time.Since(start)).Msg("backend initialized")
	if b.retention > 0 {
		if b.clearTimer != nil {
			b.clearTimer.Stop()
		}
		b.clearTimer = time.AfterFunc(b.retention, b.loadStatus.Clear)
	}
	return nil
}

// Reinit is the operator-triggered restart: it parks the instance in WAITING,
// waits for in-flight jobs, releases the implementation's resources and runs
// Init again. It is the only way out of ERRORED. Only one restart runs at a
// time; a second one fails with ErrInvalidTransition.
func (b *Instance) Reinit(ctx context.Context) error {
	b.mu.Lock()
	switch {
	case b.shutdownReserve:
		b.mu.Unlock()
		return ErrShutDown
	case !b.enabled || b.status == StatusDisabled:
		b.mu.Unlock()
		return ErrDisabled
	case b.restartDone != nil:
		b.mu.Unlock()
		return fmt.Errorf("restart already in progress: %w", ErrInvalidTransition)
	case b.status == StatusLoading:
		b.mu.Unlock()
		return fmt.Errorf("reinit while loading: %w", ErrInvalidTransition)
	}
	if err := b.setStatusLocked(StatusWaiting); err != nil {
		b.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	b.restartDone = done
	if b.clearTimer != nil {
		b.clearTimer.Stop()
		b.clearTimer = nil
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.restartDone = nil
		b.mu.Unlock()
		close(done)
	}()

	if err := b.waitIdle(ctx); err != nil {
		return err
	}
	if b.ShuttingDown() {
		// ShutdownNow owns the release from here.
		return ErrShutDown
	}
	if err := b.impl.Shutdown(ctx); err != nil {
		b.log.Warn().Err(err).Msg("release before reinit failed")
	}
	b.mu.Lock()
	b.model = ""
	b.mu.Unlock()
	b.loadStatus.Reopen()
	return b.init(ctx, true)
}

// Enable turns the kill switch on. A disabled instance returns to WAITING and
// still needs Init.
func (b *Instance) Enable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdownReserve {
		return ErrShutDown
	}
	b.enabled = true
	if b.status == StatusDisabled {
		return b.setStatusLocked(StatusWaiting)
	}
	return nil
}

// Disable turns the kill switch off and moves the instance to DISABLED. Jobs
// already running finish normally.
func (b *Instance) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = false
	_ = b.setStatusLocked(StatusDisabled)
}

// LoadModel is the legacy form of LoadModelFor without a job context.
func (b *Instance) LoadModel(ctx context.Context, model types.Model) error {
	return b.LoadModelFor(ctx, model, nil)
}

// LoadModelFor switches the active model. On success CurrentModel equals the
// model's name. On failure the returned error is a *ModelLoadError (or a
// redirect when the instance is going away) and the previous model is kept
// only when the implementation reported it intact.
func (b *Instance) LoadModelFor(ctx context.Context, model types.Model, job *JobContext) error {
	name := ModelName(model)
	if !b.canLoadModels {
		return &ModelLoadError{Model: name, PriorIntact: true, Err: ErrCannotLoadModels}
	}
	b.loadMu.Lock()
	defer b.loadMu.Unlock()

	b.mu.RLock()
	gone := b.shutdownReserve
	b.mu.RUnlock()
	if gone {
		return ErrRedirect("backend shutting down")
	}

	start := time.Now()
	err := b.impl.LoadModel(ctx, model, job)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		if IsRedirect(err) {
			return err
		}
		var mle *ModelLoadError
		if !errors.As(err, &mle) {
			mle = &ModelLoadError{Model: name, Err: err}
		}
		if !mle.PriorIntact {
			b.model = ""
		}
		b.log.Warn().Err(err).Str("model", name).Msg("model load failed")
		b.publisher.Publish(Event{Name: "model_load_failed", BackendID: b.id, Fields: map[string]any{"model": name, "error": err.Error()}})
		return mle
	}
	if b.shutdownReserve {
		// Shutdown cleared the model while we were loading.
		return ErrRedirect("backend shutting down")
	}
	b.model = name
	b.log.Info().Str("model", name).Dur("dur", time.Since(start)).Msg("model loaded")
	b.publisher.Publish(Event{Name: "model_loaded", BackendID: b.id, Fields: map[string]any{"model": name}})
	return nil
}

func (b *Instance) label() string { return b.typ + "#" + b.idLabel }

// ModelName is the name an instance reports for m once loaded.
func ModelName(m types.Model) string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

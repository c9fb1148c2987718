package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"backendd/internal/backend"
	"backendd/internal/config"
	"backendd/internal/permissions"
	"backendd/internal/registry"
	"backendd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxWait      = 30 * time.Second
	defaultMaxAttempts  = 3
	defaultInitParallel = 4
	pollInterval        = 10 * time.Millisecond
)

// Config encapsulates all tunables for Handler construction.
type Config struct {
	Models []types.Model
	// MaxWait bounds how long a job waits for an eligible backend.
	MaxWait time.Duration
	// MaxAttempts bounds redirect retries per job.
	MaxAttempts  int
	InitParallel int
	// LoadStatusRetention is applied to instances built by Create.
	LoadStatusRetention time.Duration
	Permissions         *permissions.Registry
	Logger              zerolog.Logger
	Publisher           backend.EventPublisher
}

// member is a pool entry. mu guards the model-switch handshake: a switch only
// starts when no dispatched job runs on the instance, and no job starts while
// a switch is in progress.
type member struct {
	inst     *backend.Instance
	settings map[string]any

	mu        sync.Mutex
	jobs      int
	switching bool
}

// Handler owns the backend pool and routes jobs to it.
type Handler struct {
	mu      sync.RWMutex
	members map[int]*member
	models  []types.Model

	maxWait      time.Duration
	maxAttempts  int
	initParallel int
	retention    time.Duration
	perms        *permissions.Registry
	log          zerolog.Logger
	publisher    backend.EventPublisher
	startTime    time.Time

	jobSeq    atomic.Uint64
	jobs      atomic.Uint64
	redirects atomic.Uint64
}

// New constructs a Handler from cfg.
func New(cfg Config) *Handler {
	h := &Handler{
		members:      make(map[int]*member),
		models:       append([]types.Model(nil), cfg.Models...),
		maxWait:      cfg.MaxWait,
		maxAttempts:  cfg.MaxAttempts,
		initParallel: cfg.InitParallel,
		retention:    cfg.LoadStatusRetention,
		perms:        cfg.Permissions,
		log:          cfg.Logger,
		publisher:    cfg.Publisher,
		startTime:    time.Now(),
	}
	if h.maxWait <= 0 {
		h.maxWait = defaultMaxWait
	}
	if h.maxAttempts <= 0 {
		h.maxAttempts = defaultMaxAttempts
	}
	if h.initParallel <= 0 {
		h.initParallel = defaultInitParallel
	}
	if h.perms == nil {
		h.perms = permissions.Default
	}
	return h
}

// Add puts an externally constructed instance into the pool.
func (h *Handler) Add(inst *backend.Instance) error {
	return h.add(inst, nil)
}

func (h *Handler) add(inst *backend.Instance, settings map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[inst.ID()]; ok {
		return fmt.Errorf("backend %d already exists", inst.ID())
	}
	h.members[inst.ID()] = &member{inst: inst, settings: settings}
	h.log.Info().Int("backend_id", inst.ID()).Str("backend_type", inst.Type()).Bool("real", inst.Real()).Msg("backend added")
	return nil
}

// Create builds an instance of a registered backend type from its persisted
// configuration and adds it. Instances created this way are real; real=false
// creates an ephemeral instance that is left out of PersistedSpecs.
func (h *Handler) Create(bc config.BackendConfig, real bool) (*backend.Instance, error) {
	factory, ok := backend.LookupType(bc.Type)
	if !ok {
		return nil, fmt.Errorf("unknown backend type %q (registered: %v)", bc.Type, backend.TypeNames())
	}
	log := h.log.With().Str("component", "backend").Logger()
	impl, err := factory(bc.Settings, log)
	if err != nil {
		return nil, fmt.Errorf("backend %d (%s): %w", bc.ID, bc.Type, err)
	}
	title := bc.Title
	if title == "" {
		title = fmt.Sprintf("%s #%d", bc.Type, bc.ID)
	}
	inst := backend.New(backend.Config{
		ID:                  bc.ID,
		Type:                bc.Type,
		Title:               title,
		MaxUsages:           bc.MaxUsages,
		Enabled:             bc.IsEnabled(),
		Real:                real,
		CanLoadModels:       bc.LoadsModels(),
		Features:            bc.Features,
		LoadStatusRetention: h.retention,
		Logger:              log,
		Publisher:           h.publisher,
	}, impl)
	if err := h.add(inst, bc.Settings); err != nil {
		return nil, err
	}
	return inst, nil
}

// CreateAll builds every configured backend. It stops at the first error.
func (h *Handler) CreateAll(bcs []config.BackendConfig) error {
	for _, bc := range bcs {
		if _, err := h.Create(bc, true); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the instance with the given id.
func (h *Handler) Get(id int) (*backend.Instance, error) {
	m, err := h.member(id)
	if err != nil {
		return nil, err
	}
	return m.inst, nil
}

func (h *Handler) member(id int) (*member, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := h.members[id]
	if m == nil {
		return nil, ErrBackendNotFound(id)
	}
	return m, nil
}

// List returns the instances ordered by id.
func (h *Handler) List() []*backend.Instance {
	ms := h.snapshot()
	out := make([]*backend.Instance, len(ms))
	for i, m := range ms {
		out[i] = m.inst
	}
	return out
}

func (h *Handler) snapshot() []*member {
	h.mu.RLock()
	out := make([]*member, 0, len(h.members))
	for _, m := range h.members {
		out = append(out, m)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].inst.ID() < out[j].inst.ID() })
	return out
}

// ListModels returns a copy of the model registry.
func (h *Handler) ListModels() []types.Model {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.Model, len(h.models))
	copy(out, h.models)
	return out
}

// SetModels replaces the model registry, e.g. after a rescan.
func (h *Handler) SetModels(models []types.Model) {
	h.mu.Lock()
	h.models = append([]types.Model(nil), models...)
	h.mu.Unlock()
}

func (h *Handler) findModel(ref string) (types.Model, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return registry.Find(h.models, ref)
}

// Ready reports whether at least one instance can take a job now.
func (h *Handler) Ready() bool {
	for _, m := range h.snapshot() {
		if m.inst.Eligible() || m.inst.IsAlive() {
			return true
		}
	}
	return false
}

// remove drops id from the pool, returning the removed member.
func (h *Handler) remove(id int) (*member, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.members[id]
	if m == nil {
		return nil, ErrBackendNotFound(id)
	}
	delete(h.members, id)
	return m, nil
}

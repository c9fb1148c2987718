package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"backendd/internal/backend"
	"backendd/internal/permissions"
	"backendd/pkg/types"
)

var testModels = []types.Model{
	{ID: "a.safetensors", Name: "a", Format: "safetensors"},
	{ID: "b.safetensors", Name: "b", Format: "safetensors"},
}

var admin = permissions.Caller{Name: "root", Tier: permissions.TierAdmin}

// fake is an in-memory backend that tags outputs with its id.
type fake struct {
	id          int
	initErr     error
	loadErr     error
	loadGate    chan struct{} // if set, LoadModel blocks until closed
	loadStarted chan struct{} // receives one value per started LoadModel
	redirect    bool
	gate        chan struct{} // if set, Generate blocks until closed
	started     chan struct{} // receives one value per started Generate
	shutdownErr error
	freeResult  bool

	mu     sync.Mutex
	loaded []string

	genCalls      atomic.Int32
	shutdownCalls atomic.Int32
}

func (f *fake) Init(ctx context.Context, status *backend.LoadStatus) error {
	status.Add("fake: up")
	return f.initErr
}

func (f *fake) LoadModel(ctx context.Context, model types.Model, job *backend.JobContext) error {
	if f.loadStarted != nil {
		f.loadStarted <- struct{}{}
	}
	if f.loadGate != nil {
		select {
		case <-f.loadGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.loadErr != nil {
		return f.loadErr
	}
	f.mu.Lock()
	f.loaded = append(f.loaded, model.Name)
	f.mu.Unlock()
	return nil
}

func (f *fake) Generate(ctx context.Context, in backend.Input) ([]types.Output, error) {
	f.genCalls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.redirect {
		return nil, backend.ErrRedirect("fake overloaded")
	}
	return []types.Output{{Kind: types.OutputImage, Metadata: map[string]any{"backend": f.id, "job": in.JobID}}}, nil
}

func (f *fake) FreeMemory(ctx context.Context, systemRAM bool) bool { return f.freeResult }

func (f *fake) Shutdown(ctx context.Context) error {
	f.shutdownCalls.Add(1)
	return f.shutdownErr
}

func (f *fake) loads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loaded...)
}

type poolOpt func(*backend.Config)

func withFeatures(fs ...string) poolOpt { return func(c *backend.Config) { c.Features = fs } }
func withMaxUsages(n int) poolOpt       { return func(c *backend.Config) { c.MaxUsages = n } }
func ephemeral() poolOpt                { return func(c *backend.Config) { c.Real = false } }
func noModels() poolOpt                 { return func(c *backend.Config) { c.CanLoadModels = false } }

func newHandler(t *testing.T, cfg Config) *Handler {
	t.Helper()
	if cfg.Models == nil {
		cfg.Models = testModels
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 200 * time.Millisecond
	}
	cfg.Logger = zerolog.Nop()
	return New(cfg)
}

// addFake adds an initialized instance wrapping f.
func addFake(t *testing.T, h *Handler, f *fake, opts ...poolOpt) *backend.Instance {
	t.Helper()
	cfg := backend.Config{ID: f.id, Type: "fake", Enabled: true, Real: true, CanLoadModels: true, MaxUsages: 1, Logger: zerolog.Nop()}
	for _, o := range opts {
		o(&cfg)
	}
	inst := backend.New(cfg, f)
	require.NoError(t, h.Add(inst))
	require.NoError(t, inst.Init(context.Background()))
	return inst
}

// collect dispatches req and returns the ids of the backends that produced outputs.
func collect(t *testing.T, h *Handler, req types.GenerateRequest) ([]int, error) {
	t.Helper()
	var ids []int
	err := h.Dispatch(context.Background(), req, func(o types.Output) error {
		ids = append(ids, o.Metadata["backend"].(int))
		return nil
	})
	return ids, err
}

func waitStarted(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not start")
	}
}

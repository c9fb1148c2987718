package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"backendd/pkg/types"
)

// fakeBackend is a lightweight in-memory Backend used for tests. It only
// implements the blocking generation contract.
type fakeBackend struct {
	initErr     error
	initGate    chan struct{} // if set, Init blocks until closed
	loadErr     error
	outputs     []types.Output
	genErr      error
	genGate     chan struct{} // if set, Generate blocks until closed
	genStarted  chan struct{} // receives one value per started Generate
	shutdownErr error
	freeResult  bool

	mu        sync.Mutex
	loadedJob []*JobContext
	loaded    []string

	initCalls     atomic.Int32
	loadCalls     atomic.Int32
	genCalls      atomic.Int32
	shutdownCalls atomic.Int32
	freeCalls     atomic.Int32
}

func (f *fakeBackend) Init(ctx context.Context, status *LoadStatus) error {
	f.initCalls.Add(1)
	status.Add("fake: warming up")
	if f.initGate != nil {
		select {
		case <-f.initGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.initErr
}

func (f *fakeBackend) LoadModel(ctx context.Context, model types.Model, job *JobContext) error {
	f.loadCalls.Add(1)
	f.mu.Lock()
	f.loadedJob = append(f.loadedJob, job)
	f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.mu.Lock()
	f.loaded = append(f.loaded, model.Name)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Generate(ctx context.Context, in Input) ([]types.Output, error) {
	f.genCalls.Add(1)
	if f.genStarted != nil {
		f.genStarted <- struct{}{}
	}
	if f.genGate != nil {
		select {
		case <-f.genGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.genErr != nil {
		return nil, f.genErr
	}
	return f.outputs, nil
}

func (f *fakeBackend) FreeMemory(ctx context.Context, systemRAM bool) bool {
	f.freeCalls.Add(1)
	return f.freeResult
}

func (f *fakeBackend) Shutdown(ctx context.Context) error {
	f.shutdownCalls.Add(1)
	return f.shutdownErr
}

// liveFake adds native streaming on top of fakeBackend.
type liveFake struct {
	*fakeBackend
	previews int
}

func (l *liveFake) GenerateLive(ctx context.Context, in Input, batchID string, emit EmitFunc) error {
	for i := 0; i < l.previews; i++ {
		if err := emit(types.Output{Kind: types.OutputPreview, Metadata: map[string]any{"step": i, "batch": batchID}}); err != nil {
			return err
		}
	}
	for _, o := range l.outputs {
		if err := emit(o); err != nil {
			return err
		}
	}
	return nil
}

func testConfig(id int) Config {
	return Config{ID: id, Type: "fake", Title: "fake", MaxUsages: 1, Enabled: true, Real: true, CanLoadModels: true, Logger: zerolog.Nop()}
}

// newReady returns an initialized (IDLE) instance around f.
func newReady(t *testing.T, cfg Config, f Backend) *Instance {
	t.Helper()
	b := New(cfg, f)
	if err := b.Init(testCtx(t)); err != nil {
		t.Fatalf("init: %v", err)
	}
	if st := b.Status(); st != StatusIdle {
		t.Fatalf("expected idle after init, got %s", st)
	}
	return b
}

func images(n int) []types.Output {
	out := make([]types.Output, n)
	for i := range out {
		out[i] = types.Output{Kind: types.OutputImage, MIME: "image/png", Data: []byte{byte(i)}, BatchIndex: i}
	}
	return out
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func waitStarted(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("generation did not start")
	}
}

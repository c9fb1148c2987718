// Package sim provides a simulated image backend. It runs no generation
// algorithm; it sleeps for configurable durations and renders a flat
// placeholder PNG per requested image, which is enough to exercise the whole
// dispatch path end to end.
package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"backendd/internal/backend"
	"backendd/internal/config"
	"backendd/pkg/types"
)

// TypeName is the registered backend type.
const TypeName = "sim"

func init() {
	backend.MustRegisterType(TypeName, func(settings map[string]any, log zerolog.Logger) (backend.Backend, error) {
		var s Settings
		if err := config.DecodeSettings(settings, &s); err != nil {
			return nil, err
		}
		return New(s, log), nil
	})
}

// Settings tune the simulation.
type Settings struct {
	LoadDelayMs  int `yaml:"load_delay_ms"`
	ModelDelayMs int `yaml:"model_delay_ms"`
	StepDelayMs  int `yaml:"step_delay_ms"`
	DefaultSteps int `yaml:"default_steps"`
	// Models restricts loadable model names; empty accepts any.
	Models []string `yaml:"models"`
	// FailInit makes Init fail with this message.
	FailInit string `yaml:"fail_init"`
	// PreviewEvery emits a preview every N steps when streaming; 0 disables previews.
	PreviewEvery int `yaml:"preview_every"`
	// Size of placeholder images when the request gives none.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	// FreeMemoryAsyncMs defers memory release by this long; FreeMemory then
	// reports false and the release completes in the background.
	FreeMemoryAsyncMs int `yaml:"free_memory_async_ms"`
}

// Backend is the simulated implementation.
type Backend struct {
	s   Settings
	log zerolog.Logger

	mu        sync.Mutex
	ready     bool
	model     string
	sideModel []string
	vramMB    int
	closed    bool
	pending   *time.Timer
}

// New returns a simulated backend.
func New(s Settings, log zerolog.Logger) *Backend {
	if s.DefaultSteps <= 0 {
		s.DefaultSteps = 4
	}
	if s.Width <= 0 {
		s.Width = 64
	}
	if s.Height <= 0 {
		s.Height = 64
	}
	return &Backend{s: s, log: log}
}

func (b *Backend) Init(ctx context.Context, status *backend.LoadStatus) error {
	status.Add("sim: probing device")
	if err := sleep(ctx, b.s.LoadDelayMs); err != nil {
		return err
	}
	if b.s.FailInit != "" {
		return errors.New(b.s.FailInit)
	}
	status.Add("sim: device ready")
	b.mu.Lock()
	b.ready = true
	b.closed = false
	b.mu.Unlock()
	return nil
}

func (b *Backend) LoadModel(ctx context.Context, model types.Model, job *backend.JobContext) error {
	name := model.Name
	if name == "" {
		name = model.ID
	}
	if !b.allowed(name) {
		// Rejected before touching the loaded model.
		return &backend.ModelLoadError{Model: name, PriorIntact: true, Err: fmt.Errorf("model not available on this backend")}
	}
	b.mu.Lock()
	if !b.ready {
		b.mu.Unlock()
		return backend.ErrRedirect("sim backend not ready")
	}
	b.model = ""
	b.mu.Unlock()
	if err := sleep(ctx, b.s.ModelDelayMs); err != nil {
		return &backend.ModelLoadError{Model: name, Err: err}
	}
	b.mu.Lock()
	b.model = name
	b.vramMB = 1024
	b.sideModel = nil
	if job != nil {
		b.sideModel = append([]string(nil), job.SideModels...)
	}
	b.mu.Unlock()
	b.log.Debug().Str("model", name).Msg("sim model loaded")
	return nil
}

func (b *Backend) Generate(ctx context.Context, in backend.Input) ([]types.Output, error) {
	var outs []types.Output
	err := b.run(ctx, in, "", func(o types.Output) error {
		if o.IsFinal() {
			outs = append(outs, o)
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return outs, nil
}

func (b *Backend) GenerateLive(ctx context.Context, in backend.Input, batchID string, emit backend.EmitFunc) error {
	return b.run(ctx, in, batchID, emit, b.s.PreviewEvery > 0)
}

func (b *Backend) run(ctx context.Context, in backend.Input, batchID string, emit backend.EmitFunc, previews bool) error {
	b.mu.Lock()
	ready, closed, model := b.ready, b.closed, b.model
	b.mu.Unlock()
	if closed || !ready {
		return backend.ErrRedirect("sim backend not ready")
	}
	req := in.Request
	n := req.Images
	if n <= 0 {
		n = 1
	}
	steps := req.Steps
	if steps <= 0 {
		steps = b.s.DefaultSteps
	}
	w, h := req.Width, req.Height
	if w <= 0 {
		w = b.s.Width
	}
	if h <= 0 {
		h = b.s.Height
	}
	for i := 0; i < n; i++ {
		for step := 1; step <= steps; step++ {
			if err := sleep(ctx, b.s.StepDelayMs); err != nil {
				return err
			}
			if previews && step%b.s.PreviewEvery == 0 && step < steps {
				err := emit(types.Output{Kind: types.OutputPreview, BatchIndex: i, Metadata: map[string]any{
					"batch_id": batchID, "step": step, "steps": steps, "progress": float64(step) / float64(steps),
				}})
				if err != nil {
					return err
				}
			}
		}
		img, err := render(w, h, req.Seed+int64(i))
		if err != nil {
			return err
		}
		err = emit(types.Output{Kind: types.OutputImage, MIME: "image/png", Data: img, BatchIndex: i, Metadata: map[string]any{
			"model": model, "seed": req.Seed + int64(i), "steps": steps, "prompt": req.Prompt,
		}})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) FreeMemory(ctx context.Context, systemRAM bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vramMB == 0 {
		return true
	}
	if b.s.FreeMemoryAsyncMs > 0 {
		if b.pending == nil {
			b.pending = time.AfterFunc(time.Duration(b.s.FreeMemoryAsyncMs)*time.Millisecond, func() {
				b.mu.Lock()
				b.vramMB = 0
				b.pending = nil
				b.mu.Unlock()
			})
		}
		return false
	}
	b.vramMB = 0
	return true
}

func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		b.pending.Stop()
		b.pending = nil
	}
	b.ready = false
	b.closed = true
	b.model = ""
	b.vramMB = 0
	return nil
}

// Model returns the model the simulation believes is loaded.
func (b *Backend) Model() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

// VRAMMB reports the simulated VRAM use.
func (b *Backend) VRAMMB() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vramMB
}

func (b *Backend) allowed(name string) bool {
	if len(b.s.Models) == 0 {
		return true
	}
	for _, m := range b.s.Models {
		if m == name {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, ms int) error {
	if ms <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// render draws a flat image whose color derives from seed.
func render(w, h int, seed int64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: uint8(seed * 37), G: uint8(seed * 91), B: uint8(seed * 13), A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

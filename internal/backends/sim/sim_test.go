package sim

import (
	"bytes"
	"context"
	"image/png"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backendd/internal/backend"
	"backendd/pkg/types"
)

func newInstance(t *testing.T, s Settings) (*backend.Instance, *Backend) {
	t.Helper()
	impl := New(s, zerolog.Nop())
	inst := backend.New(backend.Config{ID: 1, Type: TypeName, Enabled: true, Real: true, CanLoadModels: true, MaxUsages: 2}, impl)
	return inst, impl
}

func TestRegisteredType(t *testing.T) {
	f, ok := backend.LookupType(TypeName)
	require.True(t, ok)
	b, err := f(map[string]any{"default_steps": 2, "models": []any{"a"}}, zerolog.Nop())
	require.NoError(t, err)
	sb, ok := b.(*Backend)
	require.True(t, ok)
	assert.Equal(t, 2, sb.s.DefaultSteps)
	assert.Equal(t, []string{"a"}, sb.s.Models)
}

func TestFactoryRejectsBadSettings(t *testing.T) {
	f, _ := backend.LookupType(TypeName)
	_, err := f(map[string]any{"default_steps": "many"}, zerolog.Nop())
	require.Error(t, err)
}

func TestInitAndGenerate(t *testing.T) {
	inst, impl := newInstance(t, Settings{Width: 8, Height: 8})
	ctx := context.Background()
	require.NoError(t, inst.Init(ctx))
	assert.Equal(t, backend.StatusIdle, inst.Status())

	msgs := inst.LoadStatus().Entries()
	require.NotEmpty(t, msgs)

	require.NoError(t, inst.LoadModel(ctx, types.Model{ID: "m.safetensors", Name: "m"}))
	assert.Equal(t, "m", inst.CurrentModel())
	assert.Equal(t, "m", impl.Model())

	outs, err := inst.Generate(ctx, backend.Input{Request: types.GenerateRequest{Prompt: "x", Images: 3, Seed: 7}})
	require.NoError(t, err)
	require.Len(t, outs, 3)
	for i, o := range outs {
		assert.Equal(t, types.OutputImage, o.Kind)
		assert.Equal(t, i, o.BatchIndex)
		img, err := png.Decode(bytes.NewReader(o.Data))
		require.NoError(t, err)
		assert.Equal(t, 8, img.Bounds().Dx())
	}
}

func TestInitFailure(t *testing.T) {
	inst, _ := newInstance(t, Settings{FailInit: "no device"})
	err := inst.Init(context.Background())
	require.Error(t, err)
	assert.True(t, backend.IsInitFailure(err))
	assert.Equal(t, backend.StatusErrored, inst.Status())
}

func TestRejectedModelKeepsPrior(t *testing.T) {
	inst, _ := newInstance(t, Settings{Models: []string{"a"}})
	ctx := context.Background()
	require.NoError(t, inst.Init(ctx))
	require.NoError(t, inst.LoadModel(ctx, types.Model{Name: "a"}))

	err := inst.LoadModel(ctx, types.Model{Name: "b"})
	require.Error(t, err)
	assert.True(t, backend.IsModelLoadFailure(err))
	assert.Equal(t, "a", inst.CurrentModel())
}

func TestCanceledModelLoadClearsModel(t *testing.T) {
	inst, _ := newInstance(t, Settings{ModelDelayMs: 500})
	require.NoError(t, inst.Init(context.Background()))
	require.NoError(t, inst.LoadModel(context.Background(), types.Model{Name: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := inst.LoadModel(ctx, types.Model{Name: "b"})
	require.Error(t, err)
	assert.True(t, backend.IsModelLoadFailure(err))
	assert.Equal(t, "", inst.CurrentModel())
}

func TestStreamingPreviews(t *testing.T) {
	inst, _ := newInstance(t, Settings{DefaultSteps: 4, PreviewEvery: 1})
	ctx := context.Background()
	require.NoError(t, inst.Init(ctx))

	var kinds []string
	err := inst.GenerateLive(ctx, backend.Input{Request: types.GenerateRequest{Images: 2}}, "b1", func(o types.Output) error {
		kinds = append(kinds, o.Kind)
		return nil
	})
	require.NoError(t, err)
	// 3 previews (steps 1..3) plus one final image, per image.
	assert.Len(t, kinds, 8)
	finals := 0
	for _, k := range kinds {
		if k == types.OutputImage {
			finals++
		}
	}
	assert.Equal(t, 2, finals)
}

func TestGenerateAfterShutdownRedirects(t *testing.T) {
	impl := New(Settings{}, zerolog.Nop())
	require.NoError(t, impl.Init(context.Background(), backend.NewLoadStatus(zerolog.Nop())))
	require.NoError(t, impl.Shutdown(context.Background()))
	_, err := impl.Generate(context.Background(), backend.Input{})
	assert.True(t, backend.IsRedirect(err))
}

func TestFreeMemory(t *testing.T) {
	ctx := context.Background()
	impl := New(Settings{}, zerolog.Nop())
	require.NoError(t, impl.Init(ctx, backend.NewLoadStatus(zerolog.Nop())))
	require.NoError(t, impl.LoadModel(ctx, types.Model{Name: "a"}, nil))
	assert.Equal(t, 1024, impl.VRAMMB())
	assert.True(t, impl.FreeMemory(ctx, false))
	assert.Equal(t, 0, impl.VRAMMB())
}

func TestFreeMemoryAsync(t *testing.T) {
	ctx := context.Background()
	impl := New(Settings{FreeMemoryAsyncMs: 5}, zerolog.Nop())
	require.NoError(t, impl.Init(ctx, backend.NewLoadStatus(zerolog.Nop())))
	require.NoError(t, impl.LoadModel(ctx, types.Model{Name: "a"}, nil))
	assert.False(t, impl.FreeMemory(ctx, true))
	assert.Eventually(t, func() bool { return impl.VRAMMB() == 0 }, time.Second, 5*time.Millisecond)
}

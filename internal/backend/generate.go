package backend

import (
	"context"

	"backendd/pkg/types"
)

// GenerateLive streams a job through g. Backends implementing LiveGenerator
// stream natively; any other Generator runs to completion and each final
// output is emitted once, in order.
func GenerateLive(ctx context.Context, g Generator, in Input, batchID string, emit EmitFunc) error {
	if lg, ok := g.(LiveGenerator); ok {
		return lg.GenerateLive(ctx, in, batchID, emit)
	}
	outs, err := g.Generate(ctx, in)
	if err != nil {
		return err
	}
	for _, o := range outs {
		if err := emit(o); err != nil {
			return err
		}
	}
	return nil
}

// Generate runs a blocking job, occupying one usage slot for its duration.
// A redirect error means the instance cannot take the job right now, which
// includes while it is reserved.
func (b *Instance) Generate(ctx context.Context, in Input) ([]types.Output, error) {
	return b.generate(ctx, in, false)
}

// GenerateReserved is Generate for the holder of a reservation.
func (b *Instance) GenerateReserved(ctx context.Context, in Input) ([]types.Output, error) {
	return b.generate(ctx, in, true)
}

// GenerateLive runs a streaming job, occupying one usage slot for its duration.
func (b *Instance) GenerateLive(ctx context.Context, in Input, batchID string, emit EmitFunc) error {
	return b.generateLive(ctx, in, batchID, emit, false)
}

// GenerateLiveReserved is GenerateLive for the holder of a reservation.
func (b *Instance) GenerateLiveReserved(ctx context.Context, in Input, batchID string, emit EmitFunc) error {
	return b.generateLive(ctx, in, batchID, emit, true)
}

func (b *Instance) generate(ctx context.Context, in Input, privileged bool) ([]types.Output, error) {
	release, err := b.acquireUsage(privileged)
	if err != nil {
		return nil, err
	}
	defer release()
	return b.impl.Generate(ctx, in)
}

func (b *Instance) generateLive(ctx context.Context, in Input, batchID string, emit EmitFunc, privileged bool) error {
	release, err := b.acquireUsage(privileged)
	if err != nil {
		return err
	}
	defer release()
	return GenerateLive(ctx, b.impl, in, batchID, emit)
}

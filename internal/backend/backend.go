package backend

import (
	"context"

	"backendd/pkg/types"
)

// Backend is implemented by concrete compute workers. The Instance wrapping a
// Backend serializes lifecycle bookkeeping, so implementations only deal with
// their own resources.
type Backend interface {
	// Init brings the backend up. It must either complete successfully or return
	// an error; progress messages go to status.
	Init(ctx context.Context, status *LoadStatus) error
	// LoadModel makes model the active model. job is nil when the caller has no
	// per-request preferences. Implementations that fail before discarding the
	// previous model should return a *ModelLoadError with PriorIntact set.
	LoadModel(ctx context.Context, model types.Model, job *JobContext) error
	Generator
	// FreeMemory asks the backend to release VRAM (and system RAM when
	// systemRAM is set) without shutting down. false means nothing was freed
	// yet; it may still happen asynchronously shortly after.
	FreeMemory(ctx context.Context, systemRAM bool) bool
	// Shutdown releases every handle, subprocess and buffer the backend owns.
	// It must not return before they are released, or must return an error.
	Shutdown(ctx context.Context) error
}

// Generator is the blocking generation contract.
type Generator interface {
	// Generate runs a job to completion and returns only its final outputs.
	Generate(ctx context.Context, in Input) ([]types.Output, error)
}

// LiveGenerator is implemented by backends that can stream intermediate
// previews. Backends without it are streamed through GenerateLive.
type LiveGenerator interface {
	GenerateLive(ctx context.Context, in Input, batchID string, emit EmitFunc) error
}

// EmitFunc receives streamed outputs. Returning an error aborts the job.
type EmitFunc func(types.Output) error

// Input describes one generation job.
type Input struct {
	JobID   string
	Request types.GenerateRequest
	// Model resolved from Request.Model; zero when the request named none.
	Model types.Model
}

// JobContext carries the per-request preferences a backend may consult while
// switching models.
type JobContext struct {
	JobID      string
	SideModels []string
	Features   []string
}

// NewJobContext derives the model-loading context of a job.
func NewJobContext(in Input) *JobContext {
	return &JobContext{
		JobID:      in.JobID,
		SideModels: append([]string(nil), in.Request.SideModels...),
		Features:   append([]string(nil), in.Request.Features...),
	}
}

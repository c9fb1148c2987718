package types

// Model represents a loadable generation model discovered on disk.
type Model struct {
	// Stable identifier for the model (file name relative to the models dir).
	// example: sdxl-base-1.0.safetensors
	ID string `json:"id" example:"sdxl-base-1.0.safetensors"`
	// Name backends report as their current model.
	// example: sdxl-base-1.0
	Name string `json:"name" example:"sdxl-base-1.0"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/sdxl-base-1.0.safetensors
	Path string `json:"path" example:"/home/user/models/sdxl-base-1.0.safetensors"`
	// File format, derived from the extension.
	// example: safetensors
	Format string `json:"format" example:"safetensors"`
	// Optional architecture class (e.g., sd15, sdxl, flux).
	// example: sdxl
	Class string `json:"class,omitempty" example:"sdxl"`
}

// Output is one artifact produced by a generation job.
type Output struct {
	// Kind of artifact: image, preview, or metadata.
	// example: image
	Kind string `json:"kind" example:"image"`
	// MIME type of Data.
	// example: image/png
	MIME string `json:"mime,omitempty" example:"image/png"`
	// Raw artifact bytes (base64 in JSON).
	Data []byte `json:"data,omitempty"`
	// Free-form metadata (seed, step, progress).
	Metadata map[string]any `json:"metadata,omitempty"`
	// Index of the image within its batch.
	// example: 0
	BatchIndex int `json:"batch_index" example:"0"`
}

// Output kinds.
const (
	OutputImage    = "image"
	OutputPreview  = "preview"
	OutputMetadata = "metadata"
)

// IsFinal reports whether o is a terminal artifact rather than a progress update.
func (o Output) IsFinal() bool { return o.Kind == OutputImage }

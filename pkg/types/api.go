package types

// GenerateRequest represents a generation request payload.
type GenerateRequest struct {
	// Optional model identifier. If empty, any loaded model is accepted.
	// example: sdxl-base-1.0.safetensors
	Model string `json:"model,omitempty" example:"sdxl-base-1.0.safetensors"`
	// Required prompt text.
	// example: a lighthouse at dusk, oil painting
	Prompt string `json:"prompt" example:"a lighthouse at dusk, oil painting"`
	// Optional negative prompt.
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// Number of images to produce.
	// example: 2
	Images int `json:"images,omitempty" example:"2"`
	// Sampling steps.
	// example: 20
	Steps int `json:"steps,omitempty" example:"20"`
	// Output width in pixels.
	// example: 1024
	Width int `json:"width,omitempty" example:"1024"`
	// Output height in pixels.
	// example: 1024
	Height int `json:"height,omitempty" example:"1024"`
	// Random seed; 0 lets the backend choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Side models (LoRAs, adapters) requested alongside the base model.
	// example: ["detail-tweaker.safetensors"]
	SideModels []string `json:"side_models,omitempty"`
	// Features the chosen backend must declare.
	// example: ["controlnet"]
	Features []string `json:"features,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// LoadStatusEntry is one progress message recorded while a backend loads.
type LoadStatusEntry struct {
	// Human-readable message.
	// example: loading model weights
	Message string `json:"message" example:"loading model weights"`
	// Time the message was recorded (unix milliseconds).
	// example: 1700000000000
	TimeUnixMs int64 `json:"time_unix_ms" example:"1700000000000"`
	// Position in the log; poll with since=<index+1> for newer entries.
	// example: 3
	Index int `json:"index" example:"3"`
}

// LoadStatusResponse is returned by GET /backends/{id}/load-status.
type LoadStatusResponse struct {
	Entries []LoadStatusEntry `json:"entries"`
	// Index to pass as since on the next poll.
	// example: 4
	Next int `json:"next" example:"4"`
}

// BackendStatus summarizes a backend instance for /backends.
type BackendStatus struct {
	// Numeric identifier of the instance.
	// example: 0
	ID int `json:"id" example:"0"`
	// Backend type name.
	// example: sim
	Type string `json:"type" example:"sim"`
	// Operator-visible title.
	// example: GPU 0
	Title string `json:"title" example:"GPU 0"`
	// Lifecycle status (disabled, errored, waiting, loading, idle, running).
	// example: idle
	Status string `json:"status" example:"idle"`
	// Whether the operator enabled the instance.
	// example: true
	Enabled bool `json:"enabled" example:"true"`
	// False for ephemeral instances spawned internally.
	// example: true
	Real bool `json:"real" example:"true"`
	// Whether the instance accepts model switches.
	// example: true
	CanLoadModels bool `json:"can_load_models" example:"true"`
	// Name of the loaded model, empty when none.
	// example: sdxl-base-1.0
	CurrentModel string `json:"current_model,omitempty" example:"sdxl-base-1.0"`
	// Maximum concurrent jobs.
	// example: 1
	MaxUsages int `json:"max_usages" example:"1"`
	// Jobs currently executing.
	// example: 0
	InFlight int `json:"inflight" example:"0"`
	// Outstanding privileged reservations.
	// example: 0
	Reservations int `json:"reservations" example:"0"`
	// True once shutdown began.
	ShuttingDown bool `json:"shutting_down,omitempty"`
	// Declared features.
	Features []string `json:"features,omitempty"`
	// Last lifecycle error, if any.
	LastError string `json:"last_error,omitempty"`
}

// StatusResponse is returned by GET /backends.
type StatusResponse struct {
	// All managed backend instances.
	Backends []BackendStatus `json:"backends"`
	// Number of instances eligible for ordinary dispatch.
	// example: 2
	Eligible int `json:"eligible" example:"2"`
	// Number of instances currently loading.
	// example: 0
	Loading int `json:"loading" example:"0"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total jobs dispatched.
	// example: 12
	JobsTotal uint64 `json:"jobs_total" example:"12"`
	// Total redirects observed.
	// example: 1
	RedirectsTotal uint64 `json:"redirects_total" example:"1"`
}

// GenerateDone is the final NDJSON line of a successful /generate stream.
type GenerateDone struct {
	// Always true.
	Done bool `json:"done" example:"true"`
	// Number of outputs streamed before this line.
	// example: 4
	Outputs int `json:"outputs" example:"4"`
	// Wall time of the job in milliseconds.
	// example: 5300
	DurationMs int64 `json:"duration_ms" example:"5300"`
}

// ActionResponse acknowledges an operator action on a backend.
type ActionResponse struct {
	// Backend the action applied to.
	// example: 0
	ID int `json:"id" example:"0"`
	// Action name (enable, disable, restart, free-memory, remove).
	// example: restart
	Action string `json:"action" example:"restart"`
	// Whether memory was released synchronously; only set by free-memory.
	Freed *bool `json:"freed,omitempty"`
}

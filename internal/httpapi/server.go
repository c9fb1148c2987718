package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"backendd/internal/backend"
	"backendd/internal/dispatch"
	"backendd/internal/permissions"
	"backendd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	Authorize(caller permissions.Caller, key permissions.Key) error
	Dispatch(ctx context.Context, req types.GenerateRequest, emit backend.EmitFunc) error
	LoadStatus(id, since int) ([]backend.LoadStatusEntry, int, error)
	Enable(caller permissions.Caller, id int) error
	Disable(caller permissions.Caller, id int) error
	Restart(ctx context.Context, caller permissions.Caller, id int) error
	FreeMemory(ctx context.Context, caller permissions.Caller, id int, systemRAM bool) (bool, error)
	Remove(ctx context.Context, caller permissions.Caller, id int) error
}

var _ Service = (*dispatch.Handler)(nil)

type server struct {
	svc Service
}

// NewMux builds the HTTP API router.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(corsAllowedOrigins, []string{"*"}),
			AllowedMethods: orDefault(corsAllowedMethods, []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
			AllowedHeaders: orDefault(corsAllowedHeaders, []string{"Content-Type", UserHeader, "X-Log-Level", "X-Request-Id"}),
			MaxAge:         300,
		}))
	}
	// Compression for JSON endpoints; NDJSON is not in the default type list.
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	s := &server{svc: svc}
	r.Get("/models", s.models)
	r.Get("/backends", s.backends)
	r.Get("/backends/{id}/load-status", s.loadStatus)
	r.Post("/backends/{id}/enable", s.action("enable", func(_ context.Context, c permissions.Caller, id int) error {
		return svc.Enable(c, id)
	}))
	r.Post("/backends/{id}/disable", s.action("disable", func(_ context.Context, c permissions.Caller, id int) error {
		return svc.Disable(c, id)
	}))
	r.Post("/backends/{id}/restart", s.action("restart", svc.Restart))
	r.Delete("/backends/{id}", s.action("remove", svc.Remove))
	r.Post("/backends/{id}/free-memory", s.freeMemory)
	r.Post("/generate", s.generate)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

func (s *server) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: s.svc.ListModels()})
}

func (s *server) backends(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, permissions.ViewBackends); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *server) loadStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, permissions.ViewBackends); !ok {
		return
	}
	id, ok := backendID(w, r)
	if !ok {
		return
	}
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	entries, next, err := s.svc.LoadStatus(id, since)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := types.LoadStatusResponse{Entries: make([]types.LoadStatusEntry, len(entries)), Next: next}
	for i, e := range entries {
		resp.Entries[i] = types.LoadStatusEntry{Message: e.Message, TimeUnixMs: e.Time.UnixMilli(), Index: e.TrackerIndex}
	}
	writeJSON(w, http.StatusOK, resp)
}

type opFunc func(ctx context.Context, caller permissions.Caller, id int) error

// action wraps a permission-gated operator call on one backend. The
// permission itself is checked by the service.
func (s *server) action(name string, op opFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		id, ok := backendID(w, r)
		if !ok {
			return
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := op(ctx, caller, id); err != nil {
			s.fail(w, r, err)
			return
		}
		l := reqLogger(r)
		l.Info().Str("caller", caller.Name).Int("backend_id", id).Str("action", name).Msg("backend action")
		writeJSON(w, http.StatusOK, types.ActionResponse{ID: id, Action: name})
	}
}

func (s *server) freeMemory(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, ok := backendID(w, r)
	if !ok {
		return
	}
	systemRAM := r.URL.Query().Get("system_ram") == "1" || r.URL.Query().Get("system_ram") == "true"
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	freed, err := s.svc.FreeMemory(ctx, caller, id, systemRAM)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ActionResponse{ID: id, Action: "free-memory", Freed: &freed})
}

func (s *server) generate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authorize(w, r, permissions.Generate)
	if !ok {
		return
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	lvl := requestLogLevel(r)
	l := reqLogger(r)
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if generateTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, generateTimeout)
		defer cancelTimeout()
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	streamed := 0
	begin := func() {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
	emit := func(o types.Output) error {
		if streamed == 0 {
			begin()
		}
		streamed++
		streamedOutputsTotal.WithLabelValues(o.Kind).Inc()
		if lvl >= LevelDebug {
			logOutput(l, o)
		}
		if err := enc.Encode(o); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	start := time.Now()
	if lvl >= LevelInfo {
		l.Info().Str("model", req.Model).Str("caller", caller.Name).Int("images", req.Images).Msg("generate start")
	}
	err := s.svc.Dispatch(ctx, req, emit)
	if err != nil {
		// Client went away or the server is stopping; nobody reads the answer.
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		code := statusFor(err)
		if code == http.StatusTooManyRequests {
			IncrementBackpressure(backpressureReason(err))
		}
		if streamed == 0 {
			writeJSONError(w, code, err.Error())
		} else {
			_ = enc.Encode(types.ErrorResponse{Error: err.Error(), Code: code})
		}
		if lvl >= LevelError {
			l.Warn().Int("status", code).Int("outputs", streamed).Dur("dur", time.Since(start)).Err(err).Msg("generate end")
		}
		return
	}
	if streamed == 0 {
		begin()
	}
	_ = enc.Encode(types.GenerateDone{Done: true, Outputs: streamed, DurationMs: time.Since(start).Milliseconds()})
	if flusher != nil {
		flusher.Flush()
	}
	if lvl >= LevelInfo {
		l.Info().Int("status", http.StatusOK).Int("outputs", streamed).Dur("dur", time.Since(start)).Msg("generate end")
	}
}

func validate(req types.GenerateRequest) error {
	switch {
	case strings.TrimSpace(req.Prompt) == "":
		return fmt.Errorf("prompt is required")
	case req.Images < 0 || req.Steps < 0 || req.Width < 0 || req.Height < 0:
		return fmt.Errorf("images, steps, width and height must not be negative")
	}
	return nil
}

// authorize resolves the caller and checks key. It writes the error response
// and returns false when the request must stop.
func (s *server) authorize(w http.ResponseWriter, r *http.Request, key permissions.Key) (permissions.Caller, bool) {
	caller, err := callerFrom(r)
	if err == nil {
		err = s.svc.Authorize(caller, key)
	}
	if err != nil {
		s.fail(w, r, err)
		return caller, false
	}
	return caller, true
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusTooManyRequests {
		IncrementBackpressure(backpressureReason(err))
	}
	if code >= http.StatusInternalServerError {
		l := reqLogger(r)
		l.Error().Int("status", code).Err(err).Msg("request failed")
	}
	writeJSONError(w, code, err.Error())
}

func backendID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "backend id must be an integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger().Warn().Err(err).Msg("encode response")
	}
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

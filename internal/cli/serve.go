package cli

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"backendd/internal/backend"
	_ "backendd/internal/backends/sim"
	"backendd/internal/config"
	"backendd/internal/dispatch"
	"backendd/internal/httpapi"
	"backendd/internal/registry"
	"backendd/pkg/types"
)

func newServeCmd(a *app) *cobra.Command {
	so := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the backend pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Config
			if a.opts.ConfigPath != "" {
				loaded, err := config.Load(a.opts.ConfigPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			cfg = so.resolve(cmd, cfg)
			if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
				a.opts.LogLevel = cfg.LogLevel
			}
			if !cmd.Flags().Changed("log-format") && cfg.LogFormat != "" {
				a.opts.LogFormat = cfg.LogFormat
			}
			l, err := newLogger(a.errw, a.opts.LogLevel, a.opts.LogFormat)
			if err != nil {
				return err
			}
			a.log = l
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, cfg, so)
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.Addr, "addr", envStr("BACKENDD_ADDR", defaultAddr), "HTTP listen address, e.g. :8080")
	f.StringVar(&so.ModelsDir, "models-dir", envStr("BACKENDD_MODELS_DIR", defaultModelsDir), "Directory to scan for model files")
	f.DurationVar(&so.MaxWait, "max-wait", defaultMaxWait, "How long a job waits for a free backend before 429")
	f.IntVar(&so.MaxAttempts, "max-attempts", envInt("BACKENDD_MAX_ATTEMPTS", defaultMaxAttempts), "Redirect retries per job")
	f.BoolVar(&so.CORS, "cors", envBool("BACKENDD_CORS", false), "Enable CORS")
	f.StringSliceVar(&so.CORSOrigins, "cors-origins", nil, "Allowed CORS origins (comma separated)")
	f.BoolVar(&so.SaveBackends, "save-backends", false, "Write the backend list back to --config on shutdown")
	f.DurationVar(&so.GenTimeout, "generate-timeout", 0, "Upper bound for one /generate request (0 disables)")
	f.Int64Var(&so.MaxBodyBytes, "max-body-bytes", defaultMaxBodyBytes, "Maximum /generate request body size in bytes")
	return cmd
}

// buildHandler creates the pool described by cfg.
func (a *app) buildHandler(cfg config.Config) (*dispatch.Handler, error) {
	models, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		a.log.Warn().Str("models_dir", cfg.ModelsDir).Msg("models dir missing; starting with an empty registry")
		models = []types.Model{}
	}
	h := dispatch.New(dispatch.Config{
		Models:              models,
		MaxWait:             ms(cfg.MaxWaitMs),
		MaxAttempts:         cfg.MaxAttempts,
		LoadStatusRetention: ms(cfg.LoadStatusRetentionMs),
		Logger:              a.log,
		Publisher:           backend.LogPublisher{Log: a.log.With().Str("component", "events").Logger()},
	})
	if err := h.CreateAll(cfg.Backends); err != nil {
		return nil, err
	}
	a.log.Info().Int("models", len(models)).Int("backends", len(cfg.Backends)).Msg("pool configured")
	return h, nil
}

func (a *app) serve(ctx context.Context, cfg config.Config, so *serveOptions) error {
	h, err := a.buildHandler(cfg)
	if err != nil {
		return err
	}
	httpapi.SetLogger(a.log.With().Str("component", "http").Logger())
	if err := httpapi.SetUsers(cfg.Users, cfg.AnonymousTier); err != nil {
		return err
	}
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins, nil, nil)
	httpapi.SetGenerateTimeout(so.GenTimeout)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := h.InitAll(ctx); err != nil {
			a.log.Error().Err(err).Msg("some backends failed to initialize")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Msg("backendd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	timeout := ms(cfg.ShutdownTimeoutMs)
	a.log.Info().Dur("timeout", timeout).Msg("shutting down")
	a.stopAll(timeout, srv.Shutdown, cancelBase, h.ShutdownAll)
	if so.SaveBackends && a.opts.ConfigPath != "" {
		cfg.Backends = h.PersistedSpecs()
		if err := config.Save(a.opts.ConfigPath, cfg); err != nil {
			a.log.Error().Err(err).Msg("save backends")
		}
	}
	return serveErr
}

// stopAll drains HTTP, aborts in-flight jobs, then releases the backends.
// Each phase gets its own timeout so a slow HTTP drain cannot starve the
// backend release.
func (a *app) stopAll(timeout time.Duration, stopHTTP func(context.Context) error, abortJobs func(), stopPool func(context.Context) error) {
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), timeout)
	defer cancelHTTP()
	if err := stopHTTP(httpCtx); err != nil {
		a.log.Warn().Err(err).Msg("graceful HTTP shutdown incomplete; aborting in-flight jobs")
	}
	abortJobs()
	poolCtx, cancelPool := context.WithTimeout(context.Background(), timeout)
	defer cancelPool()
	if err := stopPool(poolCtx); err != nil {
		a.log.Error().Err(err).Msg("backend shutdown failures")
	}
}

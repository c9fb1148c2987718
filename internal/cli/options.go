package cli

import (
	"time"

	"github.com/spf13/cobra"

	"backendd/internal/config"
)

// Defaults applied when neither flags nor the config file set a value.
const (
	defaultAddr            = ":8080"
	defaultModelsDir       = "~/models/image"
	defaultMaxWait         = 30 * time.Second
	defaultMaxAttempts     = 3
	defaultShutdownTimeout = 10 * time.Second
	defaultAnonymousTier   = "user"
	defaultMaxBodyBytes    = 1 << 20
)

// Options are the global flags shared by every subcommand.
type Options struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// serveOptions are the flags of `serve`. They override the config file when
// set explicitly.
type serveOptions struct {
	Addr         string
	ModelsDir    string
	MaxWait      time.Duration
	MaxAttempts  int
	CORS         bool
	CORSOrigins  []string
	SaveBackends bool
	GenTimeout   time.Duration
	MaxBodyBytes int64
}

// resolve merges the config file, explicitly set flags and defaults.
func (o *serveOptions) resolve(cmd *cobra.Command, cfg config.Config) config.Config {
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if changed("addr") || cfg.Addr == "" {
		cfg.Addr = o.Addr
	}
	if changed("models-dir") || cfg.ModelsDir == "" {
		cfg.ModelsDir = o.ModelsDir
	}
	if changed("max-wait") || cfg.MaxWaitMs <= 0 {
		cfg.MaxWaitMs = int(o.MaxWait / time.Millisecond)
	}
	if changed("max-attempts") || cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = o.MaxAttempts
	}
	if changed("cors") {
		cfg.CORSEnabled = o.CORS
	}
	if changed("cors-origins") {
		cfg.CORSOrigins = o.CORSOrigins
	}
	if changed("max-body-bytes") || cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = o.MaxBodyBytes
	}
	if cfg.ShutdownTimeoutMs <= 0 {
		cfg.ShutdownTimeoutMs = int(defaultShutdownTimeout / time.Millisecond)
	}
	if cfg.AnonymousTier == "" {
		cfg.AnonymousTier = defaultAnonymousTier
	}
	return cfg
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

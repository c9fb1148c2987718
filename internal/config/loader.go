package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr                  string          `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir             string          `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	LogLevel              string          `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat             string          `json:"log_format" yaml:"log_format" toml:"log_format"`
	MaxWaitMs             int             `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
	MaxAttempts           int             `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	LoadStatusRetentionMs int             `json:"load_status_retention_ms" yaml:"load_status_retention_ms" toml:"load_status_retention_ms"`
	ShutdownTimeoutMs     int             `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms" toml:"shutdown_timeout_ms"`
	MaxBodyBytes          int64           `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORSEnabled           bool            `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins           []string        `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins,omitempty"`
	AnonymousTier         string          `json:"anonymous_tier" yaml:"anonymous_tier" toml:"anonymous_tier"`
	Users                 []User          `json:"users" yaml:"users" toml:"users,omitempty"`
	Backends              []BackendConfig `json:"backends" yaml:"backends" toml:"backends,omitempty"`
}

// User maps a caller name to a permission tier and explicit overrides.
type User struct {
	Name  string   `json:"name" yaml:"name" toml:"name"`
	Tier  string   `json:"tier" yaml:"tier" toml:"tier"`
	Grant []string `json:"grant,omitempty" yaml:"grant,omitempty" toml:"grant,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty" toml:"deny,omitempty"`
}

// BackendConfig is the persisted form of one backend instance. Nil booleans
// default to true.
type BackendConfig struct {
	ID            int            `json:"id" yaml:"id" toml:"id"`
	Type          string         `json:"type" yaml:"type" toml:"type"`
	Title         string         `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	MaxUsages     int            `json:"max_usages,omitempty" yaml:"max_usages,omitempty" toml:"max_usages,omitempty"`
	CanLoadModels *bool          `json:"can_load_models,omitempty" yaml:"can_load_models,omitempty" toml:"can_load_models,omitempty"`
	Features      []string       `json:"features,omitempty" yaml:"features,omitempty" toml:"features,omitempty"`
	Settings      map[string]any `json:"settings,omitempty" yaml:"settings,omitempty" toml:"settings,omitempty"`
}

// IsEnabled resolves the Enabled default.
func (b BackendConfig) IsEnabled() bool { return b.Enabled == nil || *b.Enabled }

// LoadsModels resolves the CanLoadModels default.
func (b BackendConfig) LoadsModels() bool { return b.CanLoadModels == nil || *b.CanLoadModels }

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks backend ids are unique and typed.
func (c Config) Validate() error {
	seen := make(map[int]bool, len(c.Backends))
	for _, b := range c.Backends {
		if strings.TrimSpace(b.Type) == "" {
			return fmt.Errorf("backend %d: type is required", b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("backend %d: duplicate id", b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}

// Save writes cfg in the format implied by the extension, replacing the file
// atomically.
func Save(path string, cfg Config) error {
	var (
		b   []byte
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		b, err = yaml.Marshal(cfg)
	case ".json":
		b, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		b, err = toml.Marshal(cfg)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// DecodeSettings converts a backend's free-form settings into out (a pointer
// to a struct with yaml tags).
func DecodeSettings(settings map[string]any, out any) error {
	if len(settings) == 0 {
		return nil
	}
	b, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ivanvanderbyl/magreflow"
)

// ServiceConfig holds the full service configuration.
type ServiceConfig struct {
	Listen     string                 `yaml:"listen"`
	LogLevel   string                 `yaml:"log_level"`
	DBPath     string                 `yaml:"db_path"`
	Assets     AssetsConfig           `yaml:"assets"`
	Source     SourceConfig           `yaml:"source"`
	PDFium     magreflow.PDFiumConfig `yaml:"pdfium"`
	Heuristics magreflow.Config       `yaml:"heuristics"`
}

// AssetsConfig selects and configures the asset store.
type AssetsConfig struct {
	Backend string `yaml:"backend"` // file | supabase
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
	Bucket  string `yaml:"bucket"`

	// Secrets, usually from SUPABASE_URL / SUPABASE_SERVICE_KEY.
	SupabaseURL        string `yaml:"supabase_url"`
	SupabaseServiceKey string `yaml:"supabase_service_key"`
}

// SourceConfig configures where documents are fetched from.
type SourceConfig struct {
	Root  string `yaml:"root"`
	Drive bool   `yaml:"drive"`

	// Secrets, usually from GOOGLE_CLIENT_EMAIL / GOOGLE_PRIVATE_KEY.
	GoogleClientEmail string `yaml:"google_client_email"`
	GooglePrivateKey  string `yaml:"google_private_key"`
}

// DefaultServiceConfig returns sane defaults: local file assets, no Drive.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Listen:   ":8000",
		LogLevel: "info",
		DBPath:   "magreflow.db",
		Assets: AssetsConfig{
			Backend: "file",
			Dir:     "assets",
			Bucket:  "magazine-pages",
		},
		PDFium:     magreflow.DefaultPDFiumConfig(),
		Heuristics: magreflow.DefaultConfig(),
	}
}

// LoadServiceConfig reads the YAML file at path (when path is not empty) over
// the defaults, applies environment overrides and validates the result.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

func (c *ServiceConfig) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Assets.SupabaseURL, "SUPABASE_URL")
	set(&c.Assets.SupabaseServiceKey, "SUPABASE_SERVICE_KEY")
	set(&c.Source.GoogleClientEmail, "GOOGLE_CLIENT_EMAIL")
	set(&c.Source.GooglePrivateKey, "GOOGLE_PRIVATE_KEY")
	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.Listen, "LISTEN_ADDR")
}

// Validate checks that the selected backends have what they need. Every
// failure is a *magreflow.ConfigError.
func (c *ServiceConfig) Validate() error {
	if c.DBPath == "" {
		return &magreflow.ConfigError{Field: "db_path", Reason: "is required"}
	}
	switch c.Assets.Backend {
	case "file":
		if c.Assets.Dir == "" {
			return &magreflow.ConfigError{Field: "assets.dir", Reason: "is required for the file backend"}
		}
	case "supabase":
		if c.Assets.SupabaseURL == "" {
			return &magreflow.ConfigError{Field: "SUPABASE_URL", Reason: "is required for the supabase backend"}
		}
		if c.Assets.SupabaseServiceKey == "" {
			return &magreflow.ConfigError{Field: "SUPABASE_SERVICE_KEY", Reason: "is required for the supabase backend"}
		}
	default:
		return &magreflow.ConfigError{Field: "assets.backend", Reason: fmt.Sprintf("must be file or supabase, got %q", c.Assets.Backend)}
	}
	if c.Source.Drive {
		if c.Source.GoogleClientEmail == "" || c.Source.GooglePrivateKey == "" {
			return &magreflow.ConfigError{Field: "GOOGLE_CLIENT_EMAIL/GOOGLE_PRIVATE_KEY", Reason: "are required when drive is enabled"}
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PDFium.MaxTotal < 1 {
		return &magreflow.ConfigError{Field: "pdfium.max_total", Reason: "must be at least 1"}
	}
	if err := c.Heuristics.Validate(); err != nil {
		return &magreflow.ConfigError{Field: "heuristics", Reason: err.Error()}
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, &magreflow.ConfigError{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", s)}
}

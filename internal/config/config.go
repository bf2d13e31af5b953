// Package config loads the service configuration from a YAML file, with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pitchside/internal/extract"
	"pitchside/internal/records"
	"pitchside/internal/store"
)

// Config holds every setting of the service.
type Config struct {
	Store      StoreConfig        `yaml:"store"`
	Server     ServerConfig       `yaml:"server"`
	Ingest     IngestConfig       `yaml:"ingest"`
	Extract    ExtractConfig      `yaml:"extract"`
	Thresholds records.Thresholds `yaml:"thresholds"`
	Log        LogConfig          `yaml:"log"`
	Metrics    MetricsConfig      `yaml:"metrics"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	AuthToken string `yaml:"auth_token"`
	Retries   int    `yaml:"retries"`
}

// Options converts the section into store options.
func (c StoreConfig) Options(logger *slog.Logger) store.Options {
	return store.Options{
		Driver:    c.Driver,
		Path:      c.Path,
		DSN:       c.DSN,
		AuthToken: c.AuthToken,
		Retries:   c.Retries,
		Logger:    logger,
	}
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RateLimit is the sustained requests per second allowed per client.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	Debounce       time.Duration `yaml:"debounce"`
	DedupeCapacity uint          `yaml:"dedupe_capacity"`
	// JournalDir enables the observation journal when set.
	JournalDir     string        `yaml:"journal_dir"`
}

// ExtractConfig overrides page selectors and report phrases.
type ExtractConfig struct {
	Selectors extract.Selectors   `yaml:"selectors"`
	Report    extract.ReportRules `yaml:"report"`
}

// LogConfig selects the log level and format ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Driver: store.DriverSQLite, Path: "pitchside.db", Retries: 5},
		Server: ServerConfig{
			Addr:           "127.0.0.1:7420",
			AllowedOrigins: []string{"chrome-extension://*", "moz-extension://*"},
			RateLimit:      20,
			Burst:          40,
		},
		Ingest:     IngestConfig{Debounce: 300 * time.Millisecond, DedupeCapacity: 100000},
		Extract:    ExtractConfig{Selectors: extract.DefaultSelectors(), Report: extract.DefaultReportRules()},
		Thresholds: records.DefaultThresholds(),
		Log:        LogConfig{Level: "info", Format: "text"},
		Metrics:    MetricsConfig{Enabled: true},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// PITCHSIDE_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFiles loads the first .env file found among the usual locations and
// returns its path, or "" when there is none.
func LoadEnvFiles(paths ...string) string {
	if len(paths) == 0 {
		paths = []string{".env", "../.env", "../../.env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PITCHSIDE_STORE_DRIVER", &c.Store.Driver)
	str("PITCHSIDE_STORE_PATH", &c.Store.Path)
	str("DATABASE_URL", &c.Store.DSN)
	str("PITCHSIDE_STORE_DSN", &c.Store.DSN)
	str("TURSO_AUTH_TOKEN", &c.Store.AuthToken)
	str("PITCHSIDE_STORE_AUTH_TOKEN", &c.Store.AuthToken)
	str("PITCHSIDE_ADDR", &c.Server.Addr)
	str("PITCHSIDE_JOURNAL_DIR", &c.Ingest.JournalDir)
	str("PITCHSIDE_LOG_LEVEL", &c.Log.Level)
	str("PITCHSIDE_LOG_FORMAT", &c.Log.Format)

	if v := os.Getenv("PITCHSIDE_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.AllowedOrigins = origins
	}
	if v := os.Getenv("PITCHSIDE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid PITCHSIDE_RATE_LIMIT value: %w", err)
		}
		c.Server.RateLimit = f
	}
	if v := os.Getenv("PITCHSIDE_INGEST_DEBOUNCE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid PITCHSIDE_INGEST_DEBOUNCE value: %w", err)
		}
		c.Ingest.Debounce = d
	}
	if v := os.Getenv("PITCHSIDE_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = v == "true"
	}
	return nil
}

// Logger builds the process logger.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

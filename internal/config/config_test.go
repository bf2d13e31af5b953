package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pitchside/internal/extract"
	"pitchside/internal/store"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pitchside.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: postgres
  dsn: postgres://localhost/pitchside
server:
  addr: ":9000"
ingest:
  debounce: 1s
extract:
  selectors:
    match_header: "#header"
thresholds:
  composure: 1
  arrogance: 0
  constitution: 60
log:
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, store.DriverPostgres, cfg.Store.Driver)
	require.Equal(t, "postgres://localhost/pitchside", cfg.Store.DSN)
	require.Equal(t, 5, cfg.Store.Retries)
	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, 20.0, cfg.Server.RateLimit)
	require.Equal(t, time.Second, cfg.Ingest.Debounce)
	require.Equal(t, "#header", cfg.Extract.Selectors.MatchHeader)
	require.Equal(t, extract.DefaultSelectors().LineupRow, cfg.Extract.Selectors.LineupRow)
	require.Equal(t, 1, cfg.Thresholds.Composure)
	require.Equal(t, 0, cfg.Thresholds.Arrogance)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PITCHSIDE_STORE_DRIVER", "libsql")
	t.Setenv("PITCHSIDE_STORE_DSN", "libsql://pitchside.turso.io")
	t.Setenv("TURSO_AUTH_TOKEN", "secret")
	t.Setenv("PITCHSIDE_ALLOWED_ORIGINS", "chrome-extension://abc, http://localhost:3000")
	t.Setenv("PITCHSIDE_RATE_LIMIT", "2.5")
	t.Setenv("PITCHSIDE_METRICS_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "libsql", cfg.Store.Driver)
	require.Equal(t, "libsql://pitchside.turso.io", cfg.Store.DSN)
	require.Equal(t, "secret", cfg.Store.AuthToken)
	require.Equal(t, []string{"chrome-extension://abc", "http://localhost:3000"}, cfg.Server.AllowedOrigins)
	require.Equal(t, 2.5, cfg.Server.RateLimit)
	require.False(t, cfg.Metrics.Enabled)

	t.Setenv("PITCHSIDE_INGEST_DEBOUNCE", "soon")
	_, err = Load("")
	require.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PITCHSIDE_TEST_DOTENV=loaded\n"), 0o644))
	t.Setenv("PITCHSIDE_TEST_DOTENV", "")
	os.Unsetenv("PITCHSIDE_TEST_DOTENV")

	require.Equal(t, path, LoadEnvFiles(filepath.Join(dir, "missing.env"), path))
	require.Equal(t, "loaded", os.Getenv("PITCHSIDE_TEST_DOTENV"))
	require.Equal(t, "", LoadEnvFiles(filepath.Join(dir, "missing.env")))
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "debug", Format: "json"}.Logger(&buf).Debug("hello", "k", 1)
	require.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	LogConfig{Level: "warn"}.Logger(&buf).Info("hidden")
	require.Empty(t, buf.String())
}

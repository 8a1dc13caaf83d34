package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.Backend.BaseURL)
	assert.Equal(t, 30, cfg.Backend.TimeoutSecs)
	assert.Equal(t, "get", cfg.Backend.QueryMode)
	assert.False(t, cfg.Backend.MockOnFailure)
	assert.Equal(t, 2000, cfg.Backend.StatusCacheMs)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30, cfg.Breaker.ResetTimeoutSecs)
	assert.Equal(t, model.DefaultSettings(), cfg.Settings)
	assert.Equal(t, ProgressPoll, cfg.Ingest.Progress)
	assert.Equal(t, 1000, cfg.Ingest.PollIntervalMs)
	assert.Equal(t, 300, cfg.Ingest.PollTimeoutSecs)
	assert.Equal(t, 60, cfg.Ingest.PushTimeoutSecs)
	assert.Equal(t, "ingest.status", cfg.Events.Subject)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Health.IntervalSecs)
	assert.Equal(t, 2, cfg.Health.DownAfter)
	assert.InDelta(t, 0.5, cfg.Health.FallbackRateThreshold, 1e-9)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.NoError(t, cfg.Validate("client"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
backend:
  base_url: http://rag.internal:9000
  query_mode: post
  mock_on_failure: true
settings:
  top_k: 6
  chunk_size: 1200
ingest:
  progress: timer
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://rag.internal:9000", cfg.Backend.BaseURL)
	assert.Equal(t, "post", cfg.Backend.QueryMode)
	assert.True(t, cfg.Backend.MockOnFailure)
	assert.Equal(t, 6, cfg.Settings.TopK)
	assert.Equal(t, 1200, cfg.Settings.ChunkSize)
	assert.Equal(t, ProgressTimer, cfg.Ingest.Progress)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values.
	assert.Equal(t, 120, cfg.Settings.ChunkOverlap)
	assert.Equal(t, "gpt-4o-mini", cfg.Settings.ModelName)
	assert.Equal(t, 30, cfg.Backend.TimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
backend:
  base_url: http://from-file:8000
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("GOVCHAT_BACKEND_BASE_URL", "http://from-env:8000")
	t.Setenv("GOVCHAT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:8000", cfg.Backend.BaseURL)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GOVCHAT_SERVER_PORT=3000\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("GOVCHAT_SERVER_PORT") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("backend: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Backend.BaseURL = "http://localhost:8000"
	cfg.Backend.QueryMode = "get"
	cfg.Ingest.Progress = ProgressPoll
	cfg.Settings = model.DefaultSettings()
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		mutate  func(*Config)
		wantErr string
	}{
		{"client ok", "client", func(*Config) {}, ""},
		{"serve ok", "serve", func(*Config) {}, ""},
		{"unknown mode", "batch", func(*Config) {}, "unknown mode"},
		{"serve bad port", "serve", func(c *Config) { c.Server.Port = 0 }, "server.port must be > 0"},
		{"client ignores port", "client", func(c *Config) { c.Server.Port = 0 }, ""},
		{"bad query mode", "client", func(c *Config) { c.Backend.QueryMode = "put" }, "backend.query_mode"},
		{"bad progress", "client", func(c *Config) { c.Ingest.Progress = "sleep" }, "ingest.progress"},
		{"push needs nats", "client", func(c *Config) { c.Ingest.Progress = ProgressPush }, "events.nats_url"},
		{"bad settings", "client", func(c *Config) { c.Settings.TopK = 20 }, "TopK must be at most 8"},
		{"missing base url", "client", func(c *Config) { c.Backend.BaseURL = "" }, "backend.base_url is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)

			err := cfg.Validate(tt.mode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func TestInitLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "govchat.log")

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json", File: path}))
	zap.L().Info("file sink check")
	_ = zap.L().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "file sink check")
}

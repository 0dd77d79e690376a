package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
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
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "scale-ingest.db", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, 3, cfg.Store.RetryAttempts)
	assert.Equal(t, 200, cfg.Store.RetryBackoffMs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "imap", cfg.Ingest.SourceLabel)
	assert.Equal(t, "Africa/Johannesburg", cfg.Ingest.Timezone)
	assert.Equal(t, 1000, cfg.Ingest.MaxErrorLength)
	assert.Equal(t, 50, cfg.Ingest.MaxRejections)
	assert.Equal(t, 30*time.Second, cfg.Ingest.StoreTimeout())
	assert.Equal(t, 4, cfg.Ingest.Concurrency)
	assert.Equal(t, "*.csv", cfg.Spool.Pattern)
	assert.Equal(t, 60, cfg.Watch.IntervalSecs)
	assert.Equal(t, 30*time.Minute, cfg.Sweep.StuckAfter())
	assert.Equal(t, 300, cfg.Sweep.IntervalSecs)
	assert.InDelta(t, 0.2, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackHours)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/scales
log:
  level: debug
  format: console
ingest:
  timezone: UTC
  charset: windows-1252
spool:
  dir: /var/spool/scales
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/scales", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "UTC", cfg.Ingest.Timezone)
	assert.Equal(t, "windows-1252", cfg.Ingest.Charset)
	assert.Equal(t, "/var/spool/scales", cfg.Spool.Dir)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.Equal(t, 1000, cfg.Ingest.MaxErrorLength)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("SCALEINGEST_STORE_DRIVER", "postgres")
	t.Setenv("SCALEINGEST_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("SCALEINGEST_SERVER_PORT", "3000")
	t.Setenv("SCALEINGEST_INGEST_MAX_ERROR_LENGTH", "200")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 200, cfg.Ingest.MaxErrorLength)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
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

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "test.db"
	cfg.Ingest.Timezone = "Africa/Johannesburg"
	cfg.Ingest.MaxErrorLength = 1000
	cfg.Ingest.MaxRejections = 50
	cfg.Ingest.StoreTimeoutSecs = 30
	cfg.Ingest.Concurrency = 4
	cfg.Watch.IntervalSecs = 60
	cfg.Sweep.StuckAfterMins = 30
	cfg.Monitoring.FailureRateThreshold = 0.2
	cfg.Monitoring.LookbackHours = 24
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	for _, mode := range []string{"admin", "ingest", "watch", "serve"} {
		assert.NoError(t, validDefaults().Validate(mode), mode)
	}
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql"`)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_Ingest(t *testing.T) {
	cfg := validDefaults()
	cfg.Ingest.Timezone = "Mars/Olympus_Mons"
	cfg.Ingest.MaxErrorLength = 0
	cfg.Ingest.Concurrency = 0

	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest.timezone")
	assert.Contains(t, err.Error(), "ingest.max_error_length must be > 0")
	assert.Contains(t, err.Error(), "ingest.concurrency must be between 1 and 32")

	// Admin commands do not need ingest settings.
	assert.NoError(t, cfg.Validate("admin"))
}

func TestValidate_Watch(t *testing.T) {
	cfg := validDefaults()
	cfg.Watch.IntervalSecs = 0

	assert.NoError(t, cfg.Validate("ingest"))
	err := cfg.Validate("watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch.interval_secs must be > 0")
}

func TestValidate_Serve(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	cfg.Monitoring.FailureRateThreshold = 1.5

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "failure_rate_threshold")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

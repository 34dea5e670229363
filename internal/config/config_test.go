package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Vision.Model)
	assert.InDelta(t, 1.0, cfg.Vision.RatePerSecond, 0.001)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 15, cfg.Funnel.PageSize)
	assert.Equal(t, 30, cfg.Funnel.RefreshSecs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chTempDir(t)

	yaml := `
store:
  driver: sqlite
  database_url: funnel.db
log:
  level: debug
  format: console
server:
  port: 9090
funnel:
  refresh_secs: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "funnel.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Funnel.RefreshSecs)
	// Defaults still apply for unset values
	assert.Equal(t, 15, cfg.Funnel.PageSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chTempDir(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("FUNNEL_STORE_DRIVER", "postgres")
	t.Setenv("FUNNEL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chTempDir(t)

	t.Setenv("FUNNEL_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func validConfig() *Config {
	return &Config{
		Store:  StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/funnel"},
		Server: ServerConfig{Port: 8080},
		Funnel: FunnelConfig{PageSize: 15, RefreshSecs: 30},
	}
}

func TestValidateServe(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateStore(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "mysql"
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")

	cfg = validConfig()
	cfg.Store.DatabaseURL = ""
	err = cfg.Validate("migrate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateFunnel(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate("funnel"))

	cfg.Funnel.PageSize = 0
	err := cfg.Validate("funnel")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "funnel.page_size")

	cfg = validConfig()
	cfg.Funnel.RefreshSecs = 0
	err = cfg.Validate("funnel")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "funnel.refresh_secs")
}

func TestValidateVisionKeyOptional(t *testing.T) {
	cfg := validConfig()
	cfg.Vision.Key = ""
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validConfig().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
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

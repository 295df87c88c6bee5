package config

import (
	"os"
	"path/filepath"
	"testing"

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
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "intake-mapper.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.InDelta(t, 0.8, cfg.Matcher.FuzzyThreshold, 0.001)
	assert.InDelta(t, 0.4, cfg.Matcher.FallbackConfidence, 0.001)
	assert.InDelta(t, 0.3, cfg.Matcher.InvalidValueScore, 0.001)
	assert.Equal(t, "models", cfg.Training.ModelDir)
	assert.Equal(t, 30, cfg.Training.WindowDays)
	assert.Equal(t, 50, cfg.Training.MinSamples)
	assert.Equal(t, 7, cfg.Training.RetrainAfterDays)
	assert.Equal(t, int64(100), cfg.Training.RetrainAfterRecords)
	assert.Equal(t, uint64(42), cfg.Training.Seed)
	assert.Equal(t, "*/15 * * * *", cfg.Training.CheckSchedule)
	assert.True(t, cfg.Training.WeightByAccuracy)
	assert.InDelta(t, 0.6, cfg.Quality.WarnBelow, 0.001)
	assert.False(t, cfg.Oracle.Enabled)
	assert.Equal(t, 20, cfg.Oracle.TimeoutSecs)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Oracle.Model)
	assert.Empty(t, cfg.Schema.Path)

	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/intake
log:
  level: debug
  format: console
server:
  port: 9090
training:
  min_samples: 80
  models: [random_forest, neural_network]
oracle:
  enabled: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/intake", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 80, cfg.Training.MinSamples)
	assert.Equal(t, []string{"random_forest", "neural_network"}, cfg.Training.Models)
	assert.True(t, cfg.Oracle.Enabled)
	// Defaults still apply for unset values
	assert.Equal(t, 30, cfg.Training.WindowDays)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0o644))
	t.Setenv("INTAKE_LOG_LEVEL", "warn")
	t.Setenv("INTAKE_STORE_DRIVER", "postgres")
	t.Setenv("INTAKE_TRAINING_WINDOW_DAYS", "14")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 14, cfg.Training.WindowDays)
}

func TestLoadBadYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestOracleTimeout(t *testing.T) {
	assert.Equal(t, "20s", OracleConfig{TimeoutSecs: 20}.Timeout().String())
}

func validDefaults(t *testing.T) *Config {
	t.Helper()
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults(t)
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateThresholds(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Matcher.FuzzyThreshold = 1.2
	cfg.Quality.LowConfidence = -0.1
	cfg.Training.WindowDays = 0
	cfg.Training.TestSplit = 1
	cfg.Training.CVFolds = 1

	err := cfg.Validate("train")
	require.Error(t, err)
	for _, want := range []string{
		"matcher.fuzzy_threshold",
		"quality.low_confidence",
		"training.window_days",
		"training.test_split",
		"training.cv_folds",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateOracleNeedsKey(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Oracle.Enabled = true

	err := cfg.Validate("resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")

	assert.NoError(t, cfg.Validate("import"))

	cfg.Anthropic.Key = "sk-ant-key"
	assert.NoError(t, cfg.Validate("resolve"))
}

func TestValidateServe(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Server.Port = 0
	cfg.Training.CheckSchedule = "every tuesday"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "training.check_schedule")

	// Server settings only matter for serve.
	assert.NoError(t, cfg.Validate("stats"))
}

func TestInitLoggerConsole(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "loud", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}

// Package config loads the intake-mapper configuration and sets up logging.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Matcher   MatcherConfig   `yaml:"matcher" mapstructure:"matcher"`
	Training  TrainingConfig  `yaml:"training" mapstructure:"training"`
	Quality   QualityConfig   `yaml:"quality" mapstructure:"quality"`
	Oracle    OracleConfig    `yaml:"oracle" mapstructure:"oracle"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Schema    SchemaConfig    `yaml:"schema" mapstructure:"schema"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects the training store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// MatcherConfig tunes the heuristic passes and value validation.
type MatcherConfig struct {
	FuzzyThreshold     float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	MinConfidence      float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	FallbackConfidence float64 `yaml:"fallback_confidence" mapstructure:"fallback_confidence"`
	InvalidValueScore  float64 `yaml:"invalid_value_score" mapstructure:"invalid_value_score"`
	PatternGate        float64 `yaml:"pattern_gate" mapstructure:"pattern_gate"`
	SemanticGate       float64 `yaml:"semantic_gate" mapstructure:"semantic_gate"`
	FuzzyGate          float64 `yaml:"fuzzy_gate" mapstructure:"fuzzy_gate"`
	KeywordsPath       string  `yaml:"keywords_path" mapstructure:"keywords_path"`
}

// TrainingConfig configures the trainer and its trigger checks.
type TrainingConfig struct {
	ModelDir            string   `yaml:"model_dir" mapstructure:"model_dir"`
	WindowDays          int      `yaml:"window_days" mapstructure:"window_days"`
	MinSamples          int      `yaml:"min_samples" mapstructure:"min_samples"`
	RetrainAfterDays    int      `yaml:"retrain_after_days" mapstructure:"retrain_after_days"`
	RetrainAfterRecords int64    `yaml:"retrain_after_records" mapstructure:"retrain_after_records"`
	TestSplit           float64  `yaml:"test_split" mapstructure:"test_split"`
	CVFolds             int      `yaml:"cv_folds" mapstructure:"cv_folds"`
	Seed                uint64   `yaml:"seed" mapstructure:"seed"`
	CheckSchedule       string   `yaml:"check_schedule" mapstructure:"check_schedule"`
	WeightByAccuracy    bool     `yaml:"weight_by_accuracy" mapstructure:"weight_by_accuracy"`
	SyntheticWeight     float64  `yaml:"synthetic_weight" mapstructure:"synthetic_weight"`
	Models              []string `yaml:"models" mapstructure:"models"`
}

// QualityConfig holds the quality scorer thresholds.
type QualityConfig struct {
	WarnBelow      float64 `yaml:"warn_below" mapstructure:"warn_below"`
	HighConfidence float64 `yaml:"high_confidence" mapstructure:"high_confidence"`
	LowConfidence  float64 `yaml:"low_confidence" mapstructure:"low_confidence"`
}

// OracleConfig configures the optional external mapping oracle.
type OracleConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSecs       int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	FailureThreshold  int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs  int    `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	Model             string `yaml:"model" mapstructure:"model"`
	MaxTokens         int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// Timeout returns the per-request oracle timeout.
func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSecs) * time.Second
}

// AnthropicConfig holds Anthropic API credentials.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// SchemaConfig points at the canonical schema catalog. An empty path uses
// the built-in catalog.
type SchemaConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "intake-mapper.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("matcher.fuzzy_threshold", 0.8)
	v.SetDefault("matcher.min_confidence", 0.5)
	v.SetDefault("matcher.fallback_confidence", 0.4)
	v.SetDefault("matcher.invalid_value_score", 0.3)
	v.SetDefault("matcher.pattern_gate", 0.7)
	v.SetDefault("matcher.semantic_gate", 0.75)
	v.SetDefault("matcher.fuzzy_gate", 0.8)
	v.SetDefault("training.model_dir", "models")
	v.SetDefault("training.window_days", 30)
	v.SetDefault("training.min_samples", 50)
	v.SetDefault("training.retrain_after_days", 7)
	v.SetDefault("training.retrain_after_records", 100)
	v.SetDefault("training.test_split", 0.2)
	v.SetDefault("training.cv_folds", 5)
	v.SetDefault("training.seed", 42)
	v.SetDefault("training.check_schedule", "*/15 * * * *")
	v.SetDefault("training.weight_by_accuracy", true)
	v.SetDefault("training.synthetic_weight", 0.5)
	v.SetDefault("quality.warn_below", 0.6)
	v.SetDefault("quality.high_confidence", 0.8)
	v.SetDefault("quality.low_confidence", 0.5)
	v.SetDefault("oracle.enabled", false)
	v.SetDefault("oracle.timeout_secs", 20)
	v.SetDefault("oracle.requests_per_minute", 30)
	v.SetDefault("oracle.failure_threshold", 5)
	v.SetDefault("oracle.reset_timeout_secs", 60)
	v.SetDefault("oracle.model", "claude-haiku-4-5-20251001")
	v.SetDefault("oracle.max_tokens", 2048)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is the command name;
// every mode checks the store and the thresholds, serve also checks the
// server and the schedule. All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			add("%s must be between 0 and 1", name)
		}
	}

	switch mode {
	case "serve", "resolve", "train", "feedback", "import", "stats", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	unit("matcher.fuzzy_threshold", c.Matcher.FuzzyThreshold)
	unit("matcher.min_confidence", c.Matcher.MinConfidence)
	unit("matcher.fallback_confidence", c.Matcher.FallbackConfidence)
	unit("matcher.invalid_value_score", c.Matcher.InvalidValueScore)
	unit("matcher.pattern_gate", c.Matcher.PatternGate)
	unit("matcher.semantic_gate", c.Matcher.SemanticGate)
	unit("matcher.fuzzy_gate", c.Matcher.FuzzyGate)
	unit("quality.warn_below", c.Quality.WarnBelow)
	unit("quality.high_confidence", c.Quality.HighConfidence)
	unit("quality.low_confidence", c.Quality.LowConfidence)

	if c.Training.WindowDays <= 0 {
		add("training.window_days must be > 0")
	}
	if c.Training.MinSamples <= 0 {
		add("training.min_samples must be > 0")
	}
	if c.Training.TestSplit < 0 || c.Training.TestSplit >= 1 {
		add("training.test_split must be in [0, 1)")
	}
	if c.Training.CVFolds < 0 || c.Training.CVFolds == 1 {
		add("training.cv_folds must be 0 or at least 2")
	}
	if c.Training.SyntheticWeight < 0 {
		add("training.synthetic_weight must be >= 0")
	}

	if c.Oracle.Enabled && mode != "migrate" && mode != "import" {
		if c.Anthropic.Key == "" {
			add("anthropic.key is required when oracle.enabled is set")
		}
		if c.Oracle.TimeoutSecs <= 0 {
			add("oracle.timeout_secs must be > 0")
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be > 0 and <= 65535")
		}
		if c.Training.CheckSchedule != "" {
			parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
			if _, err := parser.Parse(c.Training.CheckSchedule); err != nil {
				add("training.check_schedule is not a valid cron expression: %v", err)
			}
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

package main

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-mapper/internal/config"
	"github.com/sells-group/intake-mapper/internal/engine"
	"github.com/sells-group/intake-mapper/internal/ml"
	"github.com/sells-group/intake-mapper/internal/oracle"
	"github.com/sells-group/intake-mapper/internal/quality"
	"github.com/sells-group/intake-mapper/internal/resilience"
	"github.com/sells-group/intake-mapper/internal/resolve"
	"github.com/sells-group/intake-mapper/internal/schema"
	"github.com/sells-group/intake-mapper/internal/store"
	"github.com/sells-group/intake-mapper/internal/trainer"
	"github.com/sells-group/intake-mapper/pkg/anthropic"
)

// appEnv holds the wired components shared by the commands.
type appEnv struct {
	Store   store.TrainingStore
	Holder  *ml.Holder
	Trainer *trainer.Trainer
	Engine  *engine.Engine
	Oracle  *oracle.LLMOracle
}

// Close waits for background training and closes the store.
func (e *appEnv) Close() {
	if e.Trainer != nil {
		e.Trainer.Wait()
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

// initEnv validates the global config for mode and wires the engine.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	return newEnv(ctx, cfg, mode)
}

// newEnv builds every component from c. Background training started by
// resolution traffic lives as long as ctx.
func newEnv(ctx context.Context, c *config.Config, mode string) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := migratedStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Holder: &ml.Holder{}}

	schemas, err := loadSchemas(c.Schema)
	if err != nil {
		env.Close()
		return nil, err
	}
	keywords := resolve.DefaultKeywords()
	if c.Matcher.KeywordsPath != "" {
		if keywords, err = resolve.LoadKeywords(c.Matcher.KeywordsPath); err != nil {
			env.Close()
			return nil, err
		}
	}

	loadSnapshot(env.Holder, c.Training.ModelDir)
	env.Trainer = trainer.New(st, env.Holder, trainerConfig(c.Training))

	var orc oracle.Oracle
	if c.Oracle.Enabled {
		env.Oracle = newOracle(c)
		orc = env.Oracle
	}

	qcfg := quality.DefaultConfig()
	qcfg.WarnBelow = c.Quality.WarnBelow
	qcfg.NoteBelow = c.Quality.WarnBelow
	qcfg.HighConfidence = c.Quality.HighConfidence
	qcfg.ReviewBelow = c.Quality.HighConfidence
	qcfg.LowConfidence = c.Quality.LowConfidence
	qcfg.OracleEnabled = c.Oracle.Enabled

	ecfg := engine.DefaultConfig()
	ecfg.InvalidValueScore = c.Matcher.InvalidValueScore

	env.Engine = engine.New(engine.Deps{
		Matcher:    resolve.NewMatcher(matcherConfig(c.Matcher), keywords),
		Schemas:    schemas,
		Holder:     env.Holder,
		Store:      st,
		Scorer:     quality.NewScorer(qcfg),
		Trainer:    env.Trainer,
		Oracle:     orc,
		Background: ctx,
	}, ecfg)
	return env, nil
}

// openStore validates the global config for mode and returns a migrated
// store, for commands that need nothing else.
func openStore(ctx context.Context, mode string) (store.TrainingStore, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return migratedStore(ctx, cfg.Store)
}

func migratedStore(ctx context.Context, c config.StoreConfig) (store.TrainingStore, error) {
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initStore(ctx context.Context, c config.StoreConfig) (store.TrainingStore, error) {
	switch c.Driver {
	case "sqlite":
		dsn := c.DatabaseURL
		if dsn == "" {
			dsn = "intake-mapper.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.DatabaseURL, &store.PoolConfig{MaxConns: c.MaxConns, MinConns: c.MinConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
}

func loadSchemas(c config.SchemaConfig) (*schema.Catalog, error) {
	if c.Path == "" {
		return schema.DefaultCatalog(), nil
	}
	cat, err := schema.LoadCatalog(c.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load schema catalog")
	}
	return cat, nil
}

// loadSnapshot publishes the persisted snapshot when there is one. Failures
// leave the engine heuristic-only until the next training run.
func loadSnapshot(holder *ml.Holder, dir string) {
	log := zap.L().With(zap.String("component", "env"))
	snap, err := ml.LoadSnapshot(dir)
	switch {
	case errors.Is(err, ml.ErrNoSnapshot):
		log.Info("no persisted model snapshot, starting heuristic-only", zap.String("model_dir", dir))
	case err != nil:
		log.Warn("model snapshot failed to load, starting heuristic-only", zap.Error(err))
	default:
		holder.Swap(snap)
		log.Info("model snapshot loaded",
			zap.String("version", snap.Version),
			zap.Int("models", len(snap.Models)),
		)
	}
}

func matcherConfig(c config.MatcherConfig) resolve.Config {
	return resolve.Config{
		FuzzyThreshold:     c.FuzzyThreshold,
		FuzzyGate:          c.FuzzyGate,
		SemanticGate:       c.SemanticGate,
		PatternGate:        c.PatternGate,
		MinConfidence:      c.MinConfidence,
		FallbackConfidence: c.FallbackConfidence,
	}
}

func trainerConfig(c config.TrainingConfig) trainer.Config {
	return trainer.Config{
		ModelDir:            c.ModelDir,
		WindowDays:          c.WindowDays,
		MinSamples:          c.MinSamples,
		RetrainAfterDays:    c.RetrainAfterDays,
		RetrainAfterRecords: c.RetrainAfterRecords,
		TestSplit:           c.TestSplit,
		CVFolds:             c.CVFolds,
		Seed:                c.Seed,
		WeightByAccuracy:    c.WeightByAccuracy,
		SyntheticWeight:     c.SyntheticWeight,
		Kinds:               c.Models,
	}
}

func newOracle(c *config.Config) *oracle.LLMOracle {
	var opts []option.RequestOption
	if c.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.Anthropic.BaseURL))
	}
	ocfg := oracle.DefaultConfig()
	ocfg.Model = c.Oracle.Model
	ocfg.MaxTokens = c.Oracle.MaxTokens
	ocfg.Timeout = c.Oracle.Timeout()
	ocfg.RequestsPerMinute = c.Oracle.RequestsPerMinute
	ocfg.Breaker = resilience.NewBreakerConfig(c.Oracle.FailureThreshold, c.Oracle.ResetTimeoutSecs)
	return oracle.NewLLM(anthropic.NewClient(c.Anthropic.Key, opts...), ocfg)
}

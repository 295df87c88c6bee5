package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-mapper/internal/db"
	"github.com/sells-group/intake-mapper/internal/model"
)

// PostgresStore implements TrainingStore using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// recordColumns is the column order shared by single inserts and COPY.
var recordColumns = []string{
	"id", "timestamp", "source_field", "target_field", "manufacturer",
	"document_type", "confidence", "success", "method", "feedback",
}

// preparedStatements lists queries to prepare on each new connection. The
// resolve path appends one record per field, so the insert is the hot one.
var preparedStatements = map[string]string{
	"insert_record": `INSERT INTO training_records (id, timestamp, source_field, target_field, manufacturer, document_type, confidence, success, method, feedback) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	"count_records": `SELECT COUNT(*) FROM training_records WHERE timestamp >= $1`,
	"count_usable":  `SELECT COUNT(*) FROM training_records WHERE timestamp >= $1 AND success AND target_field <> ''`,
	"last_run":      `SELECT id, trigger, status, started_at, completed_at, sample_count, synthetic_count, snapshot_version, metrics, error FROM training_runs WHERE status = $1 ORDER BY completed_at DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS training_records (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	timestamp     TIMESTAMPTZ NOT NULL DEFAULT now(),
	source_field  TEXT NOT NULL,
	target_field  TEXT NOT NULL,
	manufacturer  TEXT NOT NULL DEFAULT '',
	document_type TEXT NOT NULL DEFAULT '',
	confidence    DOUBLE PRECISION NOT NULL,
	success       BOOLEAN NOT NULL,
	method        TEXT NOT NULL,
	feedback      TEXT
);

CREATE INDEX IF NOT EXISTS idx_training_records_timestamp ON training_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_training_records_manufacturer ON training_records(manufacturer);

CREATE TABLE IF NOT EXISTS training_runs (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	trigger          TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'running',
	started_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at     TIMESTAMPTZ,
	sample_count     INTEGER NOT NULL DEFAULT 0,
	synthetic_count  INTEGER NOT NULL DEFAULT 0,
	snapshot_version TEXT,
	metrics          JSONB,
	error            TEXT
);

CREATE INDEX IF NOT EXISTS idx_training_runs_status_completed ON training_runs(status, completed_at DESC);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// AppendRecord inserts one record.
func (s *PostgresStore) AppendRecord(ctx context.Context, rec *model.TrainingRecord) error {
	prepareRecord(rec, time.Now().UTC())
	_, err := s.pool.Exec(ctx, preparedStatements["insert_record"], recordArgs(rec)...)
	return eris.Wrapf(err, "postgres: append record %s", rec.ID)
}

// AppendRecords bulk-loads a batch with COPY.
func (s *PostgresStore) AppendRecords(ctx context.Context, recs []model.TrainingRecord) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, len(recs))
	for i := range recs {
		prepareRecord(&recs[i], now)
		rows[i] = recordArgs(&recs[i])
	}
	n, err := db.CopyFrom(ctx, s.pool, "training_records", recordColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: append records")
	}
	return n, nil
}

// ListRecordsSince returns records at or after since, newest first.
func (s *PostgresStore) ListRecordsSince(ctx context.Context, since time.Time) ([]model.TrainingRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, timestamp, source_field, target_field, manufacturer, document_type, confidence, success, method, feedback
		 FROM training_records WHERE timestamp >= $1 ORDER BY timestamp DESC, id`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []model.TrainingRecord
	for rows.Next() {
		var r model.TrainingRecord
		var feedback *string
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.SourceField, &r.TargetField, &r.Manufacturer,
			&r.DocumentType, &r.Confidence, &r.Success, &r.Method, &feedback); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		if feedback != nil {
			r.Feedback = *feedback
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

// CountRecordsSince counts records at or after since.
func (s *PostgresStore) CountRecordsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, preparedStatements["count_records"], since.UTC()).Scan(&n)
	return n, eris.Wrap(err, "postgres: count records")
}

// CountUsableRecordsSince counts successful records with a target at or
// after since.
func (s *PostgresStore) CountUsableRecordsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, preparedStatements["count_usable"], since.UTC()).Scan(&n)
	return n, eris.Wrap(err, "postgres: count usable records")
}

// Stats aggregates the whole log plus the window starting at recentSince.
func (s *PostgresStore) Stats(ctx context.Context, recentSince time.Time) (*model.TrainingStats, error) {
	var st model.TrainingStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(AVG(success::int), 0)::float8,
		        COALESCE(AVG(confidence), 0)::float8,
		        COALESCE(AVG(success::int) FILTER (WHERE timestamp >= $1), 0)::float8,
		        COALESCE(AVG(confidence) FILTER (WHERE timestamp >= $1), 0)::float8
		 FROM training_records`,
		recentSince.UTC(),
	).Scan(&st.TotalRecords, &st.SuccessRate, &st.AvgConfidence, &st.RecentSuccessRate, &st.RecentAvgConfidence)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats totals")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT manufacturer, COUNT(*) AS n FROM training_records
		 GROUP BY manufacturer ORDER BY n DESC, manufacturer LIMIT $1`,
		TopManufacturers,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats manufacturers")
	}
	defer rows.Close()
	for rows.Next() {
		var mc model.ManufacturerCount
		if err := rows.Scan(&mc.Manufacturer, &mc.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan manufacturer count")
		}
		st.TopManufacturers = append(st.TopManufacturers, mc)
	}
	return &st, eris.Wrap(rows.Err(), "postgres: stats manufacturers iterate")
}

// StartTrainingRun records a running training run.
func (s *PostgresStore) StartTrainingRun(ctx context.Context, trigger string) (*model.TrainingRun, error) {
	run := &model.TrainingRun{
		ID:        newID(),
		Trigger:   trigger,
		Status:    model.TrainingRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO training_runs (id, trigger, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.Trigger, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: start training run")
	}
	return run, nil
}

// CompleteTrainingRun marks run complete with its counts and metrics.
func (s *PostgresStore) CompleteTrainingRun(ctx context.Context, run *model.TrainingRun) error {
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run metrics")
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE training_runs SET status = $1, completed_at = $2, sample_count = $3, synthetic_count = $4,
		 snapshot_version = $5, metrics = $6 WHERE id = $7`,
		string(model.TrainingComplete), now, run.SampleCount, run.SyntheticCount,
		run.SnapshotVersion, metrics, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete training run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "training run %s", run.ID)
	}
	run.Status = model.TrainingComplete
	run.CompletedAt = &now
	return nil
}

// FailTrainingRun marks a run failed with the cause.
func (s *PostgresStore) FailTrainingRun(ctx context.Context, runID string, cause error) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE training_runs SET status = $1, completed_at = $2, error = $3 WHERE id = $4`,
		string(model.TrainingFailed), time.Now().UTC(), errorText(cause), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail training run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "training run %s", runID)
	}
	return nil
}

// LastTrainingRun returns the most recently completed run, or ErrNotFound.
func (s *PostgresStore) LastTrainingRun(ctx context.Context) (*model.TrainingRun, error) {
	var (
		run     model.TrainingRun
		status  string
		version *string
		metrics []byte
		errText *string
	)
	err := s.pool.QueryRow(ctx, preparedStatements["last_run"], string(model.TrainingComplete)).Scan(
		&run.ID, &run.Trigger, &status, &run.StartedAt, &run.CompletedAt,
		&run.SampleCount, &run.SyntheticCount, &version, &metrics, &errText,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: last training run")
	}
	run.Status = model.TrainingRunStatus(status)
	if version != nil {
		run.SnapshotVersion = *version
	}
	if errText != nil {
		run.Error = *errText
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &run.Metrics); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run metrics")
		}
	}
	return &run, nil
}

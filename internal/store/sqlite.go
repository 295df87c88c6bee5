package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/intake-mapper/internal/model"
)

// SQLiteStore implements TrainingStore using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied by the driver to every pooled connection.
// journal_mode=WAL persists in the database file and lets readers run
// alongside the single writer.
var sqlitePragmas = []string{
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_pragma=synchronous(NORMAL)",
	"_txlock=immediate",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

// sqliteDSN appends the connection pragmas to dsn, keeping any query
// parameters it already carries.
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(sqlitePragmas, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS training_records (
	id            TEXT PRIMARY KEY,
	timestamp     DATETIME NOT NULL,
	source_field  TEXT NOT NULL,
	target_field  TEXT NOT NULL,
	manufacturer  TEXT NOT NULL DEFAULT '',
	document_type TEXT NOT NULL DEFAULT '',
	confidence    REAL NOT NULL,
	success       INTEGER NOT NULL,
	method        TEXT NOT NULL,
	feedback      TEXT
);

CREATE TABLE IF NOT EXISTS training_runs (
	id               TEXT PRIMARY KEY,
	trigger          TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'running',
	started_at       DATETIME NOT NULL,
	completed_at     DATETIME,
	sample_count     INTEGER NOT NULL DEFAULT 0,
	synthetic_count  INTEGER NOT NULL DEFAULT 0,
	snapshot_version TEXT,
	metrics          TEXT,
	error            TEXT
);

CREATE INDEX IF NOT EXISTS idx_training_records_timestamp ON training_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_training_records_manufacturer ON training_records(manufacturer);
CREATE INDEX IF NOT EXISTS idx_training_runs_status_completed ON training_runs(status, completed_at);
`

// Migrate creates the tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteInsertRecord = `INSERT INTO training_records
	(id, timestamp, source_field, target_field, manufacturer, document_type, confidence, success, method, feedback)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// AppendRecord inserts one record in its own implicit transaction.
func (s *SQLiteStore) AppendRecord(ctx context.Context, rec *model.TrainingRecord) error {
	prepareRecord(rec, time.Now().UTC())
	_, err := s.db.ExecContext(ctx, sqliteInsertRecord, recordArgs(rec)...)
	return eris.Wrapf(err, "sqlite: append record %s", rec.ID)
}

// AppendRecords inserts a batch atomically.
func (s *SQLiteStore) AppendRecords(ctx context.Context, recs []model.TrainingRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin append batch")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteInsertRecord)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare append batch")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for i := range recs {
		prepareRecord(&recs[i], now)
		if _, err := stmt.ExecContext(ctx, recordArgs(&recs[i])...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: append record %d of batch", i)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit append batch")
	}
	return int64(len(recs)), nil
}

// ListRecordsSince returns records at or after since, newest first.
func (s *SQLiteStore) ListRecordsSince(ctx context.Context, since time.Time) ([]model.TrainingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, source_field, target_field, manufacturer, document_type, confidence, success, method, feedback
		 FROM training_records WHERE timestamp >= ? ORDER BY timestamp DESC, id`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.TrainingRecord
	for rows.Next() {
		var r model.TrainingRecord
		var feedback sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.SourceField, &r.TargetField, &r.Manufacturer,
			&r.DocumentType, &r.Confidence, &r.Success, &r.Method, &feedback); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		r.Feedback = feedback.String
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

// CountRecordsSince counts records at or after since.
func (s *SQLiteStore) CountRecordsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM training_records WHERE timestamp >= ?`, since.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count records")
}

// CountUsableRecordsSince counts successful records with a target at or
// after since.
func (s *SQLiteStore) CountUsableRecordsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM training_records WHERE timestamp >= ? AND success = 1 AND target_field <> ''`, since.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count usable records")
}

// Stats aggregates the whole log plus the window starting at recentSince.
func (s *SQLiteStore) Stats(ctx context.Context, recentSince time.Time) (*model.TrainingStats, error) {
	var st model.TrainingStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(success), 0), COALESCE(AVG(confidence), 0) FROM training_records`,
	).Scan(&st.TotalRecords, &st.SuccessRate, &st.AvgConfidence)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats totals")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(success), 0), COALESCE(AVG(confidence), 0) FROM training_records WHERE timestamp >= ?`,
		recentSince.UTC(),
	).Scan(&st.RecentSuccessRate, &st.RecentAvgConfidence)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats recent")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT manufacturer, COUNT(*) AS n FROM training_records
		 GROUP BY manufacturer ORDER BY n DESC, manufacturer LIMIT ?`,
		TopManufacturers,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats manufacturers")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var mc model.ManufacturerCount
		if err := rows.Scan(&mc.Manufacturer, &mc.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan manufacturer count")
		}
		st.TopManufacturers = append(st.TopManufacturers, mc)
	}
	return &st, eris.Wrap(rows.Err(), "sqlite: stats manufacturers iterate")
}

// StartTrainingRun records a running training run.
func (s *SQLiteStore) StartTrainingRun(ctx context.Context, trigger string) (*model.TrainingRun, error) {
	run := &model.TrainingRun{
		ID:        newID(),
		Trigger:   trigger,
		Status:    model.TrainingRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO training_runs (id, trigger, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Trigger, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: start training run")
	}
	return run, nil
}

// CompleteTrainingRun marks run complete with its counts and metrics.
func (s *SQLiteStore) CompleteTrainingRun(ctx context.Context, run *model.TrainingRun) error {
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run metrics")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE training_runs SET status = ?, completed_at = ?, sample_count = ?, synthetic_count = ?,
		 snapshot_version = ?, metrics = ? WHERE id = ?`,
		string(model.TrainingComplete), now, run.SampleCount, run.SyntheticCount,
		run.SnapshotVersion, string(metrics), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete training run %s", run.ID)
	}
	if err := checkRowsAffected(res, "training run", run.ID); err != nil {
		return err
	}
	run.Status = model.TrainingComplete
	run.CompletedAt = &now
	return nil
}

// FailTrainingRun marks a run failed with the cause.
func (s *SQLiteStore) FailTrainingRun(ctx context.Context, runID string, cause error) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE training_runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(model.TrainingFailed), time.Now().UTC(), errorText(cause), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail training run %s", runID)
	}
	return checkRowsAffected(res, "training run", runID)
}

// LastTrainingRun returns the most recently completed run, or ErrNotFound.
func (s *SQLiteStore) LastTrainingRun(ctx context.Context) (*model.TrainingRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, trigger, status, started_at, completed_at, sample_count, synthetic_count, snapshot_version, metrics, error
		 FROM training_runs WHERE status = ? ORDER BY completed_at DESC LIMIT 1`,
		string(model.TrainingComplete),
	)

	var (
		run       model.TrainingRun
		completed sql.NullTime
		version   sql.NullString
		metrics   sql.NullString
		errText   sql.NullString
	)
	err := row.Scan(&run.ID, &run.Trigger, &run.Status, &run.StartedAt, &completed,
		&run.SampleCount, &run.SyntheticCount, &version, &metrics, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last training run")
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	run.SnapshotVersion = version.String
	run.Error = errText.String
	if metrics.Valid && metrics.String != "" && metrics.String != "null" {
		if err := json.Unmarshal([]byte(metrics.String), &run.Metrics); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run metrics")
		}
	}
	return &run, nil
}

func recordArgs(rec *model.TrainingRecord) []any {
	var feedback any
	if rec.Feedback != "" {
		feedback = rec.Feedback
	}
	return []any{
		rec.ID, rec.Timestamp, rec.SourceField, rec.TargetField, rec.Manufacturer,
		rec.DocumentType, rec.Confidence, rec.Success, rec.Method, feedback,
	}
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

// Package store persists the append-only training record log and the
// training-run log.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-mapper/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// TopManufacturers is the number of manufacturers reported by Stats.
const TopManufacturers = 5

// TrainingStore defines persistence for training records and training runs.
// Records are append-only: there is no update or delete. Every append is an
// independent write.
type TrainingStore interface {
	// Records
	AppendRecord(ctx context.Context, rec *model.TrainingRecord) error
	AppendRecords(ctx context.Context, recs []model.TrainingRecord) (int64, error)
	ListRecordsSince(ctx context.Context, since time.Time) ([]model.TrainingRecord, error)
	CountRecordsSince(ctx context.Context, since time.Time) (int64, error)
	// CountUsableRecordsSince counts successful records with a target, the
	// ones a training run can learn from.
	CountUsableRecordsSince(ctx context.Context, since time.Time) (int64, error)
	Stats(ctx context.Context, recentSince time.Time) (*model.TrainingStats, error)

	// Training runs
	StartTrainingRun(ctx context.Context, trigger string) (*model.TrainingRun, error)
	CompleteTrainingRun(ctx context.Context, run *model.TrainingRun) error
	FailTrainingRun(ctx context.Context, runID string, cause error) error
	LastTrainingRun(ctx context.Context) (*model.TrainingRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// prepareRecord assigns an ID and timestamp when the caller left them unset.
func prepareRecord(rec *model.TrainingRecord, now time.Time) {
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC()
}

func errorText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

func newID() string {
	return uuid.New().String()
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-mapper/internal/model"
)

func newTestSQLite(t *testing.T) TrainingStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func record(src, target, manufacturer string, conf float64, success bool, ts time.Time) model.TrainingRecord {
	return model.TrainingRecord{
		Timestamp:    ts,
		SourceField:  src,
		TargetField:  target,
		Manufacturer: manufacturer,
		DocumentType: "INSURANCE_CARD",
		Confidence:   conf,
		Success:      success,
		Method:       string(model.StrategySubstring),
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) TrainingStore) {
	t.Run("AppendAndListSince", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		recent := record("dob", "patient_dob", "SKYE", 0.85, true, now.Add(-time.Hour))
		older := record("first_name", "patient_first_name", "SKYE", 0.85, true, now.Add(-2*time.Hour))
		stale := record("last_name", "patient_last_name", "SKYE", 0.85, true, now.Add(-40*24*time.Hour))
		older.Feedback = "confirmed by reviewer"
		for _, r := range []*model.TrainingRecord{&recent, &older, &stale} {
			require.NoError(t, s.AppendRecord(ctx, r))
			assert.NotEmpty(t, r.ID)
		}

		got, err := s.ListRecordsSince(ctx, now.Add(-30*24*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "dob", got[0].SourceField)
		assert.Equal(t, "first_name", got[1].SourceField)
		assert.Equal(t, "confirmed by reviewer", got[1].Feedback)
		assert.Empty(t, got[0].Feedback)
		assert.True(t, got[0].Success)
		assert.InDelta(t, 0.85, got[0].Confidence, 1e-9)
		assert.WithinDuration(t, recent.Timestamp, got[0].Timestamp, time.Millisecond)
	})

	t.Run("AppendAssignsTimestamp", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := model.TrainingRecord{SourceField: "dob", TargetField: "patient_dob", Confidence: 0.9, Success: true, Method: "exact"}
		require.NoError(t, s.AppendRecord(ctx, &rec))
		assert.False(t, rec.Timestamp.IsZero())
		assert.Equal(t, time.UTC, rec.Timestamp.Location())
	})

	t.Run("AppendRecordsBatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		batch := []model.TrainingRecord{
			record("dob", "date_of_birth", "SKYE", 0.85, true, time.Time{}),
			record("insurance_id", "member_id", "CENTURION", 0.9, true, time.Time{}),
			record("npi", "provider_npi", "CENTURION", 0.7, false, time.Time{}),
		}
		n, err := s.AppendRecords(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		for _, r := range batch {
			assert.NotEmpty(t, r.ID)
		}

		count, err := s.CountRecordsSince(ctx, now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})

	t.Run("AppendRecordsEmpty", func(t *testing.T) {
		s := newStore(t)
		n, err := s.AppendRecords(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("CountRecordsSince", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		for i := range 5 {
			r := record("dob", "patient_dob", "SKYE", 0.8, true, now.Add(-time.Duration(i)*24*time.Hour))
			require.NoError(t, s.AppendRecord(ctx, &r))
		}

		n, err := s.CountRecordsSince(ctx, now.Add(-36*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = s.CountRecordsSince(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("StatsEmpty", func(t *testing.T) {
		s := newStore(t)
		st, err := s.Stats(context.Background(), time.Now().Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), st.TotalRecords)
		assert.Zero(t, st.SuccessRate)
		assert.Zero(t, st.AvgConfidence)
		assert.Empty(t, st.TopManufacturers)
	})

	t.Run("Stats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		recs := []model.TrainingRecord{
			record("a", "x", "BIOWOUND", 1.0, true, now.Add(-time.Hour)),
			record("b", "x", "BIOWOUND", 0.5, false, now.Add(-time.Hour)),
			record("c", "x", "BIOWOUND", 0.6, true, now.Add(-20*24*time.Hour)),
			record("d", "x", "ADVANCED", 0.9, true, now.Add(-20*24*time.Hour)),
			record("e", "x", "ADVANCED", 0.5, true, now.Add(-20*24*time.Hour)),
			record("f", "x", "MEDLIFE", 0.5, true, now.Add(-20*24*time.Hour)),
		}
		_, err := s.AppendRecords(ctx, recs)
		require.NoError(t, err)

		st, err := s.Stats(ctx, now.Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(6), st.TotalRecords)
		assert.InDelta(t, 5.0/6.0, st.SuccessRate, 1e-9)
		assert.InDelta(t, 4.0/6.0, st.AvgConfidence, 1e-9)
		assert.InDelta(t, 0.5, st.RecentSuccessRate, 1e-9)
		assert.InDelta(t, 0.75, st.RecentAvgConfidence, 1e-9)

		require.Len(t, st.TopManufacturers, 3)
		assert.Equal(t, model.ManufacturerCount{Manufacturer: "BIOWOUND", Count: 3}, st.TopManufacturers[0])
		assert.Equal(t, model.ManufacturerCount{Manufacturer: "ADVANCED", Count: 2}, st.TopManufacturers[1])
		assert.Equal(t, model.ManufacturerCount{Manufacturer: "MEDLIFE", Count: 1}, st.TopManufacturers[2])
	})

	t.Run("StatsTopManufacturersCapped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var recs []model.TrainingRecord
		for _, m := range []string{"A", "B", "C", "D", "E", "F", "G"} {
			recs = append(recs, record("dob", "patient_dob", m, 0.8, true, time.Time{}))
		}
		_, err := s.AppendRecords(ctx, recs)
		require.NoError(t, err)

		st, err := s.Stats(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, st.TopManufacturers, TopManufacturers)
		assert.Equal(t, "A", st.TopManufacturers[0].Manufacturer)
	})

	t.Run("TrainingRunLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.LastTrainingRun(ctx)
		assert.True(t, errors.Is(err, ErrNotFound))

		run, err := s.StartTrainingRun(ctx, "forced")
		require.NoError(t, err)
		assert.Equal(t, model.TrainingRunning, run.Status)

		// A running run does not count as the last completed one.
		_, err = s.LastTrainingRun(ctx)
		assert.True(t, errors.Is(err, ErrNotFound))

		run.SampleCount = 120
		run.SyntheticCount = 20
		run.SnapshotVersion = "v1"
		run.Metrics = map[string]float64{"random_forest.accuracy": 0.92}
		require.NoError(t, s.CompleteTrainingRun(ctx, run))
		assert.Equal(t, model.TrainingComplete, run.Status)
		require.NotNil(t, run.CompletedAt)

		failed, err := s.StartTrainingRun(ctx, "volume")
		require.NoError(t, err)
		require.NoError(t, s.FailTrainingRun(ctx, failed.ID, errors.New("no usable models")))

		last, err := s.LastTrainingRun(ctx)
		require.NoError(t, err)
		assert.Equal(t, run.ID, last.ID)
		assert.Equal(t, "forced", last.Trigger)
		assert.Equal(t, model.TrainingComplete, last.Status)
		assert.Equal(t, 120, last.SampleCount)
		assert.Equal(t, 20, last.SyntheticCount)
		assert.Equal(t, "v1", last.SnapshotVersion)
		assert.InDelta(t, 0.92, last.Metrics["random_forest.accuracy"], 1e-9)
		require.NotNil(t, last.CompletedAt)
	})

	t.Run("FailUnknownRun", func(t *testing.T) {
		s := newStore(t)
		err := s.FailTrainingRun(context.Background(), "missing", errors.New("boom"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("CompleteUnknownRun", func(t *testing.T) {
		s := newStore(t)
		err := s.CompleteTrainingRun(context.Background(), &model.TrainingRun{ID: "missing"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-mapper/internal/ml"
	"github.com/sells-group/intake-mapper/internal/model"
	"github.com/sells-group/intake-mapper/internal/oracle"
	"github.com/sells-group/intake-mapper/internal/quality"
	"github.com/sells-group/intake-mapper/internal/resolve"
	"github.com/sells-group/intake-mapper/internal/schema"
	"github.com/sells-group/intake-mapper/internal/store"
	"github.com/sells-group/intake-mapper/internal/trainer"
)

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Propose(ctx context.Context, req oracle.Request) ([]oracle.Proposal, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]oracle.Proposal), args.Error(1)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestEngine(t *testing.T, st store.TrainingStore, o oracle.Oracle) *Engine {
	t.Helper()
	deps := Deps{
		Matcher: resolve.NewMatcher(resolve.DefaultConfig(), resolve.DefaultKeywords()),
		Schemas: schema.DefaultCatalog(),
		Holder:  &ml.Holder{},
		Store:   st,
		Scorer:  quality.NewScorer(quality.DefaultConfig()),
	}
	if o != nil {
		deps.Oracle = o
	}
	return New(deps, DefaultConfig())
}

func intakeSchema() *model.Schema {
	return model.NewSchema("", "INTAKE_FORM", []model.TargetFieldSpec{
		{Name: "patient_first_name", Required: true, ValueType: model.ValueText},
		{Name: "patient_last_name", Required: true, ValueType: model.ValueText},
		{Name: "patient_dob", ValueType: model.ValueDate},
	})
}

func intakeRequest(data map[string]any) Request {
	return Request{Manufacturer: "ACME", DocumentType: "INTAKE_FORM", Data: data, Schema: intakeSchema()}
}

func johnDoe() map[string]any {
	return map[string]any{"first_name": "John", "last_name": "Doe", "dob": "01/15/1970"}
}

func fieldBySource(t *testing.T, res *model.MappingResult, source string) model.FieldMapping {
	t.Helper()
	for _, f := range res.Fields {
		if f.Source == source {
			return f
		}
	}
	t.Fatalf("field %q not in result", source)
	return model.FieldMapping{}
}

func TestResolve_EndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	e := newTestEngine(t, st, nil)

	res, err := e.Resolve(ctx, intakeRequest(johnDoe()))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"patient_first_name": "John",
		"patient_last_name":  "Doe",
		"patient_dob":        "1970-01-15",
	}, res.Values)
	assert.Empty(t, res.MissingRequired)
	assert.Equal(t, "A+", res.QualityGrade)
	assert.InDelta(t, 0.9375, res.CompositeScore, 1e-9)
	assert.NotEmpty(t, res.RequestID)
	assert.Empty(t, res.ModelVersion)

	dob := fieldBySource(t, res, "dob")
	assert.Equal(t, model.StrategySubstring, dob.Strategy)
	assert.InDelta(t, 0.85, dob.StructuralConfidence, 1e-9)
	assert.InDelta(t, 0.925, dob.Confidence, 1e-9)

	for _, f := range res.Fields {
		assert.Equal(t, model.StateRecorded, f.State, f.Source)
	}

	recs, err := st.ListRecordsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.True(t, r.Success)
		assert.Equal(t, "substring", r.Method)
		assert.Equal(t, "ACME", r.Manufacturer)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, newTestStore(t), nil)
	data := johnDoe()
	data["Member ID#"] = "W123456789"
	data["phone"] = "5551234567"

	first, err := e.Resolve(context.Background(), intakeRequest(data))
	require.NoError(t, err)
	for range 5 {
		again, err := e.Resolve(context.Background(), intakeRequest(data))
		require.NoError(t, err)
		assert.Equal(t, first.Fields, again.Fields)
		assert.Equal(t, first.Values, again.Values)
		assert.Equal(t, first.CompositeScore, again.CompositeScore)
	}
}

func TestResolve_SchemaContainment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	e := newTestEngine(t, st, nil)

	data := johnDoe()
	data["zz_qq_unknown"] = "whatever"
	res, err := e.Resolve(ctx, intakeRequest(data))
	require.NoError(t, err)

	sch := intakeSchema()
	for target := range res.Values {
		assert.True(t, sch.Has(target), target)
	}
	odd := fieldBySource(t, res, "zz_qq_unknown")
	assert.False(t, odd.Mapped)
	assert.Equal(t, ReasonSchemaMismatch, odd.Reason)
	assert.Equal(t, model.StrategyFallback, odd.Strategy)
	assert.Equal(t, model.StateRecorded, odd.State)

	n, err := st.CountRecordsSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestResolve_InvalidValueDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	e := newTestEngine(t, st, nil)

	data := johnDoe()
	data["dob"] = "13/45/2020"
	res, err := e.Resolve(ctx, intakeRequest(data))
	require.NoError(t, err)

	assert.NotContains(t, res.Values, "patient_dob")
	dob := fieldBySource(t, res, "dob")
	assert.False(t, dob.Mapped)
	assert.Equal(t, ReasonValueInvalid, dob.Reason)
	assert.Equal(t, "patient_dob", dob.Target)
	assert.InDelta(t, 0.85, dob.Confidence, 1e-9)

	recs, err := st.ListRecordsSince(ctx, time.Time{})
	require.NoError(t, err)
	var found bool
	for _, r := range recs {
		if r.SourceField == "dob" {
			found = true
			assert.False(t, r.Success)
			assert.InDelta(t, 0.85, r.Confidence, 1e-9)
		}
	}
	assert.True(t, found)
}

func TestResolve_UnrecognizedCheckboxIsUnchecked(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, newTestStore(t), nil)

	sch := model.NewSchema("", "INTAKE_FORM", []model.TargetFieldSpec{
		{Name: "consent_signed", ValueType: model.ValueCheckbox},
	})
	res, err := e.Resolve(context.Background(), Request{
		DocumentType: "INTAKE_FORM",
		Data:         map[string]any{"consent_signed": "X"},
		Schema:       sch,
	})
	require.NoError(t, err)

	f := fieldBySource(t, res, "consent_signed")
	assert.True(t, f.Mapped)
	assert.Empty(t, f.Reason)
	assert.Equal(t, false, f.Value)
	assert.Equal(t, model.StrategyExact, f.Strategy)
	assert.InDelta(t, 0.975, f.Confidence, 1e-9)
	assert.Equal(t, map[string]any{"consent_signed": false}, res.Values)
}

func TestResolve_ExactMatch(t *testing.T) {
	t.Parallel()
	o := &mockOracle{}
	o.On("Propose", mock.Anything, mock.Anything).Return([]oracle.Proposal{
		{Source: "Patient-DOB", Target: "patient_first_name", Value: "x", Confidence: 1},
	}, nil)
	e := newTestEngine(t, newTestStore(t), o)

	res, err := e.Resolve(context.Background(), intakeRequest(map[string]any{"Patient-DOB": "1970-01-15"}))
	require.NoError(t, err)
	f := fieldBySource(t, res, "Patient-DOB")
	assert.Equal(t, model.StrategyExact, f.Strategy)
	assert.Equal(t, "patient_dob", f.Target)
	assert.InDelta(t, 0.95, f.StructuralConfidence, 1e-9)
	assert.Equal(t, "1970-01-15", f.Value)
}

func TestResolve_DuplicateTargetKeepsBest(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, newTestStore(t), nil)

	res, err := e.Resolve(context.Background(), intakeRequest(map[string]any{
		"dob":         "01/15/1970",
		"patient_dob": "1970-01-16",
	}))
	require.NoError(t, err)
	assert.Equal(t, "1970-01-16", res.Values["patient_dob"])
	dup := fieldBySource(t, res, "dob")
	assert.False(t, dup.Mapped)
	assert.Equal(t, ReasonDuplicate, dup.Reason)
}

func TestResolve_OracleCandidates(t *testing.T) {
	t.Parallel()
	o := &mockOracle{}
	o.On("Propose", mock.Anything, mock.MatchedBy(func(r oracle.Request) bool {
		return r.DocumentType == "INTAKE_FORM" && len(r.Fields) == 3 && r.Schema.Len() == 3
	})).Return([]oracle.Proposal{
		{Source: "dob", Target: "patient_dob", Value: "1970-01-15", Confidence: 0.99},
		{Source: "first_name", Target: "given_name", Value: "John", Confidence: 1},
		{Source: "last_name", Target: "patient_last_name", Value: "not a name", Confidence: 0.1},
	}, nil).Once()
	e := newTestEngine(t, newTestStore(t), o)

	res, err := e.Resolve(context.Background(), intakeRequest(johnDoe()))
	require.NoError(t, err)

	dob := fieldBySource(t, res, "dob")
	assert.Equal(t, model.StrategyOracle, dob.Strategy)
	assert.InDelta(t, 0.995, dob.Confidence, 1e-9)

	first := fieldBySource(t, res, "first_name")
	assert.Equal(t, "patient_first_name", first.Target, "oracle target outside the schema is dropped")
	assert.Equal(t, model.StrategySubstring, first.Strategy)

	last := fieldBySource(t, res, "last_name")
	assert.Equal(t, model.StrategySubstring, last.Strategy)
	assert.Equal(t, "Doe", res.Values["patient_last_name"])
	o.AssertExpectations(t)
}

func TestResolve_OracleFailureDegrades(t *testing.T) {
	t.Parallel()
	o := &mockOracle{}
	o.On("Propose", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))
	e := newTestEngine(t, newTestStore(t), o)

	res, err := e.Resolve(context.Background(), intakeRequest(johnDoe()))
	require.NoError(t, err)
	assert.Len(t, res.Values, 3)
	assert.Equal(t, "A+", res.QualityGrade)
}

func TestResolve_CatalogSchema(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, newTestStore(t), nil)

	res, err := e.Resolve(context.Background(), Request{
		DocumentType: "intake_form",
		Data:         johnDoe(),
	})
	require.NoError(t, err)
	assert.Equal(t, "1970-01-15", res.Values["patient_dob"])
	assert.Empty(t, res.MissingRequired)
	assert.NotEmpty(t, res.Recommendations, "most catalog fields are unmapped")
}

func TestResolve_UnknownDocumentTypeResolvesWithoutSchema(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, newTestStore(t), nil)

	res, err := e.Resolve(context.Background(), Request{DocumentType: "FAX_COVER", Data: johnDoe()})
	require.NoError(t, err)
	assert.Len(t, res.Values, 3)
	for _, s := range res.Strategies {
		assert.Equal(t, string(model.StrategyFallback), s)
	}
}

func TestResolve_RequiresDocumentType(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, newTestStore(t), nil)
	_, err := e.Resolve(context.Background(), Request{Data: johnDoe()})
	assert.Error(t, err)
}

// brokenStore fails every append.
type brokenStore struct {
	store.TrainingStore
}

func (brokenStore) AppendRecord(context.Context, *model.TrainingRecord) error {
	return errors.New("disk full")
}

func TestResolve_StoreFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, brokenStore{TrainingStore: newTestStore(t)}, nil)

	res, err := e.Resolve(context.Background(), intakeRequest(johnDoe()))
	require.NoError(t, err)
	assert.Len(t, res.Values, 3)
	for _, f := range res.Fields {
		assert.Equal(t, model.StateRecorded, f.State)
	}
}

func TestResolve_WithPublishedSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	holder := &ml.Holder{}
	cfg := trainer.DefaultConfig()
	cfg.ModelDir = filepath.Join(t.TempDir(), "models")
	cfg.Kinds = []string{ml.KindRandomForest}
	cfg.CVFolds = 3
	tr := trainer.New(st, holder, cfg)

	run, err := tr.Train(ctx, true)
	require.NoError(t, err)

	e := New(Deps{
		Matcher: resolve.NewMatcher(resolve.DefaultConfig(), resolve.DefaultKeywords()),
		Schemas: schema.DefaultCatalog(),
		Holder:  holder,
		Store:   st,
		Trainer: tr,
	}, DefaultConfig())

	res, err := e.Resolve(ctx, intakeRequest(johnDoe()))
	require.NoError(t, err)
	tr.Wait()

	assert.Equal(t, run.SnapshotVersion, res.ModelVersion)
	assert.Equal(t, "1970-01-15", res.Values["patient_dob"])
	for _, f := range res.Fields {
		assert.Equal(t, model.StateRecorded, f.State)
		assert.True(t, intakeSchema().Has(f.Target), f.Target)
	}

	info := e.ModelInfo()
	require.NotNil(t, info)
	assert.Equal(t, run.SnapshotVersion, info.Version)
	assert.Contains(t, info.Models, ml.KindRandomForest)
}

func TestFeedback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	e := newTestEngine(t, st, nil)

	rec, err := e.Feedback(ctx, FeedbackRequest{
		SourceField:  "dob",
		TargetField:  "patient_dob",
		DocumentType: "INTAKE_FORM",
		Confidence:   0.9,
		Success:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MethodFeedback, rec.Method)
	assert.Equal(t, "accepted", rec.Feedback)
	assert.NotEmpty(t, rec.ID)

	_, err = e.Feedback(ctx, FeedbackRequest{
		SourceField:  "dob",
		TargetField:  "birthday",
		DocumentType: "INTAKE_FORM",
	})
	assert.True(t, errors.Is(err, ErrInvalidFeedback))

	_, err = e.Feedback(ctx, FeedbackRequest{SourceField: "dob"})
	assert.True(t, errors.Is(err, ErrInvalidFeedback))

	_, err = e.Feedback(ctx, FeedbackRequest{SourceField: "dob", TargetField: "x", Confidence: 2})
	assert.True(t, errors.Is(err, ErrInvalidFeedback))

	recs, err := st.ListRecordsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "accepted", recs[0].Feedback)
}

func TestAnalytics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	e := newTestEngine(t, st, nil)

	_, err := e.Resolve(ctx, intakeRequest(johnDoe()))
	require.NoError(t, err)

	a, err := e.Analytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.TotalRecords)
	assert.InDelta(t, 1.0, a.SuccessRate, 1e-9)
	assert.InDelta(t, 1.0, a.RecentSuccessRate, 1e-9)
	assert.Equal(t, 7, a.WindowDays)
	assert.Nil(t, a.LastTraining)
	assert.Nil(t, a.Model)
	require.Len(t, a.TopManufacturers, 1)
	assert.Equal(t, "ACME", a.TopManufacturers[0].Manufacturer)
}

func TestDocumentTypes(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, newTestStore(t), nil)
	assert.Contains(t, e.DocumentTypes(), "INTAKE_FORM")
	assert.Nil(t, New(Deps{}, DefaultConfig()).DocumentTypes())
}

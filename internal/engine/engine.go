// Package engine resolves a set of source fields onto a canonical schema.
// Each field runs through the heuristic matcher, the classifier pool when
// one is published, and the optional oracle. The best validated candidate
// wins and every decision is recorded for training.
package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-mapper/internal/ml"
	"github.com/sells-group/intake-mapper/internal/model"
	"github.com/sells-group/intake-mapper/internal/oracle"
	"github.com/sells-group/intake-mapper/internal/quality"
	"github.com/sells-group/intake-mapper/internal/resolve"
	"github.com/sells-group/intake-mapper/internal/schema"
	"github.com/sells-group/intake-mapper/internal/store"
	"github.com/sells-group/intake-mapper/internal/trainer"
	"github.com/sells-group/intake-mapper/internal/validate"
)

// Reasons attached to fields left out of the final result.
const (
	ReasonSchemaMismatch = "schema_mismatch"
	ReasonValueInvalid   = "value_invalid"
	ReasonDuplicate      = "duplicate_target"
)

// Config tunes the engine.
type Config struct {
	// InvalidValueScore is the content score of a value that fails its
	// type validator.
	InvalidValueScore float64
	// AnalyticsWindowDays bounds the "recent" figures in Analytics.
	AnalyticsWindowDays int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{InvalidValueScore: 0.3, AnalyticsWindowDays: 7}
}

// Deps are the collaborators of an Engine. Trainer and Oracle are optional.
type Deps struct {
	Matcher *resolve.Matcher
	Schemas schema.Provider
	Holder  *ml.Holder
	Store   store.TrainingStore
	Scorer  *quality.Scorer
	Trainer *trainer.Trainer
	Oracle  oracle.Oracle
	// Background scopes retraining started by resolution traffic. It
	// defaults to context.Background.
	Background context.Context
}

// Engine is safe for concurrent use.
type Engine struct {
	deps Deps
	cfg  Config
	now  func() time.Time
	log  *zap.Logger
}

// New creates an Engine.
func New(deps Deps, cfg Config) *Engine {
	if deps.Holder == nil {
		deps.Holder = &ml.Holder{}
	}
	if deps.Scorer == nil {
		deps.Scorer = quality.NewScorer(quality.DefaultConfig())
	}
	if deps.Background == nil {
		deps.Background = context.Background()
	}
	return &Engine{
		deps: deps,
		cfg:  cfg,
		now:  time.Now,
		log:  zap.L().With(zap.String("component", "engine")),
	}
}

// Request is one resolution call.
type Request struct {
	Manufacturer string         `json:"manufacturer"`
	DocumentType string         `json:"document_type"`
	Data         map[string]any `json:"data"`
	// Schema overrides the provider lookup when set.
	Schema *model.Schema `json:"-"`
}

// Resolve maps every source field in req. It never fails because of a single
// field; the error return covers only a missing document type.
func (e *Engine) Resolve(ctx context.Context, req Request) (*model.MappingResult, error) {
	if req.DocumentType == "" {
		return nil, eris.New("engine: document type is required")
	}
	log := e.log.With(
		zap.String("manufacturer", req.Manufacturer),
		zap.String("document_type", req.DocumentType),
	)

	sch := e.schemaFor(ctx, req, log)
	fields := model.SortedSourceFields(req.Data)
	snap := e.deps.Holder.Load()
	proposals := e.propose(ctx, req, fields, sch, log)

	res := &model.MappingResult{
		RequestID:    uuid.New().String(),
		Manufacturer: req.Manufacturer,
		DocumentType: req.DocumentType,
		Values:       make(map[string]any),
		Confidence:   make(map[string]float64),
		Strategies:   make(map[string]string),
		Fields:       make([]model.FieldMapping, 0, len(fields)),
	}
	if snap != nil {
		res.ModelVersion = snap.Version
	}

	for _, f := range fields {
		fm := e.resolveField(f, req, sch, snap, proposals, log)
		res.Fields = append(res.Fields, fm)
	}
	dedupeTargets(res.Fields, log)

	for i := range res.Fields {
		fm := &res.Fields[i]
		e.record(ctx, req, fm, log)
		if fm.Mapped {
			res.Values[fm.Target] = fm.Value
			res.Confidence[fm.Target] = fm.Confidence
			res.Strategies[fm.Target] = string(fm.Strategy)
		}
	}

	rep := e.deps.Scorer.Score(res.Fields, sch)
	res.CompositeScore = rep.Composite
	res.QualityGrade = rep.Grade
	res.MissingRequired = rep.MissingRequired
	res.LowConfidence = rep.LowConfidence
	res.Recommendations = append(append([]string(nil), rep.Warnings...), rep.Recommendations...)
	res.Notes = rep.Notes

	log.Info("resolved fields",
		zap.String("request_id", res.RequestID),
		zap.Int("fields", len(res.Fields)),
		zap.Int("mapped", len(res.Values)),
		zap.String("grade", res.QualityGrade),
		zap.Float64("composite", res.CompositeScore),
	)
	e.maybeRetrain()
	return res, nil
}

// schemaFor returns the canonical schema for req. An unknown document type
// resolves against an empty schema, which lets heuristic names through.
func (e *Engine) schemaFor(ctx context.Context, req Request, log *zap.Logger) *model.Schema {
	if req.Schema != nil {
		return req.Schema
	}
	if e.deps.Schemas == nil {
		return model.NewSchema(req.Manufacturer, req.DocumentType, nil)
	}
	sch, err := e.deps.Schemas.Lookup(ctx, req.Manufacturer, req.DocumentType)
	if err != nil {
		log.Warn("schema lookup failed, resolving without a canonical schema", zap.Error(err))
		return model.NewSchema(req.Manufacturer, req.DocumentType, nil)
	}
	return sch
}

func (e *Engine) propose(ctx context.Context, req Request, fields []model.SourceField, sch *model.Schema, log *zap.Logger) map[string]oracle.Proposal {
	if e.deps.Oracle == nil || len(fields) == 0 {
		return nil
	}
	props, err := e.deps.Oracle.Propose(ctx, oracle.Request{
		Manufacturer: req.Manufacturer,
		DocumentType: req.DocumentType,
		Fields:       fields,
		Schema:       sch,
	})
	if err != nil {
		log.Warn("oracle failed, continuing without it", zap.Error(err))
		return nil
	}
	out := make(map[string]oracle.Proposal, len(props))
	for _, p := range props {
		out[p.Source] = p
	}
	return out
}

// candidate is one scored option for a field.
type candidate struct {
	model.MappingCandidate
	modelName    string
	alternatives []model.Alternative
	value        any
	outcome      validate.Outcome
	final        float64
}

// resolveField walks one field from pending to type validated. Recording
// happens after duplicate targets are settled.
func (e *Engine) resolveField(f model.SourceField, req Request, sch *model.Schema, snap *ml.Snapshot, proposals map[string]oracle.Proposal, log *zap.Logger) model.FieldMapping {
	fm := model.FieldMapping{Source: f.Name, RawValue: f.RawValue, State: model.StatePending}
	flog := log.With(zap.String("field", f.Name))

	heuristic := e.deps.Matcher.Match(f, sch, req.DocumentType)
	cands := []candidate{{MappingCandidate: heuristic, value: f.RawValue}}
	fm.State = model.StateHeuristicDone

	// An exact name match is authoritative.
	exact := heuristic.Strategy == model.StrategyExact
	if snap != nil && !exact {
		pred, ok := snap.Predict(ml.Sample{
			Source:       f.Name,
			Target:       heuristic.Target,
			Manufacturer: req.Manufacturer,
			DocumentType: req.DocumentType,
			Confidence:   heuristic.Confidence,
		})
		if ok {
			cands = append(cands, candidate{
				MappingCandidate: model.MappingCandidate{
					Target:     pred.Target,
					Confidence: pred.Confidence,
					Strategy:   model.StrategyEnsemble,
				},
				modelName:    pred.Model,
				alternatives: pred.Alternatives,
				value:        f.RawValue,
			})
		}
		fm.State = model.StateMLAttempted
	}

	if p, ok := proposals[f.Name]; ok && !exact {
		value := p.Value
		if value == nil {
			value = f.RawValue
		}
		cands = append(cands, candidate{
			MappingCandidate: model.MappingCandidate{Target: p.Target, Confidence: p.Confidence, Strategy: model.StrategyOracle},
			value:            value,
		})
	}

	var (
		best     *candidate
		rejected *candidate
	)
	for i := range cands {
		c := &cands[i]
		if !sch.Empty() && !sch.Has(c.Target) {
			flog.Warn("candidate target not in schema, dropped",
				zap.String("target", c.Target),
				zap.String("strategy", string(c.Strategy)),
			)
			if rejected == nil {
				rejected = c
			}
			continue
		}
		c.outcome = validate.Apply(sch.TypeOf(c.Target), c.value)
		c.final = validate.AdjustConfidence(c.Confidence, c.outcome, e.cfg.InvalidValueScore)
		if best == nil || c.final > best.final {
			best = c
		}
	}
	fm.State = model.StateTypeValidated

	if best == nil {
		fm.Target = rejected.Target
		fm.Strategy = rejected.Strategy
		fm.Confidence = rejected.Confidence
		fm.StructuralConfidence = rejected.Confidence
		fm.Reason = ReasonSchemaMismatch
		return fm
	}

	fm.Target = best.Target
	fm.Strategy = best.Strategy
	fm.StructuralConfidence = best.Confidence
	fm.Model = best.modelName
	fm.Alternatives = best.alternatives
	if !best.outcome.Valid {
		flog.Warn("value failed its type validator, field dropped",
			zap.String("target", best.Target),
			zap.String("value_type", string(sch.TypeOf(best.Target))),
		)
		fm.Confidence = best.Confidence
		fm.Reason = ReasonValueInvalid
		return fm
	}
	fm.Value = best.outcome.Value
	fm.Confidence = best.final
	fm.Mapped = true
	return fm
}

// dedupeTargets keeps, for every target claimed by more than one field, the
// highest confidence mapping. Fields are in source name order, so ties keep
// the first.
func dedupeTargets(fields []model.FieldMapping, log *zap.Logger) {
	winner := make(map[string]int)
	for i, f := range fields {
		if !f.Mapped {
			continue
		}
		j, ok := winner[f.Target]
		if !ok || f.Confidence > fields[j].Confidence {
			winner[f.Target] = i
		}
	}
	for i := range fields {
		f := &fields[i]
		if f.Mapped && winner[f.Target] != i {
			log.Warn("target already mapped by another field, dropped",
				zap.String("field", f.Source),
				zap.String("target", f.Target),
			)
			f.Mapped = false
			f.Value = nil
			f.Reason = ReasonDuplicate
		}
	}
}

// record appends the training record of one field. Persistence failures are
// logged and never surface to the caller.
func (e *Engine) record(ctx context.Context, req Request, fm *model.FieldMapping, log *zap.Logger) {
	defer func() { fm.State = model.StateRecorded }()
	if e.deps.Store == nil {
		return
	}
	rec := model.TrainingRecord{
		SourceField:  fm.Source,
		TargetField:  fm.Target,
		Manufacturer: req.Manufacturer,
		DocumentType: req.DocumentType,
		Confidence:   fm.Confidence,
		Success:      fm.Mapped,
		Method:       string(fm.Strategy),
	}
	if err := e.deps.Store.AppendRecord(ctx, &rec); err != nil {
		log.Warn("failed to record training record", zap.String("field", fm.Source), zap.Error(err))
	}
}

// maybeRetrain starts a background trigger check. A run already fitting
// makes this a no-op.
func (e *Engine) maybeRetrain() {
	if e.deps.Trainer == nil {
		return
	}
	if err := e.deps.Trainer.TrainAsync(e.deps.Background, false); err != nil && !errors.Is(err, trainer.ErrTrainingInProgress) {
		e.log.Warn("failed to start retrain check", zap.Error(err))
	}
}

// ErrInvalidFeedback is returned for feedback that cannot be recorded.
var ErrInvalidFeedback = eris.New("engine: invalid feedback")

// FeedbackRequest reports whether a prior mapping was accepted or corrected.
type FeedbackRequest struct {
	SourceField  string  `json:"source_field"`
	TargetField  string  `json:"target_field"`
	Manufacturer string  `json:"manufacturer"`
	DocumentType string  `json:"document_type"`
	Confidence   float64 `json:"confidence"`
	Success      bool    `json:"success"`
	Feedback     string  `json:"feedback"`
}

// Feedback appends a feedback record. A target outside the canonical schema
// is rejected when the schema is known.
func (e *Engine) Feedback(ctx context.Context, req FeedbackRequest) (*model.TrainingRecord, error) {
	if req.SourceField == "" || req.TargetField == "" {
		return nil, eris.Wrap(ErrInvalidFeedback, "source_field and target_field are required")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, eris.Wrapf(ErrInvalidFeedback, "confidence %.2f outside [0, 1]", req.Confidence)
	}
	if e.deps.Schemas != nil && req.DocumentType != "" {
		sch, err := e.deps.Schemas.Lookup(ctx, req.Manufacturer, req.DocumentType)
		if err == nil && !sch.Empty() && !sch.Has(req.TargetField) {
			return nil, eris.Wrapf(ErrInvalidFeedback, "target %q is not in the %s schema", req.TargetField, req.DocumentType)
		}
	}
	if e.deps.Store == nil {
		return nil, eris.New("engine: no training store configured")
	}

	feedback := req.Feedback
	if feedback == "" {
		feedback = "rejected"
		if req.Success {
			feedback = "accepted"
		}
	}
	rec := model.TrainingRecord{
		SourceField:  req.SourceField,
		TargetField:  req.TargetField,
		Manufacturer: req.Manufacturer,
		DocumentType: req.DocumentType,
		Confidence:   req.Confidence,
		Success:      req.Success,
		Method:       model.MethodFeedback,
		Feedback:     feedback,
	}
	if err := e.deps.Store.AppendRecord(ctx, &rec); err != nil {
		return nil, eris.Wrap(err, "engine: record feedback")
	}
	e.log.Info("feedback recorded",
		zap.String("field", req.SourceField),
		zap.String("target", req.TargetField),
		zap.Bool("success", req.Success),
	)
	e.maybeRetrain()
	return &rec, nil
}

// Analytics summarizes the training store, the training log and the
// published model.
type Analytics struct {
	model.TrainingStats
	WindowDays         int                `json:"window_days"`
	LastTraining       *model.TrainingRun `json:"last_training,omitempty"`
	TrainingInProgress bool               `json:"training_in_progress"`
	Model              *ml.Info           `json:"model,omitempty"`
}

// Analytics gathers store statistics and model metadata.
func (e *Engine) Analytics(ctx context.Context) (*Analytics, error) {
	if e.deps.Store == nil {
		return nil, eris.New("engine: no training store configured")
	}
	window := e.cfg.AnalyticsWindowDays
	if window <= 0 {
		window = 7
	}
	stats, err := e.deps.Store.Stats(ctx, e.now().UTC().AddDate(0, 0, -window))
	if err != nil {
		return nil, eris.Wrap(err, "engine: training stats")
	}
	a := &Analytics{TrainingStats: *stats, WindowDays: window, Model: e.ModelInfo()}

	last, err := e.deps.Store.LastTrainingRun(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, eris.Wrap(err, "engine: last training run")
	default:
		a.LastTraining = last
	}
	if e.deps.Trainer != nil {
		a.TrainingInProgress = e.deps.Trainer.Running()
	}
	return a, nil
}

// ModelInfo describes the published snapshot, or nil before the first one.
func (e *Engine) ModelInfo() *ml.Info {
	snap := e.deps.Holder.Load()
	if snap == nil {
		return nil
	}
	info := snap.Info()
	return &info
}

// DocumentTypes lists the document types the schema provider knows, when it
// can enumerate them.
func (e *Engine) DocumentTypes() []string {
	lister, ok := e.deps.Schemas.(interface{ DocumentTypes() []string })
	if !ok {
		return nil
	}
	types := lister.DocumentTypes()
	sort.Strings(types)
	return types
}

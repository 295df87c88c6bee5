// Package trainer rebuilds the classifier pool from the training store on a
// forced call, a time trigger or a volume trigger.
package trainer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/intake-mapper/internal/ml"
	"github.com/sells-group/intake-mapper/internal/model"
	"github.com/sells-group/intake-mapper/internal/store"
)

// ErrTrainingInProgress is returned when a run is requested while another
// one is still fitting.
var ErrTrainingInProgress = eris.New("trainer: training already in progress")

// Trigger names why a training run started.
type Trigger string

// Training triggers. TriggerNone means no run is due.
const (
	TriggerNone   Trigger = ""
	TriggerForced Trigger = "forced"
	TriggerTime   Trigger = "time"
	TriggerVolume Trigger = "volume"
)

// Config tunes data selection, triggers and the fit itself.
type Config struct {
	ModelDir            string
	WindowDays          int
	MinSamples          int
	RetrainAfterDays    int
	RetrainAfterRecords int64
	TestSplit           float64
	CVFolds             int
	Seed                uint64
	WeightByAccuracy    bool
	SyntheticWeight     float64
	Kinds               []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ModelDir:            "models",
		WindowDays:          30,
		MinSamples:          50,
		RetrainAfterDays:    7,
		RetrainAfterRecords: 100,
		TestSplit:           0.2,
		CVFolds:             5,
		Seed:                42,
		WeightByAccuracy:    true,
		SyntheticWeight:     0.5,
	}
}

// Trainer owns the training pipeline. At most one run fits at a time; the
// published snapshot is replaced only after a run fully succeeds.
type Trainer struct {
	store     store.TrainingStore
	holder    *ml.Holder
	cfg       Config
	extractor *ml.Extractor
	now       func() time.Time

	running atomic.Bool
	checks  singleflight.Group
	wg      sync.WaitGroup
	log     *zap.Logger
}

// New creates a Trainer publishing into holder.
func New(st store.TrainingStore, holder *ml.Holder, cfg Config) *Trainer {
	return &Trainer{
		store:     st,
		holder:    holder,
		cfg:       cfg,
		extractor: ml.NewExtractor(),
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "trainer")),
	}
}

// Running reports whether a run is fitting right now.
func (t *Trainer) Running() bool {
	return t.running.Load()
}

// CheckTrigger reports which trigger, if any, is due. The time trigger needs
// a previous completed run. The volume trigger counts usable records
// appended since that run started, or since the beginning when there has
// been none, so records written while a run was fitting still count.
func (t *Trainer) CheckTrigger(ctx context.Context) (Trigger, error) {
	now := t.now().UTC()
	var since time.Time

	last, err := t.store.LastTrainingRun(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return TriggerNone, eris.Wrap(err, "trainer: last training run")
	case last.CompletedAt != nil:
		if t.cfg.RetrainAfterDays > 0 && now.Sub(*last.CompletedAt) > time.Duration(t.cfg.RetrainAfterDays)*24*time.Hour {
			return TriggerTime, nil
		}
		since = last.StartedAt
	}

	if t.cfg.RetrainAfterRecords <= 0 {
		return TriggerNone, nil
	}
	n, err := t.store.CountUsableRecordsSince(ctx, since)
	if err != nil {
		return TriggerNone, eris.Wrap(err, "trainer: count new records")
	}
	if n >= t.cfg.RetrainAfterRecords {
		return TriggerVolume, nil
	}
	return TriggerNone, nil
}

// Train runs the pipeline synchronously. Without force it first checks the
// triggers and returns a nil run when none is due.
func (t *Trainer) Train(ctx context.Context, force bool) (*model.TrainingRun, error) {
	trigger := TriggerForced
	if !force {
		var err error
		if trigger, err = t.CheckTrigger(ctx); err != nil {
			return nil, err
		}
		if trigger == TriggerNone {
			return nil, nil
		}
	}
	if !t.running.CompareAndSwap(false, true) {
		return nil, ErrTrainingInProgress
	}
	defer t.running.Store(false)
	return t.run(ctx, trigger)
}

// MaybeTrain checks the triggers and trains when one is due. Concurrent
// callers share a single check, so one due trigger starts exactly one run.
func (t *Trainer) MaybeTrain(ctx context.Context) (*model.TrainingRun, error) {
	v, err, _ := t.checks.Do("train", func() (any, error) {
		return t.Train(ctx, false)
	})
	if errors.Is(err, ErrTrainingInProgress) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v.(*model.TrainingRun), nil
}

// TrainAsync starts a run in the background and returns immediately. The run
// lives as long as ctx; callers pass a process-scoped context, not a
// request-scoped one.
func (t *Trainer) TrainAsync(ctx context.Context, force bool) error {
	if t.running.Load() {
		return ErrTrainingInProgress
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		var (
			run *model.TrainingRun
			err error
		)
		if force {
			run, err = t.Train(ctx, true)
		} else {
			run, err = t.MaybeTrain(ctx)
		}
		if errors.Is(err, ErrTrainingInProgress) {
			t.log.Info("background training skipped, run already in progress")
			return
		}
		if err != nil {
			t.log.Error("background training failed", zap.Error(err))
			return
		}
		if run != nil {
			t.log.Info("background training complete", zap.String("run_id", run.ID))
		}
	}()
	return nil
}

// Wait blocks until background runs started by TrainAsync have returned.
func (t *Trainer) Wait() {
	t.wg.Wait()
}

func (t *Trainer) run(ctx context.Context, trigger Trigger) (*model.TrainingRun, error) {
	log := t.log.With(zap.String("trigger", string(trigger)))
	log.Info("starting training run")

	run, err := t.store.StartTrainingRun(ctx, string(trigger))
	if err != nil {
		return nil, eris.Wrap(err, "trainer: start run log")
	}
	fail := func(cause error) (*model.TrainingRun, error) {
		log.Error("training run failed", zap.String("run_id", run.ID), zap.Error(cause))
		if logErr := t.store.FailTrainingRun(context.WithoutCancel(ctx), run.ID, cause); logErr != nil {
			log.Error("failed to record training failure", zap.Error(logErr))
		}
		return nil, cause
	}

	start := time.Now()
	set, err := t.trainingSet(ctx)
	if err != nil {
		return fail(err)
	}
	snap, err := ml.Train(ctx, set, ml.TrainOptions{
		Kinds:            t.cfg.Kinds,
		TestSplit:        t.cfg.TestSplit,
		CVFolds:          t.cfg.CVFolds,
		Seed:             t.cfg.Seed,
		WeightByAccuracy: t.cfg.WeightByAccuracy,
		Extractor:        t.extractor,
	})
	if err != nil {
		return fail(eris.Wrap(err, "trainer: fit pool"))
	}
	if err := ctx.Err(); err != nil {
		return fail(eris.Wrap(err, "trainer: interrupted"))
	}
	if t.cfg.ModelDir != "" {
		if err := ml.SaveSnapshot(t.cfg.ModelDir, snap); err != nil {
			return fail(err)
		}
	}

	run.SampleCount = len(set.Samples)
	run.SyntheticCount = set.SyntheticCount
	run.SnapshotVersion = snap.Version
	run.Metrics = runMetrics(snap)
	if err := t.store.CompleteTrainingRun(ctx, run); err != nil {
		return fail(eris.Wrap(err, "trainer: complete run log"))
	}
	t.holder.Swap(snap)

	log.Info("training run complete",
		zap.String("run_id", run.ID),
		zap.String("version", snap.Version),
		zap.Int("samples", run.SampleCount),
		zap.Int("synthetic", run.SyntheticCount),
		zap.Int("models", len(snap.Models)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return run, nil
}

// trainingSet selects successful records inside the recency window and tops
// them up with down-weighted synthetic records when there are too few.
func (t *Trainer) trainingSet(ctx context.Context) (ml.TrainingSet, error) {
	now := t.now().UTC()
	since := now.AddDate(0, 0, -t.cfg.WindowDays)
	recs, err := t.store.ListRecordsSince(ctx, since)
	if err != nil {
		return ml.TrainingSet{}, eris.Wrap(err, "trainer: load training records")
	}

	var set ml.TrainingSet
	add := func(r model.TrainingRecord, weight float64) {
		set.Samples = append(set.Samples, ml.Sample{
			Source:       r.SourceField,
			Target:       r.TargetField,
			Manufacturer: r.Manufacturer,
			DocumentType: r.DocumentType,
			Confidence:   r.Confidence,
		})
		set.Labels = append(set.Labels, r.TargetField)
		set.Weights = append(set.Weights, weight)
	}
	for _, r := range recs {
		if r.Success && r.TargetField != "" {
			add(r, 1)
		}
	}

	if missing := t.cfg.MinSamples - len(set.Samples); missing > 0 {
		t.log.Warn("insufficient training data, seeding synthetic records",
			zap.Int("real", len(set.Samples)),
			zap.Int("synthetic", missing),
		)
		weight := t.cfg.SyntheticWeight
		if weight <= 0 {
			weight = 1
		}
		for _, r := range Synthetic(missing, now, t.cfg.Seed) {
			add(r, weight)
		}
		set.SyntheticCount = missing
	}
	return set, nil
}

func runMetrics(s *ml.Snapshot) map[string]float64 {
	out := make(map[string]float64, 3*len(s.Models))
	for _, m := range s.Models {
		out[m.Name+".accuracy"] = m.Metrics.Accuracy
		out[m.Name+".cv_mean"] = m.Metrics.CVMean
		out[m.Name+".cv_std"] = m.Metrics.CVStd
	}
	return out
}

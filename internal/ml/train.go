package ml

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TrainingSet is labeled training data. Weights may be nil.
type TrainingSet struct {
	Samples        []Sample
	Labels         []string
	Weights        []float64
	SyntheticCount int
}

// TrainOptions configures one pool training run.
type TrainOptions struct {
	Kinds            []string
	TestSplit        float64
	CVFolds          int
	Seed             uint64
	WeightByAccuracy bool
	Extractor        *Extractor
}

// Train extracts features, encodes labels, fits a scaler, holds out a test
// split and fits every pool member in parallel. The returned snapshot is
// complete; on error or cancellation nothing is returned.
func Train(ctx context.Context, set TrainingSet, opts TrainOptions) (*Snapshot, error) {
	log := zap.L().With(zap.String("component", "ml.train"))

	n := len(set.Samples)
	if n < 2 {
		return nil, eris.Errorf("ml: need at least 2 samples, have %d", n)
	}
	if len(set.Labels) != n {
		return nil, eris.Errorf("ml: %d samples but %d labels", n, len(set.Labels))
	}
	if set.Weights != nil && len(set.Weights) != n {
		return nil, eris.Errorf("ml: %d samples but %d weights", n, len(set.Weights))
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = DefaultKinds()
	}
	ext := opts.Extractor
	if ext == nil {
		ext = NewExtractor()
	}

	raw := make([][]float64, n)
	for i, s := range set.Samples {
		raw[i] = ext.Extract(s)
	}
	labels := FitLabels(set.Labels)
	y := make([]int, n)
	for i, l := range set.Labels {
		y[i], _ = labels.Encode(l)
	}
	scaler := FitScaler(raw)
	X := scaler.TransformAll(raw)

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	trainIdx, testIdx := splitIndices(n, opts.TestSplit, rng)
	Xtr, ytr := gather(X, trainIdx), gather(y, trainIdx)
	Xte, yte := gather(X, testIdx), gather(y, testIdx)
	var wtr []float64
	if set.Weights != nil {
		wtr = gather(set.Weights, trainIdx)
	}

	models := make([]*Model, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			c, err := NewClassifier(kind, opts.Seed)
			if err != nil {
				return err
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := c.Fit(Xtr, ytr, wtr, labels.Len()); err != nil {
				log.Warn("pool member failed to fit", zap.String("model", kind), zap.Error(err))
				return nil
			}
			m := &Model{Name: kind, Classifier: c, Metrics: Metrics{
				TrainingSamples: len(Xtr),
				TestSamples:     len(Xte),
			}}
			if len(Xte) > 0 {
				m.Metrics.Accuracy = Accuracy(c, Xte, yte)
			}
			mean, std, err := crossValidate(gctx, kind, opts.Seed, Xtr, ytr, wtr, labels.Len(), opts.CVFolds)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				log.Warn("cross-validation failed", zap.String("model", kind), zap.Error(err))
			}
			m.Metrics.CVMean, m.Metrics.CVStd = mean, std
			models[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "ml: train pool")
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "ml: train pool")
	}

	snap := &Snapshot{
		Version:          uuid.NewString(),
		TrainedAt:        time.Now().UTC(),
		SampleCount:      n,
		SyntheticCount:   set.SyntheticCount,
		WeightByAccuracy: opts.WeightByAccuracy,
		Labels:           labels,
		Scaler:           scaler,
		Extractor:        ext,
	}
	for _, m := range models {
		if m == nil {
			continue
		}
		snap.Models = append(snap.Models, *m)
		log.Info("pool member trained",
			zap.String("model", m.Name),
			zap.Float64("accuracy", m.Metrics.Accuracy),
			zap.Float64("cv_mean", m.Metrics.CVMean),
			zap.Float64("cv_std", m.Metrics.CVStd),
			zap.Int("training_samples", m.Metrics.TrainingSamples),
		)
	}
	if len(snap.Models) == 0 {
		return nil, ErrNoUsableModels
	}
	return snap, nil
}

package ml

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNoSnapshot is returned by LoadSnapshot when nothing has been persisted.
var ErrNoSnapshot = eris.New("ml: no persisted snapshot")

const (
	currentFile  = "CURRENT"
	metadataFile = "metadata.json"
	tmpPrefix    = ".tmp-"
)

type modelMeta struct {
	Name    string  `json:"name"`
	File    string  `json:"file"`
	Metrics Metrics `json:"metrics"`
}

type snapshotMeta struct {
	Version          string          `json:"version"`
	TrainedAt        time.Time       `json:"trained_at"`
	SampleCount      int             `json:"sample_count"`
	SyntheticCount   int             `json:"synthetic_count"`
	WeightByAccuracy bool            `json:"weight_by_accuracy"`
	Labels           *LabelEncoder   `json:"labels"`
	Scaler           *StandardScaler `json:"scaler"`
	Extractor        *Extractor      `json:"extractor"`
	Models           []modelMeta     `json:"models"`
}

// SaveSnapshot persists every model artifact and the metadata as one unit.
// Files are written into a temporary directory that is renamed into place,
// then the CURRENT pointer is replaced by rename. A crash at any point
// leaves the previous snapshot loadable.
func SaveSnapshot(dir string, s *Snapshot) error {
	if s == nil || s.Version == "" {
		return eris.New("ml: save: snapshot has no version")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "ml: save: create %s", dir)
	}
	previous, _ := readCurrent(dir)

	tmp, err := os.MkdirTemp(dir, tmpPrefix+s.Version+"-")
	if err != nil {
		return eris.Wrap(err, "ml: save: temp dir")
	}
	defer os.RemoveAll(tmp) //nolint:errcheck

	meta := snapshotMeta{
		Version:          s.Version,
		TrainedAt:        s.TrainedAt,
		SampleCount:      s.SampleCount,
		SyntheticCount:   s.SyntheticCount,
		WeightByAccuracy: s.WeightByAccuracy,
		Labels:           s.Labels,
		Scaler:           s.Scaler,
		Extractor:        s.Extractor,
	}
	for _, m := range s.Models {
		file := m.Name + ".json"
		if err := writeJSON(filepath.Join(tmp, file), m.Classifier); err != nil {
			return eris.Wrapf(err, "ml: save: model %s", m.Name)
		}
		meta.Models = append(meta.Models, modelMeta{Name: m.Name, File: file, Metrics: m.Metrics})
	}
	if err := writeJSON(filepath.Join(tmp, metadataFile), meta); err != nil {
		return eris.Wrap(err, "ml: save: metadata")
	}

	final := filepath.Join(dir, s.Version)
	if err := os.Rename(tmp, final); err != nil {
		return eris.Wrap(err, "ml: save: publish version dir")
	}
	if err := writeFileAtomic(filepath.Join(dir, currentFile), []byte(s.Version+"\n")); err != nil {
		return eris.Wrap(err, "ml: save: update CURRENT")
	}

	prune(dir, s.Version, previous)
	return nil
}

// LoadSnapshot restores the current persisted snapshot. Model artifacts that
// are missing or corrupt are skipped with a warning; ErrNoUsableModels is
// returned only when none load.
func LoadSnapshot(dir string) (*Snapshot, error) {
	log := zap.L().With(zap.String("component", "ml.persist"))

	version, err := readCurrent(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSnapshot
		}
		return nil, eris.Wrap(err, "ml: load: read CURRENT")
	}
	vdir := filepath.Join(dir, version)

	data, err := os.ReadFile(filepath.Join(vdir, metadataFile))
	if err != nil {
		return nil, eris.Wrapf(err, "ml: load: metadata for %s", version)
	}
	var meta snapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, eris.Wrapf(err, "ml: load: parse metadata for %s", version)
	}
	if meta.Labels == nil || meta.Scaler == nil {
		return nil, eris.Errorf("ml: load: metadata for %s lacks encoding", version)
	}
	if meta.Extractor == nil {
		meta.Extractor = NewExtractor()
	}

	s := &Snapshot{
		Version:          meta.Version,
		TrainedAt:        meta.TrainedAt,
		SampleCount:      meta.SampleCount,
		SyntheticCount:   meta.SyntheticCount,
		WeightByAccuracy: meta.WeightByAccuracy,
		Labels:           meta.Labels,
		Scaler:           meta.Scaler,
		Extractor:        meta.Extractor,
	}
	for _, mm := range meta.Models {
		raw, err := os.ReadFile(filepath.Join(vdir, mm.File))
		if err != nil {
			log.Warn("model artifact missing, skipping", zap.String("model", mm.Name), zap.Error(err))
			continue
		}
		c, err := decodeClassifier(mm.Name, raw)
		if err != nil {
			log.Warn("model artifact corrupt, skipping", zap.String("model", mm.Name), zap.Error(err))
			continue
		}
		s.Models = append(s.Models, Model{Name: mm.Name, Classifier: c, Metrics: mm.Metrics})
	}
	if len(s.Models) == 0 {
		return nil, ErrNoUsableModels
	}
	return s, nil
}

func readCurrent(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, currentFile))
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fs.ErrNotExist
	}
	return v, nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()      //nolint:errcheck
		os.Remove(tmp) //nolint:errcheck
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()      //nolint:errcheck
		os.Remove(tmp) //nolint:errcheck
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return err
	}
	return os.Rename(tmp, path)
}

// prune removes version directories other than the current and previous
// ones, plus leftovers of interrupted saves.
func prune(dir, current, previous string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name == current || name == previous || name == currentFile {
			continue
		}
		if e.IsDir() || strings.HasPrefix(name, tmpPrefix) {
			os.RemoveAll(filepath.Join(dir, name)) //nolint:errcheck
		}
	}
}

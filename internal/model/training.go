package model

import "time"

// Training record methods that are not matching strategies.
const (
	MethodFeedback  = "feedback"
	MethodSynthetic = "synthetic"
	MethodImport    = "import"
)

// TrainingRecord is one append-only log entry of a resolution decision or
// feedback signal. Records are never updated or deleted.
type TrainingRecord struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	SourceField  string    `json:"source_field"`
	TargetField  string    `json:"target_field"`
	Manufacturer string    `json:"manufacturer"`
	DocumentType string    `json:"document_type"`
	Confidence   float64   `json:"confidence"`
	Success      bool      `json:"success"`
	Method       string    `json:"method"`
	Feedback     string    `json:"feedback,omitempty"`
}

// Synthetic reports whether the record was generated for cold start.
func (r TrainingRecord) Synthetic() bool {
	return r.Method == MethodSynthetic
}

// TrainingStats summarizes the training store.
type TrainingStats struct {
	TotalRecords        int64               `json:"total_records"`
	SuccessRate         float64             `json:"success_rate"`
	AvgConfidence       float64             `json:"avg_confidence"`
	TopManufacturers    []ManufacturerCount `json:"top_manufacturers"`
	RecentAvgConfidence float64             `json:"recent_avg_confidence"`
	RecentSuccessRate   float64             `json:"recent_success_rate"`
}

// ManufacturerCount is a record count for one manufacturer.
type ManufacturerCount struct {
	Manufacturer string `json:"manufacturer"`
	Count        int64  `json:"count"`
}

// TrainingRunStatus is the lifecycle status of a training run.
type TrainingRunStatus string

// Training run statuses.
const (
	TrainingRunning  TrainingRunStatus = "running"
	TrainingComplete TrainingRunStatus = "complete"
	TrainingFailed   TrainingRunStatus = "failed"
)

// TrainingRun is one entry of the training-run log.
type TrainingRun struct {
	ID              string             `json:"id"`
	Trigger         string             `json:"trigger"`
	Status          TrainingRunStatus  `json:"status"`
	StartedAt       time.Time          `json:"started_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	SampleCount     int                `json:"sample_count"`
	SyntheticCount  int                `json:"synthetic_count"`
	SnapshotVersion string             `json:"snapshot_version,omitempty"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Error           string             `json:"error,omitempty"`
}

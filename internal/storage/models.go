package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Report lifecycle statuses. A report enters UPLOADED, moves to ANALYZED once
// the pipeline completes, or to EXTRACTION_FAILED when no usable text came out
// of it. Sharing and forecasting are only permitted from ANALYZED.
const (
	ReportUploaded         = "UPLOADED"
	ReportAnalyzed         = "ANALYZED"
	ReportExtractionFailed = "EXTRACTION_FAILED"
)

type Report struct {
	ID         string
	PatientID  string
	Name       string
	Status     string
	UploadedAt time.Time
	// AnalysisJSON is the serialized analysis.Result, empty until analyzed.
	AnalysisJSON string
}

// MeasurementRow is one extracted marker value for a report. The full set for
// a report is replaced atomically on reanalysis, never patched in place.
type MeasurementRow struct {
	ReportID string
	Marker   string
	Value    float64
	Unit     string
}

// ForecastRow is a persisted forecast. The payload is stored as JSON text.
type ForecastRow struct {
	ID              string
	ReportID        string
	PatientID       string
	Type            string
	PayloadJSON     string
	ConfidenceScore float64
	GeneratedAt     time.Time
	ExpiresAt       time.Time
}

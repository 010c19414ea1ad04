// Package vectorstore persists embedded report chunks with patient-scoped
// metadata and answers nearest-neighbor queries. Two backends implement the
// Store interface: SQLite with brute-force cosine similarity (default) and
// Qdrant over gRPC for deployments with an external vector database.
package vectorstore

import (
	"context"
	"time"
)

// ChunkRecord is one embedded text chunk of a report.
type ChunkRecord struct {
	ID         string
	PatientID  string
	ReportID   string
	ReportName string
	Index      int
	Text       string
	CharStart  int
	CharEnd    int
	Vector     []float32
	// Strategy records which embedding provider produced the vector, so mixed
	// provenance in a store is detectable.
	Strategy  string
	CreatedAt time.Time
}

// ScoredChunk is a ChunkRecord with a similarity score attached.
type ScoredChunk struct {
	ChunkRecord
	Score float32
}

// Store is the interface for vector storage and similarity search backends.
//
// UpsertReport replaces every chunk previously stored for (patientID,
// reportID) in a single atomic step; re-ingesting a report supersedes its old
// chunks rather than updating them. Search is always scoped to one patient:
// returning another patient's chunk is a correctness violation, not a ranking
// defect. A patient with no stored history yields an empty result, not an error.
type Store interface {
	UpsertReport(ctx context.Context, patientID, reportID string, chunks []ChunkRecord) error
	Search(ctx context.Context, patientID string, vector []float32, topK int) ([]ScoredChunk, error)
	DeleteReport(ctx context.Context, patientID, reportID string) error
	Count(ctx context.Context) (int, error)
}

// Package pipeline is the facade over the analysis core. The persistence
// collaborator (HTTP layer, CRUD owner) calls in here with report text and
// identifiers; the pipeline runs extraction, evaluation, chunking, embedding,
// retrieval, and the generative sections, and hands back values to persist.
// All collaborating services are injected at construction; the pipeline holds
// no module-level state.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aivara/medcore/internal/analysis"
	"github.com/aivara/medcore/internal/chunker"
	"github.com/aivara/medcore/internal/embedding"
	"github.com/aivara/medcore/internal/forecast"
	"github.com/aivara/medcore/internal/markers"
	"github.com/aivara/medcore/internal/rag"
	"github.com/aivara/medcore/internal/vectorstore"
)

// ReportInput identifies the report being processed.
type ReportInput struct {
	ID         string
	PatientID  string
	Name       string
	UploadedAt time.Time
}

// IngestResult is everything ExtractAndAnalyze produces for one report.
type IngestResult struct {
	Analysis     analysis.Result
	Measurements map[markers.Marker]markers.Measurement
	ChunkCount   int

	// VectorUpsert resolves once the vector store write for this report
	// completes (nil on success). The write runs in the background; callers
	// may await it or not. For a failed extraction the channel is already
	// closed since nothing is written.
	VectorUpsert <-chan error
}

// Pipeline wires the core components together.
type Pipeline struct {
	extractor    *markers.Extractor
	evaluator    *markers.Evaluator
	chunker      *chunker.Chunker
	provider     embedding.Provider
	store        vectorstore.Store
	assembler    *rag.Assembler
	orchestrator *analysis.Orchestrator
	forecaster   *forecast.Generator
}

// New constructs a Pipeline from its collaborators. Lifecycle of the store
// and provider handles stays with the caller.
func New(
	extractor *markers.Extractor,
	evaluator *markers.Evaluator,
	ch *chunker.Chunker,
	provider embedding.Provider,
	store vectorstore.Store,
	assembler *rag.Assembler,
	orchestrator *analysis.Orchestrator,
	forecaster *forecast.Generator,
) *Pipeline {
	return &Pipeline{
		extractor:    extractor,
		evaluator:    evaluator,
		chunker:      ch,
		provider:     provider,
		store:        store,
		assembler:    assembler,
		orchestrator: orchestrator,
		forecaster:   forecaster,
	}
}

// ExtractAndAnalyze runs the full ingestion pipeline for one report.
//
// Text with no usable content short-circuits: the result carries the
// ExtractionFailed flag, no measurements, no chunks, and no generative
// sections. Otherwise extraction, evaluation, chunking, and embedding run to
// completion, the vector upsert is started in the background, and the eager
// sections are generated against the patient's retrieved history.
func (p *Pipeline) ExtractAndAnalyze(ctx context.Context, report ReportInput, rawText string) (IngestResult, error) {
	if strings.TrimSpace(rawText) == "" {
		done := make(chan error)
		close(done)
		return IngestResult{
			Analysis:     analysis.Result{ExtractionFailed: true},
			VectorUpsert: done,
		}, nil
	}

	measurements := p.extractor.Extract(rawText)
	eval := p.evaluator.Evaluate(measurements)

	chunks := p.chunker.Split(rawText)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	// Transient remote failures degrade to local vectors inside the provider;
	// an error surfacing here is a configuration problem.
	vectors, err := embedding.EmbedBatch(ctx, p.provider, texts)
	if err != nil {
		return IngestResult{}, fmt.Errorf("embedding report %s: %w", report.ID, err)
	}

	records := make([]vectorstore.ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = vectorstore.ChunkRecord{
			ID:         uuid.NewString(),
			PatientID:  report.PatientID,
			ReportID:   report.ID,
			ReportName: report.Name,
			Index:      c.Index,
			Text:       c.Text,
			CharStart:  c.CharStart,
			CharEnd:    c.CharEnd,
			Vector:     vectors[i].Values,
			Strategy:   string(vectors[i].Strategy),
			CreatedAt:  report.UploadedAt,
		}
	}

	// History retrieval happens before the upsert so the new report's own
	// chunks never pollute its history context.
	history, err := p.assembler.Assemble(ctx, report.PatientID, historyQuery(measurements, rawText))
	if err != nil {
		// Retrieval trouble degrades to an empty context, like a new patient.
		slog.Warn("history retrieval failed", "report", report.ID, "error", err)
		history = rag.Context{Empty: true}
	}

	upsertDone := make(chan error, 1)
	go func() {
		// Detached from the request context: cancelling the caller must not
		// abandon a half-replaced report.
		err := p.store.UpsertReport(context.WithoutCancel(ctx), report.PatientID, report.ID, records)
		if err != nil {
			slog.Error("vector upsert failed", "report", report.ID, "error", err)
		}
		upsertDone <- err
		close(upsertDone)
	}()

	result := p.orchestrator.RunEager(ctx, eval, measurements, history)

	return IngestResult{
		Analysis:     result,
		Measurements: measurements,
		ChunkCount:   len(chunks),
		VectorUpsert: upsertDone,
	}, nil
}

// RequestSection runs one on-demand (or re-requested) generative section for
// a report whose measurements are already known.
func (p *Pipeline) RequestSection(ctx context.Context, report ReportInput, measurements map[markers.Marker]markers.Measurement, section analysis.Section) (analysis.SectionResult, error) {
	eval := p.evaluator.Evaluate(measurements)

	history := rag.Context{Empty: true}
	if p.orchestrator.UsesHistory(section) {
		h, err := p.assembler.Assemble(ctx, report.PatientID, historyQuery(measurements, ""))
		if err != nil {
			slog.Warn("history retrieval failed", "report", report.ID, "error", err)
		} else {
			history = h
		}
	}

	return p.orchestrator.RunSection(ctx, section, eval, measurements, history)
}

// GetContext retrieves a patient's history relevant to an arbitrary query.
func (p *Pipeline) GetContext(ctx context.Context, patientID, query string) (rag.Context, error) {
	return p.assembler.Assemble(ctx, patientID, query)
}

// GenerateForecast produces a forecast from the patient's ordered report
// history, supplied by the persistence collaborator oldest first.
func (p *Pipeline) GenerateForecast(ctx context.Context, patientID string, history []forecast.HistoryPoint) (forecast.Forecast, error) {
	return p.forecaster.Generate(ctx, patientID, history)
}

// historyQuery builds the retrieval query for a report: the marker values
// themselves, so that prior statements about the same markers rank highest.
// Falls back to a prefix of the raw text when nothing was extracted.
func historyQuery(measurements map[markers.Marker]markers.Measurement, rawText string) string {
	var parts []string
	for _, m := range markers.All() {
		if meas, ok := measurements[m]; ok {
			parts = append(parts, fmt.Sprintf("%s %g %s", m.DisplayName(), meas.Value, meas.Unit))
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "; ")
	}
	if len(rawText) > 200 {
		return rawText[:200]
	}
	return rawText
}

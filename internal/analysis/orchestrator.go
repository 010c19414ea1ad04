package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aivara/medcore/internal/engine"
	"github.com/aivara/medcore/internal/markers"
	"github.com/aivara/medcore/internal/rag"
)

const defaultCallTimeout = 120 * time.Second

// SectionResult is one successfully generated section with the model that
// produced it.
type SectionResult struct {
	Section Section `json:"section"`
	Model   string  `json:"model"`
	Text    string  `json:"text"`
}

// Result is the layered analysis of one report. Summary and Observations come
// from the deterministic evaluator and are always present; generative sections
// are independently optional.
type Result struct {
	Summary      string   `json:"summary"`
	Observations []string `json:"observations"`

	Sections map[Section]SectionResult `json:"sections"`
	// SectionErrors names every section that failed and why, so callers know
	// what is missing without the whole analysis aborting.
	SectionErrors map[Section]string `json:"section_errors,omitempty"`

	// ExtractionFailed marks an analysis produced from a report whose text
	// extraction yielded nothing usable. Never silently empty.
	ExtractionFailed bool `json:"extraction_failed,omitempty"`
}

// Orchestrator runs generative sections against their statically configured
// models.
type Orchestrator struct {
	engine   engine.Engine
	sections SectionSet
	timeout  time.Duration
}

// NewOrchestrator creates an Orchestrator. timeout bounds each model call;
// <= 0 falls back to the default.
func NewOrchestrator(eng engine.Engine, sections SectionSet, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Orchestrator{engine: eng, sections: sections, timeout: timeout}
}

// RunEager produces the upload-time analysis: evaluator output plus the eager
// sections, which run concurrently. A section failure never blocks or voids
// the others; the failed section is absent from Sections and recorded in
// SectionErrors.
func (o *Orchestrator) RunEager(ctx context.Context, eval markers.Evaluation, measurements map[markers.Marker]markers.Measurement, history rag.Context) Result {
	result := Result{
		Summary:       eval.Summary,
		Observations:  eval.Observations,
		Sections:      make(map[Section]SectionResult),
		SectionErrors: make(map[Section]string),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, section := range EagerSections() {
		if _, ok := o.sections[section]; !ok {
			continue
		}
		wg.Add(1)
		go func(section Section) {
			defer wg.Done()
			sr, err := o.RunSection(ctx, section, eval, measurements, history)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("analysis section failed", "section", section, "error", err)
				result.SectionErrors[section] = err.Error()
				return
			}
			result.Sections[section] = sr
		}(section)
	}

	wg.Wait()
	return result
}

// UsesHistory reports whether a section's prompt includes retrieved patient
// history. Unconfigured sections report false.
func (o *Orchestrator) UsesHistory(section Section) bool {
	cfg, ok := o.sections[section]
	return ok && cfg.UsesHistory
}

// RunSection runs a single section call with the per-call timeout. A call that
// outlives its deadline is abandoned, not killed; any late result is discarded
// with the cancelled context.
func (o *Orchestrator) RunSection(ctx context.Context, section Section, eval markers.Evaluation, measurements map[markers.Marker]markers.Measurement, history rag.Context) (SectionResult, error) {
	cfg, ok := o.sections[section]
	if !ok {
		return SectionResult{}, fmt.Errorf("section %s is not configured", section)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	prompt := buildPrompt(cfg, eval, measurements, history)
	text, err := o.engine.Generate(callCtx, cfg.Model, prompt)
	if err != nil {
		return SectionResult{}, fmt.Errorf("model %s: %w", cfg.Model, err)
	}

	return SectionResult{Section: section, Model: cfg.Model, Text: text}, nil
}

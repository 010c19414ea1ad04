package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aivara/medcore/internal/engine"
	"github.com/aivara/medcore/internal/markers"
	"github.com/aivara/medcore/internal/rag"
)

// scriptedEngine returns canned responses (or errors) per model name.
type scriptedEngine struct {
	responses map[string]string
	failing   map[string]error
	prompts   map[string]string
}

func (s *scriptedEngine) Generate(_ context.Context, model string, prompt string) (string, error) {
	if s.prompts == nil {
		s.prompts = make(map[string]string)
	}
	s.prompts[model] = prompt
	if err, ok := s.failing[model]; ok {
		return "", err
	}
	return s.responses[model], nil
}
func (s *scriptedEngine) Chat(_ context.Context, _ string, _ []engine.Message) (string, error) {
	return "", errors.New("not implemented")
}
func (s *scriptedEngine) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	return nil, errors.New("not implemented")
}
func (s *scriptedEngine) IsRunning(_ context.Context) bool { return true }

func testEvaluation() (markers.Evaluation, map[markers.Marker]markers.Measurement) {
	meas := map[markers.Marker]markers.Measurement{
		markers.Hemoglobin: {Marker: markers.Hemoglobin, Value: 10.2, Unit: "g/dl"},
		markers.WBC:        {Marker: markers.WBC, Value: 6.5},
	}
	return markers.NewEvaluator(markers.DefaultRanges()).Evaluate(meas), meas
}

func TestRunEager_AllSectionsPopulated(t *testing.T) {
	eng := &scriptedEngine{responses: map[string]string{
		"llama3.2":    "your hemoglobin is slightly low",
		"qwen3-vl:2b": "the report shows a standard blood panel",
	}}
	o := NewOrchestrator(eng, DefaultSections(), time.Second)
	eval, meas := testEvaluation()

	result := o.RunEager(context.Background(), eval, meas, rag.Context{Empty: true})

	if len(result.Sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(result.Sections))
	}
	if result.Sections[SectionGeneralExplanation].Model != "llama3.2" {
		t.Errorf("general explanation model = %q", result.Sections[SectionGeneralExplanation].Model)
	}
	if len(result.SectionErrors) != 0 {
		t.Errorf("unexpected section errors: %v", result.SectionErrors)
	}
	if result.Summary == "" || len(result.Observations) == 0 {
		t.Error("deterministic summary/observations must always be present")
	}
}

func TestRunEager_OneFailureLeavesOthersPopulated(t *testing.T) {
	eng := &scriptedEngine{
		responses: map[string]string{"llama3.2": "explanation text"},
		failing:   map[string]error{"qwen3-vl:2b": errors.New("model timed out")},
	}
	o := NewOrchestrator(eng, DefaultSections(), time.Second)
	eval, meas := testEvaluation()

	result := o.RunEager(context.Background(), eval, meas, rag.Context{Empty: true})

	if _, ok := result.Sections[SectionGeneralExplanation]; !ok {
		t.Error("general explanation should survive the report-reading failure")
	}
	if _, ok := result.Sections[SectionReportReading]; ok {
		t.Error("failed section must be omitted, not populated")
	}
	msg, ok := result.SectionErrors[SectionReportReading]
	if !ok {
		t.Fatal("caller must be told which section failed")
	}
	if !strings.Contains(msg, "qwen3-vl:2b") {
		t.Errorf("section error %q should name the failing model", msg)
	}
	if result.Summary != eval.Summary {
		t.Error("summary must be unaffected by section failure")
	}
}

func TestRunSection_OnDemandIgnoresHistory(t *testing.T) {
	eng := &scriptedEngine{responses: map[string]string{"medbot": "suggestion"}}
	o := NewOrchestrator(eng, DefaultSections(), time.Second)
	eval, meas := testEvaluation()

	history := rag.Context{Text: "[Report \"Old CBC\" from 2023-04-01, section 1]\nold results"}
	if _, err := o.RunSection(context.Background(), SectionMedicineSuggestions, eval, meas, history); err != nil {
		t.Fatalf("RunSection: %v", err)
	}

	if strings.Contains(eng.prompts["medbot"], "Old CBC") {
		t.Error("on-demand sections must not see patient history")
	}
}

func TestRunSection_HistoryIncludedForEagerSections(t *testing.T) {
	eng := &scriptedEngine{responses: map[string]string{"llama3.2": "text"}}
	o := NewOrchestrator(eng, DefaultSections(), time.Second)
	eval, meas := testEvaluation()

	history := rag.Context{Text: "[Report \"Old CBC\" from 2023-04-01, section 1]\nhemoglobin was 13.1"}
	if _, err := o.RunSection(context.Background(), SectionGeneralExplanation, eval, meas, history); err != nil {
		t.Fatalf("RunSection: %v", err)
	}

	prompt := eng.prompts["llama3.2"]
	if !strings.Contains(prompt, "hemoglobin was 13.1") {
		t.Error("history-aware section should include retrieved context")
	}
	if !strings.Contains(prompt, "Hemoglobin: 10.2 g/dl") {
		t.Errorf("prompt should list current marker values, got:\n%s", prompt)
	}
}

func TestRunSection_EmptyHistoryMarker(t *testing.T) {
	eng := &scriptedEngine{responses: map[string]string{"llama3.2": "text"}}
	o := NewOrchestrator(eng, DefaultSections(), time.Second)
	eval, meas := testEvaluation()

	if _, err := o.RunSection(context.Background(), SectionGeneralExplanation, eval, meas, rag.Context{Empty: true}); err != nil {
		t.Fatalf("RunSection: %v", err)
	}
	if !strings.Contains(eng.prompts["llama3.2"], "no earlier reports") {
		t.Error("prompt should tell the model the patient has no history")
	}
}

func TestRunSection_Unconfigured(t *testing.T) {
	o := NewOrchestrator(&scriptedEngine{}, SectionSet{}, time.Second)
	eval, meas := testEvaluation()

	if _, err := o.RunSection(context.Background(), SectionSpecialtyAdvice, eval, meas, rag.Context{}); err == nil {
		t.Fatal("expected error for unconfigured section")
	}
}

func TestRunSection_Timeout(t *testing.T) {
	eng := &blockingEngine{block: 200 * time.Millisecond}
	o := NewOrchestrator(eng, DefaultSections(), 10*time.Millisecond)
	eval, meas := testEvaluation()

	_, err := o.RunSection(context.Background(), SectionGeneralExplanation, eval, meas, rag.Context{Empty: true})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

// blockingEngine blocks Generate until the context is cancelled or the delay passes.
type blockingEngine struct {
	block time.Duration
}

func (b *blockingEngine) Generate(ctx context.Context, _ string, _ string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(b.block):
		return "late", nil
	}
}
func (b *blockingEngine) Chat(_ context.Context, _ string, _ []engine.Message) (string, error) {
	return "", errors.New("not implemented")
}
func (b *blockingEngine) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	return nil, errors.New("not implemented")
}
func (b *blockingEngine) IsRunning(_ context.Context) bool { return true }

// Package forecast produces structured health-trend forecasts from a
// patient's marker history. The generative model supplies the narrative
// payload; the confidence score is computed deterministically from the shape
// of the history so that sparse or irregular histories are never presented
// with unearned certainty.
package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aivara/medcore/internal/engine"
	"github.com/aivara/medcore/internal/markers"
)

// ErrNoHistory is returned when a forecast is requested for a patient with no
// completed reports at all. A single report is enough; it just scores low.
var ErrNoHistory = errors.New("forecast: no measurement history")

const (
	// TypeHealthTrends is the only forecast type currently generated.
	TypeHealthTrends = "health_trends"

	// DefaultModel is the model used for forecasting unless overridden.
	DefaultModel = "llama3.2"

	// validityDays is how long a forecast stays fresh. Staleness past
	// ExpiresAt is the caller's responsibility to detect.
	validityDays = 90
)

// HistoryPoint is one completed report's measurements, dated.
type HistoryPoint struct {
	ReportID     string
	TakenAt      time.Time
	Measurements map[markers.Marker]markers.Measurement
}

// Forecast is the generated prediction for a patient. Payload is the raw JSON
// produced (or reconstructed, see extractPayload) from the model response.
type Forecast struct {
	ID              string          `json:"id"`
	ReportID        string          `json:"report_id"`
	PatientID       string          `json:"patient_id"`
	Type            string          `json:"forecast_type"`
	Payload         json.RawMessage `json:"forecast_payload"`
	ConfidenceScore float64         `json:"confidence_score"`
	GeneratedAt     time.Time       `json:"generated_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// Expired reports whether the forecast has outlived its validity window.
func (f Forecast) Expired(now time.Time) bool {
	return now.After(f.ExpiresAt)
}

// Generator builds forecasts from measurement history via a generative model.
type Generator struct {
	engine engine.Engine
	model  string
	ranges markers.RangeTable
	now    func() time.Time
}

// NewGenerator creates a Generator. An empty model falls back to DefaultModel.
func NewGenerator(eng engine.Engine, model string, ranges markers.RangeTable) *Generator {
	if model == "" {
		model = DefaultModel
	}
	return &Generator{engine: eng, model: model, ranges: ranges, now: time.Now}
}

// Generate produces a forecast from the patient's ordered history (oldest
// first). The last point is treated as the current report. History must hold
// at least one point; a single point yields a valid but low-confidence
// forecast rather than an error.
func (g *Generator) Generate(ctx context.Context, patientID string, history []HistoryPoint) (Forecast, error) {
	if len(history) == 0 {
		return Forecast{}, ErrNoHistory
	}

	prompt := g.buildPrompt(history)
	text, err := g.engine.Generate(ctx, g.model, prompt)
	if err != nil {
		return Forecast{}, fmt.Errorf("model %s: %w", g.model, err)
	}

	dates := make([]time.Time, len(history))
	for i, p := range history {
		dates[i] = p.TakenAt
	}

	now := g.now().UTC()
	current := history[len(history)-1]
	return Forecast{
		ID:              uuid.NewString(),
		ReportID:        current.ReportID,
		PatientID:       patientID,
		Type:            TypeHealthTrends,
		Payload:         extractPayload(text),
		ConfidenceScore: HistoryConfidence(dates),
		GeneratedAt:     now,
		ExpiresAt:       now.AddDate(0, 0, validityDays),
	}, nil
}

func (g *Generator) buildPrompt(history []HistoryPoint) string {
	var sb strings.Builder

	sb.WriteString("You are a medical AI assistant specializing in health trend analysis and forecasting.\n\n")
	sb.WriteString("Based on the following patient health marker history and current report, provide a comprehensive health forecast.\n\n")

	sb.WriteString("PATIENT HISTORY:\n")
	if len(history) > 1 {
		sb.WriteString("Historical Health Markers:\n")
		for _, p := range history[:len(history)-1] {
			fmt.Fprintf(&sb, "  Date: %s\n", p.TakenAt.Format("2006-01-02"))
			for _, m := range markers.All() {
				if meas, ok := p.Measurements[m]; ok {
					fmt.Fprintf(&sb, "    %s: %g", m.DisplayName(), meas.Value)
					if meas.Unit != "" {
						fmt.Fprintf(&sb, " %s", meas.Unit)
					}
					sb.WriteString("\n")
				}
			}
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString("No historical data available.\n\n")
	}

	current := history[len(history)-1]
	sb.WriteString("CURRENT STATUS:\n")
	for _, m := range markers.All() {
		fmt.Fprintf(&sb, "  %s: ", m.DisplayName())
		if meas, ok := current.Measurements[m]; ok {
			fmt.Fprintf(&sb, "%g", meas.Value)
			if meas.Unit != "" {
				fmt.Fprintf(&sb, " %s", meas.Unit)
			}
		} else {
			sb.WriteString("N/A")
		}
		if r, ok := g.ranges[m]; ok {
			fmt.Fprintf(&sb, " (Normal: %g-%g)", r.Min, r.Max)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(`
Please provide a structured forecast in the following JSON format:
{
  "trend_analysis": {
    "hemoglobin_trend": "improving/stable/declining with explanation",
    "wbc_trend": "improving/stable/declining with explanation",
    "platelets_trend": "improving/stable/declining with explanation",
    "rbc_trend": "improving/stable/declining with explanation"
  },
  "future_predictions": {
    "next_3_months": "What to expect in the next 3 months",
    "next_6_months": "What to expect in the next 6 months",
    "key_concerns": ["List of potential concerns"]
  },
  "risk_assessment": {
    "overall_risk": "low/medium/high",
    "risk_factors": ["List of risk factors identified"],
    "risk_explanation": "Detailed explanation of the risk assessment"
  },
  "recommendations": [
    "Specific recommendation 1",
    "Specific recommendation 2"
  ]
}

Provide the forecast as valid JSON only, no additional text before or after.
`)
	return sb.String()
}

// extractPayload pulls the JSON object out of a model response that may be
// wrapped in prose. It takes the span from the first '{' to the last '}'; if
// that span is not valid JSON the full response is preserved verbatim inside
// a fallback payload so nothing the model said is lost.
func extractPayload(text string) json.RawMessage {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		candidate := []byte(text[start : end+1])
		if json.Valid(candidate) {
			return candidate
		}
	}

	fallback, _ := json.Marshal(map[string]any{
		"raw_response": text,
		"trend_analysis": map[string]any{
			"note": "Unable to parse structured trends from model response",
		},
		"future_predictions": map[string]any{
			"next_3_months": "See raw_response for details",
			"next_6_months": "See raw_response for details",
			"key_concerns":  []string{},
		},
		"risk_assessment": map[string]any{
			"overall_risk":     "unknown",
			"risk_factors":     []string{},
			"risk_explanation": text,
		},
		"recommendations": []string{},
	})
	return fallback
}

package analysis

import (
	"fmt"
	"strings"

	"github.com/aivara/medcore/internal/markers"
	"github.com/aivara/medcore/internal/rag"
)

// buildPrompt assembles the full prompt for one section: system instruction,
// rule-based findings, marker values, and (for history-aware sections) the
// retrieved patient context.
func buildPrompt(cfg SectionConfig, eval markers.Evaluation, measurements map[markers.Marker]markers.Measurement, history rag.Context) string {
	var sb strings.Builder

	sb.WriteString(cfg.System)
	sb.WriteString("\n\n")

	sb.WriteString("Rule-based findings:\n")
	sb.WriteString(eval.Summary)
	sb.WriteString("\n")
	for _, obs := range eval.Observations {
		sb.WriteString("- ")
		sb.WriteString(obs)
		sb.WriteString("\n")
	}

	sb.WriteString("\nHealth Markers:\n")
	for _, m := range markers.All() {
		if meas, ok := measurements[m]; ok {
			fmt.Fprintf(&sb, "%s: %g", m.DisplayName(), meas.Value)
			if meas.Unit != "" {
				fmt.Fprintf(&sb, " %s", meas.Unit)
			}
			sb.WriteString("\n")
		} else {
			fmt.Fprintf(&sb, "%s: Not found\n", m.DisplayName())
		}
	}

	if cfg.UsesHistory {
		if history.Empty {
			sb.WriteString("\nThe patient has no earlier reports on record; do not refer to past results.\n")
		} else if history.Text != "" {
			sb.WriteString("\nRelevant excerpts from the patient's earlier reports:\n")
			sb.WriteString(history.Text)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nGenerate a patient-friendly response:")
	return sb.String()
}

// Package analysis sequences the generative sections of a report analysis.
// Each section is an independent call to a task-specialized model; a failed
// section is omitted from the result without affecting the others.
package analysis

// Section names one independent generative sub-task.
type Section string

const (
	// SectionGeneralExplanation is a patient-friendly explanation of the
	// extracted markers. Runs eagerly at upload time, grounded on history.
	SectionGeneralExplanation Section = "general_explanation"
	// SectionReportReading interprets the report document itself. Runs
	// eagerly at upload time, grounded on history.
	SectionReportReading Section = "report_reading"
	// SectionMedicineSuggestions suggests allopathic medicine directions.
	// Runs only on demand and sees only the current report.
	SectionMedicineSuggestions Section = "medicine_suggestions"
	// SectionSpecialtyAdvice gives domain-specific (women's health) advice.
	// Runs only on demand and sees only the current report.
	SectionSpecialtyAdvice Section = "specialty_advice"
)

// EagerSections are run as part of report ingestion.
func EagerSections() []Section {
	return []Section{SectionGeneralExplanation, SectionReportReading}
}

// OnDemandSections are run only when explicitly requested; they are more
// expensive and not always needed.
func OnDemandSections() []Section {
	return []Section{SectionMedicineSuggestions, SectionSpecialtyAdvice}
}

// SectionConfig binds a section to its model and fixed system instruction.
// The mapping is resolved once at configuration load, not looked up by name
// at call time.
type SectionConfig struct {
	Model string
	// System is the fixed instruction prepended to every prompt for this section.
	System string
	// UsesHistory controls whether the retrieved patient history is included
	// in the prompt. On-demand sections see only the current report.
	UsesHistory bool
}

// SectionSet is the full static section → model/prompt mapping.
type SectionSet map[Section]SectionConfig

// DefaultSections returns the shipped section configuration. Model names are
// configuration inputs; these defaults match the reference deployment.
func DefaultSections() SectionSet {
	return SectionSet{
		SectionGeneralExplanation: {
			Model: "llama3.2",
			System: "You are an AI assistant specialized in explaining medical report results " +
				"to a patient in a simple, calm, and reassuring manner. Avoid medical jargon where possible.",
			UsesHistory: true,
		},
		SectionReportReading: {
			Model: "qwen3-vl:2b",
			System: "You are an AI assistant specialized in reading and interpreting medical " +
				"laboratory reports. Walk the patient through what each part of the report means.",
			UsesHistory: true,
		},
		SectionMedicineSuggestions: {
			Model: "medbot",
			System: "You are an AI assistant specialized in allopathic medicine. Suggest general " +
				"directions a doctor might consider for the reported values. Always remind the " +
				"patient that only their doctor can prescribe treatment.",
			UsesHistory: false,
		},
		SectionSpecialtyAdvice: {
			Model: "edi",
			System: "You are an AI assistant specialized in women's healthcare. Offer specialty " +
				"guidance relevant to the reported values, and recommend consulting a specialist " +
				"where appropriate.",
			UsesHistory: false,
		},
	}
}

package markers

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Marker identifies a named clinical measurement.
type Marker string

const (
	Hemoglobin Marker = "hemoglobin"
	WBC        Marker = "wbc"
	Platelets  Marker = "platelets"
	RBC        Marker = "rbc"
)

// All returns the registered markers in canonical report order.
func All() []Marker {
	return []Marker{Hemoglobin, WBC, Platelets, RBC}
}

// DisplayName returns the human-readable name used in observations and prompts.
func (m Marker) DisplayName() string {
	switch m {
	case Hemoglobin:
		return "Hemoglobin"
	case WBC:
		return "WBC"
	case Platelets:
		return "Platelets"
	case RBC:
		return "RBC"
	}
	return string(m)
}

// Measurement is a single extracted marker value. Absent markers are simply
// missing from the extraction result, never zero-valued.
type Measurement struct {
	Marker Marker
	Value  float64
	Unit   string
}

// Policy controls which occurrence wins when a marker label appears more than
// once in the source text.
type Policy int

const (
	// FirstMatch takes the first syntactically valid occurrence (default).
	FirstMatch Policy = iota
	// LastMatch takes the last syntactically valid occurrence.
	LastMatch
)

// Extractor parses clinical marker values out of free-form OCR text.
// It is a pure function of its input: no state is kept between calls.
type Extractor struct {
	policy Policy
}

// NewExtractor creates an Extractor with the given duplicate-label policy.
func NewExtractor(policy Policy) *Extractor {
	return &Extractor{policy: policy}
}

// markerPatterns maps each marker to its recognized label spellings. Each
// pattern captures an optional parenthesized unit annotation after the label,
// the numeric value (decimal point or comma), and an optional trailing unit.
var markerPatterns = map[Marker][]*regexp.Regexp{
	Hemoglobin: {
		labelPattern(`hemoglobin`),
		labelPattern(`hgb`),
		labelPattern(`hb`),
	},
	WBC: {
		labelPattern(`wbc`),
		labelPattern(`white blood cells?(?: count)?`),
	},
	Platelets: {
		labelPattern(`platelets?(?: count)?`),
		labelPattern(`plts?`),
	},
	RBC: {
		labelPattern(`rbc`),
		labelPattern(`red blood cells?(?: count)?`),
	},
}

// labelPattern builds the match pattern for one label spelling. Text is
// normalized to lower case before matching, so patterns are lower case only.
func labelPattern(label string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + label + `\b(?:\s*\(([^)]{1,24})\))?[^0-9a-z]{0,8}(\d+(?:[.,]\d+)?)\s*([a-z0-9/^%µ]{0,16})`)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalize lower-cases the text and collapses whitespace runs so that label
// matching is insensitive to OCR spacing artifacts.
func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.ReplaceAll(text, "\n", " ")
	return whitespaceRun.ReplaceAllString(text, " ")
}

// candidate is one syntactically valid label+value occurrence.
type candidate struct {
	pos   int
	value float64
	unit  string
}

// Extract returns the measurements found in text, keyed by marker. A marker
// whose label never appears, or whose value token cannot be parsed, is absent
// from the result. Extraction never fails: unusable input yields an empty map.
func (e *Extractor) Extract(text string) map[Marker]Measurement {
	normalized := normalize(text)
	found := make(map[Marker]Measurement)

	for _, m := range All() {
		var candidates []candidate
		for _, pattern := range markerPatterns[m] {
			for _, match := range pattern.FindAllStringSubmatchIndex(normalized, -1) {
				parenUnit := submatch(normalized, match, 1)
				valueTok := submatch(normalized, match, 2)
				trailUnit := submatch(normalized, match, 3)

				value, err := strconv.ParseFloat(strings.ReplaceAll(valueTok, ",", "."), 64)
				if err != nil {
					// Malformed numeric token: skip this occurrence, never default to zero.
					continue
				}

				unit := parenUnit
				if unit == "" {
					unit = trailUnit
				}
				candidates = append(candidates, candidate{pos: match[0], value: value, unit: unit})
			}
		}

		if len(candidates) == 0 {
			continue
		}

		// Occurrences from different label spellings are merged by text
		// position before the duplicate policy is applied.
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].pos < candidates[j].pos })

		chosen := candidates[0]
		if e.policy == LastMatch {
			chosen = candidates[len(candidates)-1]
		}
		found[m] = Measurement{Marker: m, Value: chosen.value, Unit: chosen.unit}
	}

	return found
}

// submatch returns the text of capture group n, or "" when the group did not participate.
func submatch(s string, match []int, n int) string {
	start, end := match[2*n], match[2*n+1]
	if start < 0 {
		return ""
	}
	return s[start:end]
}

package markers

import (
	"fmt"
	"strconv"
)

// Status classifies a measurement against its reference range.
type Status string

const (
	StatusLow    Status = "LOW"
	StatusNormal Status = "NORMAL"
	StatusHigh   Status = "HIGH"
)

// Range is an inclusive [Min, Max] reference interval. Values exactly on a
// bound classify as NORMAL.
type Range struct {
	Min float64
	Max float64
}

// RangeTable maps markers to their clinical reference ranges. The table is an
// external configuration input; DefaultRanges supplies the shipped values.
type RangeTable map[Marker]Range

// DefaultRanges returns the built-in adult reference ranges.
func DefaultRanges() RangeTable {
	return RangeTable{
		Hemoglobin: {Min: 13.5, Max: 17.5}, // g/dL
		WBC:        {Min: 4.5, Max: 11.0},  // x10^3/uL
		Platelets:  {Min: 150, Max: 450},   // x10^3/uL
		RBC:        {Min: 4.32, Max: 5.72}, // x10^6/uL
	}
}

// Classify returns the status of value against r.
func (r Range) Classify(value float64) Status {
	switch {
	case value < r.Min:
		return StatusLow
	case value > r.Max:
		return StatusHigh
	default:
		return StatusNormal
	}
}

const (
	summaryNormal   = "No significant anomalies detected."
	summaryAbnormal = "Potential anomalies detected in one or more health markers. Please consult a doctor."
)

// Evaluation is the deterministic rule-based analysis of an extracted marker set.
type Evaluation struct {
	Statuses       map[Marker]Status
	Observations   []string
	Summary        string
	AnomaliesFound bool
}

// Evaluator compares measurements against a reference range table and renders
// natural-language observations. It is deterministic and side-effect free.
type Evaluator struct {
	ranges RangeTable
}

// NewEvaluator creates an Evaluator over the given range table.
func NewEvaluator(ranges RangeTable) *Evaluator {
	return &Evaluator{ranges: ranges}
}

// Evaluate classifies each present marker and produces ordered observation
// strings. Absent markers get a "no value found" observation but no status.
func (e *Evaluator) Evaluate(measurements map[Marker]Measurement) Evaluation {
	eval := Evaluation{
		Statuses: make(map[Marker]Status),
		Summary:  summaryNormal,
	}

	for _, m := range All() {
		meas, ok := measurements[m]
		if !ok {
			eval.Observations = append(eval.Observations, fmt.Sprintf("No value found for %s.", m.DisplayName()))
			continue
		}

		r, ok := e.ranges[m]
		if !ok {
			eval.Observations = append(eval.Observations, fmt.Sprintf("No reference range defined for %s.", m.DisplayName()))
			continue
		}

		status := r.Classify(meas.Value)
		eval.Statuses[m] = status

		switch status {
		case StatusLow:
			eval.Observations = append(eval.Observations, fmt.Sprintf("%s is Low: %s (Normal range: %s - %s).",
				m.DisplayName(), formatValue(meas.Value), formatValue(r.Min), formatValue(r.Max)))
			eval.AnomaliesFound = true
		case StatusHigh:
			eval.Observations = append(eval.Observations, fmt.Sprintf("%s is High: %s (Normal range: %s - %s).",
				m.DisplayName(), formatValue(meas.Value), formatValue(r.Min), formatValue(r.Max)))
			eval.AnomaliesFound = true
		default:
			eval.Observations = append(eval.Observations, fmt.Sprintf("%s is within Normal range: %s.",
				m.DisplayName(), formatValue(meas.Value)))
		}
	}

	if eval.AnomaliesFound {
		eval.Summary = summaryAbnormal
	}
	return eval
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

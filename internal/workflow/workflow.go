// Package workflow governs the doctor-review lifecycle of a shared report.
// Each SharingRecord is an independent state machine; sharing the same report
// with several doctors produces separate records whose transitions never
// affect one another.
package workflow

import (
	"fmt"
	"time"
)

// State of a SharingRecord.
type State string

const (
	// StateSent means the patient has shared the report and no doctor has
	// opened it yet.
	StateSent State = "SENT"
	// StateUnderReview means the doctor has opened the shared report.
	StateUnderReview State = "UNDER_REVIEW"
	// StateReviewed means the doctor has submitted a review decision.
	StateReviewed State = "REVIEWED"
	// StateCancelled is terminal. Only reachable from SENT, by the patient.
	StateCancelled State = "CANCELLED"
)

// Event is a requested transition on a SharingRecord.
type Event string

const (
	// EventDoctorOpen fires on doctor read access, never on elapsed time.
	EventDoctorOpen Event = "DOCTOR_OPEN"
	// EventSubmitReview fires when a doctor submits a ReviewDecision.
	EventSubmitReview Event = "SUBMIT_REVIEW"
	// EventCancel fires when the patient withdraws the share.
	EventCancel Event = "CANCEL"
)

// ApprovalStatus is the doctor's verdict on the AI-generated analysis.
type ApprovalStatus string

const (
	ApprovalApproved    ApprovalStatus = "APPROVED"
	ApprovalRejected    ApprovalStatus = "REJECTED"
	ApprovalNeedsReview ApprovalStatus = "NEEDS_REVIEW"
)

// ReviewDecision is written on each review submission. A resubmission
// overwrites the prior decision and updates DecidedAt; the sharing record's
// ReviewedAt stays at the first submission.
type ReviewDecision struct {
	SharingID        string         `json:"sharing_id"`
	AIApprovalStatus ApprovalStatus `json:"ai_approval_status"`
	DoctorNotes      string         `json:"doctor_notes"`
	DecidedAt        time.Time      `json:"decided_at"`
}

// SharingRecord is one report shared with one doctor.
type SharingRecord struct {
	ID             string     `json:"id"`
	ReportID       string     `json:"report_id"`
	PatientID      string     `json:"patient_id"`
	DoctorID       string     `json:"doctor_id"`
	PatientMessage string     `json:"patient_message,omitempty"`
	Status         State      `json:"status"`
	SentAt         time.Time  `json:"sent_at"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`

	Decision *ReviewDecision `json:"decision,omitempty"`
}

// InvalidTransitionError rejects an out-of-order transition attempt. It is a
// conflict, not a validation slip: the record exists, but its current state
// does not admit the event.
type InvalidTransitionError struct {
	SharingID string
	From      State
	Event     Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("sharing %s: event %s not allowed in state %s", e.SharingID, e.Event, e.From)
}

// apply mutates rec according to event, or returns InvalidTransitionError.
// decision must be non-nil for EventSubmitReview and is ignored otherwise.
func apply(rec *SharingRecord, event Event, decision *ReviewDecision, now time.Time) error {
	reject := func() error {
		return &InvalidTransitionError{SharingID: rec.ID, From: rec.Status, Event: event}
	}

	switch event {
	case EventDoctorOpen:
		switch rec.Status {
		case StateSent:
			rec.Status = StateUnderReview
		case StateUnderReview, StateReviewed:
			// Re-opening an already opened or reviewed share is a no-op.
		default:
			return reject()
		}

	case EventSubmitReview:
		// Validate before touching the record: a rejected submission must
		// leave status, reviewed_at, and decision exactly as they were.
		if decision == nil {
			return fmt.Errorf("sharing %s: review submission requires a decision", rec.ID)
		}
		switch rec.Status {
		case StateUnderReview:
			rec.Status = StateReviewed
			t := now
			rec.ReviewedAt = &t
		case StateReviewed:
			// Resubmission: decision below overwrites, ReviewedAt stands.
		default:
			return reject()
		}
		d := *decision
		d.SharingID = rec.ID
		d.DecidedAt = now
		rec.Decision = &d

	case EventCancel:
		if rec.Status != StateSent {
			return reject()
		}
		rec.Status = StateCancelled

	default:
		return fmt.Errorf("sharing %s: unknown event %q", rec.ID, event)
	}
	return nil
}

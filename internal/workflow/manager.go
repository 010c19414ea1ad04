package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aivara/medcore/internal/analysis"
)

var (
	// ErrNotFound marks a sharing id with no record.
	ErrNotFound = errors.New("sharing record not found")
	// ErrAlreadyShared marks a second active share of the same report with
	// the same doctor. One active record per (report, doctor) pair.
	ErrAlreadyShared = errors.New("report already shared with this doctor")
	// ErrNoAnalysis marks a share attempt for a report without a completed
	// analysis. Extraction failures never reach a doctor.
	ErrNoAnalysis = errors.New("report has no completed analysis")
	// ErrDoctorInactive marks a share addressed to an unknown or deactivated
	// doctor.
	ErrDoctorInactive = errors.New("doctor is not active")
)

// DoctorDirectory answers whether a doctor reference is valid and active.
// The persistence collaborator owns doctor records; a nil directory skips the
// check, for callers that validate upstream.
type DoctorDirectory interface {
	IsActive(doctorID string) bool
}

// ShareRequest carries everything needed to create a SharingRecord.
type ShareRequest struct {
	ReportID       string
	PatientID      string
	DoctorID       string
	PatientMessage string
}

// Manager owns the sharing records and serializes transitions per record.
// Two concurrent submissions on the same sharing cannot race into an
// inconsistent reviewed_at/decision pair; records for different sharings
// transition independently.
type Manager struct {
	mu      sync.Mutex
	records map[string]*SharingRecord
	locks   map[string]*sync.Mutex

	doctors DoctorDirectory
	now     func() time.Time
}

// NewManager creates an empty Manager.
func NewManager(doctors DoctorDirectory) *Manager {
	return &Manager{
		records: make(map[string]*SharingRecord),
		locks:   make(map[string]*sync.Mutex),
		doctors: doctors,
		now:     time.Now,
	}
}

// Restore loads previously persisted sharing records, typically at daemon
// startup before the manager serves any request. Restored records transition
// and count against the one-active-share guard exactly like freshly created
// ones.
func (m *Manager) Restore(records []SharingRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range records {
		rec := records[i]
		m.records[rec.ID] = &rec
		m.locks[rec.ID] = &sync.Mutex{}
	}
}

// Share creates a SharingRecord in SENT state. result is the report's
// analysis; sharing a report whose extraction failed, or that has no analysis
// at all, is rejected.
func (m *Manager) Share(req ShareRequest, result *analysis.Result) (SharingRecord, error) {
	if result == nil || result.ExtractionFailed {
		return SharingRecord{}, fmt.Errorf("report %s: %w", req.ReportID, ErrNoAnalysis)
	}
	if m.doctors != nil && !m.doctors.IsActive(req.DoctorID) {
		return SharingRecord{}, fmt.Errorf("doctor %s: %w", req.DoctorID, ErrDoctorInactive)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.ReportID == req.ReportID && rec.DoctorID == req.DoctorID && rec.Status != StateCancelled {
			return SharingRecord{}, fmt.Errorf("report %s, doctor %s: %w", req.ReportID, req.DoctorID, ErrAlreadyShared)
		}
	}

	rec := &SharingRecord{
		ID:             uuid.NewString(),
		ReportID:       req.ReportID,
		PatientID:      req.PatientID,
		DoctorID:       req.DoctorID,
		PatientMessage: req.PatientMessage,
		Status:         StateSent,
		SentAt:         m.now().UTC(),
	}
	m.records[rec.ID] = rec
	m.locks[rec.ID] = &sync.Mutex{}
	return *rec, nil
}

// Transition applies an event without a decision payload. EventSubmitReview
// must go through SubmitReview instead.
func (m *Manager) Transition(sharingID string, event Event) (State, error) {
	return m.transition(sharingID, event, nil)
}

// SubmitReview applies EventSubmitReview with the doctor's decision.
func (m *Manager) SubmitReview(sharingID string, approval ApprovalStatus, notes string) (State, error) {
	return m.transition(sharingID, EventSubmitReview, &ReviewDecision{
		AIApprovalStatus: approval,
		DoctorNotes:      notes,
	})
}

func (m *Manager) transition(sharingID string, event Event, decision *ReviewDecision) (State, error) {
	m.mu.Lock()
	rec, ok := m.records[sharingID]
	lock := m.locks[sharingID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("sharing %s: %w", sharingID, ErrNotFound)
	}

	lock.Lock()
	defer lock.Unlock()

	if err := apply(rec, event, decision, m.now().UTC()); err != nil {
		return rec.Status, err
	}
	return rec.Status, nil
}

// Get returns a copy of the record.
func (m *Manager) Get(sharingID string) (SharingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sharingID]
	if !ok {
		return SharingRecord{}, fmt.Errorf("sharing %s: %w", sharingID, ErrNotFound)
	}
	return *rec, nil
}

// ForReport returns copies of all sharing records for a report, across
// doctors and including cancelled ones.
func (m *Manager) ForReport(reportID string) []SharingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SharingRecord
	for _, rec := range m.records {
		if rec.ReportID == reportID {
			out = append(out, *rec)
		}
	}
	return out
}

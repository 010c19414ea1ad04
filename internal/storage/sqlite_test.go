package storage

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aivara/medcore/internal/workflow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Errorf("versions = %v, want [1 2]", versions)
	}
}

func TestReport_SaveAndGet(t *testing.T) {
	s := openTestStore(t)

	r := Report{
		ID:         "r1",
		PatientID:  "p1",
		Name:       "Blood Test March",
		UploadedAt: time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC),
	}
	if err := s.SaveReport(r); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	got, err := s.GetReport("r1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Status != ReportUploaded {
		t.Errorf("status = %q, want default UPLOADED", got.Status)
	}
	if !got.UploadedAt.Equal(r.UploadedAt) {
		t.Errorf("uploaded_at = %v, want %v", got.UploadedAt, r.UploadedAt)
	}
	if got.Name != r.Name {
		t.Errorf("name = %q", got.Name)
	}
}

func TestReport_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetReport("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.SetReportAnalysis("missing", ReportAnalyzed, "{}"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReport_SetAnalysis(t *testing.T) {
	s := openTestStore(t)
	s.SaveReport(Report{ID: "r1", PatientID: "p1", Name: "cbc", UploadedAt: time.Now()})

	analysisJSON, _ := json.Marshal(map[string]string{"summary": "No significant anomalies detected."})
	if err := s.SetReportAnalysis("r1", ReportAnalyzed, string(analysisJSON)); err != nil {
		t.Fatalf("SetReportAnalysis: %v", err)
	}

	got, _ := s.GetReport("r1")
	if got.Status != ReportAnalyzed {
		t.Errorf("status = %q", got.Status)
	}
	if got.AnalysisJSON != string(analysisJSON) {
		t.Errorf("analysis_json = %q", got.AnalysisJSON)
	}
}

func TestListReports_OldestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SaveReport(Report{ID: "r2", PatientID: "p1", Name: "second", UploadedAt: base.AddDate(0, 1, 0)})
	s.SaveReport(Report{ID: "r1", PatientID: "p1", Name: "first", UploadedAt: base})
	s.SaveReport(Report{ID: "other", PatientID: "p2", Name: "other patient", UploadedAt: base})

	got, err := s.ListReports("p1")
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r1" || got[1].ID != "r2" {
		t.Errorf("reports = %+v, want r1 then r2", got)
	}
}

func TestReplaceMeasurements_Atomic(t *testing.T) {
	s := openTestStore(t)
	s.SaveReport(Report{ID: "r1", PatientID: "p1", Name: "cbc", UploadedAt: time.Now()})

	first := []MeasurementRow{
		{ReportID: "r1", Marker: "HEMOGLOBIN", Value: 10.2, Unit: "g/dl"},
		{ReportID: "r1", Marker: "WBC", Value: 6.5},
	}
	if err := s.ReplaceMeasurements("r1", first); err != nil {
		t.Fatalf("ReplaceMeasurements: %v", err)
	}

	// Reanalysis replaces the whole set; the WBC row must not survive.
	second := []MeasurementRow{
		{ReportID: "r1", Marker: "HEMOGLOBIN", Value: 13.8, Unit: "g/dl"},
	}
	if err := s.ReplaceMeasurements("r1", second); err != nil {
		t.Fatalf("ReplaceMeasurements (reanalysis): %v", err)
	}

	got, err := s.GetMeasurements("r1")
	if err != nil {
		t.Fatalf("GetMeasurements: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d measurements, want 1", len(got))
	}
	if got[0].Marker != "HEMOGLOBIN" || got[0].Value != 13.8 {
		t.Errorf("measurement = %+v", got[0])
	}
}

func TestSharing_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	sent := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rec := workflow.SharingRecord{
		ID:             "s1",
		ReportID:       "r1",
		PatientID:      "p1",
		DoctorID:       "d1",
		PatientMessage: "please have a look",
		Status:         workflow.StateSent,
		SentAt:         sent,
	}
	if err := s.SaveSharing(rec); err != nil {
		t.Fatalf("SaveSharing: %v", err)
	}

	got, err := s.GetSharing("s1")
	if err != nil {
		t.Fatalf("GetSharing: %v", err)
	}
	if got.Status != workflow.StateSent || got.ReviewedAt != nil || got.Decision != nil {
		t.Errorf("fresh sharing = %+v", got)
	}

	reviewed := sent.Add(48 * time.Hour)
	rec.Status = workflow.StateReviewed
	rec.ReviewedAt = &reviewed
	rec.Decision = &workflow.ReviewDecision{
		SharingID:        "s1",
		AIApprovalStatus: workflow.ApprovalApproved,
		DoctorNotes:      "consistent with markers",
		DecidedAt:        reviewed,
	}
	if err := s.UpdateSharing(rec); err != nil {
		t.Fatalf("UpdateSharing: %v", err)
	}

	got, err = s.GetSharing("s1")
	if err != nil {
		t.Fatalf("GetSharing after update: %v", err)
	}
	if got.Status != workflow.StateReviewed {
		t.Errorf("status = %s", got.Status)
	}
	if got.ReviewedAt == nil || !got.ReviewedAt.Equal(reviewed) {
		t.Errorf("reviewed_at = %v", got.ReviewedAt)
	}
	if got.Decision == nil || got.Decision.AIApprovalStatus != workflow.ApprovalApproved {
		t.Errorf("decision = %+v", got.Decision)
	}
	if got.Decision.DoctorNotes != "consistent with markers" {
		t.Errorf("notes = %q", got.Decision.DoctorNotes)
	}
}

func TestListSharings_ReturnsAllOrderedBySentAt(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	later := workflow.SharingRecord{
		ID: "s2", ReportID: "r1", PatientID: "p1", DoctorID: "d2",
		Status: workflow.StateSent, SentAt: base.Add(time.Hour),
	}
	earlier := workflow.SharingRecord{
		ID: "s1", ReportID: "r1", PatientID: "p1", DoctorID: "d1",
		Status: workflow.StateSent, SentAt: base,
	}
	if err := s.SaveSharing(later); err != nil {
		t.Fatalf("SaveSharing: %v", err)
	}
	if err := s.SaveSharing(earlier); err != nil {
		t.Fatalf("SaveSharing: %v", err)
	}

	reviewed := base.Add(2 * time.Hour)
	earlier.Status = workflow.StateReviewed
	earlier.ReviewedAt = &reviewed
	earlier.Decision = &workflow.ReviewDecision{
		SharingID: "s1", AIApprovalStatus: workflow.ApprovalRejected,
		DoctorNotes: "retest", DecidedAt: reviewed,
	}
	if err := s.UpdateSharing(earlier); err != nil {
		t.Fatalf("UpdateSharing: %v", err)
	}

	got, err := s.ListSharings()
	if err != nil {
		t.Fatalf("ListSharings: %v", err)
	}
	if len(got) != 2 || got[0].ID != "s1" || got[1].ID != "s2" {
		t.Fatalf("sharings = %+v, want s1 then s2", got)
	}
	if got[0].Status != workflow.StateReviewed || got[0].Decision == nil {
		t.Errorf("s1 = %+v, want reviewed with decision", got[0])
	}
	if got[0].Decision.AIApprovalStatus != workflow.ApprovalRejected {
		t.Errorf("s1 approval = %s", got[0].Decision.AIApprovalStatus)
	}
}

func TestUpdateSharing_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateSharing(workflow.SharingRecord{ID: "missing", Status: workflow.StateCancelled})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestForecast_SaveAndLatest(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	older := ForecastRow{
		ID: "f1", ReportID: "r1", PatientID: "p1", Type: "health_trends",
		PayloadJSON: `{"recommendations":[]}`, ConfidenceScore: 0.4,
		GeneratedAt: base, ExpiresAt: base.AddDate(0, 0, 90),
	}
	newer := ForecastRow{
		ID: "f2", ReportID: "r2", PatientID: "p1", Type: "health_trends",
		PayloadJSON: `{"recommendations":["recheck in 3 months"]}`, ConfidenceScore: 0.7,
		GeneratedAt: base.AddDate(0, 1, 0), ExpiresAt: base.AddDate(0, 1, 90),
	}
	if err := s.SaveForecast(older); err != nil {
		t.Fatalf("SaveForecast: %v", err)
	}
	if err := s.SaveForecast(newer); err != nil {
		t.Fatalf("SaveForecast: %v", err)
	}

	got, err := s.LatestForecast("p1")
	if err != nil {
		t.Fatalf("LatestForecast: %v", err)
	}
	if got.ID != "f2" || got.ConfidenceScore != 0.7 {
		t.Errorf("latest = %+v, want f2", got)
	}
	if !got.ExpiresAt.Equal(newer.ExpiresAt) {
		t.Errorf("expires_at = %v", got.ExpiresAt)
	}

	if _, err := s.LatestForecast("unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

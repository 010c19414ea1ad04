package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aivara/medcore/internal/analysis"
	"github.com/aivara/medcore/internal/chunker"
	"github.com/aivara/medcore/internal/embedding"
	"github.com/aivara/medcore/internal/engine"
	"github.com/aivara/medcore/internal/forecast"
	"github.com/aivara/medcore/internal/markers"
	"github.com/aivara/medcore/internal/pipeline"
	"github.com/aivara/medcore/internal/rag"
	"github.com/aivara/medcore/internal/storage"
	"github.com/aivara/medcore/internal/vectorstore"
	"github.com/aivara/medcore/internal/workflow"
)

type fakeEngine struct{}

func (fakeEngine) Generate(_ context.Context, model string, _ string) (string, error) {
	if model == "llama3.2" {
		return `{"recommendations": ["recheck in 3 months"]}`, nil
	}
	return "generated by " + model, nil
}
func (fakeEngine) Chat(_ context.Context, _ string, _ []engine.Message) (string, error) {
	return "", errors.New("not implemented")
}
func (fakeEngine) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	return nil, errors.New("not implemented")
}
func (fakeEngine) IsRunning(_ context.Context) bool { return true }

func newTestServer(t *testing.T) (*httptest.Server, AppDeps) {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provider := embedding.NewLocalProvider(32)
	vectors := vectorstore.NewSQLiteStore(store.DB())
	eng := fakeEngine{}

	p := pipeline.New(
		markers.NewExtractor(markers.FirstMatch),
		markers.NewEvaluator(markers.DefaultRanges()),
		chunker.New(200, 40),
		provider,
		vectors,
		rag.NewAssembler(provider, vectors, 5),
		analysis.NewOrchestrator(eng, analysis.DefaultSections(), time.Second),
		forecast.NewGenerator(eng, "llama3.2", markers.DefaultRanges()),
	)

	deps := AppDeps{
		Store:    store,
		Pipeline: p,
		Workflow: workflow.NewManager(nil),
	}
	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)
	return srv, deps
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func uploadReport(t *testing.T, srv *httptest.Server, patientID, text string) uploadResponse {
	t.Helper()
	resp := postJSON(t, srv.URL+"/reports", uploadRequest{
		PatientID: patientID,
		Name:      "CBC",
		MimeType:  "text/plain",
		Content:   text,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	return decode[uploadResponse](t, resp)
}

const reportText = "Hemoglobin: 10.2 g/dL, WBC 6.5. Platelets 210, RBC 4.9. Routine follow up panel."

func TestUploadReport_Analyzes(t *testing.T) {
	srv, deps := newTestServer(t)

	got := uploadReport(t, srv, "p1", reportText)
	if got.Status != storage.ReportAnalyzed {
		t.Errorf("status = %q", got.Status)
	}
	if len(got.Analysis.Sections) != 2 {
		t.Errorf("sections = %d, want 2 eager", len(got.Analysis.Sections))
	}
	if got.Analysis.Summary == "" {
		t.Error("summary missing")
	}

	rows, err := deps.Store.GetMeasurements(got.ReportID)
	if err != nil {
		t.Fatalf("GetMeasurements: %v", err)
	}
	if len(rows) != 4 {
		t.Errorf("persisted %d measurements, want 4", len(rows))
	}
}

func TestUploadReport_ExtractionFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/reports", uploadRequest{
		PatientID: "p1",
		MimeType:  "text/plain",
		Content:   "   ",
	})
	got := decode[uploadResponse](t, resp)
	if got.Status != storage.ReportExtractionFailed {
		t.Errorf("status = %q, want EXTRACTION_FAILED", got.Status)
	}
	if !got.Analysis.ExtractionFailed {
		t.Error("analysis must carry the extraction-failed flag")
	}
}

func countVectors(t *testing.T, deps AppDeps, reportID, like string) int {
	t.Helper()
	query := `SELECT COUNT(*) FROM report_vectors WHERE report_id = ?`
	args := []any{reportID}
	if like != "" {
		query += ` AND text LIKE ?`
		args = append(args, "%"+like+"%")
	}
	var n int
	if err := deps.Store.DB().QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("counting vectors: %v", err)
	}
	return n
}

// waitForVectors polls until cond holds; the chunk vector write completes in
// the background after the HTTP response.
func waitForVectors(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for background vector write")
}

func TestReanalyzeReport_ReplacesMeasurementsAndVectors(t *testing.T) {
	srv, deps := newTestServer(t)
	up := uploadReport(t, srv, "p1", reportText)

	waitForVectors(t, func() bool { return countVectors(t, deps, up.ReportID, "") > 0 })

	resp := postJSON(t, srv.URL+"/reports/"+up.ReportID+"/analyze", analyzeRequest{
		MimeType: "text/plain",
		Content:  "Follow-up panel after iron supplementation. Hemoglobin: 11.0 g/dL.",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reanalyze status = %d", resp.StatusCode)
	}
	got := decode[uploadResponse](t, resp)
	if got.ReportID != up.ReportID {
		t.Errorf("report id changed to %s on reanalysis", got.ReportID)
	}
	if got.Status != storage.ReportAnalyzed {
		t.Errorf("status = %q", got.Status)
	}

	rows, err := deps.Store.GetMeasurements(up.ReportID)
	if err != nil {
		t.Fatalf("GetMeasurements: %v", err)
	}
	if len(rows) != 1 || rows[0].Marker != "hemoglobin" {
		t.Fatalf("measurements after reanalysis = %+v, want hemoglobin only", rows)
	}
	if rows[0].Value != 11.0 {
		t.Errorf("hemoglobin = %v, want 11.0", rows[0].Value)
	}

	// Chunks from the superseded run must be gone, replaced by the new text.
	waitForVectors(t, func() bool {
		return countVectors(t, deps, up.ReportID, "Platelets") == 0 &&
			countVectors(t, deps, up.ReportID, "iron supplementation") > 0
	})
}

func TestReanalyzeReport_UnknownReport(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/reports/missing/analyze", analyzeRequest{
		MimeType: "text/plain",
		Content:  "Hemoglobin: 11.0 g/dL",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestShareAndReviewFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	up := uploadReport(t, srv, "p1", reportText)

	resp := postJSON(t, srv.URL+"/reports/"+up.ReportID+"/share", shareRequest{DoctorID: "d1", Message: "please review"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("share status = %d", resp.StatusCode)
	}
	rec := decode[workflow.SharingRecord](t, resp)
	if rec.Status != workflow.StateSent {
		t.Fatalf("sharing status = %s", rec.Status)
	}

	resp = postJSON(t, srv.URL+"/sharings/"+rec.ID+"/open", struct{}{})
	state := decode[map[string]string](t, resp)
	if state["status"] != string(workflow.StateUnderReview) {
		t.Errorf("after open: %v", state)
	}

	resp = postJSON(t, srv.URL+"/sharings/"+rec.ID+"/review", reviewRequest{
		ApprovalStatus: string(workflow.ApprovalApproved),
		Notes:          "agree with findings",
	})
	state = decode[map[string]string](t, resp)
	if state["status"] != string(workflow.StateReviewed) {
		t.Errorf("after review: %v", state)
	}
}

func TestSharings_SurviveRestart(t *testing.T) {
	srv, deps := newTestServer(t)
	up := uploadReport(t, srv, "p1", reportText)

	resp := postJSON(t, srv.URL+"/reports/"+up.ReportID+"/share", shareRequest{DoctorID: "d1"})
	rec := decode[workflow.SharingRecord](t, resp)
	resp = postJSON(t, srv.URL+"/sharings/"+rec.ID+"/open", struct{}{})
	resp.Body.Close()

	// A restarted daemon rebuilds its workflow manager from the sharings
	// table, exactly as cmd/medcored does at startup.
	restored := workflow.NewManager(nil)
	persisted, err := deps.Store.ListSharings()
	if err != nil {
		t.Fatalf("ListSharings: %v", err)
	}
	restored.Restore(persisted)

	srv2 := httptest.NewServer(NewHandler(AppDeps{
		Store: deps.Store, Pipeline: deps.Pipeline, Workflow: restored,
	}))
	defer srv2.Close()

	resp = postJSON(t, srv2.URL+"/sharings/"+rec.ID+"/review", reviewRequest{
		ApprovalStatus: string(workflow.ApprovalApproved),
		Notes:          "reviewed after restart",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("review after restart status = %d", resp.StatusCode)
	}
	state := decode[map[string]string](t, resp)
	if state["status"] != string(workflow.StateReviewed) {
		t.Errorf("after restart review: %v", state)
	}

	// The one-active-share guard survives the restart too.
	resp = postJSON(t, srv2.URL+"/reports/"+up.ReportID+"/share", shareRequest{DoctorID: "d1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate share after restart status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCancelledSharing_RejectsOpen(t *testing.T) {
	srv, _ := newTestServer(t)
	up := uploadReport(t, srv, "p1", reportText)

	resp := postJSON(t, srv.URL+"/reports/"+up.ReportID+"/share", shareRequest{DoctorID: "d1"})
	rec := decode[workflow.SharingRecord](t, resp)

	resp = postJSON(t, srv.URL+"/sharings/"+rec.ID+"/cancel", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/sharings/"+rec.ID+"/open", struct{}{})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("open after cancel status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestShare_ExtractionFailedReportRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/reports", uploadRequest{
		PatientID: "p1", MimeType: "text/plain", Content: "  ",
	})
	up := decode[uploadResponse](t, resp)

	resp = postJSON(t, srv.URL+"/reports/"+up.ReportID+"/share", shareRequest{DoctorID: "d1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("share status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRequestSection_OnDemand(t *testing.T) {
	srv, _ := newTestServer(t)
	up := uploadReport(t, srv, "p1", reportText)

	resp := postJSON(t, srv.URL+"/reports/"+up.ReportID+"/sections", sectionRequest{
		Section: string(analysis.SectionMedicineSuggestions),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("section status = %d", resp.StatusCode)
	}
	sr := decode[analysis.SectionResult](t, resp)
	if sr.Model != "medbot" || sr.Text == "" {
		t.Errorf("section = %+v", sr)
	}
}

func TestGetContext_NewPatientEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/patients/ghost/context?q=hemoglobin")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	got := decode[map[string]any](t, resp)
	if got["empty"] != true {
		t.Errorf("context = %v, want empty marker", got)
	}
}

func TestForecast_PersistedAndReturned(t *testing.T) {
	srv, deps := newTestServer(t)
	uploadReport(t, srv, "p1", reportText)

	resp := postJSON(t, srv.URL+"/patients/p1/forecast", struct{}{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("forecast status = %d", resp.StatusCode)
	}
	f := decode[forecast.Forecast](t, resp)
	if f.ConfidenceScore >= forecast.LowThreshold {
		t.Errorf("single-report confidence = %v", f.ConfidenceScore)
	}

	row, err := deps.Store.LatestForecast("p1")
	if err != nil {
		t.Fatalf("LatestForecast: %v", err)
	}
	if row.ID != f.ID {
		t.Errorf("persisted forecast %s, returned %s", row.ID, f.ID)
	}
}

func TestForecast_NoHistory(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/patients/ghost/forecast", struct{}{})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

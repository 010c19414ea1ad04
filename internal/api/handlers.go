// Package api is the HTTP surface of the medcore daemon. It owns report CRUD
// and calls into the pipeline for analysis, retrieval, and forecasting; the
// pipeline itself never touches these tables.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aivara/medcore/internal/analysis"
	"github.com/aivara/medcore/internal/forecast"
	"github.com/aivara/medcore/internal/markers"
	"github.com/aivara/medcore/internal/pipeline"
	"github.com/aivara/medcore/internal/storage"
	"github.com/aivara/medcore/internal/textextract"
	"github.com/aivara/medcore/internal/workflow"
)

const maxUploadBodySize = 20 << 20 // 20MB

type AppDeps struct {
	Store    *storage.Store
	Pipeline *pipeline.Pipeline
	Workflow *workflow.Manager
}

// NewHandler builds the daemon's router.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/reports", handleUploadReport(deps))
	r.Get("/reports/{id}", handleGetReport(deps))
	r.Post("/reports/{id}/analyze", handleReanalyzeReport(deps))
	r.Post("/reports/{id}/sections", handleRequestSection(deps))
	r.Post("/reports/{id}/share", handleShareReport(deps))

	r.Post("/sharings/{id}/open", handleSharingEvent(deps, workflow.EventDoctorOpen))
	r.Post("/sharings/{id}/cancel", handleSharingEvent(deps, workflow.EventCancel))
	r.Post("/sharings/{id}/review", handleSubmitReview(deps))

	r.Get("/patients/{id}/context", handleGetContext(deps))
	r.Post("/patients/{id}/forecast", handleGenerateForecast(deps))

	return r
}

type uploadRequest struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	// Content is raw text, or base64-encoded file bytes when Encoding is
	// "base64" (PDF uploads).
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type uploadResponse struct {
	ReportID string          `json:"report_id"`
	Status   string          `json:"status"`
	Analysis analysis.Result `json:"analysis"`
}

func handleUploadReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.PatientID == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "patient_id and content are required")
			return
		}

		data := []byte(req.Content)
		if req.Encoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content: %v", err)
				return
			}
			data = decoded
		}

		report := storage.Report{
			ID:         uuid.NewString(),
			PatientID:  req.PatientID,
			Name:       req.Name,
			Status:     storage.ReportUploaded,
			UploadedAt: time.Now().UTC(),
		}
		if report.Name == "" {
			report.Name = "Report " + report.UploadedAt.Format("2006-01-02")
		}
		if err := deps.Store.SaveReport(report); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving report: %v", err)
			return
		}

		resp, err := analyzeAndRecord(deps, r, report, data, req.MimeType)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

type analyzeRequest struct {
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// handleReanalyzeReport re-runs the full analysis for an existing report,
// for example after a corrected scan. The superseded analysis, measurements,
// and chunk vectors are replaced, never mixed with the new run's output.
func handleReanalyzeReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		id := chi.URLParam(r, "id")

		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		report, err := deps.Store.GetReport(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "report %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading report: %v", err)
			return
		}

		data := []byte(req.Content)
		if req.Encoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content: %v", err)
				return
			}
			data = decoded
		}

		resp, err := analyzeAndRecord(deps, r, report, data, req.MimeType)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// analyzeAndRecord runs extraction and analysis for a report and persists the
// outcome: report status, serialized analysis, and the replaced measurement
// set. The chunk vector write completes in the background.
func analyzeAndRecord(deps AppDeps, r *http.Request, report storage.Report, data []byte, mimeType string) (uploadResponse, error) {
	text, ok := textextract.Extract(data, mimeType)
	if !ok {
		text = ""
	}

	input := pipeline.ReportInput{
		ID:         report.ID,
		PatientID:  report.PatientID,
		Name:       report.Name,
		UploadedAt: report.UploadedAt,
	}
	result, err := deps.Pipeline.ExtractAndAnalyze(r.Context(), input, text)
	if err != nil {
		return uploadResponse{}, fmt.Errorf("analyzing report: %w", err)
	}

	status := storage.ReportAnalyzed
	if result.Analysis.ExtractionFailed {
		status = storage.ReportExtractionFailed
	}

	analysisJSON, err := json.Marshal(result.Analysis)
	if err != nil {
		return uploadResponse{}, fmt.Errorf("encoding analysis: %w", err)
	}
	if err := deps.Store.SetReportAnalysis(report.ID, status, string(analysisJSON)); err != nil {
		return uploadResponse{}, fmt.Errorf("recording analysis: %w", err)
	}
	if err := deps.Store.ReplaceMeasurements(report.ID, measurementRows(report.ID, result.Measurements)); err != nil {
		return uploadResponse{}, fmt.Errorf("recording measurements: %w", err)
	}

	// The vector write completes in the background; log its outcome
	// without holding up the response.
	go func(done <-chan error, reportID string) {
		if err := <-done; err != nil {
			slog.Error("background vector upsert failed", "report", reportID, "error", err)
		}
	}(result.VectorUpsert, report.ID)

	return uploadResponse{
		ReportID: report.ID,
		Status:   status,
		Analysis: result.Analysis,
	}, nil
}

func handleGetReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		report, err := deps.Store.GetReport(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "report %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading report: %v", err)
			return
		}

		resp := map[string]any{
			"id":          report.ID,
			"patient_id":  report.PatientID,
			"name":        report.Name,
			"status":      report.Status,
			"uploaded_at": report.UploadedAt,
		}
		if report.AnalysisJSON != "" {
			resp["analysis"] = json.RawMessage(report.AnalysisJSON)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type sectionRequest struct {
	Section string `json:"section"`
}

func handleRequestSection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req sectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		report, err := deps.Store.GetReport(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "report %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading report: %v", err)
			return
		}
		if report.Status != storage.ReportAnalyzed {
			httpError(w, http.StatusConflict, "conflict_error", "report %s is not analyzed (status %s)", id, report.Status)
			return
		}

		rows, err := deps.Store.GetMeasurements(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading measurements: %v", err)
			return
		}

		input := pipeline.ReportInput{
			ID: report.ID, PatientID: report.PatientID,
			Name: report.Name, UploadedAt: report.UploadedAt,
		}
		sr, err := deps.Pipeline.RequestSection(r.Context(), input, measurementsFromRows(rows), analysis.Section(req.Section))
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "generating section: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sr)
	}
}

type shareRequest struct {
	DoctorID string `json:"doctor_id"`
	Message  string `json:"message"`
}

func handleShareReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req shareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.DoctorID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "doctor_id is required")
			return
		}

		report, err := deps.Store.GetReport(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "report %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading report: %v", err)
			return
		}

		var result *analysis.Result
		if report.AnalysisJSON != "" {
			var parsed analysis.Result
			if err := json.Unmarshal([]byte(report.AnalysisJSON), &parsed); err == nil {
				result = &parsed
			}
		}

		rec, err := deps.Workflow.Share(workflow.ShareRequest{
			ReportID:       report.ID,
			PatientID:      report.PatientID,
			DoctorID:       req.DoctorID,
			PatientMessage: req.Message,
		}, result)
		if err != nil {
			writeWorkflowError(w, err)
			return
		}
		if err := deps.Store.SaveSharing(rec); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving sharing: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func handleSharingEvent(deps AppDeps, event workflow.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		state, err := deps.Workflow.Transition(id, event)
		if err != nil {
			writeWorkflowError(w, err)
			return
		}
		persistSharing(deps, id)
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(state)})
	}
}

type reviewRequest struct {
	ApprovalStatus string `json:"ai_approval_status"`
	Notes          string `json:"doctor_notes"`
}

func handleSubmitReview(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req reviewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		approval := workflow.ApprovalStatus(req.ApprovalStatus)
		switch approval {
		case workflow.ApprovalApproved, workflow.ApprovalRejected, workflow.ApprovalNeedsReview:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid ai_approval_status %q", req.ApprovalStatus)
			return
		}

		state, err := deps.Workflow.SubmitReview(id, approval, req.Notes)
		if err != nil {
			writeWorkflowError(w, err)
			return
		}
		persistSharing(deps, id)
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(state)})
	}
}

func handleGetContext(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID := chi.URLParam(r, "id")
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query parameter q is required")
			return
		}

		ctx, err := deps.Pipeline.GetContext(r.Context(), patientID, query)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "assembling context: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"empty": ctx.Empty,
			"text":  ctx.Text,
		})
	}
}

func handleGenerateForecast(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID := chi.URLParam(r, "id")

		history, err := loadHistory(deps.Store, patientID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading history: %v", err)
			return
		}

		f, err := deps.Pipeline.GenerateForecast(r.Context(), patientID, history)
		if errors.Is(err, forecast.ErrNoHistory) {
			httpError(w, http.StatusConflict, "conflict_error", "patient %s has no analyzed reports", patientID)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "generating forecast: %v", err)
			return
		}

		row := storage.ForecastRow{
			ID:              f.ID,
			ReportID:        f.ReportID,
			PatientID:       f.PatientID,
			Type:            f.Type,
			PayloadJSON:     string(f.Payload),
			ConfidenceScore: f.ConfidenceScore,
			GeneratedAt:     f.GeneratedAt,
			ExpiresAt:       f.ExpiresAt,
		}
		if err := deps.Store.SaveForecast(row); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving forecast: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, f)
	}
}

// loadHistory builds the forecast input from the patient's analyzed reports,
// oldest first.
func loadHistory(store *storage.Store, patientID string) ([]forecast.HistoryPoint, error) {
	reports, err := store.ListReports(patientID)
	if err != nil {
		return nil, err
	}

	var history []forecast.HistoryPoint
	for _, rep := range reports {
		if rep.Status != storage.ReportAnalyzed {
			continue
		}
		rows, err := store.GetMeasurements(rep.ID)
		if err != nil {
			return nil, err
		}
		history = append(history, forecast.HistoryPoint{
			ReportID:     rep.ID,
			TakenAt:      rep.UploadedAt,
			Measurements: measurementsFromRows(rows),
		})
	}
	return history, nil
}

// persistSharing mirrors the workflow manager's current record into storage.
func persistSharing(deps AppDeps, sharingID string) {
	rec, err := deps.Workflow.Get(sharingID)
	if err != nil {
		return
	}
	if err := deps.Store.UpdateSharing(rec); err != nil {
		slog.Error("persisting sharing failed", "sharing", sharingID, "error", err)
	}
}

func measurementRows(reportID string, meas map[markers.Marker]markers.Measurement) []storage.MeasurementRow {
	var rows []storage.MeasurementRow
	for _, m := range markers.All() {
		if v, ok := meas[m]; ok {
			rows = append(rows, storage.MeasurementRow{
				ReportID: reportID,
				Marker:   string(m),
				Value:    v.Value,
				Unit:     v.Unit,
			})
		}
	}
	return rows
}

func measurementsFromRows(rows []storage.MeasurementRow) map[markers.Marker]markers.Measurement {
	meas := make(map[markers.Marker]markers.Measurement, len(rows))
	for _, row := range rows {
		m := markers.Marker(row.Marker)
		meas[m] = markers.Measurement{Marker: m, Value: row.Value, Unit: row.Unit}
	}
	return meas
}

func writeWorkflowError(w http.ResponseWriter, err error) {
	var ite *workflow.InvalidTransitionError
	switch {
	case errors.As(err, &ite):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, workflow.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, workflow.ErrAlreadyShared),
		errors.Is(err, workflow.ErrNoAnalysis):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, workflow.ErrDoctorInactive):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

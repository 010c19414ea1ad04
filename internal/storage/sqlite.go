// Package storage persists reports, measurements, sharings, and forecasts in
// SQLite. The report_vectors table created here is operated on by the
// vectorstore package over the same database handle.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aivara/medcore/internal/workflow"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for reports, measurements,
// sharings, and forecasts.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "medcore.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the vector store can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in
// ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Reports ---

func (s *Store) SaveReport(r Report) error {
	status := r.Status
	if status == "" {
		status = ReportUploaded
	}
	_, err := s.db.Exec(`
		INSERT INTO reports (id, patient_id, name, status, uploaded_at, analysis_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.PatientID, r.Name, status, r.UploadedAt.UTC().Format(time.RFC3339), r.AnalysisJSON,
	)
	return err
}

func (s *Store) GetReport(id string) (Report, error) {
	var r Report
	var uploadedAt string
	err := s.db.QueryRow(`
		SELECT id, patient_id, name, status, uploaded_at, analysis_json
		FROM reports WHERE id = ?`, id,
	).Scan(&r.ID, &r.PatientID, &r.Name, &r.Status, &uploadedAt, &r.AnalysisJSON)
	if err == sql.ErrNoRows {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, err
	}
	t, err := time.Parse(time.RFC3339, uploadedAt)
	if err != nil {
		return Report{}, fmt.Errorf("parsing uploaded_at: %w", err)
	}
	r.UploadedAt = t
	return r, nil
}

// SetReportAnalysis records the outcome of an analysis run: the new status
// and the serialized result.
func (s *Store) SetReportAnalysis(id, status, analysisJSON string) error {
	res, err := s.db.Exec(`UPDATE reports SET status = ?, analysis_json = ? WHERE id = ?`,
		status, analysisJSON, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReports returns a patient's reports ordered oldest first, the order the
// forecast generator expects.
func (s *Store) ListReports(patientID string) ([]Report, error) {
	rows, err := s.db.Query(`
		SELECT id, patient_id, name, status, uploaded_at, analysis_json
		FROM reports WHERE patient_id = ? ORDER BY uploaded_at ASC`, patientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Report
	for rows.Next() {
		var r Report
		var uploadedAt string
		if err := rows.Scan(&r.ID, &r.PatientID, &r.Name, &r.Status, &uploadedAt, &r.AnalysisJSON); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, uploadedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing uploaded_at: %w", err)
		}
		r.UploadedAt = t
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Measurements ---

// ReplaceMeasurements atomically swaps the full measurement set for a report.
// Reanalysis never leaves a mix of old and new values behind.
func (s *Store) ReplaceMeasurements(reportID string, rows []MeasurementRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning measurement transaction: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM report_measurements WHERE report_id = ?`, reportID); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting superseded measurements: %w", err)
	}

	for _, m := range rows {
		if _, err := tx.Exec(`
			INSERT INTO report_measurements (report_id, marker, value, unit)
			VALUES (?, ?, ?, ?)`,
			reportID, m.Marker, m.Value, m.Unit); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting measurement %s: %w", m.Marker, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetMeasurements(reportID string) ([]MeasurementRow, error) {
	rows, err := s.db.Query(`
		SELECT report_id, marker, value, unit
		FROM report_measurements WHERE report_id = ? ORDER BY marker ASC`, reportID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MeasurementRow
	for rows.Next() {
		var m MeasurementRow
		if err := rows.Scan(&m.ReportID, &m.Marker, &m.Value, &m.Unit); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Sharings ---

func (s *Store) SaveSharing(rec workflow.SharingRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sharings (id, report_id, patient_id, doctor_id, patient_message, status, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ReportID, rec.PatientID, rec.DoctorID, rec.PatientMessage,
		string(rec.Status), rec.SentAt.UTC().Format(time.RFC3339),
	)
	return err
}

// UpdateSharing persists the outcome of a workflow transition.
func (s *Store) UpdateSharing(rec workflow.SharingRecord) error {
	var reviewedAt, approval, notes, decidedAt any
	if rec.ReviewedAt != nil {
		reviewedAt = rec.ReviewedAt.UTC().Format(time.RFC3339)
	}
	if rec.Decision != nil {
		approval = string(rec.Decision.AIApprovalStatus)
		notes = rec.Decision.DoctorNotes
		decidedAt = rec.Decision.DecidedAt.UTC().Format(time.RFC3339)
	}

	res, err := s.db.Exec(`
		UPDATE sharings SET status = ?, reviewed_at = ?, ai_approval_status = ?, doctor_notes = ?, decided_at = ?
		WHERE id = ?`,
		string(rec.Status), reviewedAt, approval, notes, decidedAt, rec.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSharing(id string) (workflow.SharingRecord, error) {
	rec, err := scanSharing(s.db.QueryRow(`
		SELECT id, report_id, patient_id, doctor_id, patient_message, status, sent_at, reviewed_at, ai_approval_status, doctor_notes, decided_at
		FROM sharings WHERE id = ?`, id,
	).Scan)
	if err == sql.ErrNoRows {
		return workflow.SharingRecord{}, ErrNotFound
	}
	return rec, err
}

// ListSharings returns every sharing record, ordered by sent_at. The workflow
// manager rehydrates from this at startup so records survive a restart.
func (s *Store) ListSharings() ([]workflow.SharingRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, report_id, patient_id, doctor_id, patient_message, status, sent_at, reviewed_at, ai_approval_status, doctor_notes, decided_at
		FROM sharings ORDER BY sent_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []workflow.SharingRecord
	for rows.Next() {
		rec, err := scanSharing(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func scanSharing(scan func(dest ...any) error) (workflow.SharingRecord, error) {
	var rec workflow.SharingRecord
	var status, sentAt string
	var reviewedAt, approval, notes, decidedAt sql.NullString
	err := scan(&rec.ID, &rec.ReportID, &rec.PatientID, &rec.DoctorID, &rec.PatientMessage,
		&status, &sentAt, &reviewedAt, &approval, &notes, &decidedAt)
	if err != nil {
		return workflow.SharingRecord{}, err
	}

	rec.Status = workflow.State(status)
	if rec.SentAt, err = time.Parse(time.RFC3339, sentAt); err != nil {
		return workflow.SharingRecord{}, fmt.Errorf("parsing sent_at: %w", err)
	}
	if reviewedAt.Valid {
		t, err := time.Parse(time.RFC3339, reviewedAt.String)
		if err != nil {
			return workflow.SharingRecord{}, fmt.Errorf("parsing reviewed_at: %w", err)
		}
		rec.ReviewedAt = &t
	}
	if approval.Valid {
		d := &workflow.ReviewDecision{
			SharingID:        rec.ID,
			AIApprovalStatus: workflow.ApprovalStatus(approval.String),
			DoctorNotes:      notes.String,
		}
		if decidedAt.Valid {
			t, err := time.Parse(time.RFC3339, decidedAt.String)
			if err != nil {
				return workflow.SharingRecord{}, fmt.Errorf("parsing decided_at: %w", err)
			}
			d.DecidedAt = t
		}
		rec.Decision = d
	}
	return rec, nil
}

// --- Forecasts ---

func (s *Store) SaveForecast(f ForecastRow) error {
	_, err := s.db.Exec(`
		INSERT INTO forecasts (id, report_id, patient_id, forecast_type, forecast_payload, confidence_score, generated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ReportID, f.PatientID, f.Type, f.PayloadJSON, f.ConfidenceScore,
		f.GeneratedAt.UTC().Format(time.RFC3339), f.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return err
}

// LatestForecast returns the most recently generated forecast for a patient.
// Staleness is the caller's call to make via GeneratedAt/ExpiresAt.
func (s *Store) LatestForecast(patientID string) (ForecastRow, error) {
	var f ForecastRow
	var generatedAt, expiresAt string
	err := s.db.QueryRow(`
		SELECT id, report_id, patient_id, forecast_type, forecast_payload, confidence_score, generated_at, expires_at
		FROM forecasts WHERE patient_id = ? ORDER BY generated_at DESC LIMIT 1`, patientID,
	).Scan(&f.ID, &f.ReportID, &f.PatientID, &f.Type, &f.PayloadJSON, &f.ConfidenceScore, &generatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return ForecastRow{}, ErrNotFound
	}
	if err != nil {
		return ForecastRow{}, err
	}
	if f.GeneratedAt, err = time.Parse(time.RFC3339, generatedAt); err != nil {
		return ForecastRow{}, fmt.Errorf("parsing generated_at: %w", err)
	}
	if f.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return ForecastRow{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	return f, nil
}

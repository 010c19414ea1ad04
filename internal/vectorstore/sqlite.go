package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity search
// backed by SQLite. This is the default Store implementation; per-patient chunk
// counts stay small enough that a linear scan outperforms maintaining an ANN
// index.
type SQLiteStore struct {
	db *sql.DB

	mu          sync.Mutex
	reportLocks map[string]*sync.Mutex
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The report_vectors table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, reportLocks: make(map[string]*sync.Mutex)}
}

// lockReport serializes upserts per report. Replacing a report's vectors must
// be mutually exclusive with a concurrent reanalysis of the same report, while
// different reports proceed independently.
func (s *SQLiteStore) lockReport(reportID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.reportLocks[reportID]
	if !ok {
		l = &sync.Mutex{}
		s.reportLocks[reportID] = l
	}
	return l
}

// UpsertReport atomically replaces all chunks stored for (patientID, reportID).
func (s *SQLiteStore) UpsertReport(ctx context.Context, patientID, reportID string, chunks []ChunkRecord) error {
	l := s.lockReport(reportID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM report_vectors WHERE patient_id = ? AND report_id = ?`, patientID, reportID); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting superseded chunks: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO report_vectors (id, patient_id, report_id, report_name, chunk_index, text, char_start, char_end, embedding, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		blob := encodeFloat32s(c.Vector)
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(c.ID, patientID, reportID, c.ReportName, c.Index, c.Text,
			c.CharStart, c.CharEnd, blob, c.Strategy, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the ID and score during the scan phase of Search.
// Full chunk details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity search over one patient's
// vectors, returning the top-K most similar chunks. Other patients' chunks are
// excluded at the SQL level, never post-filtered.
func (s *SQLiteStore) Search(ctx context.Context, patientID string, vector []float32, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM report_vectors WHERE patient_id = ?`, patientID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]any, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT id, patient_id, report_id, report_name, chunk_index, text, char_start, char_end, embedding, strategy, created_at
		FROM report_vectors WHERE id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredChunk
	for fullRows.Next() {
		c, err := scanChunk(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredChunk{ChunkRecord: c, Score: scores[c.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full chunks: %w", err)
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

func scanChunk(rows *sql.Rows) (ChunkRecord, error) {
	var c ChunkRecord
	var blob []byte
	var createdAt string
	if err := rows.Scan(&c.ID, &c.PatientID, &c.ReportID, &c.ReportName, &c.Index,
		&c.Text, &c.CharStart, &c.CharEnd, &blob, &c.Strategy, &createdAt); err != nil {
		return ChunkRecord{}, fmt.Errorf("scanning chunk: %w", err)
	}
	vector, err := decodeFloat32s(blob)
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
	}
	c.Vector = vector
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("parsing created_at for %s: %w", c.ID, err)
	}
	c.CreatedAt = t
	return c, nil
}

// sortByScore sorts ScoredChunks by Score descending. Used for small slices (topK).
func sortByScore(results []ScoredChunk) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// DeleteReport removes all chunks stored for (patientID, reportID).
func (s *SQLiteStore) DeleteReport(ctx context.Context, patientID, reportID string) error {
	l := s.lockReport(reportID)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM report_vectors WHERE patient_id = ? AND report_id = ?`, patientID, reportID)
	if err != nil {
		return fmt.Errorf("deleting report %s: %w", reportID, err)
	}
	return nil
}

// Count returns the number of chunks in the store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM report_vectors").Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
// Used during the scan phase of Search to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

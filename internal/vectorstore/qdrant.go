package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

// Compile-time check that QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)

const qdrantCollection = "report_chunks"

// QdrantStore implements Store against a Qdrant instance over gRPC. Intended
// for deployments where chunk volume outgrows the SQLite brute-force scan.
type QdrantStore struct {
	collections qdrant.CollectionsClient
	points      qdrant.PointsClient
	dim         uint64

	mu          sync.Mutex
	reportLocks map[string]*sync.Mutex
}

// NewQdrantStore connects to Qdrant at host:port. dim is the embedding
// dimension the collection is created with; it must match the configured
// embedding provider.
func NewQdrantStore(host string, port int, dim int) (*QdrantStore, error) {
	conn, err := grpc.Dial(fmt.Sprintf("%s:%d", host, port), grpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	return &QdrantStore{
		collections: qdrant.NewCollectionsClient(conn),
		points:      qdrant.NewPointsClient(conn),
		dim:         uint64(dim),
		reportLocks: make(map[string]*sync.Mutex),
	}, nil
}

// InitCollection creates the report_chunks collection if it does not exist.
// Idempotent.
func (s *QdrantStore) InitCollection(ctx context.Context) error {
	_, err := s.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: qdrantCollection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     s.dim,
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("creating collection %s: %w", qdrantCollection, err)
	}
	return nil
}

func (s *QdrantStore) lockReport(reportID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.reportLocks[reportID]
	if !ok {
		l = &sync.Mutex{}
		s.reportLocks[reportID] = l
	}
	return l
}

func reportFilter(patientID, reportID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			keywordCondition("patient_id", patientID),
			keywordCondition("report_id", reportID),
		},
	}
}

func patientFilter(patientID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{keywordCondition("patient_id", patientID)},
	}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

// UpsertReport replaces every chunk stored for (patientID, reportID).
// Qdrant has no cross-request transactions; the per-report lock keeps the
// delete-then-insert pair atomic from this process's perspective.
func (s *QdrantStore) UpsertReport(ctx context.Context, patientID, reportID string, chunks []ChunkRecord) error {
	l := s.lockReport(reportID)
	l.Lock()
	defer l.Unlock()

	wait := true
	_, err := s.points.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qdrantCollection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: reportFilter(patientID, reportID)},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting superseded chunks: %w", err)
	}

	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		points[i] = &qdrant.PointStruct{
			Id: &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: c.ID}},
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: c.Vector}},
			},
			Payload: map[string]*qdrant.Value{
				"patient_id":  stringValue(patientID),
				"report_id":   stringValue(reportID),
				"report_name": stringValue(c.ReportName),
				"chunk_index": intValue(int64(c.Index)),
				"text":        stringValue(c.Text),
				"char_start":  intValue(int64(c.CharStart)),
				"char_end":    intValue(int64(c.CharEnd)),
				"strategy":    stringValue(c.Strategy),
				"created_at":  stringValue(createdAt.Format(time.RFC3339)),
			},
		}
	}

	_, err = s.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: qdrantCollection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upserting %d chunks: %w", len(points), err)
	}
	return nil
}

// Search returns the top-K most similar chunks for one patient. The patient
// filter is applied server-side by Qdrant.
func (s *QdrantStore) Search(ctx context.Context, patientID string, vector []float32, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}

	resp, err := s.points.Search(ctx, &qdrant.SearchPoints{
		CollectionName: qdrantCollection,
		Vector:         vector,
		Limit:          uint64(topK),
		Filter:         patientFilter(patientID),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("searching qdrant: %w", err)
	}

	results := make([]ScoredChunk, 0, len(resp.Result))
	for _, p := range resp.Result {
		c := chunkFromPayload(p.Payload)
		if id := p.Id.GetUuid(); id != "" {
			c.ID = id
		}
		results = append(results, ScoredChunk{ChunkRecord: c, Score: p.Score})
	}
	return results, nil
}

// DeleteReport removes all chunks stored for (patientID, reportID).
func (s *QdrantStore) DeleteReport(ctx context.Context, patientID, reportID string) error {
	l := s.lockReport(reportID)
	l.Lock()
	defer l.Unlock()

	wait := true
	_, err := s.points.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qdrantCollection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: reportFilter(patientID, reportID)},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting report %s: %w", reportID, err)
	}
	return nil
}

// Count returns the number of chunks in the collection.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	resp, err := s.points.Count(ctx, &qdrant.CountPoints{CollectionName: qdrantCollection})
	if err != nil {
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return int(resp.Result.Count), nil
}

func chunkFromPayload(payload map[string]*qdrant.Value) ChunkRecord {
	c := ChunkRecord{
		PatientID:  payload["patient_id"].GetStringValue(),
		ReportID:   payload["report_id"].GetStringValue(),
		ReportName: payload["report_name"].GetStringValue(),
		Index:      int(payload["chunk_index"].GetIntegerValue()),
		Text:       payload["text"].GetStringValue(),
		CharStart:  int(payload["char_start"].GetIntegerValue()),
		CharEnd:    int(payload["char_end"].GetIntegerValue()),
		Strategy:   payload["strategy"].GetStringValue(),
	}
	if t, err := time.Parse(time.RFC3339, payload["created_at"].GetStringValue()); err == nil {
		c.CreatedAt = t
	}
	return c
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func intValue(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

/**
 * Storage Manager for the Prescription Worker
 *
 * Coordinates PostgreSQL (results, job status) and the optional Qdrant
 * summary index. A prescription is stored vector first, then row; when
 * the row fails the vector is deleted again so the index never points
 * at a missing result.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// resultStore is the relational half of the storage layer
type resultStore interface {
	SaveResult(ctx context.Context, r *StoredResult) error
	GetResult(ctx context.Context, jobID string) (*StoredResult, error)
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	JobCounts(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// vectorStore is the similarity index half of the storage layer
type vectorStore interface {
	UpsertVector(ctx context.Context, point *VectorPoint) error
	SearchVectors(ctx context.Context, queryVector []float32, limit int, minScore float32) ([]*VectorPoint, error)
	DeleteVector(ctx context.Context, id string) error
	Close() error
}

var (
	nullEscapePattern    = regexp.MustCompile(`\\u0000`)
	controlEscapePattern = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// StorageManager coordinates the result and vector stores
type StorageManager struct {
	postgres resultStore
	qdrant   vectorStore
	logger   *logging.Logger
}

// PrescriptionInput is one pipeline result ready for storage.
// Embedding may be nil, in which case only the row is written.
type PrescriptionInput struct {
	JobID     string
	Result    *model.PipelineResult
	Embedding []float32
}

// PrescriptionOutput identifies what was stored
type PrescriptionOutput struct {
	ResultID string
	VectorID string
}

// NewStorageManager connects to PostgreSQL and, when qdrantAddress is set, to Qdrant
func NewStorageManager(postgresURL string, qdrantAddress string, qdrantCollection string) (*StorageManager, error) {
	pg, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	sm := &StorageManager{postgres: pg, logger: logging.NewLogger("Storage")}

	if qdrantAddress != "" {
		qd, err := NewQdrantClient(qdrantAddress, qdrantCollection)
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to initialize Qdrant: %w", err)
		}
		sm.qdrant = qd
	}

	return sm, nil
}

// newStorageManager wires explicit stores; qdrant may be nil
func newStorageManager(postgres resultStore, qdrant vectorStore) *StorageManager {
	return &StorageManager{postgres: postgres, qdrant: qdrant, logger: logging.NewLogger("Storage")}
}

// VectorsEnabled reports whether a similarity index is configured
func (sm *StorageManager) VectorsEnabled() bool {
	return sm.qdrant != nil
}

// StorePrescription writes the summary vector and the result row
func (sm *StorageManager) StorePrescription(ctx context.Context, input *PrescriptionInput) (*PrescriptionOutput, error) {
	if input == nil || input.Result == nil || input.JobID == "" {
		return nil, fmt.Errorf("job ID and result are required")
	}

	resultJSON, err := json.Marshal(input.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	out := &PrescriptionOutput{ResultID: uuid.New().String()}
	names := medicationNames(input.Result.Structured)

	if sm.qdrant != nil && len(input.Embedding) > 0 {
		point := &VectorPoint{
			ID:     uuid.New().String(),
			Vector: input.Embedding,
			Metadata: map[string]interface{}{
				"job_id":       input.JobID,
				"result_id":    out.ResultID,
				"medications":  names,
				"needs_review": input.Result.NeedsReview,
				"timestamp":    time.Now().Unix(),
			},
		}
		if err := sm.qdrant.UpsertVector(ctx, point); err != nil {
			return nil, fmt.Errorf("failed to store summary vector: %w", err)
		}
		out.VectorID = point.ID
	}

	row := &StoredResult{
		ID:                out.ResultID,
		JobID:             input.JobID,
		MedicationNames:   names,
		OverallConfidence: input.Result.OverallConfidence,
		NeedsReview:       input.Result.NeedsReview,
		VectorID:          out.VectorID,
		Result:            resultJSON,
	}
	if err := sm.postgres.SaveResult(ctx, row); err != nil {
		if out.VectorID != "" {
			if delErr := sm.qdrant.DeleteVector(ctx, out.VectorID); delErr != nil {
				sm.logger.Error("Vector rollback failed", "job_id", input.JobID, "vector_id", out.VectorID, "error", delErr)
			}
		}
		return nil, fmt.Errorf("failed to store result: %w", err)
	}

	sm.logger.Debug("Prescription stored", "job_id", input.JobID, "result_id", out.ResultID, "vector_id", out.VectorID)
	return out, nil
}

// GetResult returns the stored result for a job, or ErrNotFound
func (sm *StorageManager) GetResult(ctx context.Context, jobID string) (*StoredResult, error) {
	return sm.postgres.GetResult(ctx, jobID)
}

// FindSimilarPrescriptions searches the summary index. Without an index the result is empty.
// Points belonging to excludeJobID are skipped.
func (sm *StorageManager) FindSimilarPrescriptions(ctx context.Context, embedding []float32, limit int, minScore float32, excludeJobID string) ([]model.SimilarPrescription, error) {
	similar := []model.SimilarPrescription{}
	if sm.qdrant == nil || len(embedding) == 0 {
		return similar, nil
	}

	// one extra so excluding the query's own point still fills the limit
	points, err := sm.qdrant.SearchVectors(ctx, embedding, limit+1, minScore)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar prescriptions: %w", err)
	}

	for _, p := range points {
		jobID, _ := p.Metadata["job_id"].(string)
		if jobID == "" || jobID == excludeJobID {
			continue
		}
		if len(similar) == limit {
			break
		}
		resultID, _ := p.Metadata["result_id"].(string)
		names, _ := p.Metadata["medications"].([]string)
		similar = append(similar, model.SimilarPrescription{
			JobID:       jobID,
			ResultID:    resultID,
			Score:       float64(p.Score),
			Medications: names,
		})
	}
	return similar, nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// Ping checks PostgreSQL connectivity
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns job counts and pool statistics
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	counts, err := sm.postgres.JobCounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := map[string]interface{}{
		"jobs":           counts,
		"vector_enabled": sm.qdrant != nil,
	}
	if pg, ok := sm.postgres.(*PostgresClient); ok {
		dbStats := pg.GetStats()
		stats["postgres"] = map[string]interface{}{
			"open_connections": dbStats.OpenConnections,
			"in_use":           dbStats.InUse,
			"idle":             dbStats.Idle,
		}
	}
	return stats, nil
}

// Close closes both stores
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

func medicationNames(p *model.StructuredPrescription) []string {
	names := []string{}
	if p == nil {
		return names
	}
	for _, m := range p.Medications {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names
}

// sanitizeJSONForPostgres drops \u0000 escapes, which JSONB rejects, and blanks
// the other control character escapes
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscapePattern.ReplaceAll(jsonBytes, []byte{})
	return controlEscapePattern.ReplaceAll(result, []byte(" "))
}

/**
 * PostgreSQL Client for the Prescription Worker
 *
 * Handles job status tracking and structured result persistence:
 * - prescription.jobs: one row per job, upserted on every status change
 * - prescription.results: the PipelineResult JSON plus searchable columns
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned when no stored result exists for a job
var ErrNotFound = stderrors.New("result not found")

const schemaSQL = `
	CREATE SCHEMA IF NOT EXISTS prescription;

	CREATE TABLE IF NOT EXISTS prescription.jobs (
		id                 TEXT PRIMARY KEY,
		filename           TEXT NOT NULL DEFAULT 'unknown',
		mime_type          TEXT NOT NULL DEFAULT 'application/octet-stream',
		status             TEXT NOT NULL,
		confidence         NUMERIC(5,4),
		processing_time_ms BIGINT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS prescription.results (
		id                 UUID PRIMARY KEY,
		job_id             TEXT NOT NULL UNIQUE,
		medication_names   TEXT[] NOT NULL DEFAULT '{}',
		overall_confidence NUMERIC(5,4) NOT NULL DEFAULT 0,
		needs_review       BOOLEAN NOT NULL DEFAULT FALSE,
		vector_id          UUID,
		result             JSONB NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Filename         string
	MimeType         string
	Confidence       float64
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// StoredResult is one row of prescription.results
type StoredResult struct {
	ID                string
	JobID             string
	MedicationNames   []string
	OverallConfidence float64
	NeedsReview       bool
	VectorID          string
	Result            json.RawMessage
	CreatedAt         time.Time
}

// sanitizeConfidence clamps to [0, 1] and rounds to the 4 decimals NUMERIC(5,4) holds
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient connects and creates the prescription schema when missing
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// UpdateJobStatus upserts the job row. Zero confidence and timing keep the stored values.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO prescription.jobs (
			id, filename, mime_type, status, confidence, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1, COALESCE(NULLIF($2, ''), 'unknown'), COALESCE(NULLIF($3, ''), 'application/octet-stream'),
			$4, NULLIF($5::NUMERIC(5,4), 0), NULLIF($6, 0),
			NULLIF($7, ''), NULLIF($8, ''), $9::jsonb, NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(EXCLUDED.confidence, prescription.jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, prescription.jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = prescription.jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(ctx, query,
		update.JobID,
		update.Filename,
		update.MimeType,
		update.Status,
		sanitizeConfidence(update.Confidence),
		update.ProcessingTimeMs,
		update.ErrorCode,
		update.ErrorMessage,
		string(sanitizeJSONForPostgres(metadataJSON)),
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	return nil
}

// SaveResult inserts the result row, replacing an earlier result for the same job
func (p *PostgresClient) SaveResult(ctx context.Context, r *StoredResult) error {
	if r.ID == "" || r.JobID == "" {
		return fmt.Errorf("result ID and job ID are required")
	}

	query := `
		INSERT INTO prescription.results (
			id, job_id, medication_names, overall_confidence, needs_review, vector_id, result, created_at
		) VALUES (
			$1::uuid, $2, $3, $4::NUMERIC(5,4), $5,
			CASE WHEN $6 = '' THEN NULL ELSE $6::uuid END,
			$7::jsonb, NOW()
		)
		ON CONFLICT (job_id) DO UPDATE SET
			id = EXCLUDED.id,
			medication_names = EXCLUDED.medication_names,
			overall_confidence = EXCLUDED.overall_confidence,
			needs_review = EXCLUDED.needs_review,
			vector_id = EXCLUDED.vector_id,
			result = EXCLUDED.result,
			created_at = NOW()
	`

	names := r.MedicationNames
	if names == nil {
		names = []string{}
	}

	_, err := p.db.ExecContext(ctx, query,
		r.ID,
		r.JobID,
		pq.Array(names),
		sanitizeConfidence(r.OverallConfidence),
		r.NeedsReview,
		r.VectorID,
		string(sanitizeJSONForPostgres(r.Result)),
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	return nil
}

// GetResult loads the stored result for a job, or ErrNotFound
func (p *PostgresClient) GetResult(ctx context.Context, jobID string) (*StoredResult, error) {
	query := `
		SELECT id::text, job_id, medication_names, overall_confidence::float8, needs_review,
			COALESCE(vector_id::text, ''), result, created_at
		FROM prescription.results
		WHERE job_id = $1
	`

	var r StoredResult
	var result []byte
	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&r.ID,
		&r.JobID,
		pq.Array(&r.MedicationNames),
		&r.OverallConfidence,
		&r.NeedsReview,
		&r.VectorID,
		&result,
		&r.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	r.Result = json.RawMessage(result)
	return &r, nil
}

// JobCounts returns the number of jobs per status
func (p *PostgresClient) JobCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM prescription.jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

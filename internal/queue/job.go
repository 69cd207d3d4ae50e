package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
	"github.com/adverant/nexus/prescription-worker/internal/quality"
	"github.com/adverant/nexus/prescription-worker/internal/recognition"
)

// TaskProcessPrescription is the task type shared by both queue backends
const TaskProcessPrescription = "process-prescription"

// Job statuses written to storage and queue bookkeeping
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusRejected   = "rejected"
	StatusFailed     = "failed"
)

// JobPayload is the producer's job description
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	Filename   string                 `json:"filename"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FileBuffer []byte                 `json:"fileBuffer,omitempty"`
	Language   string                 `json:"language,omitempty"` // comma list of en, kh, fr
	Mode       string                 `json:"mode,omitempty"`     // strict or lenient
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts fileBuffer as a base64 string or a Node.js Buffer
// object ({"type":"Buffer","data":[...]})
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	p.FileBuffer = nil
	switch v := aux.FileBuffer.(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// toRequest validates the hints and builds a processor request
func (p *JobPayload) toRequest() (*processor.ProcessRequest, error) {
	if p.JobID == "" {
		return nil, fmt.Errorf("jobId is required")
	}

	langs, err := recognition.ParseLanguages(p.Language)
	if err != nil {
		return nil, err
	}

	mode, err := quality.ParseMode(p.Mode)
	if err != nil {
		return nil, err
	}

	return &processor.ProcessRequest{
		JobID:      p.JobID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileURL:    p.FileURL,
		FileBuffer: p.FileBuffer,
		Languages:  langs,
		Mode:       mode,
		Metadata:   p.Metadata,
	}, nil
}

// invalidJobError marks payloads that can never succeed
type invalidJobError struct{ err error }

func (e *invalidJobError) Error() string { return "invalid job: " + e.err.Error() }
func (e *invalidJobError) Unwrap() error { return e.err }

// retryable reports whether a failed job should be attempted again
func retryable(err error) bool {
	if _, ok := err.(*invalidJobError); ok {
		return false
	}
	if pe, ok := errors.As(err); ok {
		return pe.Retryable()
	}
	return true
}

// jobOutcome is what one run produced
type jobOutcome struct {
	Status string
	Result *model.PipelineResult
}

// runJob processes one payload and records its status through the processor.
// A quality rejection is an outcome, not an error.
func runJob(ctx context.Context, proc processor.PrescriptionProcessorInterface, payload *JobPayload, logger *logging.Logger) (*jobOutcome, error) {
	start := time.Now()
	logger = logger.With("job_id", payload.JobID)

	req, err := payload.toRequest()
	if err != nil {
		invalid := &invalidJobError{err: err}
		if payload.JobID != "" {
			updateStatus(ctx, proc, logger, payload.JobID, StatusFailed, map[string]interface{}{
				"error_code": string(errors.ErrorImageValidation),
				"error":      invalid.Error(),
			})
		}
		return nil, invalid
	}

	updateStatus(ctx, proc, logger, payload.JobID, StatusProcessing, map[string]interface{}{
		"filename": payload.Filename,
		"mimeType": payload.MimeType,
		"fileSize": payload.FileSize,
	})

	result, err := proc.Process(ctx, req)
	duration := time.Since(start)

	if err != nil {
		details := map[string]interface{}{"error": err.Error()}
		if pe, ok := errors.As(err); ok {
			details = pe.ToMap()
			details["error"] = pe.Error()
		}
		details["processingTime"] = duration.Milliseconds()
		logger.Error("Job failed", "duration", duration, "error", err)
		updateStatus(ctx, proc, logger, payload.JobID, StatusFailed, details)
		return &jobOutcome{Status: StatusFailed, Result: result}, err
	}

	if !result.Quality.Accepted {
		logger.Info("Job rejected by quality gate", "reason", result.Quality.Reason)
		updateStatus(ctx, proc, logger, payload.JobID, StatusRejected, map[string]interface{}{
			"error_code":     string(errors.ErrorQualityRejected),
			"message":        result.Quality.Reason,
			"processingTime": duration.Milliseconds(),
			"metrics":        quality.ToDetails(result.Quality.Metrics),
		})
		return &jobOutcome{Status: StatusRejected, Result: result}, nil
	}

	medications := 0
	if result.Structured != nil {
		medications = len(result.Structured.Medications)
	}
	logger.Info("Job completed", "duration", duration, "confidence", result.OverallConfidence, "medications", medications)
	updateStatus(ctx, proc, logger, payload.JobID, StatusCompleted, map[string]interface{}{
		"confidence":     result.OverallConfidence,
		"processingTime": duration.Milliseconds(),
		"resultId":       result.ResultID,
		"needsReview":    result.NeedsReview,
		"medications":    medications,
		"warnings":       len(result.Warnings),
	})
	return &jobOutcome{Status: StatusCompleted, Result: result}, nil
}

func updateStatus(ctx context.Context, proc processor.PrescriptionProcessorInterface, logger *logging.Logger, jobID, status string, metadata map[string]interface{}) {
	// the job context may already be spent after a timeout
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	progress := 100
	if status == StatusProcessing {
		progress = 0
	}
	if err := proc.UpdateJobStatus(statusCtx, jobID, status, progress, metadata); err != nil {
		logger.Warn("Failed to update job status", "status", status, "error", err)
	}
}

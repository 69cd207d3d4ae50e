package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Pipeline error taxonomy for the Prescription Worker
 *
 * Validation, quality and recognition errors stop a request.
 * Layout, extraction and safety codes are advisory and travel as warnings.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Input validation errors
	ErrorImageValidation   ErrorCode = "IMAGE_VALIDATION_ERROR"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorImageTooSmall     ErrorCode = "IMAGE_TOO_SMALL"
	ErrorImageTooLarge     ErrorCode = "IMAGE_TOO_LARGE"
	ErrorImageCorrupted    ErrorCode = "IMAGE_CORRUPTED"

	// Pipeline stage errors
	ErrorQualityRejected        ErrorCode = "QUALITY_REJECTED"
	ErrorLayoutDegraded         ErrorCode = "LAYOUT_DETECTION_DEGRADED"
	ErrorRecognitionUnavailable ErrorCode = "RECOGNITION_UNAVAILABLE"
	ErrorExtractionPartial      ErrorCode = "EXTRACTION_PARTIAL"
	ErrorSafetyViolation        ErrorCode = "SAFETY_VIOLATION"

	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
)

// PipelineError represents a structured pipeline error
type PipelineError struct {
	Code      ErrorCode
	Stage     string
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Terminal reports whether the error stops the pipeline for this request
func (e *PipelineError) Terminal() bool {
	switch e.Code {
	case ErrorImageValidation, ErrorUnsupportedFormat, ErrorImageTooSmall, ErrorImageTooLarge,
		ErrorImageCorrupted, ErrorQualityRejected, ErrorRecognitionUnavailable, ErrorProcessingTimeout:
		return true
	}
	return false
}

// Retryable reports whether resubmitting the same input can succeed
func (e *PipelineError) Retryable() bool {
	switch e.Code {
	case ErrorRecognitionUnavailable, ErrorProcessingTimeout, ErrorStorageFailed:
		return true
	}
	return false
}

// WithJob stamps the job id and returns the same error
func (e *PipelineError) WithJob(jobID string) *PipelineError {
	e.JobID = jobID
	return e
}

// CodeOf returns the code of the first PipelineError in err's chain, or "" when there is none
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// As is errors.As restricted to PipelineError
func As(err error) (*PipelineError, bool) {
	var pe *PipelineError
	ok := stderrors.As(err, &pe)
	return pe, ok
}

func newError(code ErrorCode, stage, message string, details map[string]interface{}, cause error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now(),
		Details:   details,
		Cause:     cause,
	}
}

// Factory functions for pipeline errors

func NewUnsupportedFormatError(format string) *PipelineError {
	return newError(ErrorUnsupportedFormat, "intake",
		fmt.Sprintf("Unsupported image format: %s", format),
		map[string]interface{}{"format": format}, nil)
}

func NewImageTooSmallError(width, height, minWidth, minHeight int) *PipelineError {
	return newError(ErrorImageTooSmall, "intake",
		fmt.Sprintf("Image dimensions %dx%d below minimum %dx%d", width, height, minWidth, minHeight),
		map[string]interface{}{"width": width, "height": height, "min_width": minWidth, "min_height": minHeight}, nil)
}

func NewImageTooLargeError(size, maxSize int64) *PipelineError {
	return newError(ErrorImageTooLarge, "intake",
		fmt.Sprintf("Image size %d bytes exceeds maximum %d bytes", size, maxSize),
		map[string]interface{}{"size": size, "max_size": maxSize}, nil)
}

func NewImageCorruptedError(cause error) *PipelineError {
	return newError(ErrorImageCorrupted, "intake", "Image could not be decoded", nil, cause)
}

func NewImageValidationError(message string) *PipelineError {
	return newError(ErrorImageValidation, "intake", message, nil, nil)
}

func NewQualityRejectedError(reason string, metrics map[string]interface{}) *PipelineError {
	return newError(ErrorQualityRejected, "quality", reason, metrics, nil)
}

func NewLayoutDegradedError(cause error) *PipelineError {
	return newError(ErrorLayoutDegraded, "layout",
		"Layout detection failed, using whole image as a single body region", nil, cause)
}

func NewRecognitionUnavailableError(engine string, cause error) *PipelineError {
	return newError(ErrorRecognitionUnavailable, "recognition",
		fmt.Sprintf("Recognition engine %s unavailable", engine),
		map[string]interface{}{"engine": engine}, cause)
}

func NewExtractionPartialError(sequence int, name, state string) *PipelineError {
	return newError(ErrorExtractionPartial, "extraction",
		fmt.Sprintf("Medication %d (%s) only parsed to %s", sequence, name, state),
		map[string]interface{}{"sequence": sequence, "name": name, "state": state}, nil)
}

func NewSafetyViolationError(violations []string) *PipelineError {
	return newError(ErrorSafetyViolation, "safety",
		fmt.Sprintf("%d safety violation(s)", len(violations)),
		map[string]interface{}{"violations": violations}, nil)
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *PipelineError {
	e := newError(ErrorProcessingTimeout, "processor",
		fmt.Sprintf("Processing timed out after %v", duration),
		map[string]interface{}{"timeout_duration": duration.String()}, cause)
	e.JobID = jobID
	return e
}

func NewStorageFailedError(jobID string, cause error) *PipelineError {
	e := newError(ErrorStorageFailed, "storage", "Failed to store processing results", nil, cause)
	e.JobID = jobID
	return e
}

// ToMap converts error to map for database storage
func (e *PipelineError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.Stage != "" {
		result["stage"] = e.Stage
	}

	if e.JobID != "" {
		result["job_id"] = e.JobID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
	"github.com/adverant/nexus/prescription-worker/internal/quality"
	"github.com/adverant/nexus/prescription-worker/internal/queue"
	"github.com/adverant/nexus/prescription-worker/internal/recognition"
	"github.com/adverant/nexus/prescription-worker/internal/storage"
)

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	req, err := s.readRequest(r)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	req.JobID = uuid.NewString()

	result, err := s.cfg.Processor.Process(r.Context(), req)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	if !result.Quality.Accepted {
		s.writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("no queue backend configured"))
		return
	}

	var payload *queue.JobPayload
	if isJSON(r) {
		payload = &queue.JobPayload{}
		if err := json.NewDecoder(io.LimitReader(r.Body, s.bodyLimit())).Decode(payload); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid job payload: %w", err))
			return
		}
		if payload.FileURL == "" && len(payload.FileBuffer) == 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("fileUrl or fileBuffer is required"))
			return
		}
	} else {
		req, err := s.readRequest(r)
		if err != nil {
			s.writePipelineError(w, err)
			return
		}
		payload = &queue.JobPayload{
			Filename:   req.Filename,
			MimeType:   req.MimeType,
			FileSize:   int64(len(req.FileBuffer)),
			FileBuffer: req.FileBuffer,
			Language:   r.URL.Query().Get("lang"),
			Mode:       r.URL.Query().Get("mode"),
		}
	}

	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}

	jobID, err := s.cfg.Queue.Enqueue(r.Context(), payload)
	if err != nil {
		s.logger.Error("Failed to enqueue job", "job_id", payload.JobID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// storedResponse carries the stored pipeline result verbatim
type storedResponse struct {
	ID                string          `json:"id"`
	JobID             string          `json:"job_id"`
	MedicationNames   []string        `json:"medication_names"`
	OverallConfidence float64         `json:"overall_confidence"`
	NeedsReview       bool            `json:"needs_review"`
	CreatedAt         time.Time       `json:"created_at"`
	Result            json.RawMessage `json:"result"`
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.cfg.Results == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("result %s not found", id))
		return
	}

	stored, err := s.cfg.Results.GetResult(r.Context(), id)
	if stderrors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("result %s not found", id))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, storedResponse{
		ID:                stored.ID,
		JobID:             stored.JobID,
		MedicationNames:   stored.MedicationNames,
		OverallConfidence: stored.OverallConfidence,
		NeedsReview:       stored.NeedsReview,
		CreatedAt:         stored.CreatedAt,
		Result:            stored.Result,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}

	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, s.cfg.Safety.ValidateText(body.Text))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := map[string]string{}
	for name, check := range s.cfg.Checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":       state,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

// readRequest takes the image from a multipart "file" field or the raw body
func (s *Server) readRequest(r *http.Request) (*processor.ProcessRequest, error) {
	langs, err := recognition.ParseLanguages(r.URL.Query().Get("lang"))
	if err != nil {
		return nil, errors.NewImageValidationError(err.Error())
	}

	mode, err := quality.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		return nil, errors.NewImageValidationError(err.Error())
	}

	req := &processor.ProcessRequest{Languages: langs, Mode: mode}

	var body io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(s.cfg.MaxFileSize); err != nil {
			return nil, errors.NewImageValidationError(fmt.Sprintf("invalid multipart form: %v", err))
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, errors.NewImageValidationError("multipart field \"file\" is required")
		}
		defer file.Close()

		body = file
		req.Filename = header.Filename
		req.MimeType = header.Header.Get("Content-Type")
	} else {
		req.MimeType = r.Header.Get("Content-Type")
	}

	data, err := io.ReadAll(io.LimitReader(body, s.bodyLimit()))
	if err != nil {
		return nil, errors.NewImageValidationError(fmt.Sprintf("failed to read upload: %v", err))
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, errors.NewImageTooLargeError(int64(len(data)), s.cfg.MaxFileSize)
	}
	if len(data) == 0 {
		return nil, errors.NewImageValidationError("empty upload")
	}

	req.FileBuffer = data
	return req, nil
}

func (s *Server) bodyLimit() int64 {
	// base64 inflates JSON payloads by a third
	return s.cfg.MaxFileSize*4/3 + 1
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

// statusFor maps a pipeline error code to its HTTP status
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrorImageValidation, errors.ErrorUnsupportedFormat, errors.ErrorImageTooSmall,
		errors.ErrorImageTooLarge, errors.ErrorImageCorrupted:
		return http.StatusBadRequest
	case errors.ErrorQualityRejected:
		return http.StatusUnprocessableEntity
	case errors.ErrorRecognitionUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrorProcessingTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	pe, ok := errors.As(err)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, statusFor(pe.Code), pe.ToMap())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		s.logger.Error("Failed to write response", "status", status, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

/**
 * Prescription Processor for the Prescription Worker
 *
 * Orchestrates one document through the pipeline:
 * - input validation and the quality gate
 * - region and line segmentation with single-region fallback
 * - recognition through the shared engine adapter
 * - block classification, structured extraction and safety checks
 * - confidence assessment and optional persistence with similar lookup
 *
 * Validation, quality and recognition failures stop the request.
 * Everything after segmentation degrades to warnings.
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/adverant/nexus/prescription-worker/internal/classify"
	"github.com/adverant/nexus/prescription-worker/internal/config"
	"github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/extract"
	"github.com/adverant/nexus/prescription-worker/internal/imaging"
	"github.com/adverant/nexus/prescription-worker/internal/layout"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
	"github.com/adverant/nexus/prescription-worker/internal/quality"
	"github.com/adverant/nexus/prescription-worker/internal/recognition"
	"github.com/adverant/nexus/prescription-worker/internal/safety"
	"github.com/adverant/nexus/prescription-worker/internal/storage"
)

// PrescriptionProcessorInterface is what queue consumers and the HTTP server call
type PrescriptionProcessorInterface interface {
	Process(ctx context.Context, req *ProcessRequest) (*model.PipelineResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// Recognizer is the shared recognition adapter
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, img *imaging.Image, region model.Box, langs []model.Language) ([]model.TextBlock, error)
}

// ResultStore persists results and answers similar-prescription queries
type ResultStore interface {
	StorePrescription(ctx context.Context, input *storage.PrescriptionInput) (*storage.PrescriptionOutput, error)
	FindSimilarPrescriptions(ctx context.Context, embedding []float32, limit int, minScore float32, excludeJobID string) ([]model.SimilarPrescription, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Pipeline          *config.Pipeline
	Recognizer        Recognizer
	Store             ResultStore // optional
	Embedder          Embedder    // optional, needs Store
	MaxFileSize       int64
	ProcessingTimeout time.Duration
	SimilarLimit      int
	SimilarMinScore   float32
}

// ProcessRequest represents one document to process
type ProcessRequest struct {
	JobID      string
	Filename   string
	MimeType   string
	FileURL    string
	FileBuffer []byte
	Languages  []model.Language
	Mode       quality.Mode
	Metadata   map[string]interface{}
}

// PrescriptionProcessor runs the pipeline. Safe for concurrent use.
type PrescriptionProcessor struct {
	limits     imaging.Limits
	gate       *quality.Gate
	segmenter  *layout.Segmenter
	recognizer Recognizer
	classifier *classify.Classifier
	extractor  *extract.Extractor
	safety     *safety.Validator
	store      ResultStore
	embedder   Embedder

	maxFileSize     int64
	timeout         time.Duration
	similarLimit    int
	similarMinScore float32

	httpClient *http.Client
	backoff    time.Duration
	logger     *logging.Logger
}

// NewPrescriptionProcessor creates a processor
func NewPrescriptionProcessor(cfg *ProcessorConfig) (*PrescriptionProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}

	pipeline := cfg.Pipeline
	if pipeline == nil {
		pipeline = config.DefaultPipeline()
	}

	limits := imaging.Limits{
		MaxBytes:  pipeline.Image.MaxBytes,
		MinWidth:  pipeline.Image.MinWidth,
		MinHeight: pipeline.Image.MinHeight,
	}
	if cfg.MaxFileSize > 0 && (limits.MaxBytes <= 0 || cfg.MaxFileSize < limits.MaxBytes) {
		limits.MaxBytes = cfg.MaxFileSize
	}

	similarLimit := cfg.SimilarLimit
	if similarLimit <= 0 {
		similarLimit = 5
	}
	similarMinScore := cfg.SimilarMinScore
	if similarMinScore <= 0 {
		similarMinScore = 0.8
	}

	return &PrescriptionProcessor{
		limits:          limits,
		gate:            quality.NewGate(pipeline.Quality),
		segmenter:       layout.NewSegmenter(pipeline.Layout),
		recognizer:      cfg.Recognizer,
		classifier:      classify.NewClassifier(pipeline.Layout, pipeline.Classifier),
		extractor:       extract.NewExtractor(pipeline.Extraction),
		safety:          safety.NewValidator(pipeline.Safety),
		store:           cfg.Store,
		embedder:        cfg.Embedder,
		maxFileSize:     limits.MaxBytes,
		timeout:         cfg.ProcessingTimeout,
		similarLimit:    similarLimit,
		similarMinScore: similarMinScore,
		httpClient:      &http.Client{Timeout: downloadTimeout},
		backoff:         downloadInitialBackoff,
		logger:          logging.NewLogger("Processor"),
	}, nil
}

// Safety returns the validator used by the pipeline
func (p *PrescriptionProcessor) Safety() *safety.Validator {
	return p.safety
}

// Process runs the pipeline for one document. A quality rejection returns a
// result with accepted=false and a nil error. Terminal failures return a
// *errors.PipelineError together with a result describing it.
func (p *PrescriptionProcessor) Process(ctx context.Context, req *ProcessRequest) (*model.PipelineResult, error) {
	start := time.Now()
	logger := p.logger.With("job_id", req.JobID)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	result := &model.PipelineResult{
		JobID:               req.JobID,
		Regions:             []model.Region{},
		Blocks:              []model.TextBlock{},
		LowConfidenceBlocks: []int{},
		Warnings:            []string{},
		Errors:              []string{},
	}
	fail := func(pe *errors.PipelineError) (*model.PipelineResult, error) {
		pe.WithJob(req.JobID)
		if result.Quality.Mode == "" {
			result.Quality.Reason = pe.Message
		}
		result.Errors = append(result.Errors, pe.Error())
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		logger.Error("Processing failed", "code", pe.Code, "stage", pe.Stage, "error", pe)
		return result, pe
	}

	// Step 1: load file
	data, err := p.loadFile(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return fail(errors.NewProcessingTimeoutError(req.JobID, p.timeout, err))
		}
		return fail(errors.NewImageValidationError(err.Error()))
	}
	logger.Info("Step 1: File loaded", "bytes", len(data), "filename", req.Filename)

	// Step 2: decode and validate
	img, err := imaging.Decode(data, p.limits)
	if err != nil {
		return fail(asPipelineError(err))
	}
	logger.Info("Step 2: Image decoded", "format", img.Format, "width", img.Width(), "height", img.Height())

	// Step 3: quality gate
	mode := req.Mode
	if mode == "" {
		mode = quality.ModeStrict
	}
	result.Quality = p.gate.Check(img.Gray, mode)
	if !result.Quality.Accepted {
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		logger.Info("Step 3: Quality rejected", "reason", result.Quality.Reason, "mode", mode)
		return result, nil
	}
	logger.Info("Step 3: Quality accepted", "mode", mode, "blur", result.Quality.Metrics.Blur)

	// Step 4: segmentation
	regions, warning := p.segmenter.SegmentWithFallback(img.Gray)
	if warning != nil {
		result.Warnings = append(result.Warnings, warning.WithJob(req.JobID).Error())
	}

	// Step 5: line segmentation per region
	for i := range regions {
		regions[i].Lines = p.segmenter.Lines(img.Gray, regions[i])
	}
	result.Regions = regions
	logger.Info("Step 4-5: Layout segmented", "regions", len(regions), "degraded", warning != nil)

	// Step 6: recognition over the full page
	blocks, err := p.recognizer.Recognize(ctx, img, model.Box{}, req.Languages)
	if err != nil {
		if ctx.Err() != nil {
			return fail(errors.NewProcessingTimeoutError(req.JobID, p.timeout, err))
		}
		return fail(asPipelineError(err))
	}
	logger.Info("Step 6: Text recognized", "engine", p.recognizer.Name(), "blocks", len(blocks))

	// Step 7-8: region assignment and classification
	blocks = classify.AssignRegions(blocks, regions)
	blocks, low := p.classifier.Classify(blocks, regions, img.Width(), img.Height())
	result.Blocks = blocks
	result.LowConfidenceBlocks = low
	result.PrimaryLanguage = recognition.PrimaryLanguage(blocks)
	logger.Info("Step 7-8: Blocks classified", "low_confidence", len(low), "language", result.PrimaryLanguage)

	// Step 9: structured extraction
	structured, partial := p.extractor.Extract(blocks)
	result.Structured = structured
	for _, w := range partial {
		result.Warnings = append(result.Warnings, w.WithJob(req.JobID).Error())
	}
	logger.Info("Step 9: Prescription extracted", "medications", len(structured.Medications), "partial", len(partial))

	// Step 10: safety
	report := p.safety.Validate(structured)
	result.Safety = &report
	if !report.OK {
		result.Warnings = append(result.Warnings, errors.NewSafetyViolationError(report.Violations).WithJob(req.JobID).Error())
		logger.Warn("Step 10: Safety violations", "violations", len(report.Violations))
	}

	// Step 11: confidence
	assessment := classify.Assess(blocks, structured.Medications)
	result.OverallConfidence = assessment.Overall
	result.MedicationConfidence = assessment.MedicationConfidence
	result.ConfidenceLevel = assessment.Level
	result.NeedsReview = assessment.NeedsReview
	result.ReviewReasons = assessment.Reasons
	logger.Info("Step 11: Confidence assessed", "overall", assessment.Overall, "level", assessment.Level, "needs_review", assessment.NeedsReview)

	// Step 12: persistence and similar lookup
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	if p.store != nil {
		p.persist(ctx, req, result)
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	logger.Info("Processing complete", "duration_ms", result.ProcessingTimeMs, "warnings", len(result.Warnings))
	return result, nil
}

// persist stores the result and attaches similar prescriptions. Failures become warnings.
func (p *PrescriptionProcessor) persist(ctx context.Context, req *ProcessRequest, result *model.PipelineResult) {
	logger := p.logger.With("job_id", req.JobID)

	var embedding []float32
	if summary := MedicationSummary(result.Structured); p.embedder != nil && summary != "" {
		var err error
		embedding, err = p.embedder.GenerateEmbedding(ctx, summary)
		if err != nil {
			logger.Warn("Summary embedding failed", "error", err)
			embedding = nil
		}
	}

	if len(embedding) > 0 {
		similar, err := p.store.FindSimilarPrescriptions(ctx, embedding, p.similarLimit, p.similarMinScore, req.JobID)
		if err != nil {
			logger.Warn("Similar prescription lookup failed", "error", err)
		} else if len(similar) > 0 {
			result.SimilarPrescriptions = similar
		}
	}

	out, err := p.store.StorePrescription(ctx, &storage.PrescriptionInput{
		JobID:     req.JobID,
		Result:    result,
		Embedding: embedding,
	})
	if err != nil {
		result.Warnings = append(result.Warnings, errors.NewStorageFailedError(req.JobID, err).Error())
		logger.Error("Step 12: Storage failed", "error", err)
		return
	}
	result.ResultID = out.ResultID
	logger.Info("Step 12: Result stored", "result_id", out.ResultID, "vector_id", out.VectorID, "similar", len(result.SimilarPrescriptions))
}

// UpdateJobStatus records job status when storage is configured
func (p *PrescriptionProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	if p.store == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: map[string]interface{}{"progress": progress},
	}

	for k, v := range metadata {
		update.Metadata[k] = v
	}
	if filename, ok := metadata["filename"].(string); ok {
		update.Filename = filename
	}
	if mimeType, ok := metadata["mimeType"].(string); ok {
		update.MimeType = mimeType
	}
	if confidence, ok := metadata["confidence"].(float64); ok {
		update.Confidence = confidence
	}
	if processingTime, ok := metadata["processingTime"].(int64); ok {
		update.ProcessingTimeMs = processingTime
	}
	if code, ok := metadata["error_code"].(string); ok {
		update.ErrorCode = code
	}
	if msg, ok := metadata["message"].(string); ok && update.ErrorCode != "" {
		update.ErrorMessage = msg
	}
	if errorMsg, ok := metadata["error"].(string); ok {
		if update.ErrorCode == "" {
			update.ErrorCode = "PROCESSING_ERROR"
		}
		update.ErrorMessage = errorMsg
	}

	return p.store.UpdateJobStatus(ctx, update)
}

// asPipelineError keeps a PipelineError and treats anything else as recognition unavailability
func asPipelineError(err error) *errors.PipelineError {
	if pe, ok := errors.As(err); ok {
		return pe
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewProcessingTimeoutError("", 0, err)
	}
	return errors.NewRecognitionUnavailableError("unknown", err)
}

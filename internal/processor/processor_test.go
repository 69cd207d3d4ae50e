package processor

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/model"
	"github.com/adverant/nexus/prescription-worker/internal/quality"
	"github.com/adverant/nexus/prescription-worker/internal/recognition"
	"github.com/adverant/nexus/prescription-worker/internal/storage"
)

var prescriptionLines = []string{
	"Calmette Hospital",
	"Patient: Sok Dara",
	"Paracetamol 500mg 1 tablet morning evening 5 days",
	"Amoxicillin 250mg capsule 3 times daily 7 days",
}

// pagePNG draws dark text-like bars on white, sharp enough for both quality modes
func pagePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 800, 1200))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 255}}, image.Point{}, draw.Src)
	for i := 0; i < 12; i++ {
		y := 400 + i*50
		draw.Draw(img, image.Rect(100, y, 700, y+20), &image.Uniform{C: color.Gray{Y: 0}}, image.Point{}, draw.Src)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uniformPNG(t *testing.T, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 800, 1200))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: v}}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestProcessor(t *testing.T, engine recognition.Engine, mutate func(*ProcessorConfig)) *PrescriptionProcessor {
	t.Helper()
	cfg := &ProcessorConfig{Recognizer: recognition.NewAdapter(engine)}
	if mutate != nil {
		mutate(cfg)
	}
	p, err := NewPrescriptionProcessor(cfg)
	require.NoError(t, err)
	p.backoff = time.Millisecond
	return p
}

type fakeStore struct {
	stored  []*storage.PrescriptionInput
	updates []*storage.JobUpdate
	similar []model.SimilarPrescription
	err     error
}

func (f *fakeStore) StorePrescription(ctx context.Context, input *storage.PrescriptionInput) (*storage.PrescriptionOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.stored = append(f.stored, input)
	return &storage.PrescriptionOutput{ResultID: "result-1", VectorID: "vector-1"}, nil
}

func (f *fakeStore) FindSimilarPrescriptions(ctx context.Context, embedding []float32, limit int, minScore float32, excludeJobID string) ([]model.SimilarPrescription, error) {
	return f.similar, nil
}

func (f *fakeStore) UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

type fakeEmbedder struct{ texts []string }

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	f.texts = append(f.texts, text)
	return make([]float32, voyageDimensions), nil
}

type slowEngine struct {
	*recognition.MockEngine
	delay time.Duration
}

func (s *slowEngine) Recognize(ctx context.Context, in recognition.Input) ([]recognition.Observation, error) {
	time.Sleep(s.delay)
	return s.MockEngine.Recognize(ctx, in)
}

func TestProcessPrescription(t *testing.T) {
	engine := recognition.NewMockEngineFromLines(0.92, prescriptionLines...)
	p := newTestProcessor(t, engine, nil)

	result, err := p.Process(context.Background(), &ProcessRequest{
		JobID:      "job-1",
		FileBuffer: pagePNG(t),
		Mode:       quality.ModeLenient,
		Languages:  []model.Language{model.LangEnglish},
	})
	require.NoError(t, err)
	require.True(t, result.Quality.Accepted)
	assert.Equal(t, 1, engine.Calls())
	assert.Equal(t, []model.Language{model.LangEnglish}, engine.LastInput().Languages)

	assert.Len(t, result.Blocks, len(prescriptionLines))
	assert.NotEmpty(t, result.Regions)
	assert.Equal(t, model.LangEnglish, result.PrimaryLanguage)
	assert.Empty(t, result.Errors)

	require.NotNil(t, result.Structured)
	require.Len(t, result.Structured.Medications, 2)
	assert.Equal(t, "Paracetamol", result.Structured.Medications[0].Name)
	assert.Equal(t, "Amoxicillin", result.Structured.Medications[1].Name)
	assert.Contains(t, result.Structured.Header.Hospital, "Calmette")

	require.NotNil(t, result.Safety)
	assert.True(t, result.Safety.OK)
	assert.Greater(t, result.OverallConfidence, 0.8)
	assert.NotEmpty(t, result.ConfidenceLevel)

	body, err := json.Marshal(result)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, true, decoded["accepted"])
	assert.Contains(t, decoded, "quality")
	assert.Contains(t, decoded, "structured")
}

func TestProcessQualityRejected(t *testing.T) {
	engine := recognition.NewMockEngineFromLines(0.9, prescriptionLines...)
	p := newTestProcessor(t, engine, nil)

	result, err := p.Process(context.Background(), &ProcessRequest{
		JobID:      "job-2",
		FileBuffer: uniformPNG(t, 128),
		Mode:       quality.ModeLenient,
	})
	require.NoError(t, err)
	assert.False(t, result.Quality.Accepted)
	assert.NotEmpty(t, result.Quality.Reason)
	assert.Zero(t, engine.Calls())

	body, err := json.Marshal(result)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, false, decoded["accepted"])
	assert.NotContains(t, decoded, "blocks")
	assert.NotContains(t, decoded, "structured")
}

func TestProcessTerminalErrors(t *testing.T) {
	tests := []struct {
		name   string
		engine recognition.Engine
		req    *ProcessRequest
		code   errors.ErrorCode
	}{
		{
			name:   "no file source",
			engine: recognition.NewMockEngine(),
			req:    &ProcessRequest{JobID: "job-3"},
			code:   errors.ErrorImageValidation,
		},
		{
			name:   "not an image",
			engine: recognition.NewMockEngine(),
			req:    &ProcessRequest{JobID: "job-4", FileBuffer: []byte("plain text, not a picture")},
			code:   errors.ErrorUnsupportedFormat,
		},
		{
			name:   "recognition unavailable",
			engine: &recognition.MockEngine{Err: stderrors.New("language pack khm missing")},
			code:   errors.ErrorRecognitionUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProcessor(t, tt.engine, nil)
			req := tt.req
			if req == nil {
				req = &ProcessRequest{JobID: "job-5", FileBuffer: pagePNG(t), Mode: quality.ModeLenient}
			}

			result, err := p.Process(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			pe, ok := errors.As(err)
			require.True(t, ok)
			assert.True(t, pe.Terminal())
			assert.Equal(t, req.JobID, pe.JobID)

			require.NotNil(t, result)
			assert.Len(t, result.Errors, 1)
			assert.Empty(t, result.Blocks)
		})
	}
}

func TestProcessTimeout(t *testing.T) {
	engine := &slowEngine{MockEngine: recognition.NewMockEngineFromLines(0.9, "Paracetamol 500mg"), delay: 2 * time.Second}
	p := newTestProcessor(t, engine, func(cfg *ProcessorConfig) {
		cfg.ProcessingTimeout = 100 * time.Millisecond
	})

	start := time.Now()
	_, err := p.Process(context.Background(), &ProcessRequest{JobID: "job-6", FileBuffer: pagePNG(t), Mode: quality.ModeLenient})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorProcessingTimeout, errors.CodeOf(err))
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}

func TestProcessPersistsAndFindsSimilar(t *testing.T) {
	store := &fakeStore{similar: []model.SimilarPrescription{{JobID: "job-0", Score: 0.95, Medications: []string{"Paracetamol"}}}}
	embedder := &fakeEmbedder{}
	p := newTestProcessor(t, recognition.NewMockEngineFromLines(0.92, prescriptionLines...), func(cfg *ProcessorConfig) {
		cfg.Store = store
		cfg.Embedder = embedder
	})

	result, err := p.Process(context.Background(), &ProcessRequest{JobID: "job-7", FileBuffer: pagePNG(t), Mode: quality.ModeLenient})
	require.NoError(t, err)

	require.Len(t, store.stored, 1)
	assert.Equal(t, "job-7", store.stored[0].JobID)
	assert.Len(t, store.stored[0].Embedding, voyageDimensions)
	assert.Equal(t, "result-1", result.ResultID)
	assert.Equal(t, store.similar, result.SimilarPrescriptions)

	require.Len(t, embedder.texts, 1)
	assert.Contains(t, embedder.texts[0], "Paracetamol 500mg")
}

func TestProcessStorageFailureIsWarning(t *testing.T) {
	store := &fakeStore{err: stderrors.New("connection refused")}
	p := newTestProcessor(t, recognition.NewMockEngineFromLines(0.92, prescriptionLines...), func(cfg *ProcessorConfig) {
		cfg.Store = store
	})

	result, err := p.Process(context.Background(), &ProcessRequest{JobID: "job-8", FileBuffer: pagePNG(t), Mode: quality.ModeLenient})
	require.NoError(t, err)
	assert.Empty(t, result.ResultID)

	found := false
	for _, w := range result.Warnings {
		if bytes.Contains([]byte(w), []byte(string(errors.ErrorStorageFailed))) {
			found = true
		}
	}
	assert.True(t, found, "warnings: %v", result.Warnings)
}

func TestProcessDownloadsWithRetry(t *testing.T) {
	page := pagePNG(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(page)
	}))
	defer server.Close()

	p := newTestProcessor(t, recognition.NewMockEngineFromLines(0.92, prescriptionLines...), nil)
	result, err := p.Process(context.Background(), &ProcessRequest{JobID: "job-9", FileURL: server.URL, Mode: quality.ModeLenient})
	require.NoError(t, err)
	assert.True(t, result.Quality.Accepted)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDownloadClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p := newTestProcessor(t, recognition.NewMockEngine(), nil)
	_, err := p.downloadFileFromURL(context.Background(), "job-10", server.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(1, time.Second, 32*time.Second))
	assert.Equal(t, 2*time.Second, backoffDelay(2, time.Second, 32*time.Second))
	assert.Equal(t, 16*time.Second, backoffDelay(5, time.Second, 32*time.Second))
	assert.Equal(t, 32*time.Second, backoffDelay(9, time.Second, 32*time.Second))
}

func TestUpdateJobStatus(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(t, recognition.NewMockEngine(), func(cfg *ProcessorConfig) {
		cfg.Store = store
	})

	timeoutErr := errors.NewProcessingTimeoutError("job-11", 2*time.Minute, context.DeadlineExceeded)
	require.NoError(t, p.UpdateJobStatus(context.Background(), "job-11", "failed", 100, timeoutErr.ToMap()))
	require.NoError(t, p.UpdateJobStatus(context.Background(), "job-12", "completed", 100, map[string]interface{}{
		"confidence":     0.93,
		"processingTime": int64(840),
		"filename":       "rx.png",
	}))

	require.Len(t, store.updates, 2)
	assert.Equal(t, "PROCESSING_TIMEOUT", store.updates[0].ErrorCode)
	assert.NotEmpty(t, store.updates[0].ErrorMessage)
	assert.Equal(t, 100, store.updates[0].Metadata["progress"])

	assert.Equal(t, 0.93, store.updates[1].Confidence)
	assert.Equal(t, int64(840), store.updates[1].ProcessingTimeMs)
	assert.Equal(t, "rx.png", store.updates[1].Filename)

	noStore := newTestProcessor(t, recognition.NewMockEngine(), nil)
	assert.NoError(t, noStore.UpdateJobStatus(context.Background(), "job-13", "processing", 0, nil))
}

func TestMedicationSummary(t *testing.T) {
	qty := 1.0
	days := 5
	p := &model.StructuredPrescription{Medications: []model.Medication{
		{
			Name:           "Paracetamol",
			Strength:       "500mg",
			Quantity:       &qty,
			QuantityUnit:   "tablet",
			DosageSchedule: &model.DosageSchedule{Morning: &model.DoseSlot{Taken: true}, Evening: &model.DoseSlot{Taken: true}},
			DurationDays:   &days,
		},
		{Name: "Vitamin C", Frequency: "once daily"},
		{Name: ""},
	}}

	assert.Equal(t, "Paracetamol 500mg, 1 tablet, morning evening, 5 days\nVitamin C, once daily", MedicationSummary(p))
	assert.Empty(t, MedicationSummary(nil))
	assert.Empty(t, MedicationSummary(&model.StructuredPrescription{}))
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("RECOGNITION_ENGINE", "mock")
	t.Setenv("TESSERACT_LANGUAGES", "eng+khm")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "prescription:jobs", cfg.QueueName)
	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, []string{"eng", "khm"}, cfg.TesseractLanguages)
	assert.Equal(t, int64(52428800), cfg.MaxFileSize)
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			RedisURL:           "redis://localhost:6379",
			QueueBackend:       "redis",
			RecognitionEngine:  "tesseract",
			TesseractLanguages: []string{"eng"},
			VisionRateLimit:    1,
			WorkerConcurrency:  2,
			MaxFileSize:        4096,
			ProcessingTimeout:  5000,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown engine", mutate: func(c *Config) { c.RecognitionEngine = "paddle" }, wantErr: "RECOGNITION_ENGINE"},
		{name: "unknown backend", mutate: func(c *Config) { c.QueueBackend = "kafka" }, wantErr: "QUEUE_BACKEND"},
		{name: "vision without url", mutate: func(c *Config) { c.RecognitionEngine = "vision"; c.VisionURL = "" }, wantErr: "VISION_URL"},
		{name: "concurrency too high", mutate: func(c *Config) { c.WorkerConcurrency = 500 }, wantErr: "WORKER_CONCURRENCY"},
		{name: "qdrant without voyage", mutate: func(c *Config) { c.QdrantURL = "localhost:6334" }, wantErr: "VOYAGE_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultPipelineCanonicalThresholds(t *testing.T) {
	p := DefaultPipeline()
	require.NoError(t, p.Validate())

	assert.Equal(t, 120.0, p.Quality.Strict.MinBlur)
	assert.Equal(t, 80.0, p.Quality.Lenient.MinBlur)
	assert.Equal(t, 30.0, p.Quality.Strict.MinContrast)
	assert.Equal(t, p.Quality.Strict.MinContrast, p.Quality.Lenient.MinContrast)
	assert.Equal(t, 1200, p.Quality.Strict.MinHeight)
	assert.Equal(t, 800, p.Quality.Strict.MinWidth)
	assert.Equal(t, 0.5, p.Classifier.LowConfidenceThreshold)
	assert.False(t, p.Layout.MergeToFixpoint)
}

func TestLoadPipelineOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")

	yamlDoc := `
quality:
  lenient:
    min_blur: 60
layout:
  merge_to_fixpoint: true
safety:
  forbidden_terms: ["diagnose"]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	p, err := LoadPipeline(path)
	require.NoError(t, err)

	assert.Equal(t, 60.0, p.Quality.Lenient.MinBlur)
	// untouched keys keep their defaults
	assert.Equal(t, 50.0, p.Quality.Lenient.MinBrightness)
	assert.Equal(t, 120.0, p.Quality.Strict.MinBlur)
	assert.True(t, p.Layout.MergeToFixpoint)
	assert.Equal(t, []string{"diagnose"}, p.Safety.ForbiddenTerms)
}

func TestLoadPipelineRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("quality:\n  strict:\n    min_brightness: 240\n"), 0o600))

	_, err := LoadPipeline(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_brightness")

	_, err = LoadPipeline(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

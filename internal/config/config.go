/**
 * Configuration for the Prescription Worker
 *
 * Loads configuration from environment variables matching .env.nexus
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueName    string
	QueueBackend string // "redis" (LIST protocol) or "asynq"

	// PostgreSQL configuration (optional - results are not persisted when empty)
	DatabaseURL string

	// Qdrant vector database configuration
	QdrantURL        string
	QdrantCollection string

	// API Keys
	VoyageAPIKey string

	// Recognition engine configuration
	RecognitionEngine  string // "tesseract", "vision" or "mock"
	TesseractLanguages []string
	VisionURL          string
	VisionRateLimit    int // requests per second against the vision service

	// Worker configuration
	HTTPAddr          string
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds

	// Pipeline thresholds file (YAML, optional)
	PipelineConfigFile string

	LogLevel string
	NodeEnv  string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:           getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueName:          getEnvOrDefault("QUEUE_NAME", "prescription:jobs"),
		QueueBackend:       getEnvOrDefault("QUEUE_BACKEND", "redis"),
		DatabaseURL:        getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:          getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:   getEnvOrDefault("QDRANT_COLLECTION", "prescription_summaries"),
		VoyageAPIKey:       getEnvOrDefault("VOYAGE_API_KEY", ""),
		RecognitionEngine:  getEnvOrDefault("RECOGNITION_ENGINE", "tesseract"),
		TesseractLanguages: getEnvAsListOrDefault("TESSERACT_LANGUAGES", []string{"eng", "khm", "fra"}),
		VisionURL:          getEnvOrDefault("VISION_URL", "http://nexus-mageagent:8080"),
		VisionRateLimit:    getEnvAsIntOrDefault("VISION_RATE_LIMIT", 5),
		HTTPAddr:           getEnvOrDefault("HTTP_ADDR", ":8097"),
		WorkerConcurrency:  getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:        getEnvAsInt64OrDefault("MAX_FILE_SIZE", 52428800), // 50MB
		ProcessingTimeout:  getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 120000), // 2 minutes
		PipelineConfigFile: getEnvOrDefault("PIPELINE_CONFIG_FILE", ""),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		NodeEnv:            getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	switch c.QueueBackend {
	case "redis", "asynq", "none":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be one of redis, asynq, none, got %q", c.QueueBackend)
	}

	switch c.RecognitionEngine {
	case "tesseract", "vision", "mock":
	default:
		return fmt.Errorf("RECOGNITION_ENGINE must be one of tesseract, vision, mock, got %q", c.RecognitionEngine)
	}

	if c.RecognitionEngine == "vision" && c.VisionURL == "" {
		return fmt.Errorf("VISION_URL is required when RECOGNITION_ENGINE=vision")
	}

	if c.RecognitionEngine == "tesseract" && len(c.TesseractLanguages) == 0 {
		return fmt.Errorf("TESSERACT_LANGUAGES must name at least one language pack")
	}

	if c.VisionRateLimit < 1 {
		return fmt.Errorf("VISION_RATE_LIMIT must be positive, got %d", c.VisionRateLimit)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 209715200 { // 1KB to 200MB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 200MB, got %d", c.MaxFileSize)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.QdrantURL != "" && c.VoyageAPIKey == "" {
		return fmt.Errorf("VOYAGE_API_KEY is required when QDRANT_URL is set")
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsListOrDefault splits a comma or plus separated variable ("eng+khm", "eng,khm")
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	fields := strings.FieldsFunc(valueStr, func(r rune) bool {
		return r == ',' || r == '+' || r == ' '
	})
	if len(fields) == 0 {
		return defaultValue
	}

	return fields
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

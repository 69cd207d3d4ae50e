/**
 * Prescription Worker - Main Entry Point
 *
 * Go worker turning photographed Khmer/English/French prescriptions into
 * structured, confidence-scored records.
 *
 * Architecture:
 * - Redis LIST or Asynq consumer for queued jobs
 * - HTTP API for synchronous processing and job submission
 * - Quality gate, layout analysis, recognition, extraction and safety validation
 * - VoyageAI embeddings + Qdrant for similar-prescription lookup
 * - PostgreSQL persistence for job status and results
 *
 * Recognition engines (RECOGNITION_ENGINE):
 * - tesseract: local gosseract with eng/khm/fra traineddata (default)
 * - vision:    remote vision service behind a rate limiter
 * - mock:      deterministic engine for development
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/prescription-worker/internal/clients"
	"github.com/adverant/nexus/prescription-worker/internal/config"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
	"github.com/adverant/nexus/prescription-worker/internal/queue"
	"github.com/adverant/nexus/prescription-worker/internal/recognition"
	"github.com/adverant/nexus/prescription-worker/internal/recognition/tesseract"
	"github.com/adverant/nexus/prescription-worker/internal/server"
	"github.com/adverant/nexus/prescription-worker/internal/storage"
)

// consumer is implemented by both queue backends
type consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Enqueue(ctx context.Context, payload *queue.JobPayload) (string, error)
}

func main() {
	logger := logging.NewLogger("Main")

	if err := run(logger); err != nil {
		logger.Error("Worker terminated", "error", err)
		os.Exit(1)
	}
}

func run(logger *logging.Logger) error {
	// Load environment variables
	if err := godotenv.Load(".env.nexus"); err != nil {
		logger.Warn(".env.nexus not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	pipeline, err := config.LoadPipeline(cfg.PipelineConfigFile)
	if err != nil {
		return err
	}

	logger.Info("Prescription Worker starting",
		"engine", cfg.RecognitionEngine,
		"queue_backend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"http", cfg.HTTPAddr,
	)

	ctx := context.Background()

	// Recognition engine
	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	adapter := recognition.NewAdapter(engine)
	if err := adapter.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s engine: %w", engine.Name(), err)
	}
	logger.Info("Recognition engine initialized", "engine", adapter.Name())

	procCfg := &processor.ProcessorConfig{
		Pipeline:          pipeline,
		Recognizer:        adapter,
		MaxFileSize:       cfg.MaxFileSize,
		ProcessingTimeout: time.Duration(cfg.ProcessingTimeout) * time.Millisecond,
	}

	srvCfg := server.Config{
		Addr:        cfg.HTTPAddr,
		MaxFileSize: cfg.MaxFileSize,
		Checks: map[string]server.Checker{
			"recognition": func(ctx context.Context) error {
				if !adapter.Ready() {
					return fmt.Errorf("%s engine not ready", adapter.Name())
				}
				return nil
			},
		},
	}

	// Storage (PostgreSQL + optional Qdrant)
	var storageManager *storage.StorageManager
	if cfg.DatabaseURL != "" {
		storageManager, err = storage.NewStorageManager(cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			adapter.Close()
			return fmt.Errorf("failed to initialize storage manager: %w", err)
		}
		procCfg.Store = storageManager
		srvCfg.Results = storageManager
		srvCfg.Checks["postgres"] = storageManager.Ping
		logger.Info("Storage manager initialized", "vectors", storageManager.VectorsEnabled())

		if cfg.VoyageAPIKey != "" && storageManager.VectorsEnabled() {
			embedder, err := processor.NewEmbeddingClient(cfg.VoyageAPIKey)
			if err != nil {
				logger.Warn("Embeddings disabled", "error", err)
			} else {
				procCfg.Embedder = embedder
			}
		}
	} else {
		logger.Warn("DATABASE_URL not set, results will not be persisted")
	}

	closeStorage := func() {
		if storageManager == nil {
			return
		}
		if err := storageManager.Close(); err != nil {
			logger.Error("Error closing storage manager", "error", err)
		}
	}

	proc, err := processor.NewPrescriptionProcessor(procCfg)
	if err != nil {
		adapter.Close()
		closeStorage()
		return fmt.Errorf("failed to initialize processor: %w", err)
	}
	srvCfg.Processor = proc
	srvCfg.Safety = proc.Safety()

	// Queue consumer
	queueConsumer, err := newConsumer(cfg, proc)
	if err != nil {
		adapter.Close()
		closeStorage()
		return err
	}
	if queueConsumer != nil {
		srvCfg.Queue = queueConsumer
		if err := queueConsumer.Start(ctx); err != nil {
			adapter.Close()
			closeStorage()
			return fmt.Errorf("failed to start queue consumer: %w", err)
		}
		logger.Info("Queue consumer started", "backend", cfg.QueueBackend, "concurrency", cfg.WorkerConcurrency)
	}

	httpServer, err := server.New(srvCfg)
	if err != nil {
		return err
	}
	httpServer.Start()

	logger.Info("Prescription Worker is READY")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if queueConsumer != nil {
		if err := queueConsumer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping queue consumer", "error", err)
		}
	}

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}

	if err := adapter.Close(); err != nil {
		logger.Error("Error closing recognition engine", "error", err)
	}

	closeStorage()

	logger.Info("Shutdown complete")
	return nil
}

func newEngine(cfg *config.Config) (recognition.Engine, error) {
	switch cfg.RecognitionEngine {
	case "tesseract":
		return tesseract.New(cfg.TesseractLanguages), nil
	case "vision":
		client := clients.NewVisionClient(cfg.VisionURL, time.Duration(cfg.ProcessingTimeout)*time.Millisecond)
		return recognition.NewVisionEngine(client, float64(cfg.VisionRateLimit)), nil
	case "mock":
		return recognition.NewMockEngine(), nil
	}
	return nil, fmt.Errorf("unknown RECOGNITION_ENGINE %q", cfg.RecognitionEngine)
}

func newConsumer(cfg *config.Config, proc *processor.PrescriptionProcessor) (consumer, error) {
	switch cfg.QueueBackend {
	case "redis":
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Processor:   proc,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize queue consumer: %w", err)
		}
		return c, nil
	case "asynq":
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Processor:   proc,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize queue consumer: %w", err)
		}
		return c, nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
}

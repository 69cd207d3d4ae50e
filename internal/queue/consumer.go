/**
 * Task Queue Consumer for the Prescription Worker
 *
 * Consumes "process-prescription" tasks with Asynq and submits them
 * through Enqueue. Jobs that cannot succeed on a retry are returned
 * wrapped in asynq.SkipRetry.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
)

// Consumer handles task consumption from the Asynq queue
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.PrescriptionProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	MaxRetries  int
	Processor   processor.PrescriptionProcessorInterface
}

// NewConsumer creates a new task queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("Consumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
		},
	)

	c := &Consumer{
		client:    asynq.NewClient(redisOpt),
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	c.mux.HandleFunc(TaskProcessPrescription, c.handleProcessPrescription)

	return c, nil
}

// retryDelay is exponential: 5s, 10s, 20s, capped at 60s
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// Start runs the server in the background
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting task queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	return nil
}

// Stop waits for active tasks and closes the client
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping task queue consumer")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Info("Task queue consumer stopped")
	return nil
}

// Enqueue submits a job. The job ID doubles as the task ID, so duplicates are rejected.
func (c *Consumer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	task, err := newTask(payload)
	if err != nil {
		return "", err
	}

	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.config.QueueName),
		asynq.MaxRetry(c.config.MaxRetries),
		asynq.TaskID(payload.JobID),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	c.logger.Info("Job enqueued", "job_id", payload.JobID, "task_id", info.ID, "queue", info.Queue)
	return payload.JobID, nil
}

func newTask(payload *JobPayload) (*asynq.Task, error) {
	if payload == nil || payload.JobID == "" {
		return nil, fmt.Errorf("jobId is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	return asynq.NewTask(TaskProcessPrescription, data), nil
}

// handleProcessPrescription processes one task
func (c *Consumer) handleProcessPrescription(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	if _, err := runJob(ctx, c.processor, &payload, c.logger); err != nil {
		if !retryable(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("prescription processing failed: %w", err)
	}

	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"backend":     "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

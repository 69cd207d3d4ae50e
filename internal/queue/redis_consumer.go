/**
 * Direct Redis Queue Consumer for the Prescription Worker
 *
 * Speaks the producer's LIST protocol:
 * - BRPOP <queue> yields a job id, HGET <queue>:data <id> the job JSON
 * - failed jobs are re-queued with LPUSH until maxRetries
 * - <queue>:processing / :completed / :failed sets, :results / :errors hashes
 * - status events are published on <queue>:events
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from a Redis list
type RedisConsumer struct {
	client    *redis.Client
	processor processor.PrescriptionProcessorInterface
	config    *RedisConsumerConfig
	keys      queueKeys
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	MaxRetries  int
	Processor   processor.PrescriptionProcessorInterface
}

// queueKeys names every key derived from the queue name
type queueKeys struct {
	queue, data, processing, completed, failed, results, errors, events string
}

func newQueueKeys(queue string) queueKeys {
	return queueKeys{
		queue:      queue,
		data:       queue + ":data",
		processing: queue + ":processing",
		completed:  queue + ":completed",
		failed:     queue + ":failed",
		results:    queue + ":results",
		errors:     queue + ":errors",
		events:     queue + ":events",
	}
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "prescription:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		keys:      newQueueKeys(cfg.QueueName),
		logger:    logging.NewLogger("RedisConsumer"),
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

// Start launches the worker goroutines
func (c *RedisConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.keys.queue)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop cancels the workers, waits for in-flight jobs and closes the client
func (c *RedisConsumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping Redis queue consumer")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Workers still running at shutdown deadline")
	}
	return c.client.Close()
}

// Enqueue stores the job and pushes its id, the same way the producer does
func (c *RedisConsumer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if payload == nil || payload.JobID == "" {
		return "", fmt.Errorf("jobId is required")
	}

	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TaskProcessPrescription,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: c.config.MaxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.keys.data, job.ID, data)
	pipe.LPush(ctx, c.keys.queue, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	c.logger.Info("Job enqueued", "job_id", job.ID, "queue", c.keys.queue)
	return job.ID, nil
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	logger := c.logger.With("worker", id)
	logger.Debug("Worker started")

	for {
		select {
		case <-c.ctx.Done():
			logger.Debug("Worker stopping")
			return
		default:
		}

		if err := c.processNextJob(); err != nil {
			if err == errNoJobs || c.ctx.Err() != nil {
				continue
			}
			logger.Error("Worker error", "error", err)
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
			}
		}
	}
}

// processNextJob blocks up to 5 seconds for a job and runs it
func (c *RedisConsumer) processNextJob() error {
	popped, err := c.client.BRPop(c.ctx, 5*time.Second, c.keys.queue).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(popped) < 2 {
		return fmt.Errorf("invalid job result")
	}
	id := popped[1]

	raw, err := c.client.HGet(c.ctx, c.keys.data, id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.markFailed(job.ID, id, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.ID == "" {
		job.ID = id
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.markProcessing(job.ID)

	outcome, err := runJob(c.ctx, c.processor, &job.Payload, c.logger)
	if err != nil {
		job.Attempts++
		if retryable(err) && job.Attempts < job.MaxRetries {
			updated, _ := json.Marshal(job)
			c.client.HSet(c.ctx, c.keys.data, job.ID, updated)
			c.client.SRem(c.ctx, c.keys.processing, job.ID)
			c.client.LPush(c.ctx, c.keys.queue, job.ID)
			c.logger.Warn("Job re-queued", "job_id", job.ID, "attempt", job.Attempts, "max_retries", job.MaxRetries, "error", err)
			return nil
		}
		c.markFailed(job.ID, job.ID, map[string]interface{}{
			"error":    err.Error(),
			"attempts": job.Attempts,
		})
		return nil
	}

	c.markFinished(job.ID, outcome)
	return nil
}

func (c *RedisConsumer) markProcessing(jobID string) {
	c.client.SAdd(c.ctx, c.keys.processing, jobID)
	c.publish(StatusProcessing, jobID)
}

func (c *RedisConsumer) markFinished(jobID string, outcome *jobOutcome) {
	c.client.SRem(c.ctx, c.keys.processing, jobID)
	c.client.SAdd(c.ctx, c.keys.completed, jobID)
	if outcome.Result != nil {
		if data, err := json.Marshal(outcome.Result); err == nil {
			c.client.HSet(c.ctx, c.keys.results, jobID, data)
		}
	}
	c.publish(outcome.Status, jobID)
}

func (c *RedisConsumer) markFailed(jobID, fallbackID string, details map[string]interface{}) {
	if jobID == "" {
		jobID = fallbackID
	}
	c.client.SRem(c.ctx, c.keys.processing, jobID)
	c.client.SAdd(c.ctx, c.keys.failed, jobID)
	if data, err := json.Marshal(details); err == nil {
		c.client.HSet(c.ctx, c.keys.errors, jobID, data)
	}
	c.publish(StatusFailed, jobID)
}

func (c *RedisConsumer) publish(status, jobID string) {
	c.client.Publish(c.ctx, c.keys.events, jobEvent(status, jobID, time.Now()))
}

// jobEvent is the message published for WebSocket streaming
func jobEvent(status, jobID string, at time.Time) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"event":     "job:" + status,
		"jobId":     jobID,
		"timestamp": at.UTC().Format(time.RFC3339),
	})
	return data
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.keys.queue)
	processing := pipe.SCard(ctx, c.keys.processing)
	completed := pipe.SCard(ctx, c.keys.completed)
	failed := pipe.SCard(ctx, c.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

// GetStatistics returns consumer configuration for health reporting
func (c *RedisConsumer) GetStatistics() map[string]interface{} {
	stats := map[string]interface{}{
		"backend":     "redis",
		"concurrency": c.config.Concurrency,
		"queue":       c.keys.queue,
	}
	if counts, err := c.GetStats(context.Background()); err == nil {
		stats["jobs"] = counts
	}
	return stats
}

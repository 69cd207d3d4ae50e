package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	downloadMaxRetries     = 5
	downloadInitialBackoff = 1 * time.Second
	downloadMaxBackoff     = 32 * time.Second
	downloadTimeout        = 10 * time.Minute
)

// loadFile returns the request buffer, or downloads FileURL
func (p *PrescriptionProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.FileBuffer) > 0 {
		return req.FileBuffer, nil
	}

	if req.FileURL != "" {
		data, err := p.downloadFileFromURL(ctx, req.JobID, req.FileURL)
		if err != nil {
			return nil, fmt.Errorf("failed to download file: %w", err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("no file source provided (buffer or URL)")
}

// downloadFileFromURL retries transport errors and 5xx/429 responses with
// exponential backoff. Other statuses fail at once.
func (p *PrescriptionProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string) ([]byte, error) {
	logger := p.logger.With("job_id", jobID)
	var lastErr error

	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(attempt-1, p.backoff, downloadMaxBackoff)
			logger.Info("Retrying download", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		data, retry, err := p.fetch(ctx, fileURL)
		if err == nil {
			logger.Info("Download complete", "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		lastErr = err
		logger.Warn("Download attempt failed", "attempt", attempt, "error", err)
		if !retry {
			return nil, err
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", downloadMaxRetries, lastErr)
}

// fetch performs one GET. retry reports whether another attempt may succeed.
func (p *PrescriptionProcessor) fetch(ctx context.Context, fileURL string) (data []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("invalid file URL: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if p.maxFileSize > 0 && resp.ContentLength > p.maxFileSize {
		return nil, false, fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, p.maxFileSize)
	}

	// one byte past the limit lets the decoder report the oversize
	limit := p.maxFileSize
	if limit <= 0 {
		limit = 200 * 1024 * 1024
	}
	data, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}

	return data, false, nil
}

// backoffDelay doubles initial per completed attempt, capped at max
func backoffDelay(completed int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 1; i < completed && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

/**
 * Vision Client - remote text recognition over HTTP
 *
 * Talks to a MageAgent-compatible vision service:
 * - POST /api/internal/vision/extract-text (sync 200 or async 202 with a task id)
 * - GET  /api/tasks/:taskId for async polling
 * - GET  /api/health
 *
 * The service picks the model. This client only moves bytes and results.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/prescription-worker/internal/logging"
)

const defaultPollInterval = 2 * time.Second

// VisionClient handles communication with the vision service
type VisionClient struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *logging.Logger
}

// VisionOCRRequest represents a request to extract text from an image
type VisionOCRRequest struct {
	Image          string                 `json:"image"`           // Base64 encoded image
	Format         string                 `json:"format"`          // "base64"
	PreferAccuracy bool                   `json:"preferAccuracy"`  // favour accurate models over fast ones
	Language       string                 `json:"language"`        // "en", "kh", "fr" or "multi"
	Granularity    string                 `json:"granularity"`     // "line" requests per-line polygons
	Metadata       map[string]interface{} `json:"metadata"`        // Optional metadata
	JobID          string                 `json:"jobId,omitempty"` // Optional job ID for tracking
}

// VisionOCRResponse represents a synchronous response from the vision endpoint
type VisionOCRResponse struct {
	Success bool                   `json:"success"`
	Data    VisionOCRData          `json:"data"`
	Message string                 `json:"message"`
	Meta    map[string]interface{} `json:"meta"`
}

// VisionOCRAsyncResponse is the 202 Accepted body carrying a task id
type VisionOCRAsyncResponse struct {
	Success bool `json:"success"`
	Data    struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
	Message string `json:"message"`
	Meta    struct {
		PollURL           string `json:"pollUrl"`
		EstimatedDuration string `json:"estimatedDuration"`
	} `json:"meta"`
}

// TaskStatusResponse represents the response from polling /api/tasks/:taskId
type TaskStatusResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Task TaskInfo `json:"task"`
	} `json:"data"`
	Message string `json:"message"`
}

// TaskInfo contains detailed task information
type TaskInfo struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`   // "pending", "processing", "completed", "failed"
	Progress int             `json:"progress"` // 0-100
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// VisionLine is one recognized line with its four corner points
type VisionLine struct {
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Polygon    [][2]float64 `json:"polygon"`
}

// VisionOCRData contains the extracted text and metadata
type VisionOCRData struct {
	Text           string       `json:"text"`
	Confidence     float64      `json:"confidence"`
	Lines          []VisionLine `json:"lines,omitempty"`
	ModelUsed      string       `json:"modelUsed"`
	ProcessingTime int64        `json:"processingTime"` // milliseconds
}

// NewVisionClient creates a new vision client
func NewVisionClient(baseURL string, timeout time.Duration) *VisionClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &VisionClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		pollInterval: defaultPollInterval,
		logger:       logging.NewLogger("VisionClient"),
	}
}

// SetPollInterval overrides the async polling interval
func (c *VisionClient) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

// ExtractText extracts text from an image. An async acceptance is polled to completion.
func (c *VisionClient) ExtractText(ctx context.Context, req *VisionOCRRequest) (*VisionOCRData, error) {
	c.logger.Info("Requesting text extraction",
		"preferAccuracy", req.PreferAccuracy,
		"language", req.Language,
		"imageSize", len(req.Image))

	endpoint := fmt.Sprintf("%s/api/internal/vision/extract-text", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "prescription-worker")
	httpReq.Header.Set("X-Request-ID", "ocr-"+uuid.New().String())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to vision service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var ocrResp VisionOCRResponse
		if err := json.Unmarshal(body, &ocrResp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if !ocrResp.Success {
			return nil, fmt.Errorf("vision operation failed: %s", ocrResp.Message)
		}

		c.logger.Info("Text extraction complete",
			"modelUsed", ocrResp.Data.ModelUsed,
			"confidence", ocrResp.Data.Confidence,
			"lines", len(ocrResp.Data.Lines),
			"textLength", len(ocrResp.Data.Text))
		return &ocrResp.Data, nil

	case http.StatusAccepted:
		var asyncResp VisionOCRAsyncResponse
		if err := json.Unmarshal(body, &asyncResp); err != nil {
			return nil, fmt.Errorf("failed to parse async response: %w", err)
		}
		if !asyncResp.Success || asyncResp.Data.TaskID == "" {
			return nil, fmt.Errorf("vision async operation failed: %s", asyncResp.Message)
		}

		c.logger.Info("Async OCR task created",
			"taskId", asyncResp.Data.TaskID,
			"estimatedDuration", asyncResp.Meta.EstimatedDuration)
		return c.WaitForTaskCompletion(ctx, asyncResp.Data.TaskID)

	default:
		return nil, fmt.Errorf("vision service returned error status %d: %s", resp.StatusCode, string(body))
	}
}

// ExtractTextFromBytes is a convenience method that handles base64 encoding
func (c *VisionClient) ExtractTextFromBytes(ctx context.Context, imageData []byte, language string) (*VisionOCRData, error) {
	req := &VisionOCRRequest{
		Image:          base64.StdEncoding.EncodeToString(imageData),
		Format:         "base64",
		PreferAccuracy: true,
		Language:       language,
		Granularity:    "line",
		Metadata: map[string]interface{}{
			"source":    "prescription-worker",
			"timestamp": time.Now().Unix(),
		},
	}

	return c.ExtractText(ctx, req)
}

// GetTaskStatus polls for the status of an async task
func (c *VisionClient) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatusResponse, error) {
	endpoint := fmt.Sprintf("%s/api/tasks/%s", c.baseURL, taskID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("X-Source", "prescription-worker")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status check failed with status %d: %s", resp.StatusCode, string(body))
	}

	var statusResp TaskStatusResponse
	if err := json.Unmarshal(body, &statusResp); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}

	return &statusResp, nil
}

// WaitForTaskCompletion polls the task status until completion or context end
func (c *VisionClient) WaitForTaskCompletion(ctx context.Context, taskID string) (*VisionOCRData, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled while waiting for task: %w", ctx.Err())

		case <-ticker.C:
			status, err := c.GetTaskStatus(ctx, taskID)
			if err != nil {
				c.logger.Warn("Failed to get task status", "taskId", taskID, "error", err)
				continue
			}

			task := status.Data.Task
			c.logger.Debug("Task status update", "taskId", taskID, "status", task.Status, "progress", task.Progress)

			switch task.Status {
			case "completed":
				var data VisionOCRData
				if err := json.Unmarshal(task.Result, &data); err != nil {
					return nil, fmt.Errorf("failed to parse task result: %w", err)
				}
				return &data, nil

			case "failed":
				return nil, fmt.Errorf("task failed: %s", task.Error)

			case "pending", "processing":
				continue

			default:
				c.logger.Warn("Unknown task status", "status", task.Status)
			}
		}
	}
}

// HealthCheck verifies the vision service is available
func (c *VisionClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

/**
 * Embedding Client for the Prescription Worker
 *
 * Generates VoyageAI voyage-3 embeddings (1024 dimensions) of a prescription's
 * medication summary for the similar-prescription index.
 */

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

const (
	voyageModel      = "voyage-3"
	voyageDimensions = 1024
	maxEmbedChars    = 16000
)

// Embedder turns a summary text into a vector
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingClient handles VoyageAI embedding generation
type EmbeddingClient struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	logger     *logging.Logger
}

// VoyageEmbeddingRequest represents the request to VoyageAI API
type VoyageEmbeddingRequest struct {
	Input     string `json:"input"`
	Model     string `json:"model"`
	InputType string `json:"input_type,omitempty"`
}

// VoyageEmbeddingResponse represents the response from VoyageAI API
type VoyageEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewEmbeddingClient creates a new embedding client
func NewEmbeddingClient(apiKey string) (*EmbeddingClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("VoyageAI API key is required")
	}

	return &EmbeddingClient{
		apiKey:  apiKey,
		baseURL: "https://api.voyageai.com/v1/embeddings",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.NewLogger("Embedding"),
	}, nil
}

// GenerateEmbedding generates a 1024-dimensional embedding for the given text
func (e *EmbeddingClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}

	if utf8.RuneCountInString(text) > maxEmbedChars {
		e.logger.Warn("Summary too long, truncating", "runes", utf8.RuneCountInString(text), "max", maxEmbedChars)
		text = string([]rune(text)[:maxEmbedChars])
	}

	jsonData, err := json.Marshal(VoyageEmbeddingRequest{
		Input:     text,
		Model:     voyageModel,
		InputType: "document",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))

	startTime := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("VoyageAI API returned status %d: %s", resp.StatusCode, string(body))
	}

	var voyageResp VoyageEmbeddingResponse
	if err := json.Unmarshal(body, &voyageResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(voyageResp.Data) == 0 {
		return nil, fmt.Errorf("no embedding data in response")
	}

	embedding := voyageResp.Data[0].Embedding
	if len(embedding) != voyageDimensions {
		return nil, fmt.Errorf("unexpected embedding dimensions: got %d, expected %d", len(embedding), voyageDimensions)
	}

	e.logger.Debug("Embedding generated", "tokens", voyageResp.Usage.TotalTokens, "duration", time.Since(startTime))
	return embedding, nil
}

// MedicationSummary renders the medications as one line each:
// "name strength, quantity unit, day-parts, duration". Empty when there are none.
func MedicationSummary(p *model.StructuredPrescription) string {
	if p == nil {
		return ""
	}

	var lines []string
	for _, m := range p.Medications {
		if m.Name == "" {
			continue
		}
		parts := []string{strings.TrimSpace(m.Name + " " + m.Strength)}
		if m.Quantity != nil {
			parts = append(parts, strings.TrimSpace(strconv.FormatFloat(*m.Quantity, 'f', -1, 64)+" "+m.QuantityUnit))
		}
		if slots := scheduleParts(m.DosageSchedule); slots != "" {
			parts = append(parts, slots)
		} else if m.Frequency != "" {
			parts = append(parts, m.Frequency)
		}
		if m.DurationDays != nil {
			parts = append(parts, fmt.Sprintf("%d days", *m.DurationDays))
		}
		lines = append(lines, strings.Join(parts, ", "))
	}
	return strings.Join(lines, "\n")
}

func scheduleParts(s *model.DosageSchedule) string {
	if s == nil {
		return ""
	}
	var parts []string
	for _, slot := range []struct {
		name string
		dose *model.DoseSlot
	}{
		{"morning", s.Morning},
		{"noon", s.Noon},
		{"afternoon", s.Afternoon},
		{"evening", s.Evening},
		{"night", s.Night},
	} {
		if slot.dose != nil && slot.dose.Taken {
			parts = append(parts, slot.name)
		}
	}
	return strings.Join(parts, " ")
}

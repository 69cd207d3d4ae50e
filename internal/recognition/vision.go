package recognition

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/adverant/nexus/prescription-worker/internal/clients"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// VisionService is the part of clients.VisionClient the engine needs
type VisionService interface {
	ExtractTextFromBytes(ctx context.Context, imageData []byte, language string) (*clients.VisionOCRData, error)
	HealthCheck(ctx context.Context) error
}

// VisionEngine recognizes text through the remote vision service.
// Requests are throttled to the configured rate.
type VisionEngine struct {
	service VisionService
	limiter *rate.Limiter
}

// NewVisionEngine creates an engine allowing ratePerSecond calls (burst 1). Zero disables throttling.
func NewVisionEngine(service VisionService, ratePerSecond float64) *VisionEngine {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &VisionEngine{
		service: service,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (v *VisionEngine) Name() string { return "vision" }

// Init checks that the service answers
func (v *VisionEngine) Init(ctx context.Context) error {
	if err := v.service.HealthCheck(ctx); err != nil {
		return fmt.Errorf("vision service unavailable: %w", err)
	}
	return nil
}

func (v *VisionEngine) Close() error { return nil }

// Recognize sends the PNG to the service. Lines with polygons are used as-is;
// plain text is split into lines stacked evenly over the input height.
func (v *VisionEngine) Recognize(ctx context.Context, in Input) ([]Observation, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	data, err := v.service.ExtractTextFromBytes(ctx, in.PNG, visionLanguage(in.Languages))
	if err != nil {
		return nil, err
	}

	if len(data.Lines) > 0 {
		obs := make([]Observation, 0, len(data.Lines))
		for _, line := range data.Lines {
			if len(line.Polygon) < 4 {
				continue
			}
			var poly [4][2]float64
			copy(poly[:], line.Polygon[:4])

			conf := line.Confidence
			if conf == 0 {
				conf = data.Confidence
			}
			obs = append(obs, Observation{Polygon: poly, Text: line.Text, Confidence: conf})
		}
		return obs, nil
	}

	return stackLines(data.Text, data.Confidence, in.Width, in.Height), nil
}

// stackLines synthesizes full-width line polygons for text without geometry
func stackLines(text string, confidence float64, width, height int) []Observation {
	lines := []string{}
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil
	}

	step := float64(height) / float64(len(lines))
	obs := make([]Observation, 0, len(lines))
	for i, l := range lines {
		y := step * float64(i)
		obs = append(obs, Observation{
			Polygon:    RectPolygon(0, y, float64(width), y+step),
			Text:       l,
			Confidence: confidence,
		})
	}
	return obs
}

func visionLanguage(langs []model.Language) string {
	if len(langs) == 1 {
		return string(langs[0])
	}
	return "multi"
}

/**
 * Tesseract engine - offline line recognition
 *
 * Uses gosseract (cgo bindings to libtesseract). Kept in its own package so the
 * rest of the pipeline builds and tests without the native library.
 */

package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/prescription-worker/internal/model"
	"github.com/adverant/nexus/prescription-worker/internal/recognition"
)

// Engine wraps one gosseract client. The client is not re-entrant.
type Engine struct {
	languages []string
	client    *gosseract.Client
}

// New creates an engine for the given traineddata names (e.g. "eng", "khm", "fra")
func New(languages []string) *Engine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Engine{languages: languages}
}

func (e *Engine) Name() string { return "tesseract" }

// Init creates the client and loads the language packs
func (e *Engine) Init(ctx context.Context) error {
	client := gosseract.NewClient()

	if err := client.SetLanguage(e.languages...); err != nil {
		client.Close()
		return fmt.Errorf("failed to set languages %s: %w", strings.Join(e.languages, "+"), err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		client.Close()
		return fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	e.client = client
	return nil
}

// Close releases the native client
func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// Recognize returns one observation per text line
func (e *Engine) Recognize(ctx context.Context, in recognition.Input) ([]recognition.Observation, error) {
	if e.client == nil {
		return nil, fmt.Errorf("tesseract client not initialized")
	}

	if langs := TraineddataNames(in.Languages); len(langs) > 0 {
		if err := e.client.SetLanguage(langs...); err != nil {
			return nil, fmt.Errorf("failed to set languages: %w", err)
		}
		defer e.client.SetLanguage(e.languages...)
	}

	if err := e.client.SetImageFromBytes(in.PNG); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	obs := make([]recognition.Observation, 0, len(boxes))
	for _, b := range boxes {
		r := b.Box
		obs = append(obs, recognition.Observation{
			Polygon:    recognition.RectPolygon(float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y)),
			Text:       b.Word,
			Confidence: b.Confidence / 100,
		})
	}
	return obs, nil
}

// TraineddataNames maps pipeline language hints to tesseract pack names
func TraineddataNames(langs []model.Language) []string {
	names := make([]string, 0, len(langs))
	for _, l := range langs {
		switch l {
		case model.LangEnglish:
			names = append(names, "eng")
		case model.LangKhmer:
			names = append(names, "khm")
		case model.LangFrench:
			names = append(names, "fra")
		}
	}
	return names
}

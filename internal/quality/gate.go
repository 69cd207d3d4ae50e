/**
 * Quality gate
 *
 * Accepts or rejects a grayscale image before any expensive stage runs.
 * Thresholds are evaluated in a fixed order and the first failure becomes the reason.
 */

package quality

import (
	"fmt"
	"math"
	"strings"

	"github.com/adverant/nexus/prescription-worker/internal/config"
	"github.com/adverant/nexus/prescription-worker/internal/imaging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// Mode selects a threshold profile
type Mode string

const (
	ModeStrict  Mode = "strict"
	ModeLenient Mode = "lenient"
)

// ParseMode maps a query value to a Mode. Empty means strict.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeStrict:
		return ModeStrict, nil
	case ModeLenient:
		return ModeLenient, nil
	}
	return "", fmt.Errorf("unknown quality mode %q (expected strict or lenient)", s)
}

// Gate holds both threshold profiles. It has no mutable state.
type Gate struct {
	cfg config.QualityConfig
}

// NewGate creates a gate over the given profiles
func NewGate(cfg config.QualityConfig) *Gate {
	return &Gate{cfg: cfg}
}

func (g *Gate) thresholds(mode Mode) config.QualityThresholds {
	if mode == ModeLenient {
		return g.cfg.Lenient
	}
	return g.cfg.Strict
}

// Check measures the image and returns the verdict for the first failing threshold.
// Every metric is reported even when an earlier check fails.
func (g *Gate) Check(img *imaging.Gray, mode Mode) model.QualityReport {
	if mode == "" {
		mode = ModeStrict
	}
	report := model.QualityReport{Mode: string(mode)}

	if img.Empty() {
		report.Reason = "Invalid or empty image"
		return report
	}

	raw := measure(img)
	report.Metrics = rounded(raw)
	report.Reason, report.Accepted = verdict(raw, g.thresholds(mode))

	return report
}

// verdict applies t to unrounded metrics, in check order
func verdict(m model.QualityMetrics, t config.QualityThresholds) (string, bool) {
	h, w := m.Resolution.Height, m.Resolution.Width

	switch {
	case m.Blur < t.MinBlur:
		return fmt.Sprintf("Image too blurry (score: %.2f, min: %.0f)", m.Blur, t.MinBlur), false
	case m.Brightness < t.MinBrightness:
		return fmt.Sprintf("Image too dark (brightness: %.2f, min: %.0f)", m.Brightness, t.MinBrightness), false
	case m.Brightness > t.MaxBrightness:
		return fmt.Sprintf("Image too bright (brightness: %.2f, max: %.0f)", m.Brightness, t.MaxBrightness), false
	case h < t.MinHeight || w < t.MinWidth:
		return fmt.Sprintf("Low resolution (%dx%d, min: %dx%d)", w, h, t.MinWidth, t.MinHeight), false
	case m.Contrast < t.MinContrast:
		return fmt.Sprintf("Low contrast (score: %.2f, min: %.0f)", m.Contrast, t.MinContrast), false
	}
	return "", true
}

// Metrics computes every metric without applying thresholds, rounded to 2 decimals
func Metrics(img *imaging.Gray) model.QualityMetrics {
	return rounded(measure(img))
}

func measure(img *imaging.Gray) model.QualityMetrics {
	if img.Empty() {
		return model.QualityMetrics{}
	}
	return model.QualityMetrics{
		Blur:       img.LaplacianVariance(),
		Brightness: img.Mean(),
		Contrast:   img.StdDev(),
		Resolution: model.Resolution{Height: img.Height, Width: img.Width},
	}
}

func rounded(m model.QualityMetrics) model.QualityMetrics {
	m.Blur = round2(m.Blur)
	m.Brightness = round2(m.Brightness)
	m.Contrast = round2(m.Contrast)
	return m
}

// ToDetails flattens metrics for error details and storage
func ToDetails(m model.QualityMetrics) map[string]interface{} {
	return map[string]interface{}{
		"blur_score": m.Blur,
		"brightness": m.Brightness,
		"contrast":   m.Contrast,
		"height":     m.Resolution.Height,
		"width":      m.Resolution.Width,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// QualityThresholds is one quality gate profile. Brightness bounds are inclusive.
type QualityThresholds struct {
	MinBlur       float64 `yaml:"min_blur"`
	MinBrightness float64 `yaml:"min_brightness"`
	MaxBrightness float64 `yaml:"max_brightness"`
	MinContrast   float64 `yaml:"min_contrast"`
	MinHeight     int     `yaml:"min_height"`
	MinWidth      int     `yaml:"min_width"`
}

// QualityConfig holds both gate profiles; the caller picks one per request.
type QualityConfig struct {
	Strict  QualityThresholds `yaml:"strict"`
	Lenient QualityThresholds `yaml:"lenient"`
}

// LayoutConfig holds region and line segmentation parameters.
// Fractions are relative to the image (or region) dimensions.
type LayoutConfig struct {
	BinarizeThreshold     int     `yaml:"binarize_threshold"`
	KernelWidth           int     `yaml:"kernel_width"`
	KernelHeight          int     `yaml:"kernel_height"`
	DilateIterations      int     `yaml:"dilate_iterations"`
	MinRegionHeight       int     `yaml:"min_region_height"`
	MinRegionWidth        int     `yaml:"min_region_width"`
	HeaderFraction        float64 `yaml:"header_fraction"`
	FooterFraction        float64 `yaml:"footer_fraction"`
	SignatureTopFraction  float64 `yaml:"signature_top_fraction"`
	SignatureLeftFraction float64 `yaml:"signature_left_fraction"`
	TableAspectRatio      float64 `yaml:"table_aspect_ratio"`
	TableWidthFraction    float64 `yaml:"table_width_fraction"`
	MergeOverlapRatio     float64 `yaml:"merge_overlap_ratio"`
	MergeToFixpoint       bool    `yaml:"merge_to_fixpoint"`
	LineThresholdRatio    float64 `yaml:"line_threshold_ratio"`
	MinLineHeight         int     `yaml:"min_line_height"`
}

// ClassifierConfig holds block classification parameters.
type ClassifierConfig struct {
	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold"`
}

// ExtractionConfig holds structured extraction parameters.
type ExtractionConfig struct {
	DefaultRepeat          string  `yaml:"default_repeat"`
	FrequencyDerivedFactor float64 `yaml:"frequency_derived_factor"`
}

// SafetyConfig holds the forbidden vocabulary. An empty list means the built-in one.
type SafetyConfig struct {
	ForbiddenTerms []string `yaml:"forbidden_terms"`
}

// ImageConfig holds input validation limits.
type ImageConfig struct {
	MaxBytes  int64 `yaml:"max_bytes"`
	MinWidth  int   `yaml:"min_width"`
	MinHeight int   `yaml:"min_height"`
}

// Pipeline is the single threshold structure threaded through every stage.
type Pipeline struct {
	Quality    QualityConfig    `yaml:"quality"`
	Layout     LayoutConfig     `yaml:"layout"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Safety     SafetyConfig     `yaml:"safety"`
	Image      ImageConfig      `yaml:"image"`
}

// DefaultPipeline returns the canonical thresholds.
func DefaultPipeline() *Pipeline {
	return &Pipeline{
		Quality: QualityConfig{
			Strict: QualityThresholds{
				MinBlur:       120,
				MinBrightness: 70,
				MaxBrightness: 230,
				MinContrast:   30,
				MinHeight:     1200,
				MinWidth:      800,
			},
			Lenient: QualityThresholds{
				MinBlur:       80,
				MinBrightness: 50,
				MaxBrightness: 240,
				MinContrast:   30,
				MinHeight:     600,
				MinWidth:      400,
			},
		},
		Layout: LayoutConfig{
			BinarizeThreshold:     128,
			KernelWidth:           30,
			KernelHeight:          5,
			DilateIterations:      2,
			MinRegionHeight:       50,
			MinRegionWidth:        120,
			HeaderFraction:        0.15,
			FooterFraction:        0.90,
			SignatureTopFraction:  0.75,
			SignatureLeftFraction: 0.5,
			TableAspectRatio:      3,
			TableWidthFraction:    0.6,
			MergeOverlapRatio:     0.5,
			LineThresholdRatio:    0.1,
			MinLineHeight:         10,
		},
		Classifier: ClassifierConfig{
			LowConfidenceThreshold: 0.5,
		},
		Extraction: ExtractionConfig{
			DefaultRepeat:          "daily",
			FrequencyDerivedFactor: 0.9,
		},
		Image: ImageConfig{
			MaxBytes:  50 * 1024 * 1024,
			MinWidth:  100,
			MinHeight: 100,
		},
	}
}

// LoadPipeline overlays the YAML file at path on the defaults.
// An empty path returns the defaults.
func LoadPipeline(path string) (*Pipeline, error) {
	p := DefaultPipeline()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read pipeline config %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
		}
	}

	p.Layout.MergeToFixpoint = getEnvAsBoolOrDefault("LAYOUT_MERGE_FIXPOINT", p.Layout.MergeToFixpoint)

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config validation failed: %w", err)
	}

	return p, nil
}

// Validate checks the thresholds for internal consistency
func (p *Pipeline) Validate() error {
	for name, q := range map[string]QualityThresholds{"strict": p.Quality.Strict, "lenient": p.Quality.Lenient} {
		if q.MinBrightness >= q.MaxBrightness {
			return fmt.Errorf("quality.%s: min_brightness %.1f must be below max_brightness %.1f", name, q.MinBrightness, q.MaxBrightness)
		}
		if q.MinBlur < 0 || q.MinContrast < 0 {
			return fmt.Errorf("quality.%s: blur and contrast thresholds must not be negative", name)
		}
		if q.MinHeight < 1 || q.MinWidth < 1 {
			return fmt.Errorf("quality.%s: minimum resolution must be positive, got %dx%d", name, q.MinWidth, q.MinHeight)
		}
	}

	l := p.Layout
	if l.KernelWidth < 1 || l.KernelHeight < 1 {
		return fmt.Errorf("layout: kernel must be at least 1x1, got %dx%d", l.KernelWidth, l.KernelHeight)
	}
	if l.DilateIterations < 0 {
		return fmt.Errorf("layout: dilate_iterations must not be negative, got %d", l.DilateIterations)
	}
	if l.BinarizeThreshold < 0 || l.BinarizeThreshold > 255 {
		return fmt.Errorf("layout: binarize_threshold must be within 0-255, got %d", l.BinarizeThreshold)
	}
	if l.MergeOverlapRatio <= 0 || l.MergeOverlapRatio > 1 {
		return fmt.Errorf("layout: merge_overlap_ratio must be within (0,1], got %.2f", l.MergeOverlapRatio)
	}
	if l.LineThresholdRatio <= 0 || l.LineThresholdRatio >= 1 {
		return fmt.Errorf("layout: line_threshold_ratio must be within (0,1), got %.2f", l.LineThresholdRatio)
	}

	if c := p.Classifier.LowConfidenceThreshold; c < 0 || c > 1 {
		return fmt.Errorf("classifier: low_confidence_threshold must be within [0,1], got %.2f", c)
	}

	if f := p.Extraction.FrequencyDerivedFactor; f <= 0 || f > 1 {
		return fmt.Errorf("extraction: frequency_derived_factor must be within (0,1], got %.2f", f)
	}
	if p.Extraction.DefaultRepeat == "" {
		return fmt.Errorf("extraction: default_repeat is required")
	}

	if p.Image.MaxBytes < 1 || p.Image.MinWidth < 1 || p.Image.MinHeight < 1 {
		return fmt.Errorf("image: limits must be positive")
	}

	return nil
}

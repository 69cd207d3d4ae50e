/**
 * Region Segmenter for the Prescription Worker
 *
 * Splits an accepted page into geometric regions and each region into text lines:
 * - binarize with polarity so glyphs are foreground
 * - wide-short dilation to bridge glyphs into blocks
 * - external component boxes, size filter, positional classification
 * - reading order sort and vertical-overlap merge
 */

package layout

import (
	"fmt"
	"sort"

	"github.com/adverant/nexus/prescription-worker/internal/config"
	"github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/imaging"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

const fallbackConfidence = 0.5

// Segmenter performs region and line segmentation. Safe for concurrent use.
type Segmenter struct {
	cfg    config.LayoutConfig
	logger *logging.Logger
}

// NewSegmenter creates a segmenter with the given parameters
func NewSegmenter(cfg config.LayoutConfig) *Segmenter {
	return &Segmenter{
		cfg:    cfg,
		logger: logging.NewLogger("Layout"),
	}
}

// Segment returns the page regions in reading order
func (s *Segmenter) Segment(img *imaging.Gray) ([]model.Region, error) {
	if img.Empty() {
		return nil, fmt.Errorf("cannot segment an empty image")
	}

	mask := s.foregroundMask(img)
	mask = dilate(mask, img.Width, img.Height, s.cfg.KernelWidth, s.cfg.KernelHeight, s.cfg.DilateIterations)

	boxes := componentBoxes(mask, img.Width, img.Height)

	filtered := make([]model.Box, 0, len(boxes))
	for _, b := range boxes {
		if b.H < s.cfg.MinRegionHeight || b.W < s.cfg.MinRegionWidth {
			continue
		}
		filtered = append(filtered, b)
	}
	filtered = dropContained(filtered)

	regions := make([]model.Region, 0, len(filtered))
	for _, b := range filtered {
		b = b.Clamp(img.Width, img.Height)
		regions = append(regions, model.Region{
			Box:        b,
			Type:       s.Classify(b, img.Width, img.Height),
			Confidence: 1.0,
		})
	}

	SortReadingOrder(regions)
	regions = s.Merge(regions, img.Width, img.Height)

	s.logger.Debug("Segmented page", "components", len(boxes), "regions", len(regions))
	return regions, nil
}

// SegmentWithFallback never fails: when segmentation errors or finds nothing,
// the whole page becomes one body region and a degraded warning is returned.
func (s *Segmenter) SegmentWithFallback(img *imaging.Gray) (regions []model.Region, warning *errors.PipelineError) {
	defer func() {
		if r := recover(); r != nil {
			regions, warning = s.fallback(img, fmt.Errorf("segmentation panic: %v", r))
		}
	}()

	regions, err := s.Segment(img)
	if err != nil {
		return s.fallback(img, err)
	}
	if len(regions) == 0 {
		return s.fallback(img, fmt.Errorf("no regions detected"))
	}
	return regions, nil
}

func (s *Segmenter) fallback(img *imaging.Gray, cause error) ([]model.Region, *errors.PipelineError) {
	s.logger.Warn("Layout detection degraded, using whole page", "error", cause)

	if img.Empty() {
		return []model.Region{}, errors.NewLayoutDegradedError(cause)
	}
	return []model.Region{{
		Box:        model.Box{X: 0, Y: 0, W: img.Width, H: img.Height},
		Type:       model.RegionBody,
		Confidence: fallbackConfidence,
	}}, errors.NewLayoutDegradedError(cause)
}

// Classify applies the positional rules in priority order
func (s *Segmenter) Classify(b model.Box, width, height int) model.RegionType {
	return ClassifyBox(s.cfg, b, width, height)
}

// ClassifyBox is the positional rule table shared with block classification
func ClassifyBox(cfg config.LayoutConfig, b model.Box, width, height int) model.RegionType {
	w, h := float64(width), float64(height)

	if float64(b.Y) < h*cfg.HeaderFraction {
		return model.RegionHeader
	}
	if float64(b.Bottom()) > h*cfg.FooterFraction {
		return model.RegionFooter
	}
	if float64(b.Y) > h*cfg.SignatureTopFraction && float64(b.X) > w*cfg.SignatureLeftFraction {
		return model.RegionSignature
	}

	aspect := 0.0
	if b.H > 0 {
		aspect = float64(b.W) / float64(b.H)
	}
	if aspect > cfg.TableAspectRatio && float64(b.W) > w*cfg.TableWidthFraction {
		return model.RegionTable
	}

	return model.RegionBody
}

// SortReadingOrder sorts regions top-to-bottom, then left-to-right
func SortReadingOrder(regions []model.Region) {
	sort.SliceStable(regions, func(i, j int) bool {
		if regions[i].Box.Y != regions[j].Box.Y {
			return regions[i].Box.Y < regions[j].Box.Y
		}
		return regions[i].Box.X < regions[j].Box.X
	})
}

// Merge unions regions whose vertical spans overlap by more than the configured share
// of the shorter height. One pass by default; MergeToFixpoint repeats until stable.
// The input is not modified.
func (s *Segmenter) Merge(regions []model.Region, width, height int) []model.Region {
	out := mergePass(regions, s.cfg.MergeOverlapRatio)
	for s.cfg.MergeToFixpoint && len(out) < len(regions) {
		regions = out
		out = mergePass(regions, s.cfg.MergeOverlapRatio)
	}

	for i := range out {
		out[i].Type = s.Classify(out[i].Box, width, height)
	}
	return out
}

func mergePass(regions []model.Region, ratio float64) []model.Region {
	merged := make([]model.Region, 0, len(regions))
	used := make([]bool, len(regions))

	for i := range regions {
		if used[i] {
			continue
		}
		current := regions[i]

		for j := i + 1; j < len(regions); j++ {
			if used[j] {
				continue
			}
			if verticalOverlap(current.Box, regions[j].Box) > ratio*float64(min(current.Box.H, regions[j].Box.H)) {
				current.Box = current.Box.Union(regions[j].Box)
				current.Confidence = min(current.Confidence, regions[j].Confidence)
				used[j] = true
			}
		}

		merged = append(merged, current)
	}

	return merged
}

func verticalOverlap(a, b model.Box) float64 {
	return float64(min(a.Bottom(), b.Bottom()) - max(a.Y, b.Y))
}

// Lines splits a region into text lines using its row projection profile.
// Returned boxes are relative to the region.
func (s *Segmenter) Lines(img *imaging.Gray, region model.Region) []model.TextLine {
	crop := img.Crop(region.Box)
	if crop.Empty() {
		return []model.TextLine{}
	}

	mask := s.foregroundMask(crop)
	profile := make([]int, crop.Height)
	peak := 0
	for y := 0; y < crop.Height; y++ {
		row := mask[y*crop.Width : (y+1)*crop.Width]
		for _, on := range row {
			if on {
				profile[y]++
			}
		}
		peak = max(peak, profile[y])
	}

	threshold := float64(peak) * s.cfg.LineThresholdRatio
	lines := []model.TextLine{}
	inLine := false
	start := 0

	emit := func(end int) {
		if end-start > s.cfg.MinLineHeight {
			lines = append(lines, model.TextLine{Box: model.Box{X: 0, Y: start, W: crop.Width, H: end - start}})
		}
	}

	for y, v := range profile {
		above := float64(v) > threshold
		switch {
		case above && !inLine:
			inLine = true
			start = y
		case !above && inLine:
			inLine = false
			emit(y)
		}
	}
	if inLine {
		emit(len(profile))
	}

	return lines
}

// foregroundMask binarizes with glyphs as true. Light pages are inverted first.
func (s *Segmenter) foregroundMask(img *imaging.Gray) []bool {
	invert := img.Mean() > 127
	threshold := uint8(s.cfg.BinarizeThreshold)

	mask := make([]bool, len(img.Pix))
	for i, p := range img.Pix {
		if invert {
			p = 255 - p
		}
		mask[i] = p > threshold
	}
	return mask
}

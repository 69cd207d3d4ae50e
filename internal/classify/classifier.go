/**
 * Block Classifier for the Prescription Worker
 *
 * Assigns a coarse semantic type to every recognized block:
 * - region inheritance by block center
 * - positional rules at block granularity
 * - keyword refinement for patient, doctor, medication and dosage content
 *
 * Low-confidence blocks are recorded by index and kept in the output.
 */

package classify

import (
	"regexp"
	"strings"

	"github.com/adverant/nexus/prescription-worker/internal/config"
	"github.com/adverant/nexus/prescription-worker/internal/layout"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

var (
	patientPattern   = regexp.MustCompile(`(?i)\b(patient|name|nom|age|gender|sex|sexe)\b|âge|ឈ្មោះ|អាយុ|ភេទ`)
	doctorPattern    = regexp.MustCompile(`(?i)\b(dr\.?|doctor|physician)(\s|$)|médecin|វេជ្ជបណ្ឌិត|គ្រូពេទ្យ`)
	strengthPattern  = regexp.MustCompile(`(?i)\d+(?:[.,]\d+)?\s*(mg|mcg|µg|g|ml|iu|%)([^\p{L}]|$)`)
	formPattern      = regexp.MustCompile(`(?i)\b(tab|tablet|tablets|cap|capsule|capsules|syr|syrup|inj|injection)\b|comprimé|gélule|viên|គ្រាប់`)
	dayPartPattern   = regexp.MustCompile(`(?i)\b(morning|noon|evening|night|matin|midi|soir|nuit)\b|ព្រឹក|ថ្ងៃត្រង់|ល្ងាច|យប់`)
	frequencyPattern = regexp.MustCompile(`(?i)\b(od|bd|bid|tds|tid|qds|qid|prn|stat|q\d+h|once|twice|daily)\b|ដង`)
)

// block types that content keywords may narrow
var refinableTypes = map[model.BlockType]bool{
	model.BlockHeader:  true,
	model.BlockBody:    true,
	model.BlockTable:   true,
	model.BlockUnknown: true,
}

// Classifier assigns block types. Safe for concurrent use.
type Classifier struct {
	layout        config.LayoutConfig
	lowConfidence float64
	logger        *logging.Logger
}

// NewClassifier creates a classifier sharing the segmenter's positional rules
func NewClassifier(layoutCfg config.LayoutConfig, cfg config.ClassifierConfig) *Classifier {
	return &Classifier{
		layout:        layoutCfg,
		lowConfidence: cfg.LowConfidenceThreshold,
		logger:        logging.NewLogger("Classifier"),
	}
}

// AssignRegions returns a copy of blocks with Region set to the index of the
// region containing each block's center, or -1.
func AssignRegions(blocks []model.TextBlock, regions []model.Region) []model.TextBlock {
	out := make([]model.TextBlock, len(blocks))
	for i, b := range blocks {
		b.Region = -1
		cx, cy := b.BBox.Center()
		for j, r := range regions {
			if r.Box.Contains(cx, cy) {
				b.Region = j
				break
			}
		}
		out[i] = b
	}
	return out
}

// Classify returns typed copies of blocks and the indices of blocks below the
// low-confidence threshold
func (c *Classifier) Classify(blocks []model.TextBlock, regions []model.Region, width, height int) ([]model.TextBlock, []int) {
	out := make([]model.TextBlock, len(blocks))
	low := []int{}

	for i, b := range blocks {
		b.BlockType = c.ClassifyBlock(b, regions, width, height)
		if b.Confidence < c.lowConfidence {
			low = append(low, i)
		}
		out[i] = b
	}

	c.logger.Debug("Blocks classified", "blocks", len(out), "low_confidence", len(low))
	return out, low
}

// ClassifyBlock decides one block's type
func (c *Classifier) ClassifyBlock(b model.TextBlock, regions []model.Region, width, height int) model.BlockType {
	box := model.Box{X: b.BBox.X1, Y: b.BBox.Y1, W: b.BBox.Width(), H: b.BBox.Height()}
	positional := model.BlockType(layout.ClassifyBox(c.layout, box, width, height))

	typ := positional
	if b.Region >= 0 && b.Region < len(regions) {
		inherited := model.BlockType(regions[b.Region].Type)
		// inside a body region the block position decides
		if inherited != model.BlockUnknown && !(inherited == model.BlockBody && positional != model.BlockBody) {
			typ = inherited
		}
	}

	return refine(typ, b.Text)
}

// Refine narrows a block type using the text alone
func Refine(typ model.BlockType, text string) model.BlockType {
	return refine(typ, text)
}

// refine narrows a positional type using the block's content
func refine(typ model.BlockType, text string) model.BlockType {
	text = strings.TrimSpace(text)

	if doctorPattern.MatchString(text) {
		return model.BlockDoctorInfo
	}
	if !refinableTypes[typ] {
		return typ
	}

	switch {
	case patientPattern.MatchString(text):
		return model.BlockPatientInfo
	case strengthPattern.MatchString(text) || formPattern.MatchString(text):
		return model.BlockMedication
	case dayPartPattern.MatchString(text) || frequencyPattern.MatchString(text):
		return model.BlockDosage
	}
	return typ
}

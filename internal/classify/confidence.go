package classify

import (
	"fmt"

	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// Confidence level boundaries
const (
	LevelHigh     = 0.90
	LevelMedium   = 0.75
	LevelLow      = 0.60
	ReviewBlock   = 0.70
	reviewedShare = 0.2
	snippetLength = 30
)

// BlockWeights scale each block's contribution to the overall confidence
var BlockWeights = map[model.BlockType]float64{
	model.BlockMedication:  1.5,
	model.BlockDosage:      1.4,
	model.BlockPatientInfo: 1.2,
	model.BlockTable:       1.1,
	model.BlockHeader:      0.9,
	model.BlockBody:        1.0,
	model.BlockFooter:      0.7,
	model.BlockSignature:   0.7,
	model.BlockDoctorInfo:  1.0,
	model.BlockUnknown:     1.0,
}

// Report is the document-level confidence summary
type Report struct {
	Overall              float64
	MedicationConfidence float64
	Level                string
	NeedsReview          bool
	Reasons              []string
}

// Overall is the weighted mean block confidence, 0 for no blocks
func Overall(blocks []model.TextBlock) float64 {
	var sum, weights float64
	for _, b := range blocks {
		w, ok := BlockWeights[b.BlockType]
		if !ok {
			w = 1.0
		}
		sum += b.Confidence * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// Level maps a confidence to high, medium, low or critical
func Level(confidence float64) string {
	switch {
	case confidence >= LevelHigh:
		return "high"
	case confidence >= LevelMedium:
		return "medium"
	case confidence >= LevelLow:
		return "low"
	default:
		return "critical"
	}
}

// Assess computes the confidence report for classified blocks and extracted medications
func Assess(blocks []model.TextBlock, medications []model.Medication) Report {
	report := Report{
		Overall: Overall(blocks),
		Reasons: []string{},
	}
	report.Level = Level(report.Overall)
	report.MedicationConfidence = meanMedicationConfidence(medications)

	if report.Overall < LevelMedium {
		report.Reasons = append(report.Reasons, fmt.Sprintf("Overall confidence too low: %.2f%%", report.Overall*100))
	}

	low := 0
	for _, b := range blocks {
		if b.Confidence < ReviewBlock {
			low++
		}
	}
	if float64(low) > float64(len(blocks))*reviewedShare {
		report.Reasons = append(report.Reasons, fmt.Sprintf("%d blocks have low confidence", low))
	}

	for _, b := range blocks {
		if (b.BlockType == model.BlockMedication || b.BlockType == model.BlockDosage) && b.Confidence < LevelMedium {
			report.Reasons = append(report.Reasons, fmt.Sprintf("Critical block '%s' has low confidence: %.2f%%", snippet(b.Text), b.Confidence*100))
		}
	}

	if len(medications) == 0 {
		report.Reasons = append(report.Reasons, "No medications found")
	}
	for _, m := range medications {
		if m.ParseState != model.ParseFinalized {
			report.Reasons = append(report.Reasons, fmt.Sprintf("Medication %d (%s) is partial: %s", m.Sequence, m.Name, m.ParseState))
		}
	}

	report.NeedsReview = len(report.Reasons) > 0
	return report
}

func meanMedicationConfidence(medications []model.Medication) float64 {
	if len(medications) == 0 {
		return 0
	}
	var sum float64
	for _, m := range medications {
		sum += m.Confidence
	}
	return sum / float64(len(medications))
}

func snippet(text string) string {
	r := []rune(text)
	if len(r) <= snippetLength {
		return text
	}
	return string(r[:snippetLength]) + "..."
}

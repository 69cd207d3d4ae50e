package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/prescription-worker/internal/config"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

const (
	pageWidth  = 800
	pageHeight = 1200
)

func newTestClassifier() *Classifier {
	p := config.DefaultPipeline()
	return NewClassifier(p.Layout, p.Classifier)
}

func block(text string, x1, y1, x2, y2 int, conf float64) model.TextBlock {
	return model.TextBlock{
		Text:       text,
		BBox:       model.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2},
		Confidence: conf,
		Language:   model.LangEnglish,
		BlockType:  model.BlockUnknown,
		Region:     -1,
	}
}

func TestClassifyBlock(t *testing.T) {
	c := newTestClassifier()
	tableRegion := []model.Region{{Box: model.Box{X: 0, Y: 600, W: 800, H: 150}, Type: model.RegionTable}}
	pageBody := []model.Region{{Box: model.Box{X: 0, Y: 0, W: 800, H: 1200}, Type: model.RegionBody}}

	tests := []struct {
		name    string
		block   model.TextBlock
		regions []model.Region
		want    model.BlockType
	}{
		{"header position", block("Calmette Hospital", 100, 50, 400, 90, 0.9), nil, model.BlockHeader},
		{"strength makes medication", block("Paracetamol 500mg", 50, 400, 450, 440, 0.9), nil, model.BlockMedication},
		{"form word makes medication", block("Butylscopolamine 5 viên", 50, 400, 450, 440, 0.9), nil, model.BlockMedication},
		{"khmer day parts make dosage", block("ល្ងាច | យប់", 50, 500, 300, 540, 0.9), nil, model.BlockDosage},
		{"frequency makes dosage", block("twice daily", 50, 500, 300, 540, 0.9), nil, model.BlockDosage},
		{"patient keyword in header", block("Patient: Sok Dara", 50, 100, 400, 140, 0.9), nil, model.BlockPatientInfo},
		{"khmer patient keyword", block("ឈ្មោះ សុខ", 50, 100, 400, 140, 0.9), nil, model.BlockPatientInfo},
		{"doctor in signature corner", block("Dr. Chan Vuthy", 500, 950, 750, 1000, 0.9), nil, model.BlockDoctorInfo},
		{"footer stays footer", block("Page 1", 50, 1100, 200, 1130, 0.9), nil, model.BlockFooter},
		{"footer is not refined to medication", block("500mg", 50, 1100, 200, 1130, 0.9), nil, model.BlockFooter},
		{"inherits table region", withRegion(block("1 | Amoxicillin | 7", 20, 620, 300, 650, 0.9), 0), tableRegion, model.BlockTable},
		{"position wins inside body region", withRegion(block("Calmette", 50, 20, 300, 60, 0.9), 0), pageBody, model.BlockHeader},
		{"body region keeps body blocks", withRegion(block("Take with water", 50, 500, 300, 540, 0.9), 0), pageBody, model.BlockBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.ClassifyBlock(tt.block, tt.regions, pageWidth, pageHeight))
		})
	}
}

func withRegion(b model.TextBlock, region int) model.TextBlock {
	b.Region = region
	return b
}

func TestClassifyRecordsLowConfidenceBlocks(t *testing.T) {
	c := newTestClassifier()
	blocks := []model.TextBlock{
		block("Paracetamol 500mg", 50, 400, 450, 440, 0.9),
		block("ល្ងាច", 50, 450, 450, 490, 0.49),
		block("យប់", 50, 500, 450, 540, 0.5),
		block("od", 50, 550, 450, 590, 0.1),
	}

	typed, low := c.Classify(blocks, nil, pageWidth, pageHeight)
	require.Len(t, typed, len(blocks), "low-confidence blocks are kept")
	assert.Equal(t, []int{1, 3}, low)
	assert.Equal(t, model.BlockMedication, typed[0].BlockType)
	assert.Equal(t, model.BlockDosage, typed[1].BlockType)
	assert.Equal(t, model.BlockUnknown, blocks[0].BlockType, "input is not modified")

	_, low = c.Classify(nil, nil, pageWidth, pageHeight)
	assert.NotNil(t, low)
	assert.Empty(t, low)
}

func TestAssignRegions(t *testing.T) {
	regions := []model.Region{
		{Box: model.Box{X: 0, Y: 0, W: 800, H: 200}, Type: model.RegionHeader},
		{Box: model.Box{X: 0, Y: 300, W: 800, H: 400}, Type: model.RegionBody},
	}
	blocks := []model.TextBlock{
		block("header", 10, 10, 200, 50, 0.9),
		block("body", 10, 400, 200, 440, 0.9),
		block("gap", 10, 220, 200, 260, 0.9),
		// center falls in the body even though the top edge does not
		block("straddling", 10, 180, 200, 460, 0.9),
	}

	assigned := AssignRegions(blocks, regions)
	assert.Equal(t, 0, assigned[0].Region)
	assert.Equal(t, 1, assigned[1].Region)
	assert.Equal(t, -1, assigned[2].Region)
	assert.Equal(t, 1, assigned[3].Region)
	assert.Equal(t, -1, blocks[0].Region)
}

func TestOverall(t *testing.T) {
	blocks := []model.TextBlock{
		{Confidence: 0.9, BlockType: model.BlockMedication},
		{Confidence: 0.5, BlockType: model.BlockFooter},
	}
	assert.InDelta(t, 1.7/2.2, Overall(blocks), 1e-9)
	assert.Equal(t, 0.0, Overall(nil))

	unknownType := []model.TextBlock{{Confidence: 0.8, BlockType: "stamp"}}
	assert.InDelta(t, 0.8, Overall(unknownType), 1e-9)
}

func TestLevel(t *testing.T) {
	tests := []struct {
		conf float64
		want string
	}{
		{0.95, "high"},
		{0.90, "high"},
		{0.80, "medium"},
		{0.75, "medium"},
		{0.60, "low"},
		{0.59, "critical"},
		{0, "critical"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Level(tt.conf), "confidence %.2f", tt.conf)
	}
}

func TestAssessCleanDocument(t *testing.T) {
	blocks := []model.TextBlock{
		{Text: "Paracetamol 500mg", Confidence: 0.95, BlockType: model.BlockMedication},
		{Text: "twice daily", Confidence: 0.92, BlockType: model.BlockDosage},
		{Text: "Take with water", Confidence: 0.9, BlockType: model.BlockBody},
	}
	meds := []model.Medication{{Sequence: 1, Name: "Paracetamol", Confidence: 0.9, ParseState: model.ParseFinalized}}

	report := Assess(blocks, meds)
	assert.False(t, report.NeedsReview)
	assert.Empty(t, report.Reasons)
	assert.Equal(t, "high", report.Level)
	assert.InDelta(t, 0.9, report.MedicationConfidence, 1e-9)
}

func TestAssessReviewReasons(t *testing.T) {
	blocks := []model.TextBlock{
		{Text: "Amoxicillin 500mg capsules three times a day", Confidence: 0.6, BlockType: model.BlockMedication},
		{Text: "a", Confidence: 0.95, BlockType: model.BlockBody},
		{Text: "b", Confidence: 0.95, BlockType: model.BlockBody},
		{Text: "c", Confidence: 0.95, BlockType: model.BlockBody},
		{Text: "d", Confidence: 0.95, BlockType: model.BlockBody},
	}
	meds := []model.Medication{
		{Sequence: 1, Name: "Amoxicillin", Confidence: 0.45, ParseState: model.ParseDosageFound},
	}

	report := Assess(blocks, meds)
	require.True(t, report.NeedsReview)
	require.Len(t, report.Reasons, 2, "one low block out of five is not above the share")
	assert.Equal(t, "Critical block 'Amoxicillin 500mg capsules thr...' has low confidence: 60.00%", report.Reasons[0])
	assert.Equal(t, "Medication 1 (Amoxicillin) is partial: dosage_found", report.Reasons[1])
}

func TestAssessEmptyDocument(t *testing.T) {
	report := Assess(nil, nil)
	assert.True(t, report.NeedsReview)
	assert.Equal(t, []string{"Overall confidence too low: 0.00%", "No medications found"}, report.Reasons)
	assert.Equal(t, "critical", report.Level)
	assert.Equal(t, 0.0, report.MedicationConfidence)
}

func TestAssessLowBlockShare(t *testing.T) {
	blocks := []model.TextBlock{
		{Confidence: 0.65, BlockType: model.BlockBody},
		{Confidence: 0.65, BlockType: model.BlockBody},
		{Confidence: 0.99, BlockType: model.BlockBody},
		{Confidence: 0.99, BlockType: model.BlockBody},
	}
	meds := []model.Medication{{Sequence: 1, Name: "x", Confidence: 1, ParseState: model.ParseFinalized}}

	report := Assess(blocks, meds)
	assert.Equal(t, []string{"2 blocks have low confidence"}, report.Reasons)
}

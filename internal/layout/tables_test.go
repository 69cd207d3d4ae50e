package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// groundTruthCell is the expected content of one body cell
type groundTruthCell struct {
	Row     int
	Col     int
	Content string
}

func tableLines(conf float64, texts ...string) []TableLine {
	lines := make([]TableLine, len(texts))
	for i, text := range texts {
		lines[i] = TableLine{Text: text, Confidence: conf}
	}
	return lines
}

// cellAccuracy is the share of ground truth cells found with identical content
func cellAccuracy(table *model.TableData, truth []groundTruthCell) float64 {
	if len(truth) == 0 {
		return 0
	}
	got := map[[2]int]string{}
	for _, c := range table.Cells {
		got[[2]int{c.Row, c.Col}] = c.Text
	}
	correct := 0
	for _, want := range truth {
		if got[[2]int{want.Row, want.Col}] == want.Content {
			correct++
		}
	}
	return float64(correct) / float64(len(truth))
}

func TestExtractTableAccuracy(t *testing.T) {
	tests := []struct {
		name     string
		lines    []TableLine
		headers  []string
		rows     int
		cols     int
		expected []groundTruthCell
	}{
		{
			name:    "pipe table with headers",
			lines:   tableLines(0.9, "Medicine | Morning | Evening", "Paracetamol 500mg | 1 | 1", "Amoxicillin 250mg | 1 | 0"),
			headers: []string{"Medicine", "Morning", "Evening"},
			rows:    2,
			cols:    3,
			expected: []groundTruthCell{
				{Row: 0, Col: 0, Content: "Paracetamol 500mg"},
				{Row: 0, Col: 2, Content: "1"},
				{Row: 1, Col: 0, Content: "Amoxicillin 250mg"},
				{Row: 1, Col: 2, Content: "0"},
			},
		},
		{
			name:    "first row with digits is data",
			lines:   tableLines(0.8, "1 | Omeprazole 20mg | 14", "2 | Cetirizine 10mg | 7"),
			headers: []string{},
			rows:    2,
			cols:    3,
			expected: []groundTruthCell{
				{Row: 0, Col: 1, Content: "Omeprazole 20mg"},
				{Row: 1, Col: 2, Content: "7"},
			},
		},
		{
			name:    "edge pipes dropped",
			lines:   tableLines(0.9, "| Drug | Dose |", "| Paracetamol | 500mg |"),
			headers: []string{"Drug", "Dose"},
			rows:    1,
			cols:    2,
			expected: []groundTruthCell{
				{Row: 0, Col: 0, Content: "Paracetamol"},
				{Row: 0, Col: 1, Content: "500mg"},
			},
		},
		{
			name:    "tab delimited",
			lines:   tableLines(0.7, "Drug\tQty\tDays", "Ibuprofen\t10\t5", "Metformin\t60\t30"),
			headers: []string{"Drug", "Qty", "Days"},
			rows:    2,
			cols:    3,
			expected: []groundTruthCell{
				{Row: 0, Col: 1, Content: "10"},
				{Row: 1, Col: 2, Content: "30"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := ExtractTable(tt.lines)
			require.NotNil(t, table)

			assert.Equal(t, tt.headers, table.Headers)
			assert.Equal(t, tt.rows, table.RowCount)
			assert.Equal(t, tt.cols, table.ColCount)
			assert.Len(t, table.Rows, table.RowCount)
			assert.Equal(t, 1.0, cellAccuracy(table, tt.expected))
		})
	}
}

func TestExtractTableCellConfidence(t *testing.T) {
	lines := []TableLine{
		{Text: "Name | Dose | Days", Confidence: 0.9},
		{Text: "Paracetamol | 500mg | 3", Confidence: 0.6},
	}
	table := ExtractTable(lines)
	require.NotNil(t, table)
	require.NotEmpty(t, table.Cells)

	for _, c := range table.Cells {
		assert.Equal(t, 0.6, c.Confidence)
	}
}

func TestExtractTablePicksLargestRegion(t *testing.T) {
	lines := tableLines(0.9,
		"a | b | c",
		"d | e | f",
		"plain text between tables",
		"1 | Paracetamol | 3",
		"2 | Amoxicillin | 7",
		"3 | Ibuprofen | 5",
	)
	table := ExtractTable(lines)
	require.NotNil(t, table)

	assert.Equal(t, 3, table.RowCount)
	assert.Equal(t, "Ibuprofen", table.Rows[2][1])
}

func TestExtractTableRejectsIrregularRows(t *testing.T) {
	lines := tableLines(0.9,
		"a | b | c",
		"1 | 2 | 3 | 4 | 5",
	)
	assert.Nil(t, ExtractTable(lines))
}

func TestExtractTableNeedsTwoRows(t *testing.T) {
	assert.Nil(t, ExtractTable(tableLines(0.9, "Paracetamol | 500mg | 1")))
	assert.Nil(t, ExtractTable(tableLines(0.9, "no delimiters here", "nor here")))
	assert.Nil(t, ExtractTable(nil))
}

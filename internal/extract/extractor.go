/**
 * Structured Extractor for the Prescription Worker
 *
 * Turns classified text blocks into a structured prescription:
 * - rows rebuilt from block geometry, cells joined with " | "
 * - header and patient fields from header-like blocks
 * - one medication per row with medication evidence (typed block, strength,
 *   quantity, form or dosing); nameless rows join the open medication or
 *   start an unparsed one
 * - optional delimiter table with day-part and quantity columns
 *
 * A failure inside one medication never aborts the others.
 */

package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/adverant/nexus/prescription-worker/internal/classify"
	"github.com/adverant/nexus/prescription-worker/internal/config"
	"github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/layout"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

const syntheticLineHeight = 40

// block types that never carry medication rows
var nonMedicationTypes = map[model.BlockType]bool{
	model.BlockHeader:      true,
	model.BlockPatientInfo: true,
	model.BlockDoctorInfo:  true,
	model.BlockFooter:      true,
	model.BlockSignature:   true,
}

// block types scanned for header and patient fields
var headerTypes = map[model.BlockType]bool{
	model.BlockHeader:      true,
	model.BlockPatientInfo: true,
	model.BlockDoctorInfo:  true,
}

// row is one visual line of the page
type row struct {
	text       string
	cells      []string
	confidence float64
	confSum    float64
	blocks     int
	nameFixed  bool
	medical    bool
	typed      bool
}

// Extractor builds structured prescriptions. Safe for concurrent use.
type Extractor struct {
	cfg    config.ExtractionConfig
	logger *logging.Logger
}

// NewExtractor creates an extractor
func NewExtractor(cfg config.ExtractionConfig) *Extractor {
	return &Extractor{
		cfg:    cfg,
		logger: logging.NewLogger("Extractor"),
	}
}

// Extract builds the prescription from classified blocks. Partial medications
// come back as ExtractionPartial warnings alongside their records.
func (e *Extractor) Extract(blocks []model.TextBlock) (*model.StructuredPrescription, []*errors.PipelineError) {
	ordered := readingOrder(blocks)

	var headerLines []string
	for _, b := range ordered {
		if headerTypes[b.BlockType] {
			headerLines = append(headerLines, Normalize(b.Text).Text)
		}
	}

	rows := groupRows(ordered)
	lines := make([]layout.TableLine, len(rows))
	for i, r := range rows {
		lines[i] = layout.TableLine{Text: r.text, Confidence: r.confidence}
	}
	table := layout.ExtractTable(lines)
	columns := tableColumns(table)

	result := &model.StructuredPrescription{
		Header:      extractHeader(headerLines),
		Patient:     extractPatient(headerLines),
		Medications: []model.Medication{},
		TableData:   table,
		Notes:       []string{},
	}

	var warnings []*errors.PipelineError
	for i, group := range groupMedications(rows, table) {
		med, warning := parseMedication(e.cfg, i+1, group, columns)
		if warning != nil {
			e.logger.Warn("Partial medication", "sequence", med.Sequence, "name", med.Name, "state", med.ParseState)
			warnings = append(warnings, warning)
		}
		result.Medications = append(result.Medications, med)
	}

	if len(result.Medications) == 0 {
		result.Notes = append(result.Notes, model.NoMedicationsFound)
	}

	e.logger.Debug("Extraction complete", "rows", len(rows), "medications", len(result.Medications), "partial", len(warnings))
	return result, warnings
}

// ExtractText treats each non-blank line as one full-confidence block
func (e *Extractor) ExtractText(text string) (*model.StructuredPrescription, []*errors.PipelineError) {
	var blocks []model.TextBlock
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		y := len(blocks) * syntheticLineHeight
		blocks = append(blocks, model.TextBlock{
			Text:       line,
			BBox:       model.BBox{X1: 0, Y1: y, X2: 1000, Y2: y + syntheticLineHeight - 4},
			Confidence: 1.0,
			Language:   model.LangUnknown,
			BlockType:  lineType(line),
			Region:     -1,
		})
	}
	return e.Extract(blocks)
}

// lineType types a bare text line by keywords; header fields are tried last
func lineType(line string) model.BlockType {
	typ := classify.Refine(model.BlockUnknown, line)
	if typ != model.BlockUnknown {
		return typ
	}
	for _, re := range []*regexp.Regexp{hospitalPattern, prescriptionPattern, labeledDatePattern, departmentPattern, diagnosisPattern} {
		if re.MatchString(line) {
			return model.BlockHeader
		}
	}
	return typ
}

// readingOrder sorts a copy of blocks top-to-bottom, then left-to-right
func readingOrder(blocks []model.TextBlock) []model.TextBlock {
	ordered := make([]model.TextBlock, len(blocks))
	copy(ordered, blocks)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].BBox.Y1 != ordered[j].BBox.Y1 {
			return ordered[i].BBox.Y1 < ordered[j].BBox.Y1
		}
		return ordered[i].BBox.X1 < ordered[j].BBox.X1
	})
	return ordered
}

// groupRows joins blocks whose vertical center lies within the span of the
// block that opened the row
func groupRows(ordered []model.TextBlock) []row {
	var groups [][]model.TextBlock
	top, bottom := 0, -1

	for _, b := range ordered {
		_, cy := b.BBox.Center()
		if len(groups) > 0 && cy >= float64(top) && cy <= float64(bottom) {
			groups[len(groups)-1] = append(groups[len(groups)-1], b)
			continue
		}
		groups = append(groups, []model.TextBlock{b})
		top, bottom = b.BBox.Y1, b.BBox.Y2
	}

	rows := make([]row, 0, len(groups))
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].BBox.X1 < g[j].BBox.X1 })

		r := row{blocks: len(g)}
		for _, b := range g {
			n := Normalize(b.Text)
			r.nameFixed = r.nameFixed || n.NameFixed
			r.medical = r.medical || !nonMedicationTypes[b.BlockType]
			r.typed = r.typed || b.BlockType == model.BlockMedication || b.BlockType == model.BlockDosage
			r.confSum += b.Confidence
			for _, cell := range strings.Split(n.Text, "|") {
				if cell = strings.TrimSpace(cell); cell != "" {
					r.cells = append(r.cells, cell)
				}
			}
		}
		if len(r.cells) == 0 {
			continue
		}
		r.text = strings.Join(r.cells, " | ")
		r.confidence = r.confSum / float64(r.blocks)
		rows = append(rows, r)
	}
	return rows
}

// groupMedications starts a medication at every row with medication evidence.
// A named row without evidence waits for the next evidence row; nameless
// evidence rows join the open medication or start a nameless one.
func groupMedications(rows []row, table *model.TableData) [][]row {
	var groups [][]row
	var pending *row
	open := false

	for i := range rows {
		r := rows[i]
		if !r.medical || isHeaderRow(r, table) {
			pending, open = nil, false
			continue
		}

		_, _, named := extractName(r.cells)
		switch {
		case !hasEvidence(r):
			if named {
				pending, open = &rows[i], false
			}
		case named:
			groups = append(groups, []row{r})
			pending, open = nil, true
		case pending != nil:
			groups = append(groups, []row{*pending, r})
			pending, open = nil, true
		case open:
			groups[len(groups)-1] = append(groups[len(groups)-1], r)
		default:
			groups = append(groups, []row{r})
			open = true
		}
	}
	return groups
}

// hasEvidence reports whether a row can belong to a medication
func hasEvidence(r row) bool {
	return r.typed || hasDosing(r) || findForm(r.text) != ""
}

func isHeaderRow(r row, table *model.TableData) bool {
	if table == nil || len(table.Headers) == 0 || len(table.Headers) != len(r.cells) {
		return false
	}
	for i, h := range table.Headers {
		if h != r.cells[i] {
			return false
		}
	}
	return true
}

// hasDosing reports whether a row carries dosing information
func hasDosing(r row) bool {
	if len(scanDayParts(r.text)) > 0 || asNeededPattern.MatchString(r.text) || immediatelyPattern.MatchString(r.text) {
		return true
	}
	if count, _, _ := findFrequency(r.text); count > 0 {
		return true
	}
	if days, _ := findDuration(r.text); days > 0 {
		return true
	}
	return findBounded(strengthPattern, r.text) != nil || findBoundedSubmatch(quantityPattern, r.text) != nil
}

// tableColumns maps header cells naming a day-part or a quantity to their columns
func tableColumns(table *model.TableData) *columnMap {
	if table == nil || len(table.Headers) == 0 {
		return nil
	}

	cols := &columnMap{width: len(table.Headers), dayParts: map[int]DayPart{}, quantity: -1}
	for i, h := range table.Headers {
		key := strings.ToLower(strings.TrimSpace(h))
		if part, ok := dayPartTokens[key]; ok {
			cols.dayParts[i] = part
		} else if part, ok := dayPartHeaders[key]; ok {
			cols.dayParts[i] = part
		} else if quantityHeaders[key] && cols.quantity < 0 {
			cols.quantity = i
		}
	}

	if len(cols.dayParts) == 0 && cols.quantity < 0 {
		return nil
	}
	return cols
}

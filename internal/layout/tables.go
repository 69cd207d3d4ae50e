package layout

import (
	"strings"
	"unicode"

	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// TableLine is one reconstructed text row fed to table detection
type TableLine struct {
	Text       string
	Confidence float64
}

// tableRegion is a run of consecutive lines sharing a delimiter
type tableRegion struct {
	delimiter string
	lines     []TableLine
}

// ExtractTable returns the largest delimiter table in lines, or nil when none has 2+ rows
func ExtractTable(lines []TableLine) *model.TableData {
	regions := detectTableRegions(lines)
	if len(regions) == 0 {
		return nil
	}

	best := regions[0]
	for _, r := range regions[1:] {
		if len(r.lines) > len(best.lines) {
			best = r
		}
	}

	return buildTable(best)
}

// detectTableRegions identifies table regions based on delimiter patterns
func detectTableRegions(lines []TableLine) []tableRegion {
	regions := []tableRegion{}

	i := 0
	for i < len(lines) {
		delimiter := detectDelimiter(lines[i].Text)
		if delimiter == "" {
			i++
			continue
		}

		region := []TableLine{lines[i]}
		expectedCols := strings.Count(lines[i].Text, delimiter)

		i++
		for i < len(lines) && detectDelimiter(lines[i].Text) == delimiter {
			// allow one column of variation for irregular rows
			if abs(strings.Count(lines[i].Text, delimiter)-expectedCols) > 1 {
				break
			}
			region = append(region, lines[i])
			i++
		}

		if len(region) >= 2 {
			regions = append(regions, tableRegion{delimiter: delimiter, lines: region})
		}
	}

	return regions
}

func buildTable(region tableRegion) *model.TableData {
	grid := make([][]string, 0, len(region.lines))
	conf := make([]float64, 0, len(region.lines))
	for _, line := range region.lines {
		cells := extractCellsFromLine(line.Text, region.delimiter)
		if len(cells) == 0 {
			continue
		}
		grid = append(grid, cells)
		conf = append(conf, line.Confidence)
	}
	if len(grid) == 0 {
		return nil
	}

	table := &model.TableData{
		Headers: []string{},
		Rows:    [][]string{},
		Cells:   []model.TableCell{},
	}

	if len(grid) > 1 && !hasDigit(grid[0]) {
		table.Headers = grid[0]
		grid, conf = grid[1:], conf[1:]
	}

	cols := len(table.Headers)
	for r, row := range grid {
		cols = max(cols, len(row))
		for c, text := range row {
			table.Cells = append(table.Cells, model.TableCell{Row: r, Col: c, Text: text, Confidence: conf[r]})
		}
	}

	table.Rows = grid
	table.RowCount = len(grid)
	table.ColCount = cols
	return table
}

// detectDelimiter identifies the delimiter used in a line
func detectDelimiter(line string) string {
	for _, delim := range []string{"|", "\t", ","} {
		// at least 2 delimiters needed for a table
		if strings.Count(line, delim) >= 2 {
			return delim
		}
	}
	return ""
}

// extractCellsFromLine splits line into trimmed cells
func extractCellsFromLine(line, delimiter string) []string {
	cells := strings.Split(line, delimiter)

	if delimiter == "|" {
		// leading and trailing pipes leave empty edge cells
		if len(cells) > 0 && strings.TrimSpace(cells[0]) == "" {
			cells = cells[1:]
		}
		if len(cells) > 0 && strings.TrimSpace(cells[len(cells)-1]) == "" {
			cells = cells[:len(cells)-1]
		}
	}

	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

func hasDigit(cells []string) bool {
	for _, c := range cells {
		for _, r := range c {
			if unicode.IsDigit(r) {
				return true
			}
		}
	}
	return false
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

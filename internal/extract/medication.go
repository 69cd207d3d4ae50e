package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/adverant/nexus/prescription-worker/internal/config"
	"github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// LowConfidenceMarker prefixes notes that come from unresolved input
const LowConfidenceMarker = "[low-confidence]"

const nameFixFactor = 0.9

// stateFactors is the extraction certainty for the furthest state reached
var stateFactors = map[string]float64{
	model.ParseUnparsed:      0.4,
	model.ParseNameFound:     0.6,
	model.ParseDosageFound:   0.75,
	model.ParseTimesResolved: 0.9,
	model.ParseFinalized:     1.0,
}

var stateOrder = []string{
	model.ParseUnparsed,
	model.ParseNameFound,
	model.ParseDosageFound,
	model.ParseTimesResolved,
	model.ParseFinalized,
}

var sequencePrefix = regexp.MustCompile(`(?i)^\s*(?:no\.?\s*)?\d{1,3}\s*[.)\-:/]?\s+`)

// columnMap describes table columns that carry dosing values
type columnMap struct {
	width    int
	dayParts map[int]DayPart
	quantity int
}

type span struct{ start, end int }

// medParser advances one medication through the parse states
type medParser struct {
	cfg     config.ExtractionConfig
	rows    []row
	columns *columnMap
	med     model.Medication
	state   int
	derived bool
	text    string
}

func newMedParser(cfg config.ExtractionConfig, seq int, rows []row, columns *columnMap) *medParser {
	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.text
	}
	return &medParser{
		cfg:     cfg,
		rows:    rows,
		columns: columns,
		text:    strings.Join(texts, " | "),
		med: model.Medication{
			Sequence: seq,
			Times:    []string{},
			Times24h: []string{},
			Repeat:   cfg.DefaultRepeat,
			Notes:    []string{},
		},
	}
}

// parseMedication runs every step. A panic in a step stops the parse at the
// state reached so far; the record is still returned with a warning.
func parseMedication(cfg config.ExtractionConfig, seq int, rows []row, columns *columnMap) (med model.Medication, warning *errors.PipelineError) {
	p := newMedParser(cfg, seq, rows, columns)

	defer func() {
		if r := recover(); r != nil {
			med = p.result()
			warning = errors.NewExtractionPartialError(seq, med.Name, med.ParseState)
			warning.Details["panic"] = fmt.Sprint(r)
		}
	}()

	p.findName()
	p.findDosage()
	p.resolveTimes()
	p.finalize()

	med = p.result()
	if med.ParseState != model.ParseFinalized {
		warning = errors.NewExtractionPartialError(seq, med.Name, med.ParseState)
	}
	return med, warning
}

// advance moves to next only from the state right before it
func (p *medParser) advance(next string) {
	if p.state+1 < len(stateOrder) && stateOrder[p.state+1] == next {
		p.state++
	}
}

func (p *medParser) result() model.Medication {
	med := p.med
	med.ParseState = stateOrder[p.state]

	var sum float64
	blocks := 0
	for _, r := range p.rows {
		sum += r.confSum
		blocks += r.blocks
	}
	conf := 0.0
	if blocks > 0 {
		conf = sum / float64(blocks)
	}
	conf *= stateFactors[med.ParseState]
	if p.derived {
		conf *= p.cfg.FrequencyDerivedFactor
	}
	if len(p.rows) > 0 && p.rows[0].nameFixed {
		conf *= nameFixFactor
	}
	med.Confidence = conf
	return med
}

func (p *medParser) findName() {
	if len(p.rows) == 0 {
		return
	}
	name, form, ok := extractName(p.rows[0].cells)
	if !ok {
		return
	}
	p.med.Name = name
	p.med.Form = form
	p.advance(model.ParseNameFound)
}

func (p *medParser) findDosage() {
	quantityText := p.text
	if loc := findBounded(strengthPattern, p.text); loc != nil {
		p.med.Strength = normalizeStrength(p.text[loc[0]:loc[1]])
		quantityText = blank(p.text, []span{{loc[0], loc[1]}})
	}

	if m := findBoundedSubmatch(quantityPattern, quantityText); m != nil {
		if q, err := parseAmount(m[1]); err == nil {
			p.med.Quantity = &q
			p.med.QuantityUnit = quantityUnits[strings.ToLower(m[2])]
		}
	}
	if p.med.Quantity == nil {
		if q, ok := p.columnQuantity(); ok {
			p.med.Quantity = &q
		}
	}

	if p.med.Form == "" {
		p.med.Form = findForm(p.text)
	}
	if p.med.Form == "" && (p.med.QuantityUnit == "tablet" || p.med.QuantityUnit == "capsule") {
		p.med.Form = p.med.QuantityUnit
	}
	if p.med.QuantityUnit == "" && p.med.Quantity != nil && (p.med.Form == "tablet" || p.med.Form == "capsule") {
		p.med.QuantityUnit = p.med.Form
	}

	p.med.Route = findRoute(p.text)

	if p.med.Strength != "" || p.med.Quantity != nil {
		p.advance(model.ParseDosageFound)
	}
}

func (p *medParser) resolveTimes() {
	removed := []span{}

	count, label, freqSpans := findFrequency(p.text)
	removed = append(removed, freqSpans...)
	if label != "" {
		p.med.Frequency = label
	}

	days, durSpans := findDuration(p.text)
	removed = append(removed, durSpans...)
	if days > 0 {
		p.med.DurationDays = &days
	}

	for _, re := range clockPatterns {
		for _, loc := range re.FindAllStringIndex(p.text, -1) {
			p.note(fmt.Sprintf("unrecognized time: %s", p.text[loc[0]:loc[1]]))
			removed = append(removed, span{loc[0], loc[1]})
		}
	}

	resolved := false
	switch {
	case asNeededPattern.MatchString(p.text):
		p.med.Frequency = "as needed"
		p.med.Repeat = "as needed"
		resolved = true
	case immediatelyPattern.MatchString(p.text):
		p.med.Frequency = "immediately"
		p.med.Repeat = "immediately"
		resolved = true
	}

	parts, amounts := p.columnDayParts()
	if len(parts) == 0 {
		for _, m := range scanDayParts(blank(p.text, removed)) {
			parts = append(parts, m.part)
			amounts = append(amounts, nil)
		}
	}

	switch {
	case len(parts) > 0:
		for i, part := range parts {
			p.addTime(part, amounts[i])
		}
		resolved = true
	case count > 0:
		slots := count
		if slots > maxSlots {
			p.note(fmt.Sprintf("%d doses per day exceed the %d day-parts", count, maxSlots))
			slots = maxSlots
		}
		for _, part := range frequencySlots[slots] {
			p.addTime(part, nil)
		}
		p.derived = true
		resolved = true
	}

	if resolved {
		p.advance(model.ParseTimesResolved)
	}
}

// addTime records one day-part. Times and Times24h grow together.
func (p *medParser) addTime(part DayPart, amount *float64) {
	if p.med.DosageSchedule == nil {
		p.med.DosageSchedule = &model.DosageSchedule{}
	}
	slot := &model.DoseSlot{Amount: amount, Taken: true}

	switch part {
	case Morning:
		p.med.DosageSchedule.Morning = slot
	case Noon:
		p.med.DosageSchedule.Noon = slot
	case Afternoon:
		p.med.DosageSchedule.Afternoon = slot
	case Evening:
		p.med.DosageSchedule.Evening = slot
	case Night:
		p.med.DosageSchedule.Night = slot
	}

	anchor, ok := Anchors[part]
	if !ok {
		p.note(fmt.Sprintf("%s dose has no reminder time", part))
		return
	}
	p.med.Times = append(p.med.Times, string(part))
	p.med.Times24h = append(p.med.Times24h, anchor)
}

func (p *medParser) finalize() {
	seen := map[string]bool{}
	for _, rule := range instructionRules {
		if rule.pattern.MatchString(p.text) && !seen[rule.instruction] {
			p.med.Instructions = append(p.med.Instructions, rule.instruction)
			seen[rule.instruction] = true
		}
	}

	if p.med.Name == "" || len(p.med.Times) != len(p.med.Times24h) {
		return
	}
	p.advance(model.ParseFinalized)
}

func (p *medParser) note(msg string) {
	p.med.Notes = append(p.med.Notes, LowConfidenceMarker+" "+msg)
}

func (p *medParser) columnQuantity() (float64, bool) {
	if p.columns == nil || p.columns.quantity < 0 {
		return 0, false
	}
	for _, r := range p.rows {
		if len(r.cells) != p.columns.width {
			continue
		}
		if q, err := parseAmount(r.cells[p.columns.quantity]); err == nil && q > 0 {
			return q, true
		}
	}
	return 0, false
}

// columnDayParts reads numeric cells under day-part column headers
func (p *medParser) columnDayParts() ([]DayPart, []*float64) {
	if p.columns == nil || len(p.columns.dayParts) == 0 {
		return nil, nil
	}

	cols := make([]int, 0, len(p.columns.dayParts))
	for col := range p.columns.dayParts {
		cols = append(cols, col)
	}
	sort.Ints(cols)

	var parts []DayPart
	var amounts []*float64
	for _, r := range p.rows {
		if len(r.cells) != p.columns.width {
			continue
		}
		for _, col := range cols {
			v, err := parseAmount(r.cells[col])
			if err != nil || v <= 0 {
				continue
			}
			amount := v
			parts = append(parts, p.columns.dayParts[col])
			amounts = append(amounts, &amount)
		}
	}
	return parts, amounts
}

// extractName finds the drug name in the first cell that has one, trying
// Latin-script names before names in any script. Leading sequence numbers,
// amounts, units and form words are skipped; the form is returned.
func extractName(cells []string) (name, form string, ok bool) {
	if name, form, ok = nameIn(cells, true); ok {
		return name, form, true
	}
	return nameIn(cells, false)
}

func nameIn(cells []string, latinOnly bool) (name, form string, ok bool) {
	for _, cell := range cells {
		if loc := sequencePrefix.FindStringIndex(cell); loc != nil {
			if rest := cell[loc[1]:]; rest != "" && startsWithLetter(rest) {
				cell = rest
			}
		}

		words := strings.Fields(cell)
		i := 0
		cellForm := ""
		for ; i < len(words); i++ {
			w := strings.ToLower(trimPunct(words[i]))
			if f, isForm := forms[w]; isForm {
				cellForm = f
				continue
			}
			if w == "rx" || strengthUnits[w] || !startsWithLetter(w) {
				continue
			}
			break
		}

		var nameWords []string
		meaningful := false
		for ; i < len(words); i++ {
			w := trimPunct(words[i])
			if !isNameWord(w, latinOnly) {
				break
			}
			if !nonNameWords[strings.ToLower(w)] {
				meaningful = true
			}
			nameWords = append(nameWords, w)
		}

		candidate := strings.Join(nameWords, " ")
		if meaningful && len([]rune(candidate)) >= 2 {
			return candidate, cellForm, true
		}
	}
	return "", "", false
}

// isNameWord accepts a word with a Latin letter, or with latinOnly unset a
// letter word holding no digits or dosing tokens
func isNameWord(w string, latinOnly bool) bool {
	if w == "" || !startsWithLetter(w) || isVocabularyWord(strings.ToLower(w)) || strengthUnits[strings.ToLower(w)] {
		return false
	}
	for _, r := range w {
		if r < 0x80 && unicode.IsLetter(r) {
			return true
		}
	}
	if latinOnly || len(scanDayParts(w)) > 0 || strings.Contains(w, "ដង") {
		return false
	}
	return !strings.ContainsFunc(w, unicode.IsDigit)
}

func startsWithLetter(s string) bool {
	for _, r := range s {
		return unicode.IsLetter(r)
	}
	return false
}

func trimPunct(w string) string {
	return strings.Trim(w, ".,;:()[]{}-–*")
}

// findForm returns the first form word in text
func findForm(text string) string {
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsMark(r)
	}) {
		if f, ok := forms[w]; ok {
			return f
		}
	}
	return ""
}

// findRoute returns the first route word in text
func findRoute(text string) string {
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if route, ok := routes[w]; ok {
			return route
		}
	}
	return ""
}

// findFrequency returns the per-day count and label of the leftmost frequency
// expression, and the spans of every expression found
func findFrequency(text string) (int, string, []span) {
	type hit struct {
		span
		count int
		hours bool
		n     string
	}
	var hits []hit
	for _, rule := range frequencyRules {
		for _, m := range rule.pattern.FindAllStringSubmatchIndex(text, -1) {
			groups := make([]string, len(m)/2)
			for g := range groups {
				if m[2*g] >= 0 {
					groups[g] = text[m[2*g]:m[2*g+1]]
				}
			}
			h := hit{span: span{m[0], m[1]}, count: rule.count(groups), hours: rule.hourly}
			if len(groups) > 1 {
				h.n = groups[1]
			}
			hits = append(hits, h)
		}
	}
	if len(hits) == 0 {
		return 0, "", nil
	}

	spans := make([]span, len(hits))
	first := hits[0]
	for i, h := range hits {
		spans[i] = h.span
		if h.start < first.start || (h.start == first.start && h.end > first.end) {
			first = h
		}
	}
	if first.count <= 0 {
		return 0, "", spans
	}
	if first.hours {
		return first.count, "every " + first.n + " hours", spans
	}
	return first.count, frequencyLabel(first.count), spans
}

// findDuration returns the leftmost duration in days and every duration span
func findDuration(text string) (int, []span) {
	days, best := 0, -1
	var spans []span
	for _, rule := range durationRules {
		for _, m := range rule.pattern.FindAllStringSubmatchIndex(text, -1) {
			if strings.HasPrefix(text[m[1]:], "ត្រង់") {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			var digits string
			for g := 1; g < len(m)/2; g++ {
				if m[2*g] >= 0 {
					digits = text[m[2*g]:m[2*g+1]]
					break
				}
			}
			n, err := strconv.Atoi(digits)
			if err != nil || n <= 0 {
				continue
			}
			if best < 0 || m[0] < best {
				best = m[0]
				days = n * rule.days
			}
		}
	}
	return days, spans
}

// blank replaces the spans with spaces, keeping byte offsets stable
func blank(text string, spans []span) string {
	b := []byte(text)
	for _, s := range spans {
		for i := s.start; i < s.end && i < len(b); i++ {
			b[i] = ' '
		}
	}
	return string(b)
}

// findBounded returns the first match of re not followed by a letter
func findBounded(re *regexp.Regexp, text string) []int {
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if letterBoundaryAfter(text, loc[1]) {
			return loc
		}
	}
	return nil
}

func findBoundedSubmatch(re *regexp.Regexp, text string) []string {
	for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
		if !letterBoundaryAfter(text, m[1]) {
			continue
		}
		out := make([]string, len(m)/2)
		for g := range out {
			if m[2*g] >= 0 {
				out[g] = text[m[2*g]:m[2*g+1]]
			}
		}
		return out
	}
	return nil
}

var strengthSpace = regexp.MustCompile(`\s+`)

// normalizeStrength removes spaces and lowercases units, keeping IU uppercase
func normalizeStrength(s string) string {
	s = strings.ToLower(strengthSpace.ReplaceAllString(s, ""))
	s = strings.ReplaceAll(s, ",", ".")
	return strings.ReplaceAll(s, "iu", "IU")
}

// parseAmount reads counts like 1, 0.5, 1,5, 1/2 and ½
func parseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "½":
		return 0.5, nil
	case "¼":
		return 0.25, nil
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0, fmt.Errorf("invalid fraction %q", s)
		}
		return n / d, nil
	}
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
}

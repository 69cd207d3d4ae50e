package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DayPart is a canonical slot of the day
type DayPart string

const (
	Morning   DayPart = "morning"
	Noon      DayPart = "noon"
	Afternoon DayPart = "afternoon"
	Evening   DayPart = "evening"
	Night     DayPart = "night"
)

// Anchors are the default reminder times. Afternoon has none.
var Anchors = map[DayPart]string{
	Morning: "08:00",
	Noon:    "12:00",
	Evening: "18:00",
	Night:   "21:00",
}

// dayPartTokens maps English, French and Khmer tokens (lowercase) to slots
var dayPartTokens = map[string]DayPart{
	"morning":    Morning,
	"matin":      Morning,
	"ព្រឹក":      Morning,
	"noon":       Noon,
	"midday":     Noon,
	"lunch":      Noon,
	"midi":       Noon,
	"ថ្ងៃត្រង់":  Noon,
	"afternoon":  Afternoon,
	"après-midi": Afternoon,
	"apres-midi": Afternoon,
	"រសៀល":       Afternoon,
	"evening":    Evening,
	"soir":       Evening,
	"ល្ងាច":      Evening,
	"night":      Night,
	"bedtime":    Night,
	"hs":         Night,
	"nuit":       Night,
	"coucher":    Night,
	"យប់":        Night,
}

// Column headers that name a slot; a bare ថ្ងៃ only means noon as a column
var dayPartHeaders = map[string]DayPart{
	"ថ្ងៃ": Noon,
}

// frequencySlots are the synthesized day-parts for a per-day count
var frequencySlots = [][]DayPart{
	1: {Morning},
	2: {Morning, Evening},
	3: {Morning, Noon, Evening},
	4: {Morning, Noon, Evening, Night},
}

const maxSlots = 4

type tokenMatch struct {
	start, end int
	part       DayPart
}

// scanDayParts returns day-part tokens in input order. Latin tokens need a
// non-letter on both sides; Khmer tokens match anywhere.
func scanDayParts(text string) []tokenMatch {
	lower := strings.ToLower(text)
	matches := []tokenMatch{}

	for token, part := range dayPartTokens {
		latin := isLatin(token)
		for offset := 0; offset < len(lower); {
			i := strings.Index(lower[offset:], token)
			if i < 0 {
				break
			}
			start := offset + i
			end := start + len(token)
			offset = end
			if latin && !(letterBoundaryBefore(lower, start) && letterBoundaryAfter(lower, end)) {
				continue
			}
			matches = append(matches, tokenMatch{start: start, end: end, part: part})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		return matches[i].end > matches[j].end
	})

	// drop tokens nested in a longer one, e.g. midi inside après-midi
	out := matches[:0]
	lastEnd := -1
	for _, m := range matches {
		if m.start < lastEnd {
			continue
		}
		out = append(out, m)
		lastEnd = m.end
	}
	return out
}

func isLatin(s string) bool {
	for _, r := range s {
		if r >= 0x1780 && r <= 0x17FF {
			return false
		}
	}
	return true
}

func letterBoundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r)
}

func letterBoundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !unicode.IsLetter(r)
}

// Frequency expressions. Each resolves to a per-day count.
type frequencyRule struct {
	pattern *regexp.Regexp
	count   func(m []string) int
	hourly  bool
}

func fixed(n int) func([]string) int { return func([]string) int { return n } }

func captured(m []string) int {
	n, _ := strconv.Atoi(m[1])
	return n
}

func everyHours(m []string) int {
	n, _ := strconv.Atoi(m[1])
	if n <= 0 || n > 24 {
		return 0
	}
	return 24 / n
}

var frequencyRules = []frequencyRule{
	{regexp.MustCompile(`(?i)\b(\d+)\s*(?:x|times?)\s*(?:a|per|/)?\s*(?:day|daily|d)\b`), captured, false},
	{regexp.MustCompile(`(?i)\b(\d+)\s*fois\s*(?:par\s*jour|/\s*j(?:our)?)`), captured, false},
	{regexp.MustCompile(`(?:ថ្ងៃ\s*)?(\d+)\s*ដង(?:\s*/?\s*(?:ក្នុង\s*)?(?:មួយ\s*)?ថ្ងៃ)?`), captured, false},
	{regexp.MustCompile(`(?i)\b(?:q|every\s*)(\d+)\s*h(?:ours?|rs?)?\b`), everyHours, true},
	{regexp.MustCompile(`(?i)\b(?:once\s*(?:a\s*day|daily)|od|qd)\b`), fixed(1), false},
	{regexp.MustCompile(`(?i)\b(?:twice\s*(?:a\s*day|daily)|bd|bid)\b`), fixed(2), false},
	{regexp.MustCompile(`(?i)\b(?:three\s*times\s*(?:a\s*day|daily)|tds|tid)\b`), fixed(3), false},
	{regexp.MustCompile(`(?i)\b(?:four\s*times\s*(?:a\s*day|daily)|qds|qid)\b`), fixed(4), false},
	{regexp.MustCompile(`(?i)\bdaily\b|par\s*jour|រាល់ថ្ងៃ`), fixed(1), false},
}

var (
	asNeededPattern    = regexp.MustCompile(`(?i)\b(?:prn|as\s*needed|when\s*needed|si\s*besoin)\b|ពេលត្រូវការ`)
	immediatelyPattern = regexp.MustCompile(`(?i)\b(?:stat|immediately)\b`)
)

// frequencyLabel is the canonical wording for a count
func frequencyLabel(n int) string {
	switch n {
	case 1:
		return "once daily"
	case 2:
		return "twice daily"
	case 3:
		return "three times daily"
	case 4:
		return "four times daily"
	default:
		return strconv.Itoa(n) + " times daily"
	}
}

var durationRules = []struct {
	pattern *regexp.Regexp
	days    int
}{
	{regexp.MustCompile(`(?i)\b(\d+)\s*(?:weeks?|wks?|semaines?)\b|(\d+)\s*សប្តាហ៍`), 7},
	{regexp.MustCompile(`(?i)\b(\d+)\s*(?:months?|mois)\b|(\d+)\s*ខែ`), 30},
	{regexp.MustCompile(`(?i)\b(\d+)\s*(?:days?|jours?)\b|(\d+)\s*ថ្ងៃ`), 1},
}

var clockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:[01]?\d|2[0-3])[:h][0-5]\d\b`),
	regexp.MustCompile(`(?i)\b(?:1[0-2]|0?[1-9])\s*(?:am|pm)\b`),
	regexp.MustCompile(`ម៉ោង\s*\d{1,2}`),
}

var (
	strengthPattern = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(mg|mcg|µg|g|iu|%)(?:\s*/\s*(\d*\s*ml))?`)
	quantityPattern = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(tablets?|tabs?|viên|comprimés?|គ្រាប់|capsules?|caps?|gélules?|ml|sachets?|drops?|gouttes?|gtt|puffs?|spoons?|tsp|cuillères?)`)
)

// quantityUnits folds unit spellings to a canonical unit
var quantityUnits = map[string]string{
	"tablet":    "tablet",
	"tablets":   "tablet",
	"tab":       "tablet",
	"tabs":      "tablet",
	"viên":      "tablet",
	"comprimé":  "tablet",
	"comprimés": "tablet",
	"គ្រាប់":    "tablet",
	"capsule":   "capsule",
	"capsules":  "capsule",
	"cap":       "capsule",
	"caps":      "capsule",
	"gélule":    "capsule",
	"gélules":   "capsule",
	"ml":        "ml",
	"sachet":    "sachet",
	"sachets":   "sachet",
	"drop":      "drop",
	"drops":     "drop",
	"goutte":    "drop",
	"gouttes":   "drop",
	"gtt":       "drop",
	"puff":      "puff",
	"puffs":     "puff",
	"spoon":     "spoon",
	"spoons":    "spoon",
	"tsp":       "spoon",
	"cuillère":  "spoon",
	"cuillères": "spoon",
}

// forms maps form words and abbreviations to the canonical form
var forms = map[string]string{
	"tab":        "tablet",
	"tabs":       "tablet",
	"tablet":     "tablet",
	"tablets":    "tablet",
	"comprimé":   "tablet",
	"viên":       "tablet",
	"គ្រាប់":     "tablet",
	"cap":        "capsule",
	"caps":       "capsule",
	"capsule":    "capsule",
	"capsules":   "capsule",
	"gélule":     "capsule",
	"syr":        "syrup",
	"syrup":      "syrup",
	"sirop":      "syrup",
	"inj":        "injection",
	"injection":  "injection",
	"susp":       "suspension",
	"suspension": "suspension",
	"cream":      "cream",
	"crème":      "cream",
	"oint":       "ointment",
	"ointment":   "ointment",
	"drops":      "drops",
	"gtt":        "drops",
	"sachet":     "sachet",
	"inhaler":    "inhaler",
}

// routes maps route abbreviations to the canonical route
var routes = map[string]string{
	"po":         "oral",
	"oral":       "oral",
	"orally":     "oral",
	"iv":         "intravenous",
	"im":         "intramuscular",
	"sc":         "subcutaneous",
	"sq":         "subcutaneous",
	"subcut":     "subcutaneous",
	"topical":    "topical",
	"inhaled":    "inhalation",
	"rectal":     "rectal",
	"pr":         "rectal",
	"sublingual": "sublingual",
	"sl":         "sublingual",
}

var instructionRules = []struct {
	pattern     *regexp.Regexp
	instruction string
}{
	{regexp.MustCompile(`(?i)\b(?:ac|before\s*(?:meals?|food|eating))\b|avant\s*(?:les\s*)?repas|មុនបាយ|មុនអាហារ`), "before meals"},
	{regexp.MustCompile(`(?i)\b(?:pc|after\s*(?:meals?|food|eating))\b|après\s*(?:les\s*)?repas|ក្រោយបាយ|ក្រោយអាហារ`), "after meals"},
	{regexp.MustCompile(`(?i)\bwith\s*(?:food|meals?)\b|pendant\s*(?:les\s*)?repas`), "with food"},
	{regexp.MustCompile(`(?i)\bempty\s*stomach\b|à\s*jeun`), "on an empty stomach"},
}

// Words that head table columns or label fields rather than name a drug
var nonNameWords = map[string]bool{
	"no":         true,
	"no.":        true,
	"name":       true,
	"medicine":   true,
	"drug":       true,
	"medication": true,
	"qty":        true,
	"quantity":   true,
	"dose":       true,
	"dosage":     true,
	"rx":         true,
	"médicament": true,
	"ល.រ":        true,
	"ឈ្មោះថ្នាំ": true,
	"ចំនួន":      true,
	"total":      true,
	"take":       true,
	"then":       true,
}

// strengthUnits are unit words that may stand apart from their amount
var strengthUnits = map[string]bool{
	"mg":  true,
	"mcg": true,
	"µg":  true,
	"g":   true,
	"iu":  true,
	"ml":  true,
	"%":   true,
}

// quantityHeaders name a quantity column
var quantityHeaders = map[string]bool{
	"qty":      true,
	"quantity": true,
	"ចំនួន":    true,
	"qté":      true,
	"quantité": true,
	"nombre":   true,
}

// isVocabularyWord reports whether a lowercase word belongs to a dosing vocabulary
func isVocabularyWord(w string) bool {
	if _, ok := dayPartTokens[w]; ok {
		return true
	}
	if _, ok := forms[w]; ok {
		return true
	}
	if _, ok := routes[w]; ok {
		return true
	}
	if _, ok := quantityUnits[w]; ok {
		return true
	}
	switch w {
	case "od", "qd", "bd", "bid", "tds", "tid", "qds", "qid", "prn", "stat", "ac", "pc",
		"once", "twice", "daily", "times", "x", "for", "and", "at", "in", "the", "with", "before", "after",
		"one", "two", "three", "four", "half", "per", "day", "days", "week", "weeks", "month", "months",
		"every", "hours", "as", "needed", "meals", "food", "fois", "par", "jour", "jours", "avant", "après", "repas":
		return true
	case "លេប", "ថ្ងៃ", "ដង", "ម្តង", "ពេល", "ក្នុង", "មួយ", "ពីរ", "បី", "បួន", "និង",
		"រាល់ថ្ងៃ", "មុនបាយ", "ក្រោយបាយ", "មុនអាហារ", "ក្រោយអាហារ", "សប្តាហ៍", "ខែ", "ម៉ោង", "ពេលត្រូវការ":
		return true
	}
	return false
}

package extract

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var zeroWidth = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\u2060", "",
	"\ufeff", "",
)

var ohFold = strings.NewReplacer("o", "0", "O", "0")

var khmerDigits = strings.NewReplacer(
	"០", "0", "១", "1", "២", "2", "៣", "3", "៤", "4",
	"៥", "5", "៦", "6", "៧", "7", "៨", "8", "៩", "9",
)

// Common Khmer recognition confusions
var khmerFixes = strings.NewReplacer(
	"គ្រប់", "គ្រាប់",
	"ព្រិក", "ព្រឹក",
	"លង្ាច", "ល្ងាច",
	"មន្ដីរពេទ្យ", "មន្ទីរពេទ្យ",
	"វេជ្ជបណ្ឌិដ", "វេជ្ជបណ្ឌិត",
	"ថ្នាម", "ថ្នាំ",
)

// Unit confusions only apply right after a number
var (
	mgConfusion = regexp.MustCompile(`(?i)(\d)\s*(rng|rnq|m9)\b`)
	mlConfusion = regexp.MustCompile(`(?i)(\d)\s*(rnl|m1)\b`)
	ohDigits    = regexp.MustCompile(`(?i)\b(\d[0-9o]*o[0-9o]*)\s*(mg|mcg|ml|g)\b`)
	wordPattern = regexp.MustCompile(`[\p{L}][\p{L}\p{M}\d]*`)
	spaceRun    = regexp.MustCompile(`[ \t]+`)
)

// Known misspellings and truncations of drug names (lowercase keys)
var medicalFixes = map[string]string{
	"paracatamol":    "paracetamol",
	"paracetomol":    "paracetamol",
	"parcetamol":     "paracetamol",
	"paracetamo1":    "paracetamol",
	"paracetarnol":   "paracetamol",
	"paracetamo":     "paracetamol",
	"amoxicilin":     "amoxicillin",
	"amoxicilln":     "amoxicillin",
	"arnoxicillin":   "amoxicillin",
	"amoxycillin":    "amoxicillin",
	"lbuprofen":      "ibuprofen",
	"ibuproffen":     "ibuprofen",
	"ibuprofin":      "ibuprofen",
	"omeprazol":      "omeprazole",
	"omeprazo1e":     "omeprazole",
	"orneprazole":    "omeprazole",
	"omeprazoie":     "omeprazole",
	"esome":          "esomeprazole",
	"esomeprazol":    "esomeprazole",
	"metforrnin":     "metformin",
	"azlthromycin":   "azithromycin",
	"clprofloxacin":  "ciprofloxacin",
	"doxycycllne":    "doxycycline",
	"dlclofenac":     "diclofenac",
	"tranadol":       "tramadol",
	"arnlodipine":    "amlodipine",
	"butylscopolami": "butylscopolamine",
	"butylscopolam":  "butylscopolamine",
}

// Normalized is one line of text prepared for parsing
type Normalized struct {
	Text string
	// NameFixed is set when a drug name was corrected
	NameFixed bool
}

// Normalize applies, in order: NFC, zero-width removal, Khmer digit folding,
// Khmer fixes, unit fixes, O-for-0 in amounts and drug-name fixes. Whitespace
// runs collapse to one space.
func Normalize(text string) Normalized {
	text = norm.NFC.String(text)
	text = zeroWidth.Replace(text)
	text = khmerDigits.Replace(text)
	text = khmerFixes.Replace(text)
	text = mgConfusion.ReplaceAllString(text, "${1}mg")
	text = mlConfusion.ReplaceAllString(text, "${1}ml")
	text = ohDigits.ReplaceAllStringFunc(text, func(m string) string {
		amount := ohDigits.FindStringSubmatch(m)[1]
		return ohFold.Replace(amount) + m[len(amount):]
	})

	fixed := false
	text = wordPattern.ReplaceAllStringFunc(text, func(word string) string {
		replacement, ok := medicalFixes[strings.ToLower(word)]
		if !ok {
			return word
		}
		fixed = true
		return preserveCase(word, replacement)
	})

	text = strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
	return Normalized{Text: text, NameFixed: fixed}
}

// preserveCase gives replacement the case pattern of original
func preserveCase(original, replacement string) string {
	runes := []rune(original)
	switch {
	case strings.ToUpper(original) == original && len(runes) > 1:
		return strings.ToUpper(replacement)
	case unicode.IsUpper(runes[0]):
		return cases.Title(language.Und).String(replacement)
	default:
		return replacement
	}
}

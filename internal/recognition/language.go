package recognition

import (
	"strings"
	"unicode"

	"github.com/adverant/nexus/prescription-worker/internal/model"
)

const khmerShareThreshold = 0.3

// frenchDiacritics is the accented set that marks French text
const frenchDiacritics = "àâäéèêëïîôùûüç"

// DetectLanguage tags text by Unicode ranges. Accented Latin letters count as Latin.
func DetectLanguage(text string) model.Language {
	var khmer, latin, diacritics int

	for _, r := range text {
		switch {
		case r >= 0x1780 && r <= 0x17FF:
			khmer++
		case unicode.IsLetter(r) && unicode.Is(unicode.Latin, r):
			latin++
			if strings.ContainsRune(frenchDiacritics, unicode.ToLower(r)) {
				diacritics++
			}
		}
	}

	switch {
	case khmer+latin > 0 && float64(khmer) > khmerShareThreshold*float64(khmer+latin):
		return model.LangKhmer
	case diacritics > 0 && latin > 0:
		return model.LangFrench
	case latin > 0:
		return model.LangEnglish
	}
	return model.LangUnknown
}

// PrimaryLanguage is the most frequent block language, first seen on ties.
// Unknown or empty input gives English.
func PrimaryLanguage(blocks []model.TextBlock) model.Language {
	counts := map[model.Language]int{}
	order := []model.Language{}

	for _, b := range blocks {
		if counts[b.Language] == 0 {
			order = append(order, b.Language)
		}
		counts[b.Language]++
	}

	var best model.Language
	for _, lang := range order {
		if counts[lang] > counts[best] {
			best = lang
		}
	}

	if best == model.LangUnknown || best == "" {
		return model.LangEnglish
	}
	return best
}

/**
 * Recognition engines
 *
 * Every backend (classical, vision service, mock) implements Engine and is picked
 * once at construction time. Engine types never leave this package tree; the rest
 * of the pipeline only sees model.TextBlock.
 */

package recognition

import (
	"context"
	"fmt"
	"strings"

	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// Observation is one raw engine result: four corner points, text and a [0,1] confidence
type Observation struct {
	Polygon    [4][2]float64
	Text       string
	Confidence float64
}

// Input is one recognition call: a PNG and its pixel size
type Input struct {
	PNG       []byte
	Width     int
	Height    int
	Languages []model.Language
}

// Engine is a recognition backend. Implementations need not be re-entrant;
// the Adapter serializes calls.
type Engine interface {
	Name() string
	Init(ctx context.Context) error
	Recognize(ctx context.Context, in Input) ([]Observation, error)
	Close() error
}

// ParseLanguages parses a comma separated hint list drawn from en, kh and fr.
// Duplicates are dropped and order is kept.
func ParseLanguages(s string) ([]model.Language, error) {
	langs := []model.Language{}
	seen := map[model.Language]bool{}

	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}

		var lang model.Language
		switch part {
		case "en", "eng":
			lang = model.LangEnglish
		case "kh", "km", "khm":
			lang = model.LangKhmer
		case "fr", "fra":
			lang = model.LangFrench
		default:
			return nil, fmt.Errorf("unsupported language hint %q (expected en, kh or fr)", part)
		}

		if !seen[lang] {
			seen[lang] = true
			langs = append(langs, lang)
		}
	}

	return langs, nil
}

// RectPolygon builds a clockwise polygon from an axis-aligned rectangle
func RectPolygon(x1, y1, x2, y2 float64) [4][2]float64 {
	return [4][2]float64{{x1, y1}, {x2, y1}, {x2, y2}, {x1, y2}}
}

package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/prescription-worker/internal/config"
	"github.com/adverant/nexus/prescription-worker/internal/imaging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// checkerboard alternates base+amp and base-amp per pixel. Its standard deviation is amp
// and its Laplacian variance is 64*amp^2.
func checkerboard(w, h int, base, amp int) *imaging.Gray {
	g := imaging.NewGray(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := base - amp
			if (x+y)%2 == 0 {
				v = base + amp
			}
			g.Pix[y*w+x] = uint8(v)
		}
	}
	return g
}

func uniform(w, h int, v uint8) *imaging.Gray {
	g := imaging.NewGray(w, h)
	for i := range g.Pix {
		g.Pix[i] = v
	}
	return g
}

func newTestGate() *Gate {
	return NewGate(config.DefaultPipeline().Quality)
}

func TestGateAcceptsSharpImage(t *testing.T) {
	gate := newTestGate()
	img := checkerboard(800, 1200, 128, 40)

	for _, mode := range []Mode{ModeStrict, ModeLenient} {
		report := gate.Check(img, mode)
		assert.True(t, report.Accepted, "mode %s: %s", mode, report.Reason)
		assert.Empty(t, report.Reason)
		assert.Equal(t, string(mode), report.Mode)
		assert.InDelta(t, 128.0, report.Metrics.Brightness, 0.01)
		assert.InDelta(t, 40.0, report.Metrics.Contrast, 0.01)
		assert.Equal(t, 1200, report.Metrics.Resolution.Height)
	}
}

func TestGateRejectsUniformGrayInBothModes(t *testing.T) {
	gate := newTestGate()
	img := uniform(1000, 1400, 128)

	for _, mode := range []Mode{ModeStrict, ModeLenient} {
		report := gate.Check(img, mode)
		assert.False(t, report.Accepted, "mode %s", mode)
		assert.NotEmpty(t, report.Reason)
		assert.InDelta(t, 0.0, report.Metrics.Contrast, 1e-9)
	}
}

func TestGateLowContrastReason(t *testing.T) {
	gate := newTestGate()
	img := checkerboard(800, 1200, 128, 10)

	for _, mode := range []Mode{ModeStrict, ModeLenient} {
		report := gate.Check(img, mode)
		require.False(t, report.Accepted)
		assert.Contains(t, report.Reason, "Low contrast")
		assert.Contains(t, report.Reason, "10.0")
		assert.Contains(t, report.Reason, "min: 30")
	}
}

func TestGateStrictResolution(t *testing.T) {
	gate := newTestGate()
	img := checkerboard(799, 1200, 128, 40)

	report := gate.Check(img, ModeStrict)
	require.False(t, report.Accepted)
	assert.Contains(t, report.Reason, "Low resolution")
	assert.Contains(t, report.Reason, "799x1200")
	assert.Contains(t, report.Reason, "800x1200")

	report = gate.Check(img, ModeLenient)
	assert.True(t, report.Accepted, report.Reason)
}

func TestGateCheckOrder(t *testing.T) {
	gate := newTestGate()

	tests := []struct {
		name   string
		img    *imaging.Gray
		mode   Mode
		reason string
	}{
		// blurry, dark, small and flat: blur wins
		{"blur before brightness", uniform(100, 100, 10), ModeStrict, "too blurry"},
		// sharp but dark and small
		{"brightness before resolution", checkerboard(100, 100, 40, 20), ModeStrict, "too dark"},
		{"too bright", checkerboard(800, 1200, 240, 10), ModeStrict, "too bright"},
		// sharp, bright enough, small and flat
		{"resolution before contrast", checkerboard(100, 100, 128, 10), ModeStrict, "Low resolution"},
		{"lenient blur threshold", checkerboard(400, 600, 128, 1), ModeLenient, "too blurry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := gate.Check(tt.img, tt.mode)
			assert.False(t, report.Accepted)
			assert.Contains(t, report.Reason, tt.reason)
		})
	}
}

func TestVerdictUsesUnroundedMetrics(t *testing.T) {
	strict := config.DefaultPipeline().Quality.Strict
	m := model.QualityMetrics{
		Blur:       strict.MinBlur - 0.004,
		Brightness: 150,
		Contrast:   50,
		Resolution: model.Resolution{Height: 1200, Width: 800},
	}

	reason, accepted := verdict(m, strict)
	assert.False(t, accepted)
	assert.Contains(t, reason, "too blurry")
	assert.Equal(t, strict.MinBlur, rounded(m).Blur)

	m.Blur = strict.MinBlur
	_, accepted = verdict(m, strict)
	assert.True(t, accepted)
}

func TestGateEmptyImage(t *testing.T) {
	gate := newTestGate()

	for _, img := range []*imaging.Gray{nil, imaging.NewGray(0, 0)} {
		report := gate.Check(img, ModeStrict)
		assert.False(t, report.Accepted)
		assert.Equal(t, "Invalid or empty image", report.Reason)
		assert.Zero(t, report.Metrics.Blur)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, m)

	m, err = ParseMode(" Lenient ")
	require.NoError(t, err)
	assert.Equal(t, ModeLenient, m)

	_, err = ParseMode("loose")
	assert.Error(t, err)
}

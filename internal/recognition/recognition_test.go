package recognition

import (
	"context"
	stderrors "errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/prescription-worker/internal/clients"
	"github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/imaging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

func testImage(w, h int) *imaging.Image {
	src := image.NewGray(image.Rect(0, 0, w, h))
	for i := range src.Pix {
		src.Pix[i] = 255
	}
	return &imaging.Image{Format: "png", Source: src, Gray: imaging.ToGray(src)}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want model.Language
	}{
		{"khmer only", "ល្ងាច យប់", model.LangKhmer},
		{"khmer digits and signs", "០១២៣", model.LangKhmer},
		{"english", "Paracetamol 500mg", model.LangEnglish},
		{"french", "après le repas", model.LangFrench},
		{"french capital", "ÉVITER", model.LangFrench},
		{"mostly latin with some khmer", "Paracetamol tablet ព", model.LangEnglish},
		{"khmer above share", "Para ថ្ងៃ", model.LangKhmer},
		{"circumflex counts as french", "viên", model.LangFrench},
		{"digits only", "500 / 12", model.LangUnknown},
		{"empty", "", model.LangUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLanguage(tt.text))
		})
	}
}

func TestPrimaryLanguage(t *testing.T) {
	blocks := func(langs ...model.Language) []model.TextBlock {
		out := make([]model.TextBlock, len(langs))
		for i, l := range langs {
			out[i] = model.TextBlock{Language: l}
		}
		return out
	}

	assert.Equal(t, model.LangKhmer, PrimaryLanguage(blocks(model.LangEnglish, model.LangKhmer, model.LangKhmer)))
	assert.Equal(t, model.LangFrench, PrimaryLanguage(blocks(model.LangFrench, model.LangEnglish)))
	assert.Equal(t, model.LangEnglish, PrimaryLanguage(blocks(model.LangUnknown, model.LangUnknown, model.LangKhmer)))
	assert.Equal(t, model.LangEnglish, PrimaryLanguage(nil))
}

func TestParseLanguages(t *testing.T) {
	langs, err := ParseLanguages("kh, en,kh")
	require.NoError(t, err)
	assert.Equal(t, []model.Language{model.LangKhmer, model.LangEnglish}, langs)

	langs, err = ParseLanguages("")
	require.NoError(t, err)
	assert.Empty(t, langs)

	_, err = ParseLanguages("en,de")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	obs := []Observation{
		{Polygon: RectPolygon(10, 20, 110, 60), Text: "  Paracetamol 500mg ", Confidence: 0.92},
		{Polygon: RectPolygon(0, 0, 10, 10), Text: "   ", Confidence: 0.99},
		// rotated and overflowing the crop
		{Polygon: [4][2]float64{{-5, 150}, {250, 140}, {260, 230}, {-2, 240}}, Text: "ល្ងាច", Confidence: 1.7},
	}
	region := model.Box{X: 100, Y: 50, W: 200, H: 200}

	blocks := Normalize(obs, region, 400, 400)
	require.Len(t, blocks, 2)

	assert.Equal(t, "Paracetamol 500mg", blocks[0].Text)
	assert.Equal(t, model.BBox{X1: 110, Y1: 70, X2: 210, Y2: 110}, blocks[0].BBox)
	assert.Equal(t, model.LangEnglish, blocks[0].Language)
	assert.Equal(t, -1, blocks[0].Region)

	assert.Equal(t, model.BBox{X1: 100, Y1: 190, X2: 300, Y2: 250}, blocks[1].BBox)
	assert.Equal(t, 1.0, blocks[1].Confidence)
	assert.Equal(t, model.LangKhmer, blocks[1].Language)

	cx, cy := blocks[0].BBox.Center()
	assert.Equal(t, 160.0, cx)
	assert.Equal(t, 90.0, cy)
}

func TestAdapterRecognizeFullPage(t *testing.T) {
	engine := NewMockEngineFromLines(0.8, "Paracetamol 500mg", "", "ល្ងាច")
	adapter := NewAdapter(engine)
	img := testImage(300, 200)

	blocks, err := adapter.Recognize(context.Background(), img, model.Box{}, []model.Language{model.LangKhmer})
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.True(t, adapter.Ready(), "lazy init on first call")

	in := engine.LastInput()
	assert.Equal(t, 300, in.Width)
	assert.Equal(t, 200, in.Height)
	assert.Equal(t, []model.Language{model.LangKhmer}, in.Languages)
	assert.NotEmpty(t, in.PNG)

	for _, b := range blocks {
		assert.LessOrEqual(t, b.BBox.X2, 300)
		assert.LessOrEqual(t, b.BBox.Y2, 200)
	}
}

func TestAdapterRegionOffset(t *testing.T) {
	engine := NewMockEngine(Observation{Polygon: RectPolygon(5, 5, 50, 25), Text: "od", Confidence: 0.7})
	adapter := NewAdapter(engine)

	blocks, err := adapter.Recognize(context.Background(), testImage(400, 400), model.Box{X: 100, Y: 200, W: 100, H: 50}, nil)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, model.BBox{X1: 105, Y1: 205, X2: 150, Y2: 225}, blocks[0].BBox)
	assert.Equal(t, 100, engine.LastInput().Width)
}

func TestAdapterEngineFailures(t *testing.T) {
	img := testImage(100, 100)

	failing := NewMockEngine()
	failing.Err = stderrors.New("language pack missing")
	_, err := NewAdapter(failing).Recognize(context.Background(), img, model.Box{}, nil)
	assert.Equal(t, errors.ErrorRecognitionUnavailable, errors.CodeOf(err))

	uninitialized := NewMockEngine()
	uninitialized.InitErr = stderrors.New("no traineddata")
	adapter := NewAdapter(uninitialized)
	assert.Error(t, adapter.Init(context.Background()))
	_, err = adapter.Recognize(context.Background(), img, model.Box{}, nil)
	assert.Equal(t, errors.ErrorRecognitionUnavailable, errors.CodeOf(err))
	assert.Equal(t, 0, uninitialized.Calls())

	// the adapter stays usable after a failure
	uninitialized.InitErr = nil
	_, err = adapter.Recognize(context.Background(), img, model.Box{}, nil)
	assert.NoError(t, err)

	closed := NewAdapter(NewMockEngine())
	require.NoError(t, closed.Init(context.Background()))
	require.NoError(t, closed.Close())
	_, err = closed.Recognize(context.Background(), img, model.Box{}, nil)
	assert.Equal(t, errors.ErrorRecognitionUnavailable, errors.CodeOf(err))
}

type panicEngine struct{ MockEngine }

func (p *panicEngine) Recognize(ctx context.Context, in Input) ([]Observation, error) {
	panic("native crash")
}

func TestAdapterRecoversEnginePanic(t *testing.T) {
	_, err := NewAdapter(&panicEngine{}).Recognize(context.Background(), testImage(50, 50), model.Box{}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorRecognitionUnavailable, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "native crash")
}

// slowEngine tracks how many calls overlap
type slowEngine struct {
	MockEngine
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (s *slowEngine) Recognize(ctx context.Context, in Input) ([]Observation, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		old := s.maxSeen.Load()
		if n <= old || s.maxSeen.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return []Observation{{Polygon: RectPolygon(0, 0, 10, 10), Text: "x", Confidence: 1}}, nil
}

func TestAdapterSerializesEngineCalls(t *testing.T) {
	engine := &slowEngine{delay: 10 * time.Millisecond}
	adapter := NewAdapter(engine)
	img := testImage(50, 50)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := adapter.Recognize(context.Background(), img, model.Box{}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), engine.maxSeen.Load())
}

func TestAdapterContextTimeout(t *testing.T) {
	engine := &slowEngine{delay: 200 * time.Millisecond}
	adapter := NewAdapter(engine)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := adapter.Recognize(ctx, testImage(50, 50), model.Box{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

type fakeVision struct {
	data      *clients.VisionOCRData
	err       error
	language  string
	healthErr error
}

func (f *fakeVision) ExtractTextFromBytes(ctx context.Context, imageData []byte, language string) (*clients.VisionOCRData, error) {
	f.language = language
	return f.data, f.err
}

func (f *fakeVision) HealthCheck(ctx context.Context) error { return f.healthErr }

func TestVisionEngineUsesLinePolygons(t *testing.T) {
	svc := &fakeVision{data: &clients.VisionOCRData{
		Confidence: 0.8,
		Lines: []clients.VisionLine{
			{Text: "Paracetamol", Confidence: 0.95, Polygon: [][2]float64{{1, 2}, {50, 2}, {50, 20}, {1, 20}}},
			{Text: "bad", Polygon: [][2]float64{{1, 2}}},
			{Text: "soir", Polygon: [][2]float64{{1, 30}, {50, 30}, {50, 48}, {1, 48}}},
		},
	}}
	engine := NewVisionEngine(svc, 0)
	require.NoError(t, engine.Init(context.Background()))

	obs, err := engine.Recognize(context.Background(), Input{Width: 100, Height: 100, Languages: []model.Language{model.LangFrench}})
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, 0.95, obs[0].Confidence)
	assert.Equal(t, 0.8, obs[1].Confidence, "missing line confidence falls back to the page value")
	assert.Equal(t, "fr", svc.language)
}

func TestVisionEngineStacksPlainText(t *testing.T) {
	svc := &fakeVision{data: &clients.VisionOCRData{Text: "line one\n\nline two\n", Confidence: 0.7}}
	engine := NewVisionEngine(svc, 100)

	obs, err := engine.Recognize(context.Background(), Input{Width: 200, Height: 100})
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, RectPolygon(0, 0, 200, 50), obs[0].Polygon)
	assert.Equal(t, RectPolygon(0, 50, 200, 100), obs[1].Polygon)
	assert.Equal(t, "multi", svc.language)
}

func TestVisionEngineInitFailure(t *testing.T) {
	engine := NewVisionEngine(&fakeVision{healthErr: stderrors.New("down")}, 0)
	assert.Error(t, engine.Init(context.Background()))
}

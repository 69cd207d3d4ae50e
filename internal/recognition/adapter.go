package recognition

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/imaging"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// Adapter is the process-wide handle to one engine. Engine calls are serialized
// and run off the caller's goroutine; an abandoned call keeps the engine busy until it returns.
type Adapter struct {
	engine      Engine
	mu          sync.Mutex
	initialized bool
	closed      bool
	logger      *logging.Logger
}

type recognizeResult struct {
	observations []Observation
	err          error
}

// NewAdapter wraps an engine. The engine is initialized on first use unless Init is called.
func NewAdapter(engine Engine) *Adapter {
	return &Adapter{
		engine: engine,
		logger: logging.NewLogger("Recognition").With("engine", engine.Name()),
	}
}

// Name returns the engine name
func (a *Adapter) Name() string {
	return a.engine.Name()
}

// Init initializes the engine once
func (a *Adapter) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initLocked(ctx)
}

func (a *Adapter) initLocked(ctx context.Context) error {
	if a.closed {
		return fmt.Errorf("engine %s is closed", a.engine.Name())
	}
	if a.initialized {
		return nil
	}
	if err := a.engine.Init(ctx); err != nil {
		return err
	}
	a.initialized = true
	a.logger.Info("Recognition engine initialized")
	return nil
}

// Close releases the engine. Later calls fail with RecognitionUnavailable.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	if !a.initialized {
		return nil
	}
	a.initialized = false
	return a.engine.Close()
}

// Ready reports whether the engine has been initialized and not closed
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized && !a.closed
}

// Recognize runs the engine over the region of img (zero box means the full page)
// and returns blocks in page coordinates. Context expiry returns ctx.Err() without
// stopping the engine call.
func (a *Adapter) Recognize(ctx context.Context, img *imaging.Image, region model.Box, langs []model.Language) ([]model.TextBlock, error) {
	if region.Empty() {
		region = model.Box{X: 0, Y: 0, W: img.Width(), H: img.Height()}
	}
	region = region.Clamp(img.Width(), img.Height())

	png, err := img.EncodePNG(region)
	if err != nil {
		return nil, errors.NewRecognitionUnavailableError(a.engine.Name(), err)
	}

	in := Input{PNG: png, Width: region.W, Height: region.H, Languages: langs}
	done := make(chan recognizeResult, 1)

	go func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		if err := a.initLocked(ctx); err != nil {
			done <- recognizeResult{err: err}
			return
		}
		obs, err := a.call(ctx, in)
		done <- recognizeResult{observations: obs, err: err}
	}()

	select {
	case <-ctx.Done():
		a.logger.Warn("Abandoned recognition call", "error", ctx.Err())
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			a.logger.Error("Recognition failed", "error", res.err)
			return nil, errors.NewRecognitionUnavailableError(a.engine.Name(), res.err)
		}
		blocks := Normalize(res.observations, region, img.Width(), img.Height())
		a.logger.Debug("Recognition complete", "observations", len(res.observations), "blocks", len(blocks))
		return blocks, nil
	}
}

// call runs the engine, turning a panic into an error
func (a *Adapter) call(ctx context.Context, in Input) (obs []Observation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return a.engine.Recognize(ctx, in)
}

// Normalize turns observations for a crop at region into page-space text blocks.
// Blank text is skipped; boxes are clamped to the crop and then offset.
func Normalize(observations []Observation, region model.Box, pageWidth, pageHeight int) []model.TextBlock {
	blocks := make([]model.TextBlock, 0, len(observations))

	for _, obs := range observations {
		text := strings.TrimSpace(obs.Text)
		if text == "" {
			continue
		}

		minX, minY := math.Inf(1), math.Inf(1)
		maxX, maxY := math.Inf(-1), math.Inf(-1)
		for _, p := range obs.Polygon {
			minX, maxX = math.Min(minX, p[0]), math.Max(maxX, p[0])
			minY, maxY = math.Min(minY, p[1]), math.Max(maxY, p[1])
		}

		bbox := model.BBox{
			X1: region.X + clampInt(int(math.Floor(minX)), 0, region.W),
			Y1: region.Y + clampInt(int(math.Floor(minY)), 0, region.H),
			X2: region.X + clampInt(int(math.Ceil(maxX)), 0, region.W),
			Y2: region.Y + clampInt(int(math.Ceil(maxY)), 0, region.H),
		}
		bbox.X2 = min(bbox.X2, pageWidth)
		bbox.Y2 = min(bbox.Y2, pageHeight)

		blocks = append(blocks, model.TextBlock{
			Text:       text,
			BBox:       bbox,
			Confidence: clampFloat(obs.Confidence, 0, 1),
			Language:   DetectLanguage(text),
			BlockType:  model.BlockUnknown,
			Region:     -1,
		})
	}

	return blocks
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(v, hi))
}

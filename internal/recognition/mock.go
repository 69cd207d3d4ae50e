package recognition

import (
	"context"
	"sync"
)

const mockLineHeight = 40

// MockEngine returns preset observations, or stacks preset lines down the input.
// It records calls for tests.
type MockEngine struct {
	Observations []Observation
	Lines        []string
	Confidence   float64
	InitErr      error
	Err          error

	mu     sync.Mutex
	calls  int
	inputs []Input
}

// NewMockEngine creates a mock returning obs verbatim
func NewMockEngine(obs ...Observation) *MockEngine {
	return &MockEngine{Observations: obs, Confidence: 0.9}
}

// NewMockEngineFromLines creates a mock emitting one full-width observation per line
func NewMockEngineFromLines(confidence float64, lines ...string) *MockEngine {
	return &MockEngine{Lines: lines, Confidence: confidence}
}

func (m *MockEngine) Name() string { return "mock" }

func (m *MockEngine) Init(ctx context.Context) error { return m.InitErr }

func (m *MockEngine) Close() error { return nil }

// Recognize returns the preset output
func (m *MockEngine) Recognize(ctx context.Context, in Input) ([]Observation, error) {
	m.mu.Lock()
	m.calls++
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Observations) > 0 {
		return m.Observations, nil
	}

	obs := make([]Observation, 0, len(m.Lines))
	for i, line := range m.Lines {
		y := float64(i * mockLineHeight)
		obs = append(obs, Observation{
			Polygon:    RectPolygon(0, y, float64(in.Width), y+mockLineHeight-4),
			Text:       line,
			Confidence: m.Confidence,
		})
	}
	return obs, nil
}

// Calls returns how many times Recognize ran
func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastInput returns the most recent input
func (m *MockEngine) LastInput() Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inputs) == 0 {
		return Input{}
	}
	return m.inputs[len(m.inputs)-1]
}

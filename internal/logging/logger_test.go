package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput("Quality", &buf)

	l.Info("gate checked", "accepted", true, "blur", 150.5)

	out := buf.String()
	assert.Contains(t, out, "[Quality] ")
	assert.Contains(t, out, "[INFO] gate checked accepted=true blur=150.5")
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput("Processor", &buf).With("job", "abc")

	l.Warn("layout degraded", "regions", 0)

	assert.Contains(t, buf.String(), "[WARN] layout degraded job=abc regions=0")
}

func TestLoggerDropsOddTrailingKey(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput("X", &buf)

	l.Error("boom", "dangling")

	assert.Contains(t, buf.String(), "[ERROR] boom\n")
}

func TestLoggerLevelFilter(t *testing.T) {
	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	var buf bytes.Buffer
	l := NewLoggerWithOutput("X", &buf)

	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewStandardLogger(
		WithOutput(&buf),
		WithLevel(LevelDebug),
	)

	logger.Debug("This is a debug message")
	assert.Contains(t, buf.String(), "[DEBUG]")
	assert.Contains(t, buf.String(), "This is a debug message")
	buf.Reset()

	logger.Info("This is an info message")
	assert.Contains(t, buf.String(), "[INFO]")
	assert.Contains(t, buf.String(), "This is an info message")
	buf.Reset()

	logger.Warn("This is a warning message")
	assert.Contains(t, buf.String(), "[WARN]")
	buf.Reset()

	logger.Error("This is an error message")
	assert.Contains(t, buf.String(), "[ERROR]")
	buf.Reset()

	logger.WithFields(map[string]interface{}{
		"component": "test",
		"count":     123,
	}).Info("Message with fields")
	output := buf.String()
	assert.Contains(t, output, "Message with fields")
	assert.Contains(t, output, "component=test")
	assert.Contains(t, output, "count=123")
	buf.Reset()

	logger.WithField("module", "logger").Info("Message with a field")
	assert.Contains(t, buf.String(), "module=logger")
	buf.Reset()

	// Level filtering
	logger.SetLevel(LevelError)
	logger.Debug("This debug message should not appear")
	logger.Info("This info message should not appear")
	logger.Warn("This warning message should not appear")
	logger.Error("This error message should appear")
	output = buf.String()
	assert.NotContains(t, output, "should not appear")
	assert.Contains(t, output, "This error message should appear")
	buf.Reset()

	logger.SetLevel(LevelInfo)
	logger.Info("Formatted %s with %d params", "message", 2)
	assert.Contains(t, buf.String(), "Formatted message with 2 params")
	assert.Equal(t, LevelInfo, logger.GetLevel())
}

func TestChildSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelInfo))
	child := logger.WithField("component", "compactor")

	logger.SetLevel(LevelError)
	child.Info("hidden")
	assert.Empty(t, buf.String())
	assert.Equal(t, LevelError, child.GetLevel())
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelInfo, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestDefaultLogger(t *testing.T) {
	originalLogger := defaultLogger
	defer func() {
		defaultLogger = originalLogger
	}()

	var buf bytes.Buffer
	SetDefaultLogger(NewStandardLogger(
		WithOutput(&buf),
		WithLevel(LevelInfo),
	))

	Info("Global info message")
	assert.Contains(t, buf.String(), "[INFO]")
	assert.Contains(t, buf.String(), "Global info message")
	buf.Reset()

	WithField("global", true).Info("Global with field")
	assert.Contains(t, buf.String(), "global=true")
}

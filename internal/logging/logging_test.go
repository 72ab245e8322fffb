package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWriterLevel(t *testing.T) {
	var buf bytes.Buffer
	log, level := NewWriter(&buf, zapcore.InfoLevel)

	log.Debug("hidden")
	log.Info("shown", zap.String("proxy", "Upstream"))
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "INFO")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "Upstream")

	level.SetLevel(zapcore.DebugLevel)
	log.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestNewVerbose(t *testing.T) {
	_, level := New(true)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	_, level = New(false)
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

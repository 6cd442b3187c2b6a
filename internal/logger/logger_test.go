package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestGetLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, getLogLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, getLogLevel("WARN"))
	assert.Equal(t, zapcore.InfoLevel, getLogLevel("PRODUCTION"))
	assert.Equal(t, zapcore.InfoLevel, getLogLevel(""))
}

func TestNewHonoursLevel(t *testing.T) {
	log := New("ERROR", FormatJSON)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.ErrorLevel))
}

// Package logger configures the process-wide zap logger.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFormat selects the encoder.
type LogFormat string

const (
	// FormatConsole is human-readable output for an operator's terminal.
	FormatConsole LogFormat = "CONSOLE"
	// FormatJSON is structured output for log collectors.
	FormatJSON LogFormat = "JSON"
)

var initOnce sync.Once

// getLogLevel converts a string log level to zapcore.Level.
func getLogLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New creates a logger writing to stdout at the given level and format.
func New(logLevel string, logFormat LogFormat) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      zapcore.OmitKey,
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var encoder zapcore.Encoder
	if logFormat == FormatJSON {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.CallerKey = "caller"
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(getLogLevel(logLevel)))
	return zap.New(core, zap.AddCaller())
}

// Initialize installs the global logger. level overrides LOGGING_LEVEL when
// non-empty. Only the first call has an effect.
func Initialize(level string) {
	initOnce.Do(func() {
		if level == "" {
			level = getEnv("LOGGING_LEVEL", "INFO")
		}
		format := LogFormat(strings.ToUpper(getEnv("LOGGING_FORMAT", string(FormatConsole))))
		if format != FormatJSON {
			format = FormatConsole
		}
		zap.ReplaceGlobals(New(level, format))
		zap.S().Debugf("Logger initialized with level %s and format %s", level, format)
	})
}

// For returns a sugared logger named after a component.
func For(component string) *zap.SugaredLogger {
	return zap.S().Named(component)
}

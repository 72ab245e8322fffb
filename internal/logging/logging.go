// Package logging builds the zap logger shared by the CLI and the proxy
// instances it starts.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to stderr at info level, or debug
// level when verbose is set. The returned level may be changed later.
func New(verbose bool) (*zap.Logger, zap.AtomicLevel) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	return NewWriter(os.Stderr, level)
}

// NewWriter returns a console logger writing to w at level.
func NewWriter(w io.Writer, level zapcore.Level) (*zap.Logger, zap.AtomicLevel) {
	atomicLevel := zap.NewAtomicLevelAt(level)

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	}), zapcore.Lock(zapcore.AddSync(w)), atomicLevel)

	return zap.New(core), atomicLevel
}

// Package logging builds the zap.Logger every other package receives by
// constructor injection. Grounded on fyrsmithlabs-contextd's
// internal/logging/logger.go, trimmed to the single JSON/console-core
// path: the OTEL dual-core export contextd layers on top is out of
// scope for an execution engine with no telemetry backend of its own.
package logging

import (
	"errors"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction.
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "console"

	// Stdio forces every log write to stderr regardless of Format,
	// required whenever the process also speaks MCP over stdio.
	Stdio bool
}

// New builds a zap.Logger per Options.
func New(opts Options) (*zap.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.Lock(zapcore.AddSync(os.Stderr))
	core := zapcore.NewCore(encoder, sink, level)

	return zap.New(core, zap.AddCaller()), nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.Set(strings.ToLower(s)); err != nil {
		return 0, err
	}
	return level, nil
}

// Sync flushes a logger's buffered entries, silently ignoring the
// EINVAL/ENOTTY errors syncing a terminal or pipe commonly returns on
// Linux (fyrsmithlabs-contextd's isStdoutSyncError, reused verbatim).
func Sync(logger *zap.Logger) error {
	err := logger.Sync()
	if err != nil && isBenignSyncError(err) {
		return nil
	}
	return err
}

func isBenignSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}

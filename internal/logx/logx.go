// Package logx is the leveled logging facade for payguard. It keeps a
// printf-style surface over a zap core so callers never touch zap directly.
package logx

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger = newLogger()
)

func newLogger() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	log, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Production config only fails on bad output paths; fall back to
		// a development logger rather than losing logs entirely.
		log, _ = zap.NewDevelopment(zap.AddCallerSkip(1))
	}
	return log.Sugar()
}

func ParseLevel(v string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", v)
	}
}

func SetLevel(v string) error {
	lvl, err := ParseLevel(v)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// Configure resolves log level from flags and env.
// Precedence: --log-level > --verbose > PAYGUARD_LOG_LEVEL > default(info).
func Configure(flagLevel string, verbose bool) error {
	if strings.TrimSpace(flagLevel) != "" {
		return SetLevel(flagLevel)
	}
	if verbose {
		return SetLevel("debug")
	}
	if env := strings.TrimSpace(os.Getenv("PAYGUARD_LOG_LEVEL")); env != "" {
		return SetLevel(env)
	}
	return SetLevel("info")
}

func IsDebug() bool {
	return level.Enabled(zapcore.DebugLevel)
}

func Debugf(format string, args ...any) { logger.Debugf(format, args...) }
func Infof(format string, args ...any)  { logger.Infof(format, args...) }
func Warnf(format string, args ...any)  { logger.Warnf(format, args...) }
func Errorf(format string, args ...any) { logger.Errorf(format, args...) }

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	_ = logger.Sync()
}

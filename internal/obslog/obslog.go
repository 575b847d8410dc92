// Package obslog holds the process-wide zap logger. Until InitFromEnv runs it is a
// Nop logger, so library code and tests stay quiet.
package obslog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global     atomic.Pointer[zap.Logger]
	production atomic.Bool
)

func init() { global.Store(zap.NewNop()) }

func L() *zap.Logger { return global.Load() }

// Replace swaps the global logger and returns a func restoring the previous one.
func Replace(l *zap.Logger) func() {
	if l == nil {
		l = zap.NewNop()
	}
	prev := global.Swap(l)
	return func() { global.Store(prev) }
}

// Production reports APP_ENV=production as seen by the last InitFromEnv.
// Leak diagnostics are only emitted outside production.
func Production() bool { return production.Load() }

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func Sync() { _ = L().Sync() }

// Settings is the logger shape read from the environment.
type Settings struct {
	Level      zapcore.Level
	Format     string // legacy | json | console
	Console    bool
	File       string // empty disables file output
	Caller     bool
	Service    string
	Production bool
}

// SettingsFromEnv reads LOG_LEVEL, LOG_FORMAT, LOG_TO_CONSOLE, LOG_TO_FILE, LOG_FILE,
// LOG_CALLER, SERVICE_NAME and APP_ENV.
func SettingsFromEnv() Settings {
	s := Settings{
		Level:      parseLevel(getenv("LOG_LEVEL", "info")),
		Format:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "legacy"))),
		Console:    isTrue(getenv("LOG_TO_CONSOLE", "true")),
		Caller:     isTrue(getenv("LOG_CALLER", "false")),
		Service:    strings.TrimSpace(os.Getenv("SERVICE_NAME")),
		Production: strings.EqualFold(strings.TrimSpace(os.Getenv("APP_ENV")), "production"),
	}
	switch s.Format {
	case "legacy", "json", "console":
	default:
		s.Format = "legacy"
	}
	if isTrue(getenv("LOG_TO_FILE", "false")) {
		s.File = strings.TrimSpace(getenv("LOG_FILE", filepath.Join("logs", "matchsync.log")))
	}
	return s
}

// InitFromEnv builds the logger from SettingsFromEnv and installs it.
func InitFromEnv() error {
	s := SettingsFromEnv()
	logger, err := Build(s)
	if err != nil {
		return err
	}
	production.Store(s.Production)
	global.Store(logger)
	return nil
}

// Build assembles a logger writing to stdout and/or a file. With neither enabled it
// falls back to a development console on stdout.
func Build(s Settings) (*zap.Logger, error) {
	var cores []zapcore.Core
	if s.Console {
		cores = append(cores, zapcore.NewCore(encoder(s.Format), zapcore.AddSync(os.Stdout), s.Level))
	}
	if s.File != "" {
		if dir := filepath.Dir(s.File); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("obslog: log dir: %w", err)
			}
		}
		f, err := os.OpenFile(s.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("obslog: open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder(s.Format), zapcore.AddSync(f), s.Level))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(os.Stdout), s.Level))
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	// legacy lines always carry the call site
	if s.Caller || s.Format == "legacy" {
		opts = append(opts, zap.AddCaller())
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	if s.Service != "" {
		logger = logger.With(zap.String("service", s.Service))
	}
	return logger, nil
}

func encoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	switch format {
	case "json":
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(cfg)
	case "console":
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	default:
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.ConsoleSeparator = " | "
		return zapcore.NewConsoleEncoder(cfg)
	}
}

func parseLevel(s string) zapcore.Level {
	if strings.EqualFold(strings.TrimSpace(s), "warning") {
		return zapcore.WarnLevel
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func isTrue(v string) bool { return strings.EqualFold(strings.TrimSpace(v), "true") }

func getenv(k, def string) string {
	if v := os.Getenv(k); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

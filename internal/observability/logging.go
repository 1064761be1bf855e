// Package observability owns process-wide logging. Two loggers exist: the
// CLILogger for human-facing command output, and the runtime logger for the
// engine's structured stream, optionally mirrored to a rotated file.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger prints human-first command output. It is available before any
// configuration is loaded.
var CLILogger = newCLILogger()

// Logger is the structured runtime logger. Nop until Init runs.
var Logger = zap.NewNop()

// Options selects the runtime logging profile.
type Options struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string

	// Profile selects the encoder: "structured" emits JSON, "console"
	// emits the human-readable form.
	Profile string

	// File mirrors the structured stream into a rotated log file when
	// non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init builds the runtime logger from opts, installs it as Logger, and
// redirects zap's globals to it.
func Init(opts Options) (*zap.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var cores []zapcore.Core
	switch strings.ToLower(strings.TrimSpace(opts.Profile)) {
	case "", "structured":
		cores = append(cores, zapcore.NewCore(jsonEncoder(), zapcore.Lock(os.Stderr), level))
	case "console":
		cores = append(cores, zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stderr), level))
	default:
		return nil, fmt.Errorf("unknown logging profile: %s", opts.Profile)
	}

	if strings.TrimSpace(opts.File) != "" {
		sink := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 30),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(jsonEncoder(), zapcore.AddSync(sink), level))
	}

	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	Logger = log
	zap.ReplaceGlobals(log)
	return log, nil
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	_ = Logger.Sync()
	_ = CLILogger.Sync()
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", s)
}

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// newCLILogger builds the bare console logger commands print through: message
// and fields only, no timestamps or caller noise.
func newCLILogger() *zap.Logger {
	cfg := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "",
		TimeKey:        "",
		NameKey:        "",
		CallerKey:      "",
		StacktraceKey:  "",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stdout), zapcore.InfoLevel)
	return zap.New(core)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

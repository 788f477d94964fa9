// Package logger builds per-subsystem slog loggers and carries them through
// request contexts.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

// Subsystem names, used as the "subsystem" attribute and for per-subsystem
// level overrides (LOG_LEVEL_<SUBSYSTEM>).
const (
	SubsystemAPI        = "API"
	SubsystemRPC        = "RPC"
	SubsystemGateway    = "GATEWAY"
	SubsystemClassifier = "CLASSIFIER"
	SubsystemUploads    = "UPLOADS"
)

// Config holds logging configuration.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
	Output          io.Writer
}

// NewConfig reads LOG_LEVEL, LOG_LEVEL_<SUBSYSTEM> and LOG_FILE from the
// environment. LOG_FILE adds a daily-rotated file next to stdout.
func NewConfig() Config {
	cfg := Config{
		DefaultLevel:    parseLevel(os.Getenv("LOG_LEVEL"), slog.LevelInfo),
		SubsystemLevels: make(map[string]slog.Level),
		Output:          os.Stdout,
	}

	for _, sub := range []string{SubsystemAPI, SubsystemRPC, SubsystemGateway, SubsystemClassifier, SubsystemUploads} {
		if v := os.Getenv("LOG_LEVEL_" + sub); v != "" {
			cfg.SubsystemLevels[sub] = parseLevel(v, cfg.DefaultLevel)
		}
	}

	if path := os.Getenv("LOG_FILE"); path != "" {
		rl, err := rotatelogs.New(
			path+".%Y%m%d",
			rotatelogs.WithLinkName(path),
			rotatelogs.WithMaxAge(7*24*time.Hour),
			rotatelogs.WithRotationTime(24*time.Hour),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file %s disabled: %v\n", path, err)
		} else {
			cfg.Output = io.MultiWriter(os.Stdout, rl)
		}
	}

	return cfg
}

// LevelFor returns the effective level of a subsystem.
func (c Config) LevelFor(subsystem string) slog.Level {
	if lvl, ok := c.SubsystemLevels[subsystem]; ok {
		return lvl
	}
	return c.DefaultLevel
}

// NewSubsystemLogger creates a JSON logger tagged with the subsystem. When
// otelHandler is non-nil, records are also sent to the OTel log pipeline.
func NewSubsystemLogger(subsystem string, cfg Config, otelHandler slog.Handler) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	level := cfg.LevelFor(subsystem)

	var handler slog.Handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	if otelHandler != nil {
		handler = &fanoutHandler{handlers: []slog.Handler{
			handler,
			&levelHandler{level: level, next: otelHandler},
		}}
	}

	return slog.New(handler).With("subsystem", subsystem)
}

type ctxKey struct{}

// AddToContext returns a context carrying log.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return slog.Default()
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	if s == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return fallback
	}
	return lvl
}

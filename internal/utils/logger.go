package utils

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// LevelAudit marks end-of-run audit records. It sorts above ERROR so audit
// records survive any configured verbosity.
const LevelAudit = slog.Level(12)

// NewLogger returns a slog.Logger configured for the desired verbosity and format.
func NewLogger(level string, json bool) *slog.Logger {
	handlerLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		handlerLevel = slog.LevelDebug
	case "warn":
		handlerLevel = slog.LevelWarn
	case "error":
		handlerLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: handlerLevel, ReplaceAttr: renameAuditLevel}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Audit writes a single audit record. success=false records are what operators alert on.
func Audit(ctx context.Context, logger *slog.Logger, msg string, success bool, attrs ...slog.Attr) {
	if logger == nil {
		logger = slog.Default()
	}
	attrs = append([]slog.Attr{slog.Bool("success", success)}, attrs...)
	logger.LogAttrs(ctx, LevelAudit, msg, attrs...)
}

func renameAuditLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelAudit {
		a.Value = slog.StringValue("AUDIT")
	}
	return a
}

package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger bridges whatsmeow's logger interface onto slog.
type slogLogger struct {
	log    *slog.Logger
	module string
	min    slog.Level
}

// newLogger returns a whatsmeow logger that writes to slog.Default() and drops
// records below level ("debug", "info", "warn", "error"; default "warn").
func newLogger(module, level string) waLog.Logger {
	return &slogLogger{log: slog.Default(), module: module, min: parseLevel(level)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func (l *slogLogger) logf(level slog.Level, msg string, args []interface{}) {
	if level < l.min || !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *slogLogger) Errorf(msg string, args ...interface{}) { l.logf(slog.LevelError, msg, args) }
func (l *slogLogger) Warnf(msg string, args ...interface{})  { l.logf(slog.LevelWarn, msg, args) }
func (l *slogLogger) Infof(msg string, args ...interface{})  { l.logf(slog.LevelInfo, msg, args) }
func (l *slogLogger) Debugf(msg string, args ...interface{}) { l.logf(slog.LevelDebug, msg, args) }

func (l *slogLogger) Sub(module string) waLog.Logger {
	return &slogLogger{log: l.log, module: l.module + "/" + module, min: l.min}
}

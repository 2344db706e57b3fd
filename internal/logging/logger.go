// Package logging provides the structured Logger for operational messages;
// the executor accepts one through WithLogger, and the scheduler and cache
// backends take none. It follows the
// observed call-site shape of the teacher's internal/logger.Logger
// (internal/agent/agent.go: Info(msg, "key", value), Infof(format, args)),
// backed by log/slog fanned out through github.com/samber/slog-multi so a
// run can log to console and an optional file simultaneously.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the structured logging contract used across the module.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	// With returns a Logger that attaches kv to every subsequent record,
	// mirroring slog's attribute-scoping idiom.
	With(kv ...any) Logger
}

type slogLogger struct {
	handler slog.Handler
}

// New builds a Logger writing to console (and, if file is non-nil, also to
// file) at the given level. Passing a nil file yields a console-only logger.
func New(level slog.Level, file io.Writer) Logger {
	opts := &slog.HandlerOptions{Level: level, AddSource: true}
	console := slog.NewTextHandler(os.Stderr, opts)
	var handler slog.Handler = console
	if file != nil {
		fileHandler := slog.NewJSONHandler(file, opts)
		handler = slogmulti.Fanout(console, fileHandler)
	}
	return &slogLogger{handler: handler}
}

// Default is a console-only logger at Info level, used where no
// configuration has been wired yet (the executor's default when no
// WithLogger option is given).
var Default Logger = New(slog.LevelInfo, nil)

func (l *slogLogger) log(level slog.Level, msg string, kv []any) {
	if !l.handler.Enabled(context.Background(), level) {
		return
	}
	// Skip [Callers, log, Debug/Info/Warn/Error] to attribute the record to
	// the caller of the public method, not to this file or slog-multi's
	// internal fan-out frame.
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), level, msg, pcs[0])
	record.Add(kv...)
	_ = l.handler.Handle(context.Background(), record)
}

func (l *slogLogger) Debug(msg string, kv ...any) { l.log(slog.LevelDebug, msg, kv) }
func (l *slogLogger) Info(msg string, kv ...any)  { l.log(slog.LevelInfo, msg, kv) }
func (l *slogLogger) Warn(msg string, kv ...any)  { l.log(slog.LevelWarn, msg, kv) }
func (l *slogLogger) Error(msg string, kv ...any) { l.log(slog.LevelError, msg, kv) }

func (l *slogLogger) Debugf(format string, args ...any) { l.log(slog.LevelDebug, fmt.Sprintf(format, args...), nil) }
func (l *slogLogger) Infof(format string, args ...any)  { l.log(slog.LevelInfo, fmt.Sprintf(format, args...), nil) }
func (l *slogLogger) Warnf(format string, args ...any)  { l.log(slog.LevelWarn, fmt.Sprintf(format, args...), nil) }
func (l *slogLogger) Errorf(format string, args ...any) { l.log(slog.LevelError, fmt.Sprintf(format, args...), nil) }

func (l *slogLogger) With(kv ...any) Logger {
	return &slogLogger{handler: l.handler.WithAttrs(attrsFromKV(kv))}
}

func attrsFromKV(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		attrs = append(attrs, slog.Any(key, kv[i+1]))
	}
	return attrs
}

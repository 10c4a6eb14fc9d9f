// Package observability provides the logging and metrics hooks shared by the
// merge engine, the compatibility filter and the service layer.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the structured logging surface used across donorbase. Arguments
// after the message are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (NoopLogger) Debug(string, ...any) {}
func (NoopLogger) Info(string, ...any)  {}
func (NoopLogger) Warn(string, ...any)  {}
func (NoopLogger) Error(string, ...any) {}

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	z zerolog.Logger
}

// NewZerologLogger wraps z.
func NewZerologLogger(z zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{z: z}
}

// NewLogger builds a zerolog-backed Logger writing to w. Format is "console"
// (human readable) or "json"; level is any zerolog level name.
func NewLogger(w io.Writer, level, format string) (*ZerologLogger, error) {
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		lvl = parsed
	}
	out := w
	switch strings.ToLower(format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	case "json":
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	z := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return NewZerologLogger(z), nil
}

func (l *ZerologLogger) Debug(msg string, args ...any) { l.emit(l.z.Debug(), msg, args) }
func (l *ZerologLogger) Info(msg string, args ...any)  { l.emit(l.z.Info(), msg, args) }
func (l *ZerologLogger) Warn(msg string, args ...any)  { l.emit(l.z.Warn(), msg, args) }
func (l *ZerologLogger) Error(msg string, args ...any) { l.emit(l.z.Error(), msg, args) }

func (l *ZerologLogger) emit(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	if len(args)%2 == 1 {
		args = append(args, "(missing)")
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if err, isErr := args[i+1].(error); isErr {
			ev = ev.AnErr(key, err)
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}

// OrNoop returns l, or a NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

// Package logger provides utilities for working with [zerolog.Logger] and
// [context.Context].
package logger

import (
	"context"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

var ctxLoggerKey = ctxKey{}

// InContext returns a copy of ctx carrying l, retrievable with [FromContext].
func InContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey, l)
}

// FromContext returns the logger attached to ctx by [InContext], or
// [zerolog.Nop] if none was attached.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxLoggerKey).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}

// Fatal logs msg at error level using the logger attached to ctx, then exits
// the process with status 1.
func Fatal(ctx context.Context, msg string, fields map[string]any) {
	fatalErrorCtx(ctx, msg, nil, fields)
}

// FatalError logs msg and err at error level using a default JSON logger
// that writes to stderr, then exits the process with status 1.
func FatalError(msg string, err error, fields map[string]any) {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	fatalErrorCtx(InContext(context.Background(), l), msg, err, fields)
}

// FatalErrorContext logs msg and err at error level using the logger attached
// to ctx, then exits the process with status 1.
func FatalErrorContext(ctx context.Context, msg string, err error, fields map[string]any) {
	fatalErrorCtx(ctx, msg, err, fields)
}

func fatalErrorCtx(ctx context.Context, msg string, err error, fields map[string]any) {
	_, file, line, ok := runtime.Caller(2) // Discard wrapper frames.
	l := FromContext(ctx)
	e := l.Error()
	if err != nil {
		e = e.Err(err)
	}
	if ok {
		e = e.Str("caller", file).Int("line", line)
	}
	e = e.Fields(fields)
	e.Msg(msg)

	os.Exit(1)
}

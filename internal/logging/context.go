package logging

import (
	"context"
)

type ctxKey int

const (
	connIDKey ctxKey = iota
	characterIDKey
	loggerKey
)

// WithConnIDCtx tags ctx with the client connection it serves.
func WithConnIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// ConnIDFromCtx returns the connection ID, or "" if ctx carries none.
func ConnIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey).(string)
	return id
}

// WithCharacterIDCtx tags ctx with the character being routed or bound.
func WithCharacterIDCtx(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, characterIDKey, id)
}

// CharacterIDFromCtx returns the character ID, or 0 if ctx carries none.
func CharacterIDFromCtx(ctx context.Context) int64 {
	id, _ := ctx.Value(characterIDKey).(int64)
	return id
}

// WithLoggerCtx attaches l to ctx.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromCtx returns the logger attached to ctx, or the global logger tagged
// with whatever connection and character IDs ctx carries.
func FromCtx(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return tagged(ctx, Global())
}

// ContextLogger prefers a logger attached to ctx over base, then applies
// the connection and character IDs from ctx.
func ContextLogger(ctx context.Context, base *Logger) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	if l == nil {
		l = base
	}
	if l == nil {
		l = Global()
	}
	return tagged(ctx, l)
}

func tagged(ctx context.Context, l *Logger) *Logger {
	if id := ConnIDFromCtx(ctx); id != "" {
		l = l.WithConnID(id)
	}
	if id := CharacterIDFromCtx(ctx); id != 0 {
		l = l.WithCharacterID(id)
	}
	return l
}

package slogx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithMessageID attaches a queue message id to the contextual logger so
// every log line emitted while applying that message can be correlated.
func WithMessageID(ctx context.Context, msgID string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("message_id", msgID))
}

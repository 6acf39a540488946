// Package telemetry provides structured logging and request correlation
// for the session broker.
package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"

	"github.com/claude-session-broker/broker/internal/secrets"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// NewLogger creates a structured JSON logger with default fields.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// NewRedactingLogger creates a JSON logger whose handler scrubs
// registered secret values from every field before it is written.
// Callers register values (resolved upstream credentials, resolved
// vault secrets) on the returned filter as they're obtained.
func NewRedactingLogger(w io.Writer, level slog.Level) (*slog.Logger, *secrets.RedactFilter) {
	if w == nil {
		w = os.Stdout
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	filter := secrets.NewRedactFilter(base)
	return slog.New(filter), filter
}

// WithCorrelationID adds a correlation ID to the context.
// If id is empty, a new one is generated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		id = hex.EncodeToString(b)
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogger returns a logger with request-scoped fields attached:
// the originating component and, if present, the correlation ID.
func RequestLogger(logger *slog.Logger, ctx context.Context, component string) *slog.Logger {
	attrs := []any{
		slog.String("component", component),
	}
	if id := CorrelationID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	return logger.With(attrs...)
}

// SessionLogger returns a logger scoped to a single session, so every
// log line written through it can be grep'd by session_id.
func SessionLogger(logger *slog.Logger, ctx context.Context, sessionID, userID string) *slog.Logger {
	attrs := []any{
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
	}
	if id := CorrelationID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	return logger.With(attrs...)
}

package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey   contextKey = "logger"
	uploadIDKey contextKey = "upload_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithUploadID tags ctx with the upload being worked on. TraceHandler adds it to every record.
func WithUploadID(ctx context.Context, uploadID string) context.Context {
	return context.WithValue(ctx, uploadIDKey, uploadID)
}

// UploadIDFromContext returns the upload id stored by WithUploadID, or "".
func UploadIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(uploadIDKey).(string)

	return id
}

// Package dlog provides the structured logging facade used throughout
// dcx-deploy. It standardizes on log/slog and a small set of deployment-
// scoped attribute helpers so every component logs with the same shape.
package dlog

import (
	"context"
	"io"
	"log/slog"
)

// New builds a slog.Logger writing JSON records to w at the given level.
// Production callers point w at a file or the CLI collaborator's log
// sink; tests typically pass io.Discard or a bytes.Buffer.
func New(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = io.Discard
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Discard returns a logger that drops every record. Used as the default
// when a caller does not supply a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Deployment returns a logger with the deployment_id and host fields
// attached, matching the attribute names every Coordinator operation
// emits.
func Deployment(logger *slog.Logger, deploymentID, host string) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With("deployment_id", deploymentID, "host", host)
}

// Operation returns a logger scoped to a single Coordinator operation
// (init, up, update, rollback, status, down).
func Operation(logger *slog.Logger, op string) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With("operation", op)
}

// ctxKey is an unexported type to avoid collisions in context.Context.
type ctxKey struct{}

// WithContext stashes a logger in ctx for handlers that don't thread one
// through explicitly (e.g. observer hooks invoked deep in C1/C7).
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext retrieves the logger stashed by WithContext, or Discard()
// if none was set.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return Discard()
}

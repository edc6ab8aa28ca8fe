// Package logging configures slog for the service and carries the request
// logger through contexts. Attribute helpers keep entity keys identical
// across services so log queries can follow one order, pre-order or
// invitation from acceptance to settlement.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/combinado/internal/money"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// Attribute keys shared by every service.
const (
	KeyOrderID      = "orderId"
	KeyPreOrderID   = "preOrderId"
	KeyInvitationID = "invitationId"
	KeyUserID       = "userId"
	KeyActor        = "actor"
	KeyOp           = "op"
	KeyError        = "error"
)

// ParseLevel maps a LOG_LEVEL value to a slog level; unknown values are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates the process logger writing to stdout.
func New(level string, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// OrderID tags a log line with an order.
func OrderID(id string) slog.Attr { return slog.String(KeyOrderID, id) }

// PreOrderID tags a log line with a pre-order.
func PreOrderID(id string) slog.Attr { return slog.String(KeyPreOrderID, id) }

// InvitationID tags a log line with an invitation.
func InvitationID(id string) slog.Attr { return slog.String(KeyInvitationID, id) }

// UserID tags a log line with an account owner.
func UserID(id string) slog.Attr { return slog.String(KeyUserID, id) }

// Actor tags a log line with the caller that triggered it.
func Actor(id string) slog.Attr { return slog.String(KeyActor, id) }

// Op names the service operation.
func Op(name string) slog.Attr { return slog.String(KeyOp, name) }

// Amount renders money with two places so amounts read the same as in the
// ledger.
func Amount(key string, d decimal.Decimal) slog.Attr {
	return slog.String(key, money.Format(d))
}

// Err records err, or nothing when err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the request logger, tagged with the request id when present.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		return logger.With("request_id", reqID)
	}
	return logger
}

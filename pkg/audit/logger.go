package audit

import (
	"context"
	"time"

	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

// Logger is the audit sink. Log is fire-and-forget: implementations must
// never block the caller and must swallow their own failures.
type Logger interface {
	Log(ctx context.Context, event Event)
	Close() error
}

type contextKey string

const loggerKey contextKey = "audit_logger"

// WithLogger attaches an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the audit logger, defaulting to a no-op
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return NopLogger{}
}

// NopLogger discards every event
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event Event) {}
func (NopLogger) Close() error                         { return nil }

// stamp fills the fields every sink wants populated
func stamp(ctx context.Context, event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = observability.GetRequestID(ctx)
	}
	if event.OrgID == "" {
		event.OrgID = observability.GetOrgID(ctx)
	}
	if event.UserID == "" {
		event.UserID = observability.GetUserID(ctx)
	}
}

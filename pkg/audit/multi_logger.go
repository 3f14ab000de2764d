package audit

import "context"

// MultiLogger fans events out to several sinks
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a fan-out logger
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log delivers the event to every sink
func (m *MultiLogger) Log(ctx context.Context, event Event) {
	for _, l := range m.loggers {
		l.Log(ctx, event)
	}
}

// Close closes every sink, returning the first error
func (m *MultiLogger) Close() error {
	var firstErr error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

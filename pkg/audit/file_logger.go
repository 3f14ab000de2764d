package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

// FileLogger appends events as newline-delimited JSON
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *observability.Logger
}

// NewFileLogger opens (or creates) the audit log file in append mode
func NewFileLogger(path string, logger *observability.Logger) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: file, logger: logger}, nil
}

// Log appends the event; write failures are logged and swallowed
func (l *FileLogger) Log(ctx context.Context, event Event) {
	stamp(ctx, &event)

	line, err := json.Marshal(event)
	if err != nil {
		l.logger.WithError(err).Error("Failed to marshal audit event")
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(line); err != nil {
		l.logger.WithError(err).Error("Failed to write audit event")
	}
}

// Close syncs and closes the file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

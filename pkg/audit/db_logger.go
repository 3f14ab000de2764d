package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

const (
	defaultBufferSize    = 1024
	defaultFlushInterval = time.Second
	defaultBatchSize     = 64
)

// DBLogger writes audit events to PostgreSQL through a buffered channel.
// Events are batched by a background worker; when the buffer is full the
// event is dropped and counted, never blocking the login path.
type DBLogger struct {
	db      *sql.DB
	logger  *observability.Logger
	events  chan Event
	dropped atomic.Int64

	flushInterval time.Duration
	batchSize     int

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// DBLoggerOptions tunes buffering; zero values take defaults
type DBLoggerOptions struct {
	BufferSize    int
	FlushInterval time.Duration
	BatchSize     int
}

// NewDBLogger creates and starts a buffered DB audit logger
func NewDBLogger(db *sql.DB, logger *observability.Logger, opts DBLoggerOptions) *DBLogger {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	l := &DBLogger{
		db:            db,
		logger:        logger,
		events:        make(chan Event, opts.BufferSize),
		flushInterval: opts.FlushInterval,
		batchSize:     opts.BatchSize,
		shutdown:      make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Log enqueues the event, dropping it when the buffer is full
func (l *DBLogger) Log(ctx context.Context, event Event) {
	stamp(ctx, &event)
	select {
	case l.events <- event:
	default:
		if l.dropped.Add(1)%100 == 1 {
			l.logger.WithField("dropped_total", l.dropped.Load()).Warn("Audit buffer full, dropping events")
		}
	}
}

// Dropped returns how many events were discarded due to backpressure
func (l *DBLogger) Dropped() int64 {
	return l.dropped.Load()
}

// Close drains the buffer and stops the worker
func (l *DBLogger) Close() error {
	l.once.Do(func() {
		close(l.shutdown)
	})
	l.wg.Wait()
	return nil
}

func (l *DBLogger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-l.events:
			batch = append(batch, event)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.shutdown:
			// drain whatever is still buffered
			for {
				select {
				case event := <-l.events:
					batch = append(batch, event)
					if len(batch) >= l.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *DBLogger) write(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		l.logger.WithError(err).Error("Failed to begin audit transaction")
		return
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_events (timestamp, event_type, org_id, user_id, request_id, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		l.logger.WithError(err).Error("Failed to prepare audit insert")
		tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, event := range batch {
		metadata, err := json.Marshal(event.Metadata)
		if err != nil {
			metadata = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			event.Timestamp, string(event.Type), event.OrgID, event.UserID,
			event.RequestID, event.IPAddress, event.UserAgent, metadata,
		); err != nil {
			l.logger.WithError(err).Error("Failed to insert audit event")
			tx.Rollback()
			return
		}
	}

	if err := tx.Commit(); err != nil {
		l.logger.WithError(err).Error("Failed to commit audit batch")
	}
}

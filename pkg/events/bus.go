package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

// Event is one domain event flowing through the bus
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	OrgID     string         `json:"org_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler consumes one event. Handlers run on the dispatch goroutine and
// must not block for long; slow consumers should queue internally.
type Handler func(ctx context.Context, event Event)

const busQueueSize = 1024

// Bus is a bounded in-process publish/subscribe fan-out. Publish never
// blocks; events beyond the queue capacity are dropped and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	queue       chan Event
	dropped     atomic.Int64
	logger      *observability.Logger
	done        chan struct{}
	stopped     chan struct{}
	closeOnce   sync.Once
}

// NewBus creates and starts a bus
func NewBus(logger *observability.Logger) *Bus {
	b := &Bus{
		subscribers: make(map[string][]Handler),
		queue:       make(chan Event, busQueueSize),
		logger:      logger,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for one event type. The wildcard "*"
// receives every event. Subscriptions are expected at startup; there is
// no unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish enqueues an event. It satisfies the Publisher interfaces of the
// session and certificate managers.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]any) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		OrgID:     observability.GetOrgID(ctx),
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}
	if orgID, ok := payload["org_id"].(string); ok && event.OrgID == "" {
		event.OrgID = orgID
	}

	select {
	case b.queue <- event:
	default:
		if b.dropped.Add(1) == 1 {
			b.logger.WithField("event_type", eventType).Warn("Event bus queue full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded due to backpressure
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) dispatch() {
	defer close(b.stopped)
	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.done:
			// drain what was already queued
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	handlers := append(append([]Handler(nil), b.subscribers[event.Type]...), b.subscribers["*"]...)
	b.mu.RUnlock()

	ctx := context.Background()
	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.WithFields(map[string]interface{}{
						"event_type": event.Type,
						"panic":      r,
					}).Error("Event handler panicked")
				}
			}()
			handler(ctx, event)
		}()
	}
}

// Close stops dispatching after draining the queue and waits for the
// dispatch goroutine to exit.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	<-b.stopped
}

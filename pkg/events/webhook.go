package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

// Endpoint is a registered webhook receiver. An empty OrgID subscribes to
// events from every organization.
type Endpoint struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id,omitempty"`
	URL         string    `json:"url"`
	Events      []string  `json:"events"`
	Secret      string    `json:"secret,omitempty"`
	Active      bool      `json:"active"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (e *Endpoint) subscribed(event Event) bool {
	if !e.Active {
		return false
	}
	if e.OrgID != "" && e.OrgID != event.OrgID {
		return false
	}
	for _, t := range e.Events {
		if t == event.Type || t == "*" {
			return true
		}
	}
	return false
}

// Dispatcher delivers bus events to registered webhook endpoints
type Dispatcher struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	client     *http.Client
	deliveries *deliveryStore
	limiter    *rateLimiter
	retry      *retryPolicy
	logger     *observability.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDispatcher creates a webhook dispatcher with the default retry policy
func NewDispatcher(logger *observability.Logger) *Dispatcher {
	return &Dispatcher{
		endpoints:  make(map[string]*Endpoint),
		client:     &http.Client{Timeout: 10 * time.Second},
		deliveries: newDeliveryStore(1000),
		limiter:    newRateLimiter(100, time.Minute/100),
		retry:      newRetryPolicy(DefaultRetryConfig()),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Attach subscribes the dispatcher to every event on the bus
func (d *Dispatcher) Attach(bus *Bus) {
	bus.Subscribe("*", d.HandleEvent)
}

// Register adds an endpoint
func (d *Dispatcher) Register(endpoint *Endpoint) error {
	if endpoint.URL == "" {
		return fmt.Errorf("endpoint URL is required")
	}
	if len(endpoint.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}

	endpoint.ID = uuid.NewString()
	endpoint.Active = true
	now := time.Now()
	endpoint.CreatedAt = now
	endpoint.UpdatedAt = now

	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[endpoint.ID] = endpoint
	return nil
}

// Unregister removes an endpoint
func (d *Dispatcher) Unregister(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.endpoints[id]; !ok {
		return fmt.Errorf("endpoint not found")
	}
	delete(d.endpoints, id)
	return nil
}

// Get retrieves an endpoint by ID
func (d *Dispatcher) Get(id string) (*Endpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	endpoint, ok := d.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint not found")
	}
	return endpoint, nil
}

// List returns all registered endpoints
func (d *Dispatcher) List() []*Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Endpoint, 0, len(d.endpoints))
	for _, e := range d.endpoints {
		out = append(out, e)
	}
	return out
}

// SetActive toggles delivery for an endpoint
func (d *Dispatcher) SetActive(id string, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	endpoint, ok := d.endpoints[id]
	if !ok {
		return fmt.Errorf("endpoint not found")
	}
	endpoint.Active = active
	endpoint.UpdatedAt = time.Now()
	return nil
}

// Deliveries returns recent deliveries for an endpoint, newest first
func (d *Dispatcher) Deliveries(endpointID string, limit int) []*Delivery {
	return d.deliveries.ByEndpoint(endpointID, limit)
}

// Stats returns delivery statistics for an endpoint
func (d *Dispatcher) Stats(endpointID string) DeliveryStats {
	return d.deliveries.Stats(endpointID)
}

// HandleEvent fans one event out to every subscribed endpoint. Delivery is
// asynchronous; the bus dispatch goroutine is never blocked on HTTP.
func (d *Dispatcher) HandleEvent(ctx context.Context, event Event) {
	d.mu.RLock()
	var targets []*Endpoint
	for _, endpoint := range d.endpoints {
		if endpoint.subscribed(event) {
			targets = append(targets, endpoint)
		}
	}
	d.mu.RUnlock()

	for _, endpoint := range targets {
		delivery := &Delivery{
			ID:         uuid.NewString(),
			EndpointID: endpoint.ID,
			Event:      event,
			URL:        endpoint.URL,
			Status:     DeliveryStatusPending,
			CreatedAt:  time.Now(),
		}
		d.deliveries.Add(delivery)
		go d.attempt(context.Background(), endpoint, delivery)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, endpoint *Endpoint, delivery *Delivery) {
	delivery.Attempts++
	start := time.Now()
	err := d.send(ctx, endpoint, delivery)
	delivery.Duration = time.Since(start)

	now := time.Now()
	switch {
	case err == nil:
		delivery.Status = DeliveryStatusSuccess
		delivery.ErrorMessage = ""
		delivery.CompletedAt = &now
	case d.retry.ShouldRetry(delivery.Attempts, err):
		delivery.Status = DeliveryStatusRetrying
		next := d.retry.NextRetryTime(delivery.Attempts)
		delivery.NextRetryAt = &next
		delivery.ErrorMessage = err.Error()
	default:
		delivery.Status = DeliveryStatusFailed
		delivery.ErrorMessage = err.Error()
		delivery.CompletedAt = &now
		d.logger.WithFields(map[string]interface{}{
			"endpoint_id": endpoint.ID,
			"event_type":  delivery.Event.Type,
			"attempts":    delivery.Attempts,
		}).WithError(err).Warn("Webhook delivery exhausted retries")
	}
	d.deliveries.Update(delivery)
}

func (d *Dispatcher) send(ctx context.Context, endpoint *Endpoint, delivery *Delivery) error {
	if !d.limiter.Allow(endpoint.ID) {
		return fmt.Errorf("rate limit exceeded for endpoint %s", endpoint.ID)
	}

	payload, err := json.Marshal(delivery.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gatehouse-Event", delivery.Event.Type)
	req.Header.Set("X-Gatehouse-Event-ID", delivery.Event.ID)
	req.Header.Set("X-Gatehouse-Delivery", delivery.ID)
	if endpoint.Secret != "" {
		req.Header.Set("X-Gatehouse-Signature", Sign(payload, endpoint.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	delivery.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// StartRetryWorker redelivers failed webhooks until the context ends
func (d *Dispatcher) StartRetryWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				func() {
					defer observability.RecoverPanic(d.logger, "webhook retry worker")
					d.processRetries(ctx)
				}()
			}
		}
	}()
}

// StopRetryWorker stops the retry loop
func (d *Dispatcher) StopRetryWorker() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Dispatcher) processRetries(ctx context.Context) {
	for _, delivery := range d.deliveries.DueRetries(time.Now()) {
		endpoint, err := d.Get(delivery.EndpointID)
		if err != nil || !endpoint.Active {
			delivery.Status = DeliveryStatusFailed
			delivery.ErrorMessage = "endpoint removed or inactive"
			now := time.Now()
			delivery.CompletedAt = &now
			d.deliveries.Update(delivery)
			continue
		}
		d.attempt(ctx, endpoint, delivery)
	}
}

// Sign computes the HMAC-SHA256 payload signature sent with deliveries
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

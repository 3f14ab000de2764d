package events

import (
	"sort"
	"sync"
	"time"
)

// DeliveryStatus tracks where a webhook delivery is in its lifecycle
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
)

// Delivery records one webhook delivery and its attempts
type Delivery struct {
	ID           string         `json:"id"`
	EndpointID   string         `json:"endpoint_id"`
	Event        Event          `json:"event"`
	URL          string         `json:"url"`
	Status       DeliveryStatus `json:"status"`
	StatusCode   int            `json:"status_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`
}

// DeliveryStats aggregates outcomes for one endpoint
type DeliveryStats struct {
	EndpointID  string  `json:"endpoint_id"`
	Total       int     `json:"total"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	Retrying    int     `json:"retrying"`
	SuccessRate float64 `json:"success_rate"`
}

// deliveryStore keeps recent deliveries in memory, evicting the oldest
// tenth when full.
type deliveryStore struct {
	mu      sync.RWMutex
	entries map[string]*Delivery
	max     int
}

func newDeliveryStore(max int) *deliveryStore {
	if max <= 0 {
		max = 1000
	}
	return &deliveryStore{
		entries: make(map[string]*Delivery),
		max:     max,
	}
}

func (s *deliveryStore) Add(d *Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.max {
		s.evictOldest()
	}
	s.entries[d.ID] = d
}

func (s *deliveryStore) Update(d *Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[d.ID] = d
}

// ByEndpoint returns deliveries for an endpoint, most recent first
func (s *deliveryStore) ByEndpoint(endpointID string, limit int) []*Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Delivery
	for _, d := range s.entries {
		if d.EndpointID == endpointID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// DueRetries returns deliveries whose retry time has passed
func (s *deliveryStore) DueRetries(now time.Time) []*Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Delivery
	for _, d := range s.entries {
		if d.Status == DeliveryStatusRetrying && d.NextRetryAt != nil && d.NextRetryAt.Before(now) {
			out = append(out, d)
		}
	}
	return out
}

func (s *deliveryStore) Stats(endpointID string) DeliveryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := DeliveryStats{EndpointID: endpointID}
	for _, d := range s.entries {
		if d.EndpointID != endpointID {
			continue
		}
		stats.Total++
		switch d.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusRetrying:
			stats.Retrying++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats
}

// evictOldest removes the oldest tenth of entries; caller holds the lock
func (s *deliveryStore) evictOldest() {
	all := make([]*Delivery, 0, len(s.entries))
	for _, d := range s.entries {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	count := len(all) / 10
	if count == 0 {
		count = 1
	}
	for i := 0; i < count && i < len(all); i++ {
		delete(s.entries, all[i].ID)
	}
}

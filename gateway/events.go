package gateway

import (
	"sync"
	"time"

	"encore.dev/pubsub"
)

// EventType names a pipeline lifecycle event.
type EventType string

const (
	EventReceived    EventType = "received"
	EventClassified  EventType = "classified"
	EventRouted      EventType = "routed"
	EventCostWarning EventType = "cost_warning"
	EventFallback    EventType = "fallback"
	EventCompleted   EventType = "completed"
	EventFailed      EventType = "failed"
)

// Event is one pipeline lifecycle notification. Events for a single request
// are delivered in pipeline order.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id"`
	Stage     string    `json:"stage,omitempty"`
	BackendID string    `json:"backend_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher delivers pipeline events to in-process listeners synchronously,
// in subscription order. Listeners must be fast; anything slow belongs
// behind the pubsub topics instead.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []func(Event)
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher { return &Dispatcher{} }

// Subscribe registers a listener for every event.
func (d *Dispatcher) Subscribe(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Emit delivers the event to every listener, stamping the time if unset.
func (d *Dispatcher) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// CacheInvalidationEvent fans a cache clear out to every gateway instance so
// each can drop matching entries from its private L1.
type CacheInvalidationEvent struct {
	Language    string    `json:"language,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Tag         string    `json:"tag,omitempty"`
	Origin      string    `json:"origin"` // instance ID of the publisher
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
}

// ContentGeneratedEvent announces a completed origin generation for
// downstream consumers (analytics, billing).
type ContentGeneratedEvent struct {
	RequestID string    `json:"request_id"`
	CacheKey  string    `json:"cache_key"`
	Language  string    `json:"language"`
	BackendID string    `json:"backend_id"`
	Tokens    int       `json:"tokens"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

// CacheInvalidations carries clear notifications between instances.
var CacheInvalidations = pubsub.NewTopic[*CacheInvalidationEvent]("cache-invalidations", pubsub.TopicConfig{
	DeliveryGuarantee: pubsub.AtLeastOnce,
})

// ContentGenerated carries generation notifications to analytics consumers.
var ContentGenerated = pubsub.NewTopic[*ContentGeneratedEvent]("content-generated", pubsub.TopicConfig{
	DeliveryGuarantee: pubsub.AtLeastOnce,
})

// Package events carries pipeline lifecycle notifications between components
// and keeps a bounded buffer of recent events for the monitoring API.
package events

import (
	"sync"
	"time"
)

// EventType labels a pipeline lifecycle event.
type EventType string

const (
	EventSignalReceived    EventType = "SIGNAL_RECEIVED"
	EventSignalDuplicate   EventType = "SIGNAL_DUPLICATE"
	EventSignalRejected    EventType = "SIGNAL_REJECTED"
	EventSignalProcessed   EventType = "SIGNAL_PROCESSED"
	EventSignalRetried     EventType = "SIGNAL_RETRIED"
	EventExperimentCreated EventType = "EXPERIMENT_CREATED"
	EventOrderCreated      EventType = "ORDER_CREATED"
	EventOrderFilled       EventType = "ORDER_FILLED"
	EventOrderFailed       EventType = "ORDER_FAILED"
	EventPositionUpdate    EventType = "POSITION_UPDATE"
	EventPositionClosed    EventType = "POSITION_CLOSED"
	EventExitTriggered     EventType = "EXIT_TRIGGERED"
	EventBiasUpdated       EventType = "BIAS_UPDATED"
	EventAdaptiveChange    EventType = "ADAPTIVE_CHANGE"
	EventProviderDegraded  EventType = "PROVIDER_DEGRADED"
	EventError             EventType = "ERROR"
)

// Event is one pipeline occurrence.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SignalID  string                 `json:"signal_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles published events.
type Subscriber func(Event)

// Bus fans events out to subscribers. Handlers run in their own goroutines so
// a slow consumer cannot stall the pipeline.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber

	recent []Event
	head   int
	count  int
}

const recentBufferSize = 256

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		recent:      make([]Event, recentBufferSize),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish delivers an event to subscribers and records it in the ring.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.recent[b.head] = event
	b.head = (b.head + 1) % len(b.recent)
	if b.count < len(b.recent) {
		b.count++
	}
	subs := append([]Subscriber(nil), b.subscribers[event.Type]...)
	all := append([]Subscriber(nil), b.allSubs...)
	b.mu.Unlock()

	for _, sub := range subs {
		go sub(event)
	}
	for _, sub := range all {
		go sub(event)
	}
}

// Recent returns up to limit buffered events, newest first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (b.head - 1 - i + len(b.recent)) % len(b.recent)
		out = append(out, b.recent[idx])
	}
	return out
}

// PublishSignalReceived records an accepted webhook.
func (b *Bus) PublishSignalReceived(signalID, symbol, direction, variantHint string) {
	b.Publish(Event{
		Type:     EventSignalReceived,
		SignalID: signalID,
		Data: map[string]interface{}{
			"symbol":       symbol,
			"direction":    direction,
			"variant_hint": variantHint,
		},
	})
}

// PublishSignalProcessed records an orchestrated signal.
func (b *Bus) PublishSignalProcessed(signalID, experimentID, status string) {
	b.Publish(Event{
		Type:     EventSignalProcessed,
		SignalID: signalID,
		Data: map[string]interface{}{
			"experiment_id": experimentID,
			"status":        status,
		},
	})
}

// PublishOrderFilled records a paper fill.
func (b *Bus) PublishOrderFilled(signalID, orderID, symbol string, fillPrice float64, quantity int) {
	b.Publish(Event{
		Type:     EventOrderFilled,
		SignalID: signalID,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"symbol":     symbol,
			"fill_price": fillPrice,
			"quantity":   quantity,
		},
	})
}

// PublishExitTriggered records a position exit decision.
func (b *Bus) PublishExitTriggered(positionID, symbol, action string, tags []string) {
	b.Publish(Event{
		Type: EventExitTriggered,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"action":      action,
			"tags":        tags,
		},
	})
}

// PublishError records a component failure.
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}

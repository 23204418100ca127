package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventOperationQueued    = "operation_queued"
	EventOperationSending   = "operation_sending"
	EventOperationSent      = "operation_sent"
	EventOperationFailed    = "operation_failed"
	EventOperationDiscarded = "operation_discarded"
	EventOperationConfirmed = "operation_confirmed"

	EventConflictDetected = "conflict_detected"
	EventConflictResolved = "conflict_resolved"

	// AllEvents subscribes a handler to every event type.
	AllEvents = "*"
)

// OperationEventPayload is the UI-facing snapshot of one optimistic write.
type OperationEventPayload struct {
	OperationID  string `json:"operation_id"`
	Kind         string `json:"kind"`
	EntityType   string `json:"entity_type,omitempty"`
	EntityID     string `json:"entity_id,omitempty"`
	DisplayState string `json:"display_state"`
	Reason       string `json:"reason,omitempty"`
	Stale        bool   `json:"stale,omitempty"`
}

// ConflictEventPayload describes a conflict that needs or got a decision.
type ConflictEventPayload struct {
	ConflictID string `json:"conflict_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Strategy   string `json:"strategy"`
	Status     string `json:"status"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	nextID      atomic.Int64
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type, or for every type
// with AllEvents.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[AllEvents]...)
	b.mu.RUnlock()

	if event.ID == 0 {
		event.ID = b.nextID.Add(1)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

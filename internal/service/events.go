package service

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the type of event
type EventType string

const (
	EventSessionAuthorized   EventType = "session_authorized"
	EventSessionDisconnected EventType = "session_disconnected"
	EventBandwidthUpdated    EventType = "bandwidth_updated"
	EventEquipmentStatus     EventType = "equipment_status"
	EventEquipmentAdded      EventType = "equipment_added"
	EventEquipmentRemoved    EventType = "equipment_removed"
	EventAdapterEvicted      EventType = "adapter_evicted"
	EventCacheCleared        EventType = "adapter_cache_cleared"
)

// Event represents an event that occurred in the system
type Event struct {
	Type        EventType   `json:"type"`
	EquipmentID string      `json:"equipment_id,omitempty"`
	Time        time.Time   `json:"time"`
	Payload     interface{} `json:"payload,omitempty"`
}

// EventBus fans events out to subscriber channels. Publishing never blocks:
// a subscriber whose channel is full misses the event.
type EventBus struct {
	mu          sync.RWMutex
	subscribers []chan<- Event
	dropped     atomic.Int64
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make([]chan<- Event, 0),
	}
}

// Subscribe adds a subscriber to receive events
func (eb *EventBus) Subscribe(ch chan<- Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers = append(eb.subscribers, ch)
}

// Unsubscribe removes ch. The channel is not closed.
func (eb *EventBus) Unsubscribe(ch chan<- Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, sub := range eb.subscribers {
		if sub == ch {
			eb.subscribers = append(eb.subscribers[:i], eb.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is slow, skip
			eb.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

package events

import (
	"context"
	"encoding/json"
	"sync"
)

// Event types published by the reconciliation engine
const (
	EventOrderCreated     = "order_created"
	EventOrderUpdated     = "order_updated"
	EventPaymentConfirmed = "payment_confirmed"
	EventPaymentFailed    = "payment_failed"
	EventRefundUpdated    = "refund_updated"
	EventSessionOpened    = "session_opened"
	EventSessionClosed    = "session_closed"
)

// TopicOrders is the global observer topic; every order event lands here in
// addition to its scoped topics.
const TopicOrders = "orders"

// TopicRestaurant builds the restaurant-scoped topic name
func TopicRestaurant(id string) string { return "restaurant:" + id }

// TopicBranch builds the branch-scoped topic name
func TopicBranch(id string) string { return "branch:" + id }

// TopicTable builds the table-scoped topic name
func TopicTable(id string) string { return "table:" + id }

// Event is a state-transition notification delivered to subscribers
type Event struct {
	Topic string      `json:"topic"`
	Type  string      `json:"type"`
	Data  interface{} `json:"data"`
}

// Bus manages topic subscriptions and broadcasts events. Delivery is
// at-most-once: a subscriber whose channel is full misses the event and is
// expected to reconcile via a pull-based refresh.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[string]chan Event
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string]map[string]chan Event),
	}
}

// Subscribe adds a subscriber to a topic and returns its receive channel.
// The subscription is removed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic, id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Buffered channel to prevent blocking publishers
	ch := make(chan Event, 16)
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]chan Event)
	}
	b.topics[topic][id] = ch

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, id)
	}()

	return ch
}

// Unsubscribe removes a subscriber from a topic
func (b *Bus) Unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	if ch, exists := subs[id]; exists {
		close(ch)
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Publish sends an event to every subscriber of the topic without blocking.
// Subscribers with full channels are skipped.
func (b *Bus) Publish(topic string, eventType string, data interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Topic: topic,
		Type:  eventType,
		Data:  data,
	}

	for _, ch := range b.topics[topic] {
		select {
		case ch <- event:
		default:
			// Skip if channel is full (prevents blocking)
		}
	}
}

// SubscriberCount returns the number of subscribers on a topic
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// FormatSSE formats an event as a Server-Sent Event string
func FormatSSE(event Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", err
	}

	return "event: " + event.Type + "\ndata: " + string(data) + "\n\n", nil
}

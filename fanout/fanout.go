// Package fanout is the cross-instance publish/subscribe layer. A branch
// maps to exactly one topic; an event published on any instance reaches
// every instance subscribed to that topic at least once, in the order each
// publisher produced it.
package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope carried by every broker. Payload stays opaque JSON
// so brokers never depend on the hub's message shapes.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Branch  string          `json:"branch"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// NewEvent builds an envelope around an already-encoded payload.
func NewEvent(eventType, branch string, payload json.RawMessage) *Event {
	return &Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Branch:  branch,
		Payload: payload,
		At:      time.Now(),
	}
}

// Broker is the pub/sub abstraction. Implementations: MemoryBroker for a
// single process, RedisBroker and KafkaBroker for multi-instance fanout.
type Broker interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(branch string) (*Subscription, error)
	Close() error
}

const subscriptionDepth = 64

// Subscription is one branch topic stream. Events arrive on C until Close.
type Subscription struct {
	id     string
	branch string
	events chan *Event
	cancel func()
}

func newSubscription(branch string, cancel func()) *Subscription {
	return &Subscription{
		id:     uuid.New().String(),
		branch: branch,
		events: make(chan *Event, subscriptionDepth),
		cancel: cancel,
	}
}

// C is the event stream for the subscribed branch.
func (s *Subscription) C() <-chan *Event { return s.events }

// Branch returns the subscribed branch id.
func (s *Subscription) Branch() string { return s.branch }

// Close releases the subscription. Safe to call once.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// deliver hands an event to the subscriber without blocking the broker; a
// slow local consumer loses events rather than stalling the fanout.
func (s *Subscription) deliver(ev *Event) {
	select {
	case s.events <- ev:
	default:
	}
}

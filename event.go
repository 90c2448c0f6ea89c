package servicecore

import (
	"context"
	"time"
)

// Event is one delivery on the bus. Data is the payload passed to Emit,
// usually one of the payload structs declared in event_types.go.
type Event struct {
	ID     string
	Type   string
	Source string
	Time   time.Time
	Data   any
}

// EventHandler consumes an event. A returned error is logged by the bus and
// never stops delivery to later subscribers.
type EventHandler func(ctx context.Context, event Event) error

// SubscriptionID identifies a subscription. Ids are unique for the whole
// process, not just per bus.
type SubscriptionID uint64

// SubscribeOptions holds the optional attributes of a subscription.
type SubscribeOptions struct {
	Source string
	Once   bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeOptions)

// WithSource records the subscribing component, for diagnostics.
func WithSource(source string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Source = source
	}
}

// Once removes the subscription after its first delivery.
func Once() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Once = true
	}
}

// EventBus is the publish/subscribe contract every component is injected
// with. Event types are matched literally; "ui.*" only matches an event
// emitted as "ui.*".
type EventBus interface {
	Subscribe(eventType string, handler EventHandler, opts ...SubscribeOption) SubscriptionID
	Unsubscribe(eventType string, id SubscriptionID) bool
	Emit(ctx context.Context, eventType string, data any, source string)
}

// PayloadAs extracts a typed payload from an event, accepting both value
// and pointer forms.
func PayloadAs[T any](event Event) (T, bool) {
	switch v := event.Data.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

package eventbus

import (
	"context"
	"fmt"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/servicecore"
)

// ToCloudEvent renders a bus event as a CloudEvents v1 envelope, keeping
// the bus-assigned id and time.
func ToCloudEvent(event servicecore.Event) cloudevents.Event {
	source := event.Source
	if source == "" {
		source = "servicecore"
	}
	ce := servicecore.NewCloudEvent(event.Type, source, event.Data, nil)
	if event.ID != "" {
		ce.SetID(event.ID)
	}
	if !event.Time.IsZero() {
		ce.SetTime(event.Time)
	}
	return ce
}

// Sink receives forwarded events, for example a CloudEvents client that
// pushes lifecycle status to a presentation layer.
type Sink func(ctx context.Context, event cloudevents.Event) error

// Bridge forwards selected bus events to a Sink as CloudEvents.
type Bridge struct {
	bus        servicecore.EventBus
	sink       Sink
	eventTypes []string
	logger     servicecore.Logger

	mu   sync.Mutex
	subs map[string]servicecore.SubscriptionID
}

// NewBridge creates a bridge for the given event types. It forwards nothing
// until Start is called.
func NewBridge(bus servicecore.EventBus, sink Sink, logger servicecore.Logger, eventTypes ...string) *Bridge {
	return &Bridge{
		bus:        bus,
		sink:       sink,
		eventTypes: eventTypes,
		logger:     servicecore.LoggerOrNop(logger),
		subs:       make(map[string]servicecore.SubscriptionID),
	}
}

// Start subscribes the bridge. Calling Start twice is a no-op.
func (br *Bridge) Start() {
	br.mu.Lock()
	defer br.mu.Unlock()
	if len(br.subs) > 0 {
		return
	}
	for _, t := range br.eventTypes {
		br.subs[t] = br.bus.Subscribe(t, br.forward, servicecore.WithSource("cloudevents-bridge"))
	}
}

// Stop removes every bridge subscription.
func (br *Bridge) Stop() {
	br.mu.Lock()
	defer br.mu.Unlock()
	for t, id := range br.subs {
		br.bus.Unsubscribe(t, id)
	}
	clear(br.subs)
}

func (br *Bridge) forward(ctx context.Context, event servicecore.Event) error {
	ce := ToCloudEvent(event)
	if err := servicecore.ValidateCloudEvent(ce); err != nil {
		return fmt.Errorf("bridge %s: %w", event.Type, err)
	}
	if err := br.sink(ctx, ce); err != nil {
		return fmt.Errorf("bridge %s: sink: %w", event.Type, err)
	}
	return nil
}

// Package eventbus provides the synchronous in-process publish/subscribe bus
// that all lifecycle components communicate through.
package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/servicecore"
)

// DefaultHistorySize is the number of emitted events retained for
// diagnostics.
const DefaultHistorySize = 1000

// lastID is shared by every bus so ids are unique for the process.
var lastID atomic.Uint64

// subscription is one registered handler.
type subscription struct {
	id        servicecore.SubscriptionID
	eventType string
	handler   servicecore.EventHandler
	source    string
	once      bool
	createdAt time.Time
	removed   atomic.Bool
	fired     atomic.Bool
}

// SubscriptionInfo describes a live subscription for diagnostics.
type SubscriptionInfo struct {
	ID        servicecore.SubscriptionID
	EventType string
	Source    string
	Once      bool
	CreatedAt time.Time
}

// Stats counts deliveries since the bus was created.
type Stats struct {
	Emitted   uint64
	Delivered uint64
	Failed    uint64
}

// Bus implements servicecore.EventBus. Delivery is synchronous, in
// subscription order, on the emitting goroutine. The subscription map is
// guarded for concurrent use but no lock is held while handlers run, so
// handlers may subscribe, unsubscribe and emit.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*subscription

	historyMu   sync.RWMutex
	history     []servicecore.Event
	historySize int

	logger servicecore.Logger

	emitted   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

var _ servicecore.EventBus = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger servicecore.Logger) Option {
	return func(b *Bus) {
		b.logger = servicecore.LoggerOrNop(logger)
	}
}

// WithHistorySize bounds the event history. Zero disables history.
func WithHistorySize(size int) Option {
	return func(b *Bus) {
		if size >= 0 {
			b.historySize = size
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscriptions: make(map[string][]*subscription),
		historySize:   DefaultHistorySize,
		logger:        servicecore.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for the literal eventType and returns its id.
// An empty event type or nil handler is logged and yields id 0, which never
// matches a subscription.
func (b *Bus) Subscribe(eventType string, handler servicecore.EventHandler, opts ...servicecore.SubscribeOption) servicecore.SubscriptionID {
	if eventType == "" || handler == nil {
		b.logger.Error("Rejected subscription", "eventType", eventType, "error", invalidSubscriptionError(eventType, handler))
		return 0
	}

	var o servicecore.SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	sub := &subscription{
		id:        servicecore.SubscriptionID(lastID.Add(1)),
		eventType: eventType,
		handler:   handler,
		source:    o.Source,
		once:      o.Once,
		createdAt: time.Now(),
	}

	b.mu.Lock()
	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)
	b.mu.Unlock()

	b.logger.Debug("Subscribed", "eventType", eventType, "id", sub.id, "source", sub.source)
	return sub.id
}

func invalidSubscriptionError(eventType string, handler servicecore.EventHandler) error {
	if eventType == "" {
		return servicecore.ErrEventTypeEmpty
	}
	return servicecore.ErrHandlerNil
}

// Unsubscribe removes a subscription. It reports false when no such
// subscription exists. Removing the last subscription of an event type
// removes the event type itself.
func (b *Bus) Unsubscribe(eventType string, id servicecore.SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(eventType, id)
}

func (b *Bus) removeLocked(eventType string, id servicecore.SubscriptionID) bool {
	subs, ok := b.subscriptions[eventType]
	if !ok {
		return false
	}
	idx := slices.IndexFunc(subs, func(s *subscription) bool { return s.id == id })
	if idx < 0 {
		return false
	}
	subs[idx].removed.Store(true)

	// Copy so snapshots taken by in-flight emits stay intact.
	remaining := make([]*subscription, 0, len(subs)-1)
	remaining = append(remaining, subs[:idx]...)
	remaining = append(remaining, subs[idx+1:]...)
	if len(remaining) == 0 {
		delete(b.subscriptions, eventType)
	} else {
		b.subscriptions[eventType] = remaining
	}
	return true
}

// Emit delivers data to every current subscriber of eventType, in
// subscription order, before returning. Handler errors and panics are
// logged and do not stop delivery. Emitting with no subscribers is a no-op.
func (b *Bus) Emit(ctx context.Context, eventType string, data any, source string) {
	if eventType == "" {
		b.logger.Error("Rejected emit", "error", servicecore.ErrEventTypeEmpty)
		return
	}

	event := servicecore.Event{
		ID:     servicecore.NewID(),
		Type:   eventType,
		Source: source,
		Time:   time.Now(),
		Data:   data,
	}
	b.emitted.Add(1)
	b.record(event)

	b.mu.RLock()
	subs := b.subscriptions[eventType]
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.removed.Load() {
			continue
		}
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			b.Unsubscribe(eventType, sub.id)
		}
		b.deliver(ctx, sub, event)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, event servicecore.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.logger.Error("Event handler panicked",
				"eventType", event.Type, "subscription", sub.id, "source", sub.source,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	if err := sub.handler(ctx, event); err != nil {
		b.failed.Add(1)
		b.logger.Error("Event handler failed",
			"eventType", event.Type, "subscription", sub.id, "source", sub.source, "error", err)
		return
	}
	b.delivered.Add(1)
}

// SubscriptionCount returns the number of live subscriptions for eventType.
func (b *Bus) SubscriptionCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions[eventType])
}

// EventTypes returns the event types with at least one subscription, sorted.
func (b *Bus) EventTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.subscriptions))
	for t := range b.subscriptions {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Subscriptions lists the live subscriptions for eventType in order.
func (b *Bus) Subscriptions(eventType string) []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscriptions[eventType]
	infos := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		infos = append(infos, SubscriptionInfo{
			ID:        s.id,
			EventType: s.eventType,
			Source:    s.source,
			Once:      s.once,
			CreatedAt: s.createdAt,
		})
	}
	return infos
}

// Stats returns delivery counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Emitted:   b.emitted.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
	}
}

package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/servicecore"
)

// FakeService implements Initializer and Destroyer with pluggable
// behavior and call counting.
type FakeService struct {
	InitFunc    func(ctx context.Context) error
	DestroyFunc func(ctx context.Context) error

	initCalls    atomic.Int32
	destroyCalls atomic.Int32
}

func (f *FakeService) Initialize(ctx context.Context) error {
	f.initCalls.Add(1)
	if f.InitFunc != nil {
		return f.InitFunc(ctx)
	}
	return nil
}

func (f *FakeService) Destroy(ctx context.Context) error {
	f.destroyCalls.Add(1)
	if f.DestroyFunc != nil {
		return f.DestroyFunc(ctx)
	}
	return nil
}

// InitCalls returns how many times Initialize ran.
func (f *FakeService) InitCalls() int { return int(f.initCalls.Load()) }

// DestroyCalls returns how many times Destroy ran.
func (f *FakeService) DestroyCalls() int { return int(f.destroyCalls.Load()) }

// FailTimes returns an InitFunc failing with err on the first n calls.
func FailTimes(n int, err error) func(ctx context.Context) error {
	var calls atomic.Int32
	return func(context.Context) error {
		if int(calls.Add(1)) <= n {
			return err
		}
		return nil
	}
}

// BlockUntilDone returns an InitFunc that only returns once ctx is done and
// reports whether it observed the cancellation.
func BlockUntilDone(cancelled *atomic.Bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}
}

// HealthService is a FakeService exposing the predicate health capability.
type HealthService struct {
	FakeService
	healthy atomic.Bool
}

// NewHealthService creates a HealthService with the given initial health.
func NewHealthService(healthy bool) *HealthService {
	s := &HealthService{}
	s.healthy.Store(healthy)
	return s
}

func (s *HealthService) IsHealthy(context.Context) bool { return s.healthy.Load() }

// SetHealthy changes the reported health.
func (s *HealthService) SetHealthy(v bool) { s.healthy.Store(v) }

// StatusService is a FakeService exposing the snapshot health capability.
type StatusService struct {
	FakeService
	mu       sync.Mutex
	snapshot map[string]any
}

// NewStatusService creates a StatusService returning snapshot.
func NewStatusService(snapshot map[string]any) *StatusService {
	return &StatusService{snapshot: snapshot}
}

func (s *StatusService) Status(context.Context) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.snapshot))
	for k, v := range s.snapshot {
		out[k] = v
	}
	return out
}

// EventRecorder collects every event delivered to its Handler.
type EventRecorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Recorded is an event seen by an EventRecorder.
type Recorded struct {
	Type string
	Data any
}

// Attach subscribes the recorder to every listed event type on bus.
func (r *EventRecorder) Attach(bus servicecore.EventBus, eventTypes ...string) {
	for _, t := range eventTypes {
		bus.Subscribe(t, func(_ context.Context, e servicecore.Event) error {
			r.Record(e.Type, e.Data)
			return nil
		}, servicecore.WithSource("recorder"))
	}
}

// Record appends an event.
func (r *EventRecorder) Record(eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Type: eventType, Data: data})
}

// Types returns the recorded event types in delivery order.
func (r *EventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// Of returns the payloads recorded for eventType.
func (r *EventRecorder) Of(eventType string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e.Data)
		}
	}
	return out
}

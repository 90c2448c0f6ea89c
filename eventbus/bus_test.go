package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/servicecore"
	"github.com/GoCodeAlone/servicecore/internal/testutil"
)

var errHandler = errors.New("handler failed")

func TestBus_EmitDeliversInSubscriptionOrder(t *testing.T) {
	bus := New()
	var order []string
	var payloads []any

	bus.Subscribe("x", func(_ context.Context, e servicecore.Event) error {
		order = append(order, "s1")
		payloads = append(payloads, e.Data)
		return nil
	})
	bus.Subscribe("x", func(_ context.Context, e servicecore.Event) error {
		order = append(order, "s2")
		payloads = append(payloads, e.Data)
		return nil
	})

	data := map[string]int{"v": 1}
	bus.Emit(context.Background(), "x", data, "test")

	assert.Equal(t, []string{"s1", "s2"}, order)
	assert.Equal(t, []any{data, data}, payloads)
}

func TestBus_EmitWithoutSubscribersIsNoop(t *testing.T) {
	bus := New()
	assert.NotPanics(t, func() {
		bus.Emit(context.Background(), "nobody.listens", nil, "")
	})
	assert.Empty(t, bus.EventTypes())
	assert.Equal(t, uint64(1), bus.Stats().Emitted)
}

func TestBus_FailingSubscribersDoNotStopDelivery(t *testing.T) {
	tests := []struct {
		name    string
		handler servicecore.EventHandler
	}{
		{
			name: "returns error",
			handler: func(context.Context, servicecore.Event) error {
				return errHandler
			},
		},
		{
			name: "panics",
			handler: func(context.Context, servicecore.Event) error {
				panic("boom")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &testutil.RecordingLogger{}
			bus := New(WithLogger(logger))
			called := false

			bus.Subscribe("x", tt.handler)
			bus.Subscribe("x", func(context.Context, servicecore.Event) error {
				called = true
				return nil
			})

			bus.Emit(context.Background(), "x", nil, "")

			assert.True(t, called, "later subscriber must still run")
			assert.Len(t, logger.Entries("error"), 1)
			assert.Equal(t, uint64(1), bus.Stats().Failed)
			assert.Equal(t, uint64(1), bus.Stats().Delivered)
		})
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	calls := 0
	id := bus.Subscribe("x", func(context.Context, servicecore.Event) error {
		calls++
		return nil
	})

	bus.Emit(context.Background(), "x", nil, "")
	require.True(t, bus.Unsubscribe("x", id))
	bus.Emit(context.Background(), "x", nil, "")

	assert.Equal(t, 1, calls)
	assert.NotContains(t, bus.EventTypes(), "x", "last unsubscribe removes the event type")
	assert.False(t, bus.Unsubscribe("x", id), "second unsubscribe reports false")
	assert.False(t, bus.Unsubscribe("other", id))
}

func TestBus_UnsubscribeKeepsOtherSubscribers(t *testing.T) {
	bus := New()
	noop := func(context.Context, servicecore.Event) error { return nil }
	a := bus.Subscribe("x", noop)
	bus.Subscribe("x", noop)

	require.True(t, bus.Unsubscribe("x", a))
	assert.Equal(t, 1, bus.SubscriptionCount("x"))
	assert.Equal(t, []string{"x"}, bus.EventTypes())
}

func TestBus_UnsubscribeDuringEmitSkipsRemovedHandler(t *testing.T) {
	bus := New()
	secondCalled := false
	var second servicecore.SubscriptionID

	bus.Subscribe("x", func(context.Context, servicecore.Event) error {
		bus.Unsubscribe("x", second)
		return nil
	})
	second = bus.Subscribe("x", func(context.Context, servicecore.Event) error {
		secondCalled = true
		return nil
	})

	bus.Emit(context.Background(), "x", nil, "")
	assert.False(t, secondCalled)
}

func TestBus_OnceFiresOnce(t *testing.T) {
	bus := New()
	calls := 0
	bus.Subscribe("x", func(context.Context, servicecore.Event) error {
		calls++
		return nil
	}, servicecore.Once())

	bus.Emit(context.Background(), "x", nil, "")
	bus.Emit(context.Background(), "x", nil, "")

	assert.Equal(t, 1, calls)
	assert.Zero(t, bus.SubscriptionCount("x"))
}

func TestBus_LiteralMatchingOnly(t *testing.T) {
	bus := New()
	wildcardCalls := 0
	bus.Subscribe("ui.*", func(context.Context, servicecore.Event) error {
		wildcardCalls++
		return nil
	})

	bus.Emit(context.Background(), "ui.click", nil, "")
	assert.Zero(t, wildcardCalls)

	bus.Emit(context.Background(), "ui.*", nil, "")
	assert.Equal(t, 1, wildcardCalls)
}

func TestBus_SubscriptionIDsAreUniqueAcrossBuses(t *testing.T) {
	noop := func(context.Context, servicecore.Event) error { return nil }
	a := New().Subscribe("x", noop)
	b := New().Subscribe("x", noop)
	assert.NotEqual(t, a, b)
	assert.Greater(t, uint64(b), uint64(a))
}

func TestBus_RejectsInvalidSubscription(t *testing.T) {
	logger := &testutil.RecordingLogger{}
	bus := New(WithLogger(logger))

	assert.Zero(t, bus.Subscribe("", func(context.Context, servicecore.Event) error { return nil }))
	assert.Zero(t, bus.Subscribe("x", nil))
	assert.Empty(t, bus.EventTypes())
	assert.Len(t, logger.Entries("error"), 2)
}

func TestBus_SubscriptionsIntrospection(t *testing.T) {
	bus := New()
	noop := func(context.Context, servicecore.Event) error { return nil }
	id := bus.Subscribe("x", noop, servicecore.WithSource("health"), servicecore.Once())

	subs := bus.Subscriptions("x")
	require.Len(t, subs, 1)
	assert.Equal(t, id, subs[0].ID)
	assert.Equal(t, "health", subs[0].Source)
	assert.True(t, subs[0].Once)
	assert.Empty(t, bus.Subscriptions("y"))
}

func TestBus_HandlersMayEmitReentrantly(t *testing.T) {
	bus := New()
	var got []string
	bus.Subscribe("outer", func(ctx context.Context, _ servicecore.Event) error {
		got = append(got, "outer")
		bus.Emit(ctx, "inner", nil, "")
		return nil
	})
	bus.Subscribe("inner", func(context.Context, servicecore.Event) error {
		got = append(got, "inner")
		return nil
	})

	bus.Emit(context.Background(), "outer", nil, "")
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestBus_ConcurrentUse(t *testing.T) {
	bus := New()
	var mu sync.Mutex
	count := 0
	handler := func(context.Context, servicecore.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := bus.Subscribe("x", handler)
			bus.Emit(context.Background(), "x", nil, "")
			bus.Unsubscribe("x", id)
		}()
	}
	wg.Wait()

	assert.Zero(t, bus.SubscriptionCount("x"))
	assert.GreaterOrEqual(t, count, 20, "each goroutine's own subscription sees its own emit")
}

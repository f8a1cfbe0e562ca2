package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16)
	defer bus.Shutdown(context.Background())

	var mu sync.Mutex
	var got []EventType
	done := make(chan struct{})

	handler := HandlerFunc(func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type())
		if len(got) == 3 {
			close(done)
		}
		return nil
	})
	bus.SubscribeAll(handler)

	require.NoError(t, bus.Publish(SellEvent{BaseEvent: NewBase(SellInitiated), Token: "A"}))
	require.NoError(t, bus.Publish(SellEvent{BaseEvent: NewBase(SellCompleted), Token: "A"}))
	require.NoError(t, bus.Publish(PnLEvent{BaseEvent: NewBase(PnLReport), Token: "A"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{SellInitiated, SellCompleted, PnLReport}, got)
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(zap.NewNop(), 1)
	defer bus.Shutdown(context.Background())

	block := make(chan struct{})
	bus.Subscribe(SellFailed, HandlerFunc(func(context.Context, Event) error {
		<-block
		return nil
	}))

	var dropped int
	var mu sync.Mutex
	bus.OnDrop(func(Event) {
		mu.Lock()
		dropped++
		mu.Unlock()
	})

	// First event occupies the dispatcher, the next fills the buffer; the rest
	// must return immediately instead of blocking the publisher.
	start := time.Now()
	var fullErrs int
	for i := 0; i < 10; i++ {
		if err := bus.Publish(SellEvent{BaseEvent: NewBase(SellFailed)}); err == ErrBusFull {
			fullErrs++
		}
	}
	close(block)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Greater(t, fullErrs, 0)
	mu.Lock()
	assert.Equal(t, fullErrs, dropped)
	mu.Unlock()
	assert.Equal(t, uint64(fullErrs), bus.Stats()["dropped_events"])
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop(), 4)
	defer bus.Shutdown(context.Background())

	calls := 0
	count := HandlerFunc(func(context.Context, Event) error {
		calls++
		return nil
	})
	sub := bus.Subscribe(PoolUnhealthy, count)
	sub.Unsubscribe()

	require.NoError(t, bus.PublishSync(context.Background(), PoolEvent{BaseEvent: NewBase(PoolUnhealthy)}))
	assert.Equal(t, 0, calls)

	all := bus.SubscribeAll(count)
	require.NoError(t, bus.PublishSync(context.Background(), SellEvent{BaseEvent: NewBase(SellCompleted)}))
	all.Unsubscribe()
	require.NoError(t, bus.PublishSync(context.Background(), SellEvent{BaseEvent: NewBase(SellFailed)}))
	assert.Equal(t, 1, calls)
}

func TestBusPublishAfterShutdown(t *testing.T) {
	bus := NewBus(zap.NewNop(), 4)
	require.NoError(t, bus.Shutdown(context.Background()))
	assert.ErrorIs(t, bus.Publish(PoolEvent{BaseEvent: NewBase(PoolUnhealthy)}), ErrBusClosed)
}

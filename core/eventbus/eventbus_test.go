package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const kindTick Kind = "test.tick"

type tick struct{ n int }

func (tick) EventKind() Kind { return kindTick }

type orphan struct{}

func (orphan) EventKind() Kind { return "test.orphan" }

func TestBus_ConcurrentSubscriberIsFIFO(t *testing.T) {
	b := New(Options{})
	var (
		mu  sync.Mutex
		got []int
	)
	SubscribeTyped(b, kindTick, func(_ context.Context, ev tick) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.n)
		return nil
	})
	for i := 0; i < 100; i++ {
		b.Publish(context.Background(), tick{n: i})
	}
	b.Close()

	require.Len(t, got, 100)
	for i, n := range got {
		require.Equal(t, i, n)
	}
}

func TestBus_SerialHandlerRunsBeforePublishReturns(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	var seen atomic.Int32
	b.Subscribe(kindTick, func(context.Context, Event) error {
		seen.Add(1)
		return nil
	}, Serial())

	b.Publish(context.Background(), tick{n: 1})
	require.Equal(t, int32(1), seen.Load())
}

func TestBus_FailedDeliveryIsRetried(t *testing.T) {
	b := New(Options{MaxAttempts: 4, RetryDelay: time.Millisecond})
	var calls atomic.Int32
	done := make(chan struct{})
	b.Subscribe(kindTick, func(context.Context, Event) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	})
	b.Publish(context.Background(), tick{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not retried")
	}
	b.Close()
	require.Equal(t, int32(3), calls.Load())
}

func TestBus_PanickingSerialHandlerDoesNotReachPublisher(t *testing.T) {
	b := New(Options{MaxAttempts: 2})
	defer b.Close()
	var calls atomic.Int32
	b.Subscribe(kindTick, func(context.Context, Event) error {
		calls.Add(1)
		panic("boom")
	}, Serial())

	require.NotPanics(t, func() { b.Publish(context.Background(), tick{}) })
	require.Equal(t, int32(2), calls.Load())
}

func TestBus_UnmatchedEventsGoToDeadSink(t *testing.T) {
	var dead []Event
	var counted int
	b := New(Options{
		DeadSink: func(ev Event) { dead = append(dead, ev) },
		OnDead:   func(Event) { counted++ },
	})
	b.Subscribe(kindTick, func(context.Context, Event) error { return nil }, Serial())

	b.Publish(context.Background(), orphan{})
	b.Publish(context.Background(), tick{})
	require.Len(t, dead, 1)
	require.Equal(t, Kind("test.orphan"), dead[0].EventKind())
	require.Equal(t, 1, counted)

	b.Close()
	b.Publish(context.Background(), tick{})
	require.Len(t, dead, 2, "publishing on a closed bus is a dead event, never a failure")
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(Options{DeadSink: func(Event) {}})
	defer b.Close()
	var calls atomic.Int32
	unsub := b.Subscribe(kindTick, func(context.Context, Event) error {
		calls.Add(1)
		return nil
	}, Serial(), Named("counter"))

	b.Publish(context.Background(), tick{})
	unsub()
	unsub()
	b.Publish(context.Background(), tick{})
	require.Equal(t, int32(1), calls.Load())
}

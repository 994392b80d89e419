package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEmitPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	bus.Subscribe(EventChat, "collector", func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Payload.(int))
		if len(got) == 50 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 50; i++ {
		bus.Emit(context.Background(), New(EventChat, "test", i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}
	bus.Stop()

	for i, v := range got {
		if v != i {
			t.Fatalf("event %d delivered as %d", i, v)
		}
	}
}

func TestEmitSyncRecoversPanicsAndReturnsError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	wantErr := errors.New("boom")
	bus.Subscribe(EventDesync, "panics", func(ctx context.Context, ev Event) error {
		panic("handler exploded")
	})
	bus.Subscribe(EventDesync, "fails", func(ctx context.Context, ev Event) error {
		return wantErr
	})

	if err := bus.EmitSync(context.Background(), New(EventDesync, "test", nil)); !errors.Is(err, wantErr) {
		t.Fatalf("EmitSync = %v, want %v", err, wantErr)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	bus.Subscribe(EventPlayerJoined, "a", func(context.Context, Event) error { return nil })
	bus.Subscribe(EventPlayerJoined, "b", func(context.Context, Event) error { return nil })
	bus.Unsubscribe(EventPlayerJoined, "a")

	if n := bus.HandlerCount(EventPlayerJoined); n != 1 {
		t.Fatalf("HandlerCount = %d, want 1", n)
	}
}

package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitReachesSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got := make(chan string, 1)
	Subscribe(bus, "test.topic", func(ctx context.Context, msg string) error {
		got <- msg
		return nil
	})

	if err := Emit(bus, "test.topic", "hello"); err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	select {
	case msg := <-got:
		if msg != "hello" {
			t.Fatalf("got %q, want hello", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestEmitOnNilBusIsDropped(t *testing.T) {
	if err := Emit[string](nil, "test.topic", "x"); err != nil {
		t.Fatalf("nil bus emit errored: %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(WithSyncDelivery())
	defer bus.Close()

	var count atomic.Int32
	sub := Subscribe(bus, "test.topic", func(ctx context.Context, _ int) error {
		count.Add(1)
		return nil
	})

	Emit(bus, "test.topic", 1)
	waitFor(t, func() bool { return count.Load() == 1 })

	sub.Unsubscribe()
	Emit(bus, "test.topic", 2)

	time.Sleep(50 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Fatalf("delivered %d events after unsubscribe, want 1 total", n)
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus(WithSyncDelivery())
	defer bus.Close()

	var wrong atomic.Int32
	Subscribe(bus, "other.topic", func(ctx context.Context, _ string) error {
		wrong.Add(1)
		return nil
	})

	got := make(chan struct{}, 1)
	Subscribe(bus, "test.topic", func(ctx context.Context, _ string) error {
		got <- struct{}{}
		return nil
	})

	Emit(bus, "test.topic", "x")

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	if wrong.Load() != 0 {
		t.Fatal("event leaked to another topic")
	}
}

func TestTypeMismatchDoesNotPanic(t *testing.T) {
	bus := NewBus(WithSyncDelivery())
	defer bus.Close()

	var called atomic.Int32
	Subscribe(bus, "test.topic", func(ctx context.Context, _ int) error {
		called.Add(1)
		return nil
	})

	// Wrong payload type: the wrapped handler errors, nothing blows up.
	Emit(bus, "test.topic", "not an int")

	time.Sleep(50 * time.Millisecond)
	if called.Load() != 0 {
		t.Fatal("mismatched handler should not have been invoked")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	bus.Close()
	bus.Close()

	if err := Emit(bus, "test.topic", "x"); err == nil {
		t.Fatal("emit on closed bus should error")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

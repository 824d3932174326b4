// Package events is a small typed pub/sub bus connecting the watchdog
// loop to its consumers (websocket broadcast, notifiers). Emitters and
// subscribers agree on the payload type per topic; a mismatched
// subscriber gets an error on delivery, never a panic.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neboloop/keeper/internal/logging"
)

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// BusOption configures a Bus.
type BusOption func(*busConfig)

type busConfig struct {
	bufferSize   int
	syncDelivery bool
}

// WithBufferSize sets the event channel buffer size (default 128).
func WithBufferSize(size int) BusOption {
	return func(cfg *busConfig) {
		cfg.bufferSize = size
	}
}

// WithSyncDelivery forces synchronous (inline) event delivery.
// This serializes all handler calls within the single dispatch
// goroutine, for handlers that must not run concurrently.
func WithSyncDelivery() BusOption {
	return func(cfg *busConfig) {
		cfg.syncDelivery = true
	}
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler subscribed to a specific topic.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

type subscriberMap map[string]map[string]Subscription

// Bus fans emitted events out to topic subscribers. Subscriber state is
// copy-on-write behind an atomic pointer so dispatch never takes a lock.
type Bus struct {
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   int64

	events   chan event
	shutdown chan struct{}

	config busConfig
	closed int32
	wg     sync.WaitGroup
}

// NewBus creates a Bus and starts its dispatch goroutine.
func NewBus(opts ...BusOption) *Bus {
	cfg := busConfig{
		bufferSize: 128,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Bus{
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
	}

	empty := make(subscriberMap)
	b.subscribers.Store(&empty)

	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Emit publishes an event to the given topic. A nil bus drops the
// event, so components can run without wiring (tests, history-only
// setups).
func Emit[T any](bus *Bus, topic string, value T) error {
	if bus == nil {
		return nil
	}
	if atomic.LoadInt32(&bus.closed) == 1 {
		return fmt.Errorf("events: bus closed, dropped %s", topic)
	}
	evt := event{
		topic:   topic,
		message: value,
	}

	select {
	case bus.events <- evt:
		return nil
	case <-bus.shutdown:
		return fmt.Errorf("events: bus closed, dropped %s", topic)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("events: emit timed out on %s", topic)
	}
}

// Subscribe registers a typed handler for the given topic and returns
// a Subscription whose Unsubscribe removes it.
func Subscribe[T any](bus *Bus, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("events: %s delivered %T, subscriber wants %T", topic, data, *new(T))
		}
		return handler(ctx, typed)
	})

	subID := atomic.AddInt64(&bus.nextSubID, 1)
	sub := Subscription{
		Topic:   topic,
		ID:      fmt.Sprintf("%s-%d", topic, subID),
		Handler: wrapped,
	}
	bus.addSubscription(sub)

	sub.Unsubscribe = func() {
		bus.removeSubscription(sub.ID)
	}
	return sub
}

// Close shuts the bus down and waits for the dispatch goroutine.
// Idempotent.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		close(b.shutdown)

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logging.Warn("events: timed out waiting for dispatch to stop")
		}
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case <-b.shutdown:
			return
		case evt := <-b.events:
			subs := b.subscribers.Load()
			topicSubs, ok := (*subs)[evt.topic]
			if !ok {
				continue
			}
			for _, sub := range topicSubs {
				b.deliver(sub, evt, b.config.syncDelivery)
			}
		}
	}
}

func (b *Bus) deliver(sub Subscription, evt event, sync bool) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := sub.Handler(ctx, evt.message); err != nil {
			logging.Debugf("events: handler %s failed on %s: %v", sub.ID, evt.topic, err)
		}
	}

	if sync {
		run()
	} else {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			run()
		}()
	}
}

func (b *Bus) addSubscription(sub Subscription) {
	for {
		oldSubs := b.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)

		if _, ok := newSubs[sub.Topic]; !ok {
			newSubs[sub.Topic] = make(map[string]Subscription)
		}
		newSubs[sub.Topic][sub.ID] = sub

		if b.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

func (b *Bus) removeSubscription(subID string) {
	for {
		oldSubs := b.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)

		found := false
		for topic, topicSubs := range newSubs {
			if _, ok := topicSubs[subID]; ok {
				delete(topicSubs, subID)
				if len(topicSubs) == 0 {
					delete(newSubs, topic)
				}
				found = true
				break
			}
		}
		if !found {
			return
		}

		if b.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

func copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, topicSubs := range original {
		cp[topic] = make(map[string]Subscription, len(topicSubs))
		for id, sub := range topicSubs {
			cp[topic][id] = sub
		}
	}
	return cp
}

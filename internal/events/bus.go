package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

const subscriberQueueSize = 256

// EventBus is a publish-subscribe hub between the session tick loop and the
// outer services (journal, telemetry, advertiser). Every subscriber owns a
// queue drained by its own goroutine, so a handler sees events in the order
// they were emitted and a slow handler never stalls the tick loop.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]*subscriber
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type subscriber struct {
	name    string
	handler HandlerFunc
	queue   chan queuedEvent
}

type queuedEvent struct {
	ctx   context.Context
	event Event
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]*subscriber),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler for an event type. The name is used for
// logging and Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return
	}

	sub := &subscriber{
		name:    name,
		handler: handler,
		queue:   make(chan queuedEvent, subscriberQueueSize),
	}
	eb.handlers[eventType] = append(eb.handlers[eventType], sub)

	eb.wg.Add(1)
	go eb.drain(eventType, sub)

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from an event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	filtered := subs[:0]
	for _, s := range subs {
		if s.name == name {
			close(s.queue)
			continue
		}
		filtered = append(filtered, s)
	}
	eb.handlers[eventType] = filtered
}

func (eb *EventBus) drain(eventType EventType, sub *subscriber) {
	defer eb.wg.Done()
	for qe := range sub.queue {
		eb.invoke(qe.ctx, sub, qe.event)
	}
}

func (eb *EventBus) invoke(ctx context.Context, sub *subscriber, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	err = sub.handler(ctx, event)
	if err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", sub.name).
			Msg("handler returned error")
	}
	return err
}

// Emit queues an event for every subscriber of its type. It never blocks;
// events for a subscriber whose queue is full are dropped.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	for _, s := range eb.handlers[event.Type] {
		select {
		case s.queue <- queuedEvent{ctx: ctx, event: event}:
		default:
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Msg("subscriber queue full, event dropped")
		}
	}
}

// EmitSync runs every handler for the event on the caller's goroutine and
// returns the first error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	subs := make([]*subscriber, len(eb.handlers[event.Type]))
	copy(subs, eb.handlers[event.Type])
	eb.mu.RUnlock()

	var firstErr error
	for _, s := range subs {
		if err := eb.invoke(ctx, s, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop stops accepting events, lets queued events drain and waits for all
// subscriber goroutines to exit.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	for _, subs := range eb.handlers {
		for _, s := range subs {
			close(s.queue)
		}
	}
	eb.handlers = make(map[EventType][]*subscriber)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Debug().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for an event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}

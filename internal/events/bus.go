// Package events implements observer registration and synchronous dispatch
// for the notifications components emit.
package events

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// Handler receives dispatched events.
type Handler func(domain.Event)

type subscription struct {
	id    int
	kinds map[domain.EventKind]bool
	fn    Handler
}

// Bus delivers events to subscribers on the publishing goroutine.
// Delivery is never re-entrant: an event published from inside a handler is
// queued and delivered after the current one finishes.
// Not safe for concurrent use; it lives on the event loop.
type Bus struct {
	logger      *zap.Logger
	subs        []subscription
	nextID      int
	queue       []domain.Event
	dispatching bool
	onError     func(error)
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers fn for the given kinds (all kinds if none given).
// The returned function removes the subscription.
func (b *Bus) Subscribe(fn Handler, kinds ...domain.EventKind) func() {
	b.nextID++
	id := b.nextID
	var filter map[domain.EventKind]bool
	if len(kinds) > 0 {
		filter = make(map[domain.EventKind]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}
	b.subs = append(b.subs, subscription{id: id, kinds: filter, fn: fn})
	return func() {
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// OnSystemError registers a callback for handler failures.
func (b *Bus) OnSystemError(fn func(error)) {
	b.onError = fn
}

// Publish queues ev and dispatches it unless a dispatch is already running.
func (b *Bus) Publish(ev domain.Event) {
	b.queue = append(b.queue, ev)
	if !b.dispatching {
		b.Dispatch()
	}
}

// Dispatch delivers all queued events in order.
func (b *Bus) Dispatch() {
	if b.dispatching {
		return
	}
	b.dispatching = true
	defer func() { b.dispatching = false }()

	for len(b.queue) > 0 {
		ev := b.queue[0]
		b.queue = b.queue[1:]
		subs := append([]subscription(nil), b.subs...)
		for _, s := range subs {
			if s.kinds != nil && !s.kinds[ev.Kind] {
				continue
			}
			b.deliver(s, ev)
		}
	}
}

func (b *Bus) deliver(s subscription, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			err := &domain.SystemError{Op: "dispatch " + string(ev.Kind), Err: fmt.Errorf("%v", r)}
			b.logger.Error("Event handler failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
			if b.onError != nil {
				b.onError(err)
			}
		}
	}()
	s.fn(ev)
}

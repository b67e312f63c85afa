package events

import (
	"log"
	"sync"
	"time"
)

// Handler receives published events.
type Handler func(Event)

// subscription is one registered handler.
type subscription struct {
	id      uint64
	kind    Kind
	any     bool
	handler Handler
}

// Registration is the handle returned by Subscribe and OnAny.
// Unregister is idempotent.
type Registration struct {
	bus *Bus
	sub *subscription

	once sync.Once
}

// Unregister removes the subscription from the bus.
// Safe to call more than once.
func (r *Registration) Unregister() {
	if r == nil || r.bus == nil {
		return
	}
	r.once.Do(func() {
		r.bus.remove(r.sub)
	})
}

// Bus is a typed publish/subscribe bus for pipeline events.
// One bus exists per coordinator; there is no process-wide registry.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]*subscription
	anySub []*subscription
	nextID uint64
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Kind][]*subscription),
	}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, h Handler) *Registration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &Registration{}
	}

	b.nextID++
	sub := &subscription{id: b.nextID, kind: kind, handler: h}
	b.subs[kind] = append(b.subs[kind], sub)
	return &Registration{bus: b, sub: sub}
}

// OnAny registers a handler invoked for every event, after the kind-specific
// handlers. Intended for diagnostics and observers.
func (b *Bus) OnAny(h Handler) *Registration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &Registration{}
	}

	b.nextID++
	sub := &subscription{id: b.nextID, any: true, handler: h}
	b.anySub = append(b.anySub, sub)
	return &Registration{bus: b, sub: sub}
}

// Publish delivers the event synchronously to all matching handlers in
// subscription order. The event's timestamp is set if zero.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]*subscription, 0, len(b.subs[ev.Kind])+len(b.anySub))
	handlers = append(handlers, b.subs[ev.Kind]...)
	handlers = append(handlers, b.anySub...)
	b.mu.RUnlock()

	for _, sub := range handlers {
		b.deliver(sub, ev)
	}
}

// deliver invokes one handler, isolating panics so a failing subscriber
// cannot prevent delivery to the others.
func (b *Bus) deliver(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[events] handler for %s panicked: %v", ev.Kind, r)
		}
	}()
	sub.handler(ev)
}

// Close tears the bus down. Subsequent publishes and subscriptions are no-ops.
// Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = make(map[Kind][]*subscription)
	b.anySub = nil
}

// remove deletes the subscription, if still present.
func (b *Bus) remove(sub *subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.any {
		b.anySub = filterOut(b.anySub, sub.id)
		return
	}
	b.subs[sub.kind] = filterOut(b.subs[sub.kind], sub.id)
}

func filterOut(subs []*subscription, id uint64) []*subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

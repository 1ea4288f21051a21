package bus

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/besafe/chat/internal/events"
)

// Bus is an in-process event bus. Handlers registered with On run
// synchronously in registration order; channel subscribers receive events
// without blocking the publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[events.Kind][]*handler
	subs     map[int]*subscription
	next     int
	logger   *zap.Logger
}

type handler struct {
	id   int
	kind events.Kind
	fn   func(events.Event)
}

type subscription struct {
	kinds []events.Kind
	ch    chan events.Event
}

// Subscription identifies a handler registered with On.
type Subscription struct {
	id   int
	kind events.Kind
}

// New creates a new event bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[events.Kind][]*handler),
		subs:     make(map[int]*subscription),
		logger:   logger,
	}
}

// On registers fn for events of type E.
func On[E events.Event](b *Bus, fn func(E)) Subscription {
	var zero E
	kind := zero.Kind()
	return b.on(kind, func(evt events.Event) {
		if e, ok := evt.(E); ok {
			fn(e)
		}
	})
}

// OnAny registers fn for every event of the given kind regardless of type.
func (b *Bus) OnAny(kind events.Kind, fn func(events.Event)) Subscription {
	return b.on(kind, fn)
}

func (b *Bus) on(kind events.Kind, fn func(events.Event)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	h := &handler{id: b.next, kind: kind, fn: fn}
	b.handlers[kind] = append(b.handlers[kind], h)
	return Subscription{id: h.id, kind: kind}
}

// Off removes a handler. Removing an unknown or already removed handler is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[sub.kind]
	i := slices.IndexFunc(hs, func(h *handler) bool { return h.id == sub.id })
	if i < 0 {
		return
	}
	b.handlers[sub.kind] = slices.Delete(slices.Clone(hs), i, i+1)
}

// Clear removes every handler registered with On. Channel subscriptions are
// left alone; their owners cancel them.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[events.Kind][]*handler)
}

// Count returns the number of handlers registered for kind.
func (b *Bus) Count(kind events.Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

// Publish dispatches evt to its handlers, then to matching subscribers.
// Handlers may register or remove handlers while being dispatched.
func (b *Bus) Publish(evt events.Event) {
	kind := evt.Kind()

	b.mu.RLock()
	hs := b.handlers[kind]
	var targets []chan events.Event
	for _, sub := range b.subs {
		if len(sub.kinds) == 0 || slices.Contains(sub.kinds, kind) {
			targets = append(targets, sub.ch)
		}
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.invoke(h, evt)
	}
	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

func (b *Bus) invoke(h *handler, evt events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(h.kind)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	h.fn(evt)
}

// Subscribe returns a channel that receives events of the given kinds, or of
// every kind when none are given. bufSize controls the channel buffer.
// Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(bufSize int, kinds ...events.Kind) (<-chan events.Event, func()) {
	ch := make(chan events.Event, bufSize)
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = &subscription{kinds: kinds, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

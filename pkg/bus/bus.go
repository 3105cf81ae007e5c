package bus

import (
	"sync"
)

// Subscription detaches a handler from the bus. Cancel is idempotent.
type Subscription interface {
	Cancel()
}

type subscription struct {
	bus  *Bus
	kind Kind
	id   uint64
	once sync.Once
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s.kind, s.id)
	})
}

type entry struct {
	id      uint64
	handler Handler
}

// Bus fans events out to per-kind subscribers. Handlers run synchronously on
// the publishing goroutine, in subscription order, so delivery order on one
// connection is preserved.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]entry
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]entry)}
}

func (b *Bus) Subscribe(kind Kind, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{bus: b, kind: kind, id: b.nextID}
	if b.closed || handler == nil {
		return sub
	}
	b.subs[kind] = append(b.subs[kind], entry{id: sub.id, handler: handler})
	return sub
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.subs[kind]
	for i, e := range entries {
		if e.id == id {
			b.subs[kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to every current subscriber of evt.Kind and reports
// how many handlers ran. Publishing after Close is a no-op.
func (b *Bus) Publish(evt Event) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	entries := append([]entry(nil), b.subs[evt.Kind]...)
	b.mu.RUnlock()

	for _, e := range entries {
		e.handler(evt)
	}
	return len(entries)
}

// Close drops all subscribers and stops future delivery.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[Kind][]entry)
}

func (b *Bus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

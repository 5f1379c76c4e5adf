package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus. Subscribers register
// a namespace prefix and receive every event whose Kind starts with it.
// Publish never blocks: a subscriber whose buffer is full misses the
// event, so consumers that must not miss anything size their buffers
// accordingly and treat the local store as the source of truth.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if strings.HasPrefix(evt.Kind, s.prefix) {
			select {
			case s.ch <- evt:
			default:
				// Subscriber is saturated; drop rather than block the publisher.
			}
		}
	}
}

// Subscribe registers a new subscriber for the given namespace prefix.
// bufSize controls the channel buffer. The returned function removes the
// subscription; it is safe to call more than once.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

package events

import "sync"

// Emitter receives committed events. Emit must not block the runtime for
// long; delivery is best-effort and never affects a committed transition.
type Emitter interface {
	Emit(env Envelope)
}

// NoopEmitter discards events.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Envelope) {}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Envelope)

// Emit implements Emitter.
func (f EmitterFunc) Emit(env Envelope) { f(env) }

// Multi fans each event out to every emitter in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(env Envelope) {
	for _, e := range m {
		if e != nil {
			e.Emit(env)
		}
	}
}

// Bus delivers events to live subscribers. A subscriber whose buffer is
// full misses the event rather than stalling the publisher.
type Bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Envelope
	dropped uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Envelope)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Envelope, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Emit implements Emitter.
func (b *Bus) Emit(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.dropped++
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

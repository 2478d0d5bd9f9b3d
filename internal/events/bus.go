package events

import "sync"

// Bus fans events out to buffered subscriber channels. Publish never blocks:
// a subscriber that falls behind loses deliveries rather than stalling the
// producer, and every lost delivery is counted against its topic.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[Event]map[int]chan any
	drops  map[Event]uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[Event]map[int]chan any),
		drops: make(map[Event]uint64),
	}
}

// Subscribe registers a listener for an event and returns the channel and an
// unsubscribe function. Unsubscribing closes the channel; calling it more
// than once is safe.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan any, buffer)
	if b.subs[e] == nil {
		b.subs[e] = make(map[int]chan any)
	}
	b.subs[e][id] = ch

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[e], id)
			close(ch)
		})
	}
	return ch, unsub
}

// Publish delivers payload to every subscriber with buffer room.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			b.drops[e]++
		}
	}
}

// Dropped reports how many deliveries were lost to full subscriber buffers
// for an event.
func (b *Bus) Dropped(e Event) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops[e]
}

// SubscriberCount reports the number of live subscriptions for an event.
// The request correlator's leak checks rely on this.
func (b *Bus) SubscriberCount(e Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[e])
}

// TotalSubscribers reports live subscriptions across all events.
func (b *Bus) TotalSubscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, subs := range b.subs {
		total += len(subs)
	}
	return total
}

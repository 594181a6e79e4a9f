package engine

import (
	"sync"

	"github.com/franksops/sharesync/transfer"
)

// broker fans snapshots out to subscribers. Sends never block: a subscriber
// whose buffer is full misses the update and catches up on the next one.
type broker struct {
	mu     sync.RWMutex
	subs   map[int]chan transfer.Snapshot
	next   int
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan transfer.Snapshot)}
}

func (b *broker) subscribe(buffer int) (<-chan transfer.Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan transfer.Snapshot, max(buffer, 1))
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broker) publish(s transfer.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

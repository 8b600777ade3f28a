// This package provides the publish/subscribe channel used to fan events out
// of the messaging pipelines. Unsubscribing stops delivery but does not cancel
// work already in progress on the publishing side.
package events

import "sync"

const subscriberBuffer = 100

type Broadcaster struct {
	lock   sync.Mutex
	subs   map[int]chan interface{}
	nextID int
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan interface{}),
	}
}

// Subscribe registers a new subscriber. The returned cancel func is safe to
// call more than once.
func (b *Broadcaster) Subscribe() (<-chan interface{}, func()) {
	b.lock.Lock()
	defer b.lock.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan interface{}, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	return ch, func() {
		b.lock.Lock()
		defer b.lock.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers e to all current subscribers. A subscriber whose buffer is
// full misses the event; pipelines must never block on a slow consumer.
func (b *Broadcaster) Publish(e interface{}) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- e:
		default:
		}
	}
}

func (b *Broadcaster) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}

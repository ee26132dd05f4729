package mobileid

import (
	"context"
	"sync"
)

// Notifications delivers session messages to subscribers
type Notifications interface {
	// Subscribe returns the message channel and the function that
	// removes the subscription.
	Subscribe() (<-chan Message, func())
}

// Publisher sends session messages
type Publisher interface {
	Publish(ctx context.Context, msg Message)
}

type subscription struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
}

// Bus fans messages out to subscribers in publish order
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]*subscription
}

// Ensure compiles
var (
	_ Notifications = (*Bus)(nil)
	_ Publisher     = (*Bus)(nil)
)

func NewBus() *Bus {
	return &Bus{subs: map[uint64]*subscription{}}
}

func (b *Bus) Subscribe() (<-chan Message, func()) {
	sub := &subscription{
		ch:   make(chan Message, 16),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// Publish blocks until every current subscriber received msg, unsubscribed,
// or ctx is done.
func (b *Bus) Publish(ctx context.Context, msg Message) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// Subscribers returns the number of active subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

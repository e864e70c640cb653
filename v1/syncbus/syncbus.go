// Package syncbus carries lock release notifications between processes so
// that callers blocked on a leased lock can retry as soon as it is freed
// instead of waiting for their next poll. Delivery is best effort: a lost
// notification only delays a waiter until its retry interval elapses.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a minimal pub/sub transport keyed by topic.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a channel that receives a value per delivered
	// publication. The channel is closed on Unsubscribe or when ctx ends.
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// UnlockTopic is the topic published when the lock on key is released.
func UnlockTopic(key string) string { return "unlock:" + key }

// Metrics reports bus traffic.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a process-local Bus, used by tests and the standalone preset.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. Subscribers that already have a pending
// notification are skipped.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.mu.Lock()
	deliver(b.subs[topic], &b.delivered)
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ok bool
	b.subs[topic], ok = removeChan(b.subs[topic], ch)
	if ok {
		close(ch)
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// deliver performs non-blocking sends. Callers hold the lock guarding chans
// so that no channel is closed mid-send.
func deliver(chans []chan struct{}, delivered *atomic.Uint64) {
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			delivered.Add(1)
		default:
		}
	}
}

func removeChan(chans []chan struct{}, ch chan struct{}) ([]chan struct{}, bool) {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			return chans[:len(chans)-1], true
		}
	}
	return chans, false
}

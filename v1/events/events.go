// Package events streams lock state transitions to HTTP watchers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mirkobrombin/go-idemlock/v1/lock"
)

// Event is one state transition of a lock handle.
type Event struct {
	Key   string    `json:"key"`
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

type watcher struct {
	key string
	ch  chan []byte
}

// Broadcaster fans events out to watchers. Slow watchers drop events
// instead of blocking publishers.
type Broadcaster struct {
	mu   sync.Mutex
	subs []watcher
	now  func() time.Time
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{now: time.Now}
}

// Publish delivers ev to every watcher of ev.Key and to every watcher of
// all keys.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.subs {
		if w.key != "" && w.key != ev.Key {
			continue
		}
		select {
		case w.ch <- data:
		default:
		}
	}
	return nil
}

// LockHook adapts the Broadcaster to lock.WithStateHook.
func (b *Broadcaster) LockHook() func(key string, s lock.State) {
	return func(key string, s lock.State) {
		_ = b.Publish(context.Background(), Event{Key: key, State: s.String(), At: b.now()})
	}
}

// Watch returns a channel receiving encoded events for key, or for every
// key when key is empty. The channel is closed once ctx is done or Unwatch
// is called.
func (b *Broadcaster) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs = append(b.subs, watcher{key: key, ch: ch})
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.Unwatch(ch)
	}()
	return ch, nil
}

// Unwatch stops delivering to ch and closes it.
func (b *Broadcaster) Unwatch(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.subs {
		if w.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Watchers returns the number of active watchers.
func (b *Broadcaster) Watchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

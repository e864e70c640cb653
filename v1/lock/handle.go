package lock

import (
	"context"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-idemlock/v1/metrics"
	"github.com/mirkobrombin/go-idemlock/v1/syncbus"
)

// Handle represents one acquisition of a lock. Release must be called
// exactly once per successful acquisition; further calls are no-ops.
type Handle struct {
	m        *Mutex
	id       string
	key      string
	ttl      time.Duration
	strategy Strategy
	token    string

	// mu guards state and the watchdog channels.
	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
}

func (m *Mutex) newHandle(key string, ttl time.Duration, strategy Strategy) *Handle {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = key
	}
	return &Handle{m: m, id: id, key: key, ttl: ttl, strategy: strategy}
}

// ID identifies this acquisition in logs and traces.
func (h *Handle) ID() string { return h.id }

// Key returns the lock key.
func (h *Handle) Key() string { return h.key }

// Strategy returns the strategy the handle was acquired with.
func (h *Handle) Strategy() Strategy { return h.strategy }

// Token returns the owner token stored under the key, or the lease holder
// for StrategyLeased.
func (h *Handle) Token() string { return h.token }

// State returns the current state of the handle.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	if h.m.hook != nil {
		h.m.hook(h.key, s)
	}
}

// expire moves a held handle to StateExpired.
func (h *Handle) expire() {
	h.mu.Lock()
	if h.state != StateHeld {
		h.mu.Unlock()
		return
	}
	h.state = StateExpired
	h.mu.Unlock()
	if h.m.hook != nil {
		h.m.hook(h.key, StateExpired)
	}
}

func (h *Handle) held() {
	h.setState(StateHeld)
	if h.strategy == StrategyLeased && h.m.renew > 0 {
		h.watch(h.m.renew)
	}
}

// Check reports whether the store still records this handle as the owner
// and moves the handle to StateExpired when it does not. StrategyNaive
// stores no identity, so it can only report whether the key exists.
func (h *Handle) Check(ctx context.Context) (bool, error) {
	var (
		owned bool
		err   error
	)
	switch h.strategy {
	case StrategyLeased:
		owned, err = h.m.store.HoldsLease(ctx, h.key, h.token)
	default:
		var v string
		var ok bool
		v, ok, err = h.m.store.Get(ctx, h.key)
		owned = ok && v == h.token
	}
	if err != nil {
		return false, err
	}
	if !owned {
		h.expire()
	}
	return owned, nil
}

// Release gives the lock back. It runs on a context detached from ctx's
// cancellation, bounded by the release timeout, so a cancelled caller
// still releases.
//
// StrategyNaive deletes the key whoever holds it. The other strategies
// leave the key untouched when it is owned by someone else.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateHeld && h.state != StateExpired {
		h.mu.Unlock()
		return nil
	}
	h.state = StateReleasing
	h.mu.Unlock()
	if h.m.hook != nil {
		h.m.hook(h.key, StateReleasing)
	}
	h.stopWatch()

	m := h.m
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTimeout)
	defer cancel()
	rctx, span := tracer.Start(rctx, "lock.Release", trace.WithAttributes(
		attribute.String("lock.key", h.key),
		attribute.String("lock.strategy", h.strategy.String()),
		attribute.String("lock.id", h.id),
	))
	defer span.End()

	var (
		freed bool
		owned bool
		err   error
	)
	switch h.strategy {
	case StrategyNaive:
		freed, err = m.store.Delete(rctx, h.key)
		owned = true
	case StrategyToken:
		owned, err = m.store.CompareAndDelete(rctx, h.key, h.token)
		freed = owned
	case StrategyLeased:
		var remaining int64
		remaining, owned, err = m.store.ReleaseLease(rctx, h.key, h.token)
		freed = owned && remaining == 0
	}
	h.setState(StateUnlocked)

	switch {
	case err != nil:
		m.stats.Release(h.strategy.String(), metrics.ResultError)
		span.RecordError(err)
		return err
	case !owned:
		m.stats.Release(h.strategy.String(), metrics.ResultStale)
		m.logger.Warn("lock: released after ownership was lost", "key", h.key, "strategy", h.strategy.String(), "id", h.id)
	default:
		m.stats.Release(h.strategy.String(), metrics.ResultReleased)
	}
	if freed && m.bus != nil {
		if perr := m.bus.Publish(rctx, syncbus.UnlockTopic(h.key)); perr != nil {
			m.logger.Debug("lock: unlock notification failed", "key", h.key, "err", perr)
		}
	}
	return nil
}

// watch renews the lease every interval until the handle is released or a
// renewal is refused.
func (h *Handle) watch(interval time.Duration) {
	stop := make(chan struct{})
	done := make(chan struct{})
	h.mu.Lock()
	h.stop, h.done = stop, done
	h.mu.Unlock()
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				ok, err := h.m.store.RenewLease(ctx, h.key, h.token, h.ttl)
				cancel()
				switch {
				case err != nil:
					h.m.stats.Renewal(metrics.ResultError)
					h.m.logger.Warn("lock: lease renewal failed", "key", h.key, "id", h.id, "err", err)
				case !ok:
					h.m.stats.Renewal(metrics.ResultLost)
					h.m.logger.Warn("lock: lease lost", "key", h.key, "id", h.id)
					h.expire()
					return
				default:
					h.m.stats.Renewal(metrics.ResultRenewed)
				}
			}
		}
	}()
}

// stopWatch stops the watchdog and waits for it to exit. It must not be
// called with h.mu held, since a final renewal may expire the handle.
func (h *Handle) stopWatch() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-idemlock/v1/adapter"
	idemerrors "github.com/mirkobrombin/go-idemlock/v1/errors"
	"github.com/mirkobrombin/go-idemlock/v1/metrics"
	"github.com/mirkobrombin/go-idemlock/v1/syncbus"
)

const (
	defaultRetryInterval  = 50 * time.Millisecond
	defaultWaitTimeout    = 30 * time.Second
	defaultReleaseTimeout = 5 * time.Second

	// naiveValue is what StrategyNaive stores; it identifies nobody.
	naiveValue = "1"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-idemlock/v1/lock")

// Mutex is a distributed mutex whose state lives entirely in a Store.
// A Mutex holds no ownership state itself and is safe for concurrent use.
type Mutex struct {
	store  adapter.Store
	bus    syncbus.Bus
	logger *slog.Logger
	stats  *metrics.Lock
	hook   func(key string, s State)

	retry          time.Duration
	wait           time.Duration
	renew          time.Duration
	releaseTimeout time.Duration
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithBus publishes unlock notifications on bus and lets leased waiters
// wake on them instead of only polling.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Mutex) {
		m.bus = bus
	}
}

// WithRetryInterval sets how often a leased waiter polls the store.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Mutex) {
		if d > 0 {
			m.retry = d
		}
	}
}

// WithWaitTimeout sets the default wait bound of leased acquisitions.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Mutex) {
		if d > 0 {
			m.wait = d
		}
	}
}

// WithRenewal enables the lease watchdog, renewing held leases every
// interval. Zero disables it.
func WithRenewal(interval time.Duration) Option {
	return func(m *Mutex) {
		m.renew = interval
	}
}

// WithReleaseTimeout bounds the store call made on release.
func WithReleaseTimeout(d time.Duration) Option {
	return func(m *Mutex) {
		if d > 0 {
			m.releaseTimeout = d
		}
	}
}

// WithMetrics registers lock instruments on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Mutex) {
		m.stats = metrics.NewLock(reg)
	}
}

// WithLogger sets the logger used for release and renewal diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mutex) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStateHook installs fn to observe every handle state transition.
func WithStateHook(fn func(key string, s State)) Option {
	return func(m *Mutex) {
		m.hook = fn
	}
}

// New returns a Mutex backed by store.
func New(store adapter.Store, opts ...Option) *Mutex {
	m := &Mutex{
		store:          store,
		logger:         slog.Default(),
		retry:          defaultRetryInterval,
		wait:           defaultWaitTimeout,
		releaseTimeout: defaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func validate(key string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty lock key", idemerrors.ErrInvalidRequest)
	}
	if ttl < time.Millisecond {
		return fmt.Errorf("%w: lock ttl must be at least 1ms, got %s", idemerrors.ErrInvalidRequest, ttl)
	}
	return nil
}

// TryLock makes a single acquisition attempt. For StrategyLeased the
// attempt is made on behalf of the holder in ctx, or a fresh one. When the
// key is held by someone else it returns ErrLockBusy.
func (m *Mutex) TryLock(ctx context.Context, key string, ttl time.Duration, strategy Strategy) (*Handle, error) {
	if err := validate(key, ttl); err != nil {
		return nil, err
	}
	if !strategy.valid() {
		return nil, fmt.Errorf("%w: %s", idemerrors.ErrInvalidRequest, strategy)
	}
	ctx, span := tracer.Start(ctx, "lock.TryLock", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.String("lock.strategy", strategy.String()),
	))
	defer span.End()

	h := m.newHandle(key, ttl, strategy)
	start := time.Now()
	h.setState(StateAcquiring)

	var (
		ok  bool
		err error
	)
	switch strategy {
	case StrategyNaive:
		h.token = naiveValue
		ok, err = m.store.SetIfAbsent(ctx, key, h.token, ttl)
	case StrategyToken:
		h.token = uuid.NewString()
		ok, err = m.store.SetIfAbsent(ctx, key, h.token, ttl)
	case StrategyLeased:
		_, h.token = ensureHolder(ctx)
		ok, err = m.store.AcquireLease(ctx, key, h.token, ttl)
	}
	switch {
	case err != nil:
		h.setState(StateFailed)
		m.stats.Acquire(strategy.String(), metrics.ResultError, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	case !ok:
		h.setState(StateFailed)
		m.stats.Acquire(strategy.String(), metrics.ResultBusy, time.Since(start))
		return nil, fmt.Errorf("%w: %s", idemerrors.ErrLockBusy, key)
	}
	m.stats.Acquire(strategy.String(), metrics.ResultAcquired, time.Since(start))
	h.held()
	return h, nil
}

// Lock acquires a leased lock on key, waiting up to wait (the configured
// default when wait <= 0). The lease is held on behalf of the holder in
// ctx, so a holder that already owns key re-enters immediately.
//
// Giving up returns ErrLockTimeout; if ctx ended the wait the error also
// wraps ctx.Err(). A cancelled wait never leaves a lease behind.
func (m *Mutex) Lock(ctx context.Context, key string, ttl, wait time.Duration) (*Handle, error) {
	if err := validate(key, ttl); err != nil {
		return nil, err
	}
	if wait <= 0 {
		wait = m.wait
	}
	ctx, holder := ensureHolder(ctx)
	ctx, span := tracer.Start(ctx, "lock.Lock", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.String("lock.strategy", StrategyLeased.String()),
	))
	defer span.End()

	h := m.newHandle(key, ttl, StrategyLeased)
	h.token = holder
	start := time.Now()
	h.setState(StateAcquiring)

	if err := ctx.Err(); err != nil {
		h.setState(StateFailed)
		m.stats.Acquire(StrategyLeased.String(), metrics.ResultTimeout, 0)
		return nil, fmt.Errorf("%w: %w", idemerrors.ErrLockTimeout, err)
	}

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var notify chan struct{}
	if m.bus != nil {
		ch, err := m.bus.Subscribe(wctx, syncbus.UnlockTopic(key))
		if err != nil {
			m.logger.Debug("lock: unlock subscription failed, polling only", "key", key, "err", err)
		} else {
			notify = ch
		}
	}
	ticker := time.NewTicker(m.retry)
	defer ticker.Stop()

	// Store calls run detached from the wait deadline so that an acquire the
	// server applied is never mistaken for a failure.
	sctx := context.WithoutCancel(ctx)
	for {
		ok, err := m.store.AcquireLease(sctx, key, holder, ttl)
		if err != nil {
			h.setState(StateFailed)
			m.stats.Acquire(StrategyLeased.String(), metrics.ResultError, time.Since(start))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if ok {
			m.stats.Acquire(StrategyLeased.String(), metrics.ResultAcquired, time.Since(start))
			span.SetAttributes(attribute.Int64("lock.wait_ms", time.Since(start).Milliseconds()))
			h.held()
			return h, nil
		}

		select {
		case <-wctx.Done():
			h.setState(StateFailed)
			m.stats.Acquire(StrategyLeased.String(), metrics.ResultTimeout, time.Since(start))
			err := fmt.Errorf("%w: waited %s for %q", idemerrors.ErrLockTimeout, time.Since(start).Round(time.Millisecond), key)
			if cerr := ctx.Err(); cerr != nil {
				err = fmt.Errorf("%w: %w", idemerrors.ErrLockTimeout, cerr)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		case _, open := <-notify:
			if !open {
				notify = nil
			}
		case <-ticker.C:
		}
	}
}

// WithLock runs fn while holding key under strategy and always releases
// afterwards, including when fn panics or ctx is cancelled.
func (m *Mutex) WithLock(ctx context.Context, key string, ttl time.Duration, strategy Strategy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, m, key, ttl, strategy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is WithLock for critical sections returning a value. The result and
// error of fn are returned unchanged. A failed release is logged and
// counted but does not replace fn's outcome.
func Do[T any](ctx context.Context, m *Mutex, key string, ttl time.Duration, strategy Strategy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var (
		h   *Handle
		err error
	)
	switch strategy {
	case StrategyNaive, StrategyToken:
		h, err = m.TryLock(ctx, key, ttl, strategy)
	case StrategyLeased:
		ctx, _ = ensureHolder(ctx)
		h, err = m.Lock(ctx, key, ttl, 0)
	default:
		return zero, fmt.Errorf("%w: %s", idemerrors.ErrInvalidRequest, strategy)
	}
	if err != nil {
		return zero, err
	}
	defer func() {
		if rerr := h.Release(ctx); rerr != nil {
			m.logger.Warn("lock: release failed", "key", key, "strategy", strategy.String(), "err", rerr)
		}
	}()
	return fn(ctx)
}

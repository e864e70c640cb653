// Package presets wires a store, a bus, a guard, a mutex, the inventory
// service and the lock event stream together from a configuration.
package presets

import (
	"errors"
	"fmt"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-idemlock/v1/adapter"
	"github.com/mirkobrombin/go-idemlock/v1/config"
	"github.com/mirkobrombin/go-idemlock/v1/events"
	"github.com/mirkobrombin/go-idemlock/v1/idempotency"
	"github.com/mirkobrombin/go-idemlock/v1/inventory"
	"github.com/mirkobrombin/go-idemlock/v1/lock"
	"github.com/mirkobrombin/go-idemlock/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Stack is a fully wired set of components sharing one store.
type Stack struct {
	Store     adapter.Store
	Bus       syncbus.Bus
	Guard     *idempotency.Guard
	Mutex     *lock.Mutex
	Inventory *inventory.Service
	Events    *events.Broadcaster
	Strategy  lock.Strategy

	closers []func() error
}

// Option configures FromConfig.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry prometheus.Registerer
}

// WithLogger passes l to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegistry registers guard and lock instruments on reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// FromConfig builds a Stack described by cfg.
func FromConfig(cfg *config.Config, opts ...Option) (*Stack, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	strategy, err := cfg.Lock.ParsedStrategy()
	if err != nil {
		return nil, err
	}
	s := &Stack{Strategy: strategy, Events: events.NewBroadcaster()}

	var client *redis.Client
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		s.closers = append(s.closers, client.Close)
		s.Store = adapter.NewRedisStore(client, adapter.WithTimeout(cfg.Store.Redis.Timeout))
	case config.BackendMemory:
		s.Store = adapter.NewInMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	var bus syncbus.Bus
	switch cfg.Bus.Backend {
	case config.BackendNone:
	case config.BackendMemory:
		bus = syncbus.NewInMemoryBus()
	case config.BackendRedis:
		if client == nil {
			_ = s.Close()
			return nil, errors.New("the redis bus requires the redis store")
		}
		rb := syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client, Prefix: cfg.Bus.Prefix})
		s.closers = append([]func() error{rb.Close}, s.closers...)
		bus = rb
	case config.BackendNATS:
		conn, err := nats.Connect(cfg.Bus.NATSURL)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		s.closers = append(s.closers, func() error { conn.Close(); return nil })
		bus = syncbus.NewNATSBus(conn)
	default:
		_ = s.Close()
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
	if bus != nil && cfg.Bus.Backend != config.BackendMemory && cfg.Bus.BreakerThreshold > 0 {
		bus = syncbus.NewCircuitBreaker(bus, cfg.Bus.BreakerThreshold, cfg.Bus.BreakerTimeout)
	}
	s.Bus = bus

	guardOpts := []idempotency.Option{
		idempotency.WithPrefix(cfg.Guard.Prefix),
		idempotency.WithLogger(o.logger),
	}
	lockOpts := []lock.Option{
		lock.WithLogger(o.logger),
		lock.WithWaitTimeout(cfg.Lock.WaitTimeout),
		lock.WithRetryInterval(cfg.Lock.RetryInterval),
		lock.WithRenewal(cfg.Lock.Renewal),
		lock.WithStateHook(s.Events.LockHook()),
	}
	if bus != nil {
		lockOpts = append(lockOpts, lock.WithBus(bus))
	}
	if o.registry != nil {
		guardOpts = append(guardOpts, idempotency.WithMetrics(o.registry))
		lockOpts = append(lockOpts, lock.WithMetrics(o.registry))
	}
	s.Guard = idempotency.New(s.Store, guardOpts...)
	s.Mutex = lock.New(s.Store, lockOpts...)
	s.Inventory = inventory.New(s.Store, s.Mutex,
		inventory.WithLockKey(cfg.Lock.Key),
		inventory.WithLockTTL(cfg.Lock.TTL),
		inventory.WithLogger(o.logger),
	)
	return s, nil
}

// NewRedis builds a Stack on Redis, using it for both the store and the
// unlock notifications.
func NewRedis(opts RedisOptions, options ...Option) (*Stack, error) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendRedis
	cfg.Store.Redis.Addr = opts.Addr
	cfg.Store.Redis.Password = opts.Password
	cfg.Store.Redis.DB = opts.DB
	cfg.Bus.Backend = config.BackendRedis
	return FromConfig(cfg, options...)
}

// NewInMemoryStandalone builds a Stack that runs entirely in memory with no
// external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(options ...Option) *Stack {
	s, err := FromConfig(config.Default(), options...)
	if err != nil {
		panic(fmt.Sprintf("presets: default config rejected: %v", err))
	}
	return s
}

// Close releases the connections opened by the Stack.
func (s *Stack) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

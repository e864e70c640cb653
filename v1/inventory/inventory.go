// Package inventory keeps per-SKU stock counters in the shared store and
// decrements them inside a distributed critical section.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mirkobrombin/go-idemlock/v1/adapter"
	idemerrors "github.com/mirkobrombin/go-idemlock/v1/errors"
	"github.com/mirkobrombin/go-idemlock/v1/lock"
)

const (
	// DefaultLockKey is the single lock serialising every purchase.
	DefaultLockKey = "buyProductLock"
	// DefaultStock is what Init seeds when asked for a negative amount.
	DefaultStock = 1000

	defaultLockTTL = 10 * time.Second
	stockPrefix    = "stock:"
)

// Service sells items from stock counters.
type Service struct {
	store   adapter.Store
	mutex   *lock.Mutex
	lockKey string
	lockTTL time.Duration
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLockTTL sets the TTL of the purchase lock.
func WithLockTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithLockKey sets the purchase lock key.
func WithLockKey(key string) Option {
	return func(s *Service) {
		if key != "" {
			s.lockKey = key
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Service storing counters in store and serialising
// purchases through mutex.
func New(store adapter.Store, mutex *lock.Mutex, opts ...Option) *Service {
	s := &Service{
		store:   store,
		mutex:   mutex,
		lockKey: DefaultLockKey,
		lockTTL: defaultLockTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func stockKey(sku string) string { return stockPrefix + sku }

// Init sets the stock of sku to n. A negative n seeds DefaultStock.
func (s *Service) Init(ctx context.Context, sku string, n int64) (int64, error) {
	if sku == "" {
		return 0, fmt.Errorf("%w: empty sku", idemerrors.ErrInvalidRequest)
	}
	if n < 0 {
		n = DefaultStock
	}
	if err := s.store.Set(ctx, stockKey(sku), strconv.FormatInt(n, 10), 0); err != nil {
		return 0, err
	}
	s.logger.Info("inventory: stock initialised", "sku", sku, "stock", n)
	return n, nil
}

// Stock returns the current stock of sku. A missing counter reads as zero.
func (s *Service) Stock(ctx context.Context, sku string) (int64, error) {
	v, ok, err := s.store.Get(ctx, stockKey(sku))
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("inventory: corrupt stock counter %q for %s: %w", v, sku, err)
	}
	return n, nil
}

// BuyUnguarded decrements stock with a plain read-modify-write and no lock.
// Concurrent callers oversell; it exists to contrast with Buy.
func (s *Service) BuyUnguarded(ctx context.Context, sku string) (int64, error) {
	return s.decrement(ctx, sku)
}

// Buy decrements the stock of sku by one inside the purchase lock acquired
// with strategy and returns the remaining stock. It returns
// ErrResourceExhausted when nothing is left, ErrLockBusy when a fail-fast
// strategy finds the lock taken and ErrLockTimeout when a leased wait
// gives up.
func (s *Service) Buy(ctx context.Context, sku string, strategy lock.Strategy) (int64, error) {
	left, err := lock.Do(ctx, s.mutex, s.lockKey, s.lockTTL, strategy, func(ctx context.Context) (int64, error) {
		return s.decrement(ctx, sku)
	})
	if err != nil {
		s.logger.Debug("inventory: purchase failed", "sku", sku, "strategy", strategy.String(), "err", err)
		return 0, err
	}
	s.logger.Info("inventory: purchase succeeded", "sku", sku, "strategy", strategy.String(), "remaining", left)
	return left, nil
}

func (s *Service) decrement(ctx context.Context, sku string) (int64, error) {
	n, err := s.Stock(ctx, sku)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s is out of stock", idemerrors.ErrResourceExhausted, sku)
	}
	n--
	if err := s.store.Set(ctx, stockKey(sku), strconv.FormatInt(n, 10), 0); err != nil {
		return 0, err
	}
	return n, nil
}

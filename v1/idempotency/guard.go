// Package idempotency suppresses duplicate executions of an operation.
//
// A Guard marks a fingerprint as in flight with a set-if-absent on the
// shared store before running the operation, and removes the marker with a
// compare-and-delete once the operation returns. A second call with the same
// fingerprint while the marker exists gets ErrDuplicateSubmission and never
// runs. The marker TTL bounds how long a crashed caller can block retries.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-idemlock/v1/adapter"
	idemerrors "github.com/mirkobrombin/go-idemlock/v1/errors"
	"github.com/mirkobrombin/go-idemlock/v1/fingerprint"
	"github.com/mirkobrombin/go-idemlock/v1/metrics"
)

const (
	// DefaultPrefix namespaces guard markers in the store.
	DefaultPrefix = "idemlock:dup:"

	defaultReleaseTimeout = 5 * time.Second
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-idemlock/v1/idempotency")

// Guard runs operations at most once per fingerprint and TTL window.
type Guard struct {
	store          adapter.Store
	prefix         string
	builder        *fingerprint.Builder
	logger         *slog.Logger
	stats          *metrics.Guard
	releaseTimeout time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithPrefix sets the key prefix of guard markers.
func WithPrefix(prefix string) Option {
	return func(g *Guard) {
		g.prefix = prefix
	}
}

// WithFingerprinter sets the Builder used by registered endpoints.
func WithFingerprinter(b *fingerprint.Builder) Option {
	return func(g *Guard) {
		if b != nil {
			g.builder = b
		}
	}
}

// WithMetrics registers guard instruments on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(g *Guard) {
		g.stats = metrics.NewGuard(reg)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithReleaseTimeout bounds the compare-and-delete made after the operation.
func WithReleaseTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.releaseTimeout = d
		}
	}
}

// New returns a Guard storing its markers in store.
func New(store adapter.Store, opts ...Option) *Guard {
	g := &Guard{
		store:          store,
		prefix:         DefaultPrefix,
		builder:        fingerprint.New(),
		logger:         slog.Default(),
		releaseTimeout: defaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Key returns the store key guarding fp.
func (g *Guard) Key(fp fingerprint.Fingerprint) string {
	return g.prefix + string(fp)
}

// Run executes fn unless another execution with fingerprint fp holds a
// live marker, in which case it returns ErrDuplicateSubmission. The result
// and error of fn are returned unchanged. Store failures are returned as
// ErrStoreUnavailable and are not retried.
func Run[T any](ctx context.Context, g *Guard, fp fingerprint.Fingerprint, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if fp == "" {
		return zero, fmt.Errorf("%w: empty fingerprint", idemerrors.ErrInvalidRequest)
	}
	if ttl < time.Millisecond {
		return zero, fmt.Errorf("%w: guard ttl must be at least 1ms, got %s", idemerrors.ErrInvalidRequest, ttl)
	}
	key := g.Key(fp)
	ctx, span := tracer.Start(ctx, "idempotency.Run", trace.WithAttributes(
		attribute.String("idemlock.fingerprint", string(fp)),
		attribute.Int64("idemlock.ttl_ms", ttl.Milliseconds()),
	))
	defer span.End()

	value := uuid.NewString()
	ok, err := g.store.SetIfAbsent(ctx, key, value, ttl)
	if err != nil {
		g.stats.Attempt(metrics.ResultError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	if !ok {
		g.stats.Attempt(metrics.ResultDuplicate)
		span.SetAttributes(attribute.Bool("idemlock.duplicate", true))
		g.logger.Info("idempotency: duplicate submission rejected", "fingerprint", string(fp))
		return zero, fmt.Errorf("%w: %s", idemerrors.ErrDuplicateSubmission, fp)
	}
	g.stats.Attempt(metrics.ResultAcquired)

	start := time.Now()
	defer func() {
		g.stats.Observe(time.Since(start))
		g.release(ctx, key, value)
	}()
	return fn(ctx)
}

func (g *Guard) release(ctx context.Context, key, value string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.releaseTimeout)
	defer cancel()
	ok, err := g.store.CompareAndDelete(rctx, key, value)
	switch {
	case err != nil:
		g.stats.Release(metrics.ResultError)
		g.logger.Warn("idempotency: marker release failed", "key", key, "err", err)
	case !ok:
		g.stats.Release(metrics.ResultStale)
		g.logger.Warn("idempotency: marker expired before the operation finished", "key", key)
	default:
		g.stats.Release(metrics.ResultReleased)
	}
}

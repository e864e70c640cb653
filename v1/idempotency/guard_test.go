package idempotency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-idemlock/v1/adapter"
	idemerrors "github.com/mirkobrombin/go-idemlock/v1/errors"
	"github.com/mirkobrombin/go-idemlock/v1/fingerprint"
	"github.com/mirkobrombin/go-idemlock/v1/metrics"
)

func newRedisGuard(t *testing.T, opts ...Option) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(adapter.NewRedisStore(client), opts...), mr
}

func mustFingerprint(t *testing.T, token string, args ...any) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.Build(fingerprint.Operation{Name: "sayNoDuplication", Params: []string{"string"}}, token, args...)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	return fp
}

func TestRunSingleWinner(t *testing.T) {
	stores := map[string]func(t *testing.T) *Guard{
		"memory": func(*testing.T) *Guard { return New(adapter.NewInMemoryStore()) },
		"redis":  func(t *testing.T) *Guard { g, _ := newRedisGuard(t); return g },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			g := mk(t)
			fp := mustFingerprint(t, "tok", "1")
			var runs, dups atomic.Int32
			var eg errgroup.Group
			start := make(chan struct{})
			for i := 0; i < 16; i++ {
				eg.Go(func() error {
					<-start
					_, err := Run(context.Background(), g, fp, time.Minute, func(context.Context) (int, error) {
						runs.Add(1)
						time.Sleep(50 * time.Millisecond)
						return 1, nil
					})
					if errors.Is(err, idemerrors.ErrDuplicateSubmission) {
						dups.Add(1)
						return nil
					}
					return err
				})
			}
			close(start)
			if err := eg.Wait(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if runs.Load() != 1 || dups.Load() != 15 {
				t.Fatalf("expected 1 run and 15 duplicates, got %d/%d", runs.Load(), dups.Load())
			}
		})
	}
}

func TestRunReleasesMarker(t *testing.T) {
	store := adapter.NewInMemoryStore()
	g := New(store)
	fp := mustFingerprint(t, "tok")
	ctx := context.Background()
	fnErr := errors.New("failed")

	if _, err := Run(ctx, g, fp, time.Minute, func(context.Context) (string, error) { return "", fnErr }); !errors.Is(err, fnErr) {
		t.Fatalf("fn error must pass through, got %v", err)
	}
	v, err := Run(ctx, g, fp, time.Minute, func(context.Context) (string, error) { return "ok", nil })
	if err != nil || v != "ok" {
		t.Fatalf("retry after completion: %q %v", v, err)
	}
	func() {
		defer func() { _ = recover() }()
		_, _ = Run(ctx, g, fp, time.Minute, func(context.Context) (int, error) { panic("boom") })
	}()
	if store.Len() != 0 {
		t.Fatal("marker must be removed on every exit path")
	}
}

func TestRunReleasesOnCancel(t *testing.T) {
	store := adapter.NewInMemoryStore()
	g := New(store)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Run(ctx, g, mustFingerprint(t, "tok"), time.Minute, func(ctx context.Context) (int, error) {
		cancel()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("marker must be removed after cancellation")
	}
}

func TestRunStaleReleaseKeepsNewerMarker(t *testing.T) {
	store := adapter.NewInMemoryStore()
	g := New(store)
	ctx := context.Background()
	fp := mustFingerprint(t, "tok")
	key := g.Key(fp)

	_, err := Run(ctx, g, fp, time.Minute, func(context.Context) (int, error) {
		store.Expire(key)
		if ok, _ := store.SetIfAbsent(ctx, key, "later-attempt", time.Minute); !ok {
			t.Error("later attempt should acquire after expiry")
		}
		return 0, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v, ok, _ := store.Get(ctx, key); !ok || v != "later-attempt" {
		t.Fatalf("newer marker must survive, got %q ok=%v", v, ok)
	}
}

func TestRunInvalidInput(t *testing.T) {
	g := New(adapter.NewInMemoryStore())
	called := false
	fn := func(context.Context) (int, error) { called = true; return 0, nil }
	if _, err := Run(context.Background(), g, "", time.Minute, fn); !errors.Is(err, idemerrors.ErrInvalidRequest) {
		t.Fatalf("empty fingerprint: %v", err)
	}
	if _, err := Run(context.Background(), g, mustFingerprint(t, "tok"), 0, fn); !errors.Is(err, idemerrors.ErrInvalidRequest) {
		t.Fatalf("zero ttl: %v", err)
	}
	if _, err := Run(context.Background(), g, mustFingerprint(t, "tok"), 500*time.Microsecond, fn); !errors.Is(err, idemerrors.ErrInvalidRequest) {
		t.Fatalf("sub-millisecond ttl: %v", err)
	}
	if called {
		t.Fatal("fn must not run on invalid input")
	}
}

func TestRunStoreUnavailable(t *testing.T) {
	g, mr := newRedisGuard(t)
	mr.Close()
	called := false
	_, err := Run(context.Background(), g, mustFingerprint(t, "tok"), time.Minute, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if !errors.Is(err, idemerrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if called {
		t.Fatal("fn must not run when the store is down")
	}
}

func TestRunMarkerExpiresAfterCrash(t *testing.T) {
	g, mr := newRedisGuard(t, WithPrefix("dup:"))
	fp := mustFingerprint(t, "tok")
	if err := mr.Set(g.Key(fp), "crashed-attempt"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	mr.SetTTL(g.Key(fp), 15*time.Second)
	fn := func(context.Context) (int, error) { return 1, nil }
	if _, err := Run(context.Background(), g, fp, 15*time.Second, fn); !errors.Is(err, idemerrors.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate while marker lives, got %v", err)
	}
	mr.FastForward(16 * time.Second)
	if _, err := Run(context.Background(), g, fp, 15*time.Second, fn); err != nil {
		t.Fatalf("expected run after marker expiry, got %v", err)
	}
}

func TestGuardMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	g := New(adapter.NewInMemoryStore(), WithMetrics(reg))
	fp := mustFingerprint(t, "tok")
	ctx := context.Background()
	_, _ = Run(ctx, g, fp, time.Minute, func(ctx context.Context) (int, error) {
		_, err := Run(ctx, g, fp, time.Minute, func(context.Context) (int, error) { return 0, nil })
		return 0, err
	})
	if v := testutil.ToFloat64(g.stats.Attempts.WithLabelValues(metrics.ResultAcquired)); v != 1 {
		t.Fatalf("acquired = %v", v)
	}
	if v := testutil.ToFloat64(g.stats.Attempts.WithLabelValues(metrics.ResultDuplicate)); v != 1 {
		t.Fatalf("duplicate = %v", v)
	}
	if v := testutil.ToFloat64(g.stats.Releases.WithLabelValues(metrics.ResultReleased)); v != 1 {
		t.Fatalf("released = %v", v)
	}
}

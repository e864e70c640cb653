package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	idemerrors "github.com/mirkobrombin/go-idemlock/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// compareAndDeleteScript deletes KEYS[1] only while it still holds ARGV[1].
// Lease hashes are never matched.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("TYPE", KEYS[1]).ok ~= "string" then
    return 0
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// acquireLeaseScript stores leases as a hash of holder -> hold count.
// ARGV[1] holder, ARGV[2] ttl in milliseconds.
var acquireLeaseScript = redis.NewScript(`
local t = redis.call("TYPE", KEYS[1]).ok
if t == "none" or (t == "hash" and redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1) then
    redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
return 0
`)

var renewLeaseScript = redis.NewScript(`
if redis.call("TYPE", KEYS[1]).ok == "hash" and redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var holdsLeaseScript = redis.NewScript(`
if redis.call("TYPE", KEYS[1]).ok == "hash" then
    return redis.call("HEXISTS", KEYS[1], ARGV[1])
end
return 0
`)

// releaseLeaseScript returns -1 when ARGV[1] does not hold the lease,
// otherwise the remaining hold count.
var releaseLeaseScript = redis.NewScript(`
if redis.call("TYPE", KEYS[1]).ok ~= "hash" or redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
    return -1
end
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n > 0 then
    return n
end
redis.call("DEL", KEYS[1])
return 0
`)

// RedisStore implements Store using a Redis backend.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() redis.UniversalClient { return s.client }

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, mapErr("setnx", err)
	}
	return ok, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr("get", err)
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(cctx, key, value, ttl).Err(); err != nil {
		return mapErr("set", err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := s.client.Del(cctx, key).Result()
	if err != nil {
		return false, mapErr("del", err)
	}
	return n > 0, nil
}

// CompareAndDelete implements Store.CompareAndDelete as a single server-side script.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := s.runInt(ctx, "compare-and-delete", compareAndDeleteScript, key, expected)
	return n > 0, err
}

// AcquireLease implements Store.AcquireLease.
func (s *RedisStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	n, err := s.runInt(ctx, "acquire-lease", acquireLeaseScript, key, holder, leaseMillis(ttl))
	return n == 1, err
}

// RenewLease implements Store.RenewLease.
func (s *RedisStore) RenewLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	n, err := s.runInt(ctx, "renew-lease", renewLeaseScript, key, holder, leaseMillis(ttl))
	return n == 1, err
}

// leaseMillis converts ttl for PEXPIRE, rounding sub-millisecond values up
// as go-redis does for SET PX. PEXPIRE 0 would delete the lease at once.
func leaseMillis(ttl time.Duration) int64 {
	if ttl > 0 && ttl < time.Millisecond {
		return 1
	}
	return ttl.Milliseconds()
}

// HoldsLease implements Store.HoldsLease.
func (s *RedisStore) HoldsLease(ctx context.Context, key, holder string) (bool, error) {
	n, err := s.runInt(ctx, "holds-lease", holdsLeaseScript, key, holder)
	return n == 1, err
}

// ReleaseLease implements Store.ReleaseLease.
func (s *RedisStore) ReleaseLease(ctx context.Context, key, holder string) (int64, bool, error) {
	n, err := s.runInt(ctx, "release-lease", releaseLeaseScript, key, holder)
	if err != nil {
		return 0, false, err
	}
	if n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

func (s *RedisStore) runInt(ctx context.Context, op string, script *redis.Script, key string, args ...any) (int64, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := script.Run(cctx, s.client, []string{key}, args...).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, mapErr(op, err)
	}
	return n, nil
}

// ctxErr reports a caller context that is already done before any round trip.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", idemerrors.ErrStoreUnavailable, idemerrors.ErrTimeout)
	}
	return err
}

func mapErr(op string, err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		err = idemerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		err = idemerrors.ErrConnectionClosed
	case stdErrors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: redis %s: %w", idemerrors.ErrStoreUnavailable, op, err)
}

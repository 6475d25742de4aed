package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Prefix namespaces lock keys so they cannot collide with idempotency
// markers or anything else sharing the store.
const Prefix = "lock:"

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`

var errNotAcquired = errors.New("lock not acquired")

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

type Options struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	return o
}

// Acquire attempts a conditional set with a random token, retrying up to
// RetryCount times with linearly increasing delay. It returns (nil, false, _)
// once retries are exhausted; it never blocks indefinitely. Store errors
// count as failed attempts: a lock that cannot be confirmed is not held.
func Acquire(ctx context.Context, client *redis.Client, key string, opts Options) (*Lock, bool, error) {
	if client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	opts = opts.withDefaults()
	token := uuid.NewString()
	storeKey := Prefix + key

	err := retry.Do(
		func() error {
			ok, err := client.SetNX(ctx, storeKey, token, opts.TTL).Result()
			if err != nil {
				return err
			}
			if !ok {
				return errNotAcquired
			}
			return nil
		},
		retry.Attempts(uint(opts.RetryCount)+1),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return opts.RetryDelay * time.Duration(n+1)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		if errors.Is(err, errNotAcquired) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &Lock{Key: storeKey, Token: token, TTL: opts.TTL}, true, nil
}

// Release deletes the lock only if the presented token still owns it.
// A false return means the lock expired and may belong to someone else now;
// that is a signal, not an error.
func Release(ctx context.Context, client *redis.Client, lock *Lock) (bool, error) {
	if client == nil {
		return false, errors.New("redis client not initialized")
	}
	if lock == nil {
		return false, errors.New("lock is nil")
	}
	n, err := client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Extend resets the TTL if the presented token still owns the lock.
func Extend(ctx context.Context, client *redis.Client, lock *Lock, ttl time.Duration) (bool, error) {
	if client == nil {
		return false, errors.New("redis client not initialized")
	}
	if lock == nil {
		return false, errors.New("lock is nil")
	}
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	n, err := client.Eval(ctx, extendScript, []string{lock.Key}, lock.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	if n == 1 {
		lock.TTL = ttl
	}
	return n == 1, nil
}

type Result struct {
	Acquired bool
	Value    any
}

// WithLock runs fn inside the lock and releases on every exit path. When the
// lock cannot be acquired fn is never invoked and callers must treat the
// result as contention, not failure. fn's error is returned after release.
func WithLock(ctx context.Context, client *redis.Client, key string, opts Options, fn func(ctx context.Context) (any, error)) (Result, error) {
	lock, acquired, err := Acquire(ctx, client, key, opts)
	if err != nil || !acquired {
		return Result{Acquired: false}, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, _ = Release(releaseCtx, client, lock)
	}()

	value, err := fn(ctx)
	if err != nil {
		return Result{Acquired: true}, err
	}
	return Result{Acquired: true, Value: value}, nil
}

// Manager binds the lock helpers to a client so callers can hold a single
// dependency instead of threading a redis handle around.
type Manager struct {
	client *redis.Client
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

func (m *Manager) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) (any, error)) (Result, error) {
	return WithLock(ctx, m.client, key, opts, fn)
}

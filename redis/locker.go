// Package redis implements jobs.Locker on Redis with SET NX and an owner
// token, so cooperating scheduler instances run each job key on at most one
// instance at a time.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	locker := redis.NewLocker(client)
//	sched, err := jobs.New(jobs.Config{Locker: locker})
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/DEEJ4Y/jobs"
)

// Compile-time interface check.
var _ jobs.Locker = (*Locker)(nil)

// ErrLockLost is returned by Release when the lock expired and was taken
// over before it was released.
var ErrLockLost = errors.New("lock no longer owned")

// DefaultPrefix prefixes every lock key.
const DefaultPrefix = "jobs:lock:"

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Option configures the Locker.
type Option func(*Locker)

// WithPrefix sets the key prefix. Default: DefaultPrefix
func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// Locker implements jobs.Locker backed by Redis.
type Locker struct {
	client goredis.Cmdable
	prefix string
}

// NewLocker creates a Redis-backed locker. The caller owns the Redis client
// lifecycle.
func NewLocker(client goredis.Cmdable, opts ...Option) *Locker {
	l := &Locker{client: client, prefix: DefaultPrefix}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Locker) lockKey(key string) string { return l.prefix + key }

// Ping verifies the Redis connection is alive.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// TryLock sets the lock key if it does not exist. The key expires after ttl;
// a zero ttl holds it until released.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (jobs.Lease, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs/redis: try lock setnx: %w", err)
	}
	if !ok {
		return nil, jobs.ErrLockNotAcquired
	}
	return &lease{locker: l, key: key, token: token}, nil
}

// Holder returns the token of the current holder of key, if any.
func (l *Locker) Holder(ctx context.Context, key string) (string, bool, error) {
	token, err := l.client.Get(ctx, l.lockKey(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("jobs/redis: holder get: %w", err)
	}
	return token, true, nil
}

type lease struct {
	locker *Locker
	key    string
	token  string
}

// Release deletes the lock key if this lease still owns it.
func (le *lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.locker.client, []string{le.locker.lockKey(le.key)}, le.token).Int64()
	if err != nil {
		return fmt.Errorf("jobs/redis: release: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, le.key)
	}
	return nil
}

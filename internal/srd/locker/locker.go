// Package locker serializes reconciliations for the same (mobile, id number) pair.
package locker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotObtained is returned when the lock could not be taken before ctx ended.
	ErrLockNotObtained = errors.New("lock not obtained")
	// ErrLockLost is the cause of a held context cancelled because the lock expired
	// or was taken over before release.
	ErrLockLost = errors.New("lock lost")
)

// Locker hands out exclusive access to a key. The returned held context is
// derived from ctx and ends on release or when the lock is lost; work done
// under the lock must use it. release is idempotent.
type Locker interface {
	Acquire(ctx context.Context, key string) (held context.Context, release func(), err error)
}

const numShards = 128

// Sharded is an in-process Locker over a fixed set of channel semaphores.
// Distinct keys may share a shard; they then wait for each other, which is
// safe but not required.
type Sharded struct {
	shards [numShards]chan struct{}
}

func NewSharded() *Sharded {
	l := &Sharded{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *Sharded) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	shard := l.shards[shardFor(key)]
	select {
	case shard <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrLockNotObtained, key, ctx.Err())
	}
	held, cancel := context.WithCancel(ctx)
	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel()
			<-shard
		})
	}, nil
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % numShards
}

const (
	defaultLockTTL   = 30 * time.Second
	defaultRetryStep = 100 * time.Millisecond
	releaseTimeout   = 2 * time.Second
)

// Redis is a Locker shared by every process pointed at the same Redis.
// A lock expires after its TTL even if the holder dies without releasing.
// While held it is refreshed every third of its TTL, so a long check keeps it.
type Redis struct {
	client  *redislock.Client
	ttl     time.Duration
	retry   time.Duration
	refresh time.Duration
	logger  *slog.Logger
}

type RedisOption func(*Redis)

// WithTTL bounds how long a crashed holder can block others.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRefreshInterval overrides how often a held lock's TTL is extended.
func WithRefreshInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.refresh = d
		}
	}
}

// WithRetryInterval sets the pause between attempts while waiting for a held lock.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retry = d
		}
	}
}

func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: redislock.New(client),
		ttl:    defaultLockTTL,
		retry:  defaultRetryStep,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.refresh <= 0 || r.refresh >= r.ttl {
		r.refresh = r.ttl / 3
	}
	return r
}

// Acquire retries at a fixed interval until the lock is free or ctx ends.
func (r *Redis) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	lock, err := r.client.Obtain(ctx, key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.retry),
	})
	switch {
	case errors.Is(err, redislock.ErrNotObtained):
		return nil, nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	case err != nil && ctx.Err() != nil:
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrLockNotObtained, key, err)
	case err != nil:
		return nil, nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	held, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(held, cancel, lock, key)
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel(nil)
			wg.Wait()
			// The caller's ctx may already be done; release on a fresh one.
			releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer done()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.logger.WarnContext(ctx, "failed to release lock", "key", key, "error", err)
			}
		})
	}, nil
}

// keepAlive extends the lock until held ends. When the lock is gone, or Redis
// stays unreachable until the TTL would have run out, held is cancelled with
// ErrLockLost.
func (r *Redis) keepAlive(held context.Context, cancel context.CancelCauseFunc, lock *redislock.Lock, key string) {
	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()
	expires := time.Now().Add(r.ttl)

	for {
		select {
		case <-held.Done():
			return
		case <-ticker.C:
		}

		refreshCtx, done := context.WithTimeout(held, r.refresh)
		err := lock.Refresh(refreshCtx, r.ttl, nil)
		done()
		switch {
		case err == nil:
			expires = time.Now().Add(r.ttl)
		case held.Err() != nil:
			return
		case errors.Is(err, redislock.ErrNotObtained):
			r.logger.ErrorContext(held, "lock lost before release", "key", key)
			cancel(fmt.Errorf("%w: %s", ErrLockLost, key))
			return
		case time.Now().Add(r.refresh).After(expires):
			r.logger.ErrorContext(held, "lock refresh failing past its ttl", "key", key, "error", err)
			cancel(fmt.Errorf("%w: %s: %w", ErrLockLost, key, err))
			return
		default:
			r.logger.WarnContext(held, "lock refresh failed", "key", key, "error", err)
		}
	}
}

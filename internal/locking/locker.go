// Package locking serializes mutating operations on one reconciliation session.
package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrNotObtained is returned when the lock wait ends before the lock is free.
var ErrNotObtained = errors.New("session lock not obtained")

// Locker hands out exclusive per-key locks. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// SessionKey is the lock key for one reconciliation session.
func SessionKey(sessionID int64) string {
	return fmt.Sprintf("reconciliation:session:%d", sessionID)
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex. Waiters honour ctx cancellation.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotObtained, key, ctx.Err())
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(key, e, true) }) }, nil
}

func (l *LocalLocker) release(key string, e *localEntry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// RedisLocker serializes across server replicas through redislock. Held locks
// are refreshed at half their TTL until released.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	logger logrus.FieldLogger
}

const defaultLockTTL = 30 * time.Second

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl, logger: logger}
}

// Lock retries until the key is free or the wait, bounded by the lock TTL, runs out.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.ttl)
	defer cancel()

	lock, err := r.client.Obtain(waitCtx, key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", key, err)
	}

	stop := keepAlive(r.ttl/2, func(ctx context.Context) error {
		return lock.Refresh(ctx, r.ttl, nil)
	}, r.logger.WithField("key", key))

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.logger.WithField("key", key).WithError(err).Warn("failed to release session lock")
			}
		})
	}, nil
}

// keepAlive calls refresh every interval until the returned stop func runs.
// stop waits for an in-flight refresh to finish.
func keepAlive(interval time.Duration, refresh func(ctx context.Context) error, logger logrus.FieldLogger) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := refresh(ctx); err != nil && ctx.Err() == nil {
					logger.WithError(err).Warn("failed to refresh session lock")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

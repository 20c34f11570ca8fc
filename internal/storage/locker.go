package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReleaseFunc releases a held lock
type ReleaseFunc func(ctx context.Context) error

// KeyLocker serializes work on a key across goroutines or processes
type KeyLocker interface {
	// Acquire blocks until the lock for key is held or ctx is done.
	// ttl bounds how long a crashed holder can keep the lock.
	Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error)
}

// ErrLockNotHeld is returned on release when the lock expired and was taken by another holder
var ErrLockNotHeld = errors.New("lock not held")

const lockPollInterval = 20 * time.Millisecond

// releaseScript deletes the key only while it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a KeyLocker shared by every process using the same Redis
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(cache *RedisCache) *RedisLocker {
	return &RedisLocker{client: cache.Client(), prefix: "lock:"}
}

// Acquire takes the lock with SET NX, polling until it is free
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	redisKey := l.prefix + key
	token := uuid.New().String()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("lock %s: %w", key, ErrLockNotHeld)
		}
		return nil
	}, nil
}

// LocalLocker is a KeyLocker for a single process
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

// Acquire takes the lock for key. ttl is ignored since holders cannot outlive the process.
func (l *LocalLocker) Acquire(ctx context.Context, key string, _ time.Duration) (ReleaseFunc, error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, lk)
		return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-lk.ch
			l.unref(key, lk)
		})
		return nil
	}, nil
}

func (l *LocalLocker) unref(key string, lk *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

var (
	_ KeyLocker = (*RedisLocker)(nil)
	_ KeyLocker = (*LocalLocker)(nil)
)

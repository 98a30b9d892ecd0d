package index

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
)

// Locker serializes refreshes of the same collection
type Locker interface {
	// Lock blocks until the named lock is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, name string) (func(), error)
}

// MemoryLocker is an in-process keyed mutex
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	return ch
}

func (l *MemoryLocker) Lock(ctx context.Context, name string) (func(), error) {
	ch := l.slot(name)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, goerr.Wrap(ctx.Err(), "canceled while waiting for lock", goerr.V("name", name))
	}
}

const redisLockPrefix = "cricai:lock:"

// releaseScript deletes the lock only when it is still held by the caller
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker is a distributed lock using SETNX with an owner token and TTL
type RedisLocker struct {
	client   *redis.Client
	ownerID  string
	ttl      time.Duration
	interval time.Duration
}

type RedisLockerOption func(*RedisLocker)

// WithLockTTL sets how long a lock survives a crashed holder
func WithLockTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		l.ttl = ttl
	}
}

// WithRetryInterval sets the polling interval while the lock is held by someone else
func WithRetryInterval(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		l.interval = d
	}
}

func NewRedisLocker(client *redis.Client, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		client:   client,
		ownerID:  newOwnerID(),
		ttl:      5 * time.Minute,
		interval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// newOwnerID returns hostname:pid:random
func newOwnerID() string {
	hostname, _ := os.Hostname()
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), hex.EncodeToString(buf))
}

func (l *RedisLocker) Lock(ctx context.Context, name string) (func(), error) {
	key := redisLockPrefix + name
	// A token per acquisition so that two goroutines of this process do not release each other's lock
	token := l.ownerID + ":" + newOwnerID()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, goerr.Wrap(err, "failed to acquire redis lock", goerr.V("key", key))
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, goerr.Wrap(ctx.Err(), "canceled while waiting for redis lock", goerr.V("key", key))
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release must run even if the caller's ctx is already canceled
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
				logging.From(ctx).Warn("failed to release redis lock", "key", key, logging.ErrAttr(err))
			}
		})
	}, nil
}

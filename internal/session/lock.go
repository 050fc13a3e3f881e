package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when the lock could not be acquired before the
// context was done.
var ErrLockTimeout = errors.New("session: lock timeout")

// Locker serializes work on one conversation key. The returned unlock
// function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Key returns the lock key for a conversation.
func Key(phone, channel string) string {
	return phone + "|" + channel
}

// KeyedMutex is an in-process Locker. Unrelated keys never block each other
// and idle keys are not retained.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates a KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			m.release(key, l)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, l *keyLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// held returns the number of keys currently tracked.
func (m *KeyedMutex) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// releaseScript deletes the lock only if it still carries our token, so a
// holder whose lease expired cannot free someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every engine process pointed at the same
// redis server. Each lock is a lease: it expires after TTL even if the holder
// dies without unlocking.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// RedisLockerOpts holds parameters for creating a RedisLocker.
type RedisLockerOpts struct {
	Client *redis.Client
	Prefix string        // defaults to "switchyard:lock:"
	TTL    time.Duration // lease length, defaults to 30s
	Poll   time.Duration // retry interval while waiting, defaults to 25ms
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(opts RedisLockerOpts) (*RedisLocker, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("session: redis client is required")
	}
	l := &RedisLocker{client: opts.Client, prefix: opts.Prefix, ttl: opts.TTL, poll: opts.Poll}
	if l.prefix == "" {
		l.prefix = "switchyard:lock:"
	}
	if l.ttl <= 0 {
		l.ttl = 30 * time.Second
	}
	if l.poll <= 0 {
		l.poll = 25 * time.Millisecond
	}
	return l, nil
}

// Lock polls SET NX until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, fmt.Errorf("session: redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
	}

	return l.unlocker(key, redisKey, token), nil
}

// unlocker returns the release function for a held lease. A failed release
// is only logged; the lease expires on its own after TTL.
func (l *RedisLocker) unlocker(key, redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err(); err != nil {
				log.Printf("session: redis unlock %s: %v", key, err)
			}
		})
	}
}

package syncutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/holdfast/internal/idgen"
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired holder can never release a lock taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker backed by Redis SET NX PX. It serializes
// operations on one id across several service instances. A held lock is
// renewed every ttl/3 until it is released, so ttl only bounds how long a
// crashed holder blocks the key.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		poll:   25 * time.Millisecond,
	}
}

// LockContext spins on SET NX until it wins or ctx ends.
func (l *RedisLocker) LockContext(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := idgen.Hex(16)

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return l.hold(redisKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hold starts renewing redisKey and returns its unlock function.
func (l *RedisLocker) hold(redisKey, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release with a fresh context: the caller's may already be done.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err()
		})
	}
}

func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			// Lost the key; nothing left to renew.
			return
		}
	}
}

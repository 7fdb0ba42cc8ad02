package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can block a session.
	// A live holder keeps extending the lock until it releases it.
	DefaultLockTTL = 2 * time.Minute
	// DefaultLockRetry is the polling interval while waiting for a held lock.
	DefaultLockRetry = 50 * time.Millisecond
	lockKeyPrefix    = "counselpipe:session-lock:"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only if the key still holds our token.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisSessionLocker serializes session writes across processes with SET NX PX.
// While a lock is held a watchdog extends it every third of the TTL.
type RedisSessionLocker struct {
	rdb   goredis.UniversalClient
	ttl   time.Duration
	retry time.Duration
}

// RedisLockerOption configures a RedisSessionLocker.
type RedisLockerOption func(*RedisSessionLocker)

// WithLockTTL sets the lock expiry.
func WithLockTTL(d time.Duration) RedisLockerOption {
	return func(l *RedisSessionLocker) { l.ttl = d }
}

// WithLockRetry sets the polling interval used while the lock is held elsewhere.
func WithLockRetry(d time.Duration) RedisLockerOption {
	return func(l *RedisSessionLocker) { l.retry = d }
}

// NewRedisSessionLocker wraps an existing client.
func NewRedisSessionLocker(rdb goredis.UniversalClient, opts ...RedisLockerOption) *RedisSessionLocker {
	l := &RedisSessionLocker{rdb: rdb, ttl: DefaultLockTTL, retry: DefaultLockRetry}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DialRedisSessionLocker parses a redis:// URL, pings the server and returns a locker.
func DialRedisSessionLocker(ctx context.Context, redisURL string, opts ...RedisLockerOption) (*RedisSessionLocker, error) {
	ropts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if ropts.DialTimeout == 0 {
		ropts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Debug("RedisSessionLocker: connected", "addr", ropts.Addr, "db", ropts.DB)
	return NewRedisSessionLocker(rdb, opts...), nil
}

// Lock implements SessionLocker.
func (l *RedisSessionLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := lockKeyPrefix + sessionID
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			slog.Error("RedisSessionLocker.Lock: SETNX failed", "error", err, "sessionID", sessionID)
			return nil, fmt.Errorf("failed to acquire session lock %s: %w", sessionID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, sessionID, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release even if the caller's context is already cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := unlockScript.Run(releaseCtx, l.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
				slog.Warn("RedisSessionLocker.unlock: release failed", "error", err, "sessionID", sessionID)
			}
		})
	}, nil
}

// refreshInterval is how often a held lock is extended.
func refreshInterval(ttl time.Duration) time.Duration {
	if d := ttl / 3; d > 0 {
		return d
	}
	return time.Millisecond
}

// keepAlive extends the lock until stop is closed. It gives up once the key
// no longer holds token.
func (l *RedisSessionLocker) keepAlive(key, token, sessionID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(refreshInterval(l.ttl))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval(l.ttl))
		n, err := extendScript.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil && !errors.Is(err, goredis.Nil):
			slog.Warn("RedisSessionLocker.keepAlive: extend failed", "error", err, "sessionID", sessionID)
		case n == 0:
			slog.Error("RedisSessionLocker.keepAlive: lock lost before release", "sessionID", sessionID)
			return
		}
	}
}

// Close closes the underlying client.
func (l *RedisSessionLocker) Close() error {
	return l.rdb.Close()
}

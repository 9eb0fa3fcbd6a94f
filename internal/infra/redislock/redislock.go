// Package redislock implements domain.Locker on Redis so that several afkd
// instances serialize the same user. Acquire is SET NX PX with a random
// token; release deletes the key only while it still holds that token.
package redislock

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/coinhost/afkd/internal/domain"
)

// releaseScript deletes KEYS[1] only if it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config controls lock behavior.
type Config struct {
	Prefix     string        // Key prefix (default: "afkd:lock:")
	TTL        time.Duration // Lease length; bounds how long a crashed holder blocks (default: 10s)
	RetryEvery time.Duration // Poll interval while waiting (default: 25ms)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:     "afkd:lock:",
		TTL:        10 * time.Second,
		RetryEvery: 25 * time.Millisecond,
	}
}

// Locker is a Redis-backed per-key lock.
type Locker struct {
	client redis.UniversalClient
	cfg    Config
}

// New wraps an existing client.
func New(client redis.UniversalClient, cfg Config) *Locker {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryEvery <= 0 {
		cfg.RetryEvery = def.RetryEvery
	}
	return &Locker{client: client, cfg: cfg}
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	return rdb, nil
}

// Lock waits until the key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.cfg.Prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.cfg.RetryEvery)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.cfg.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, domain.ErrLockTimeout
			}
			return nil, errors.Wrapf(err, "acquire %s", k)
		}
		if ok {
			return l.unlockFunc(k, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, domain.ErrLockTimeout
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlockFunc(key, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			glog.Warningf("[redislock] release %s: %v", key, err)
		}
	}
}

// Package redis implements the Lock Manager on Redis SET NX PX.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = goredis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Locker is a single-instance Redis lock manager.
type Locker struct {
	client goredis.UniversalClient
	prefix string
}

// New wraps an existing client. prefix namespaces every key.
func New(client goredis.UniversalClient, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

func (l *Locker) key(k string) string {
	if l.prefix == "" {
		return k
	}
	return l.prefix + ":" + k
}

// Acquire attempts SET key token NX PX ttl once.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w: %w", key, scheduler.ErrLockUnavailable, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the key when token matches the current holder.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n == 1, nil
}

// IsHeld reports whether anyone holds key.
func (l *Locker) IsHeld(ctx context.Context, key string) (bool, error) {
	_, err := l.client.Get(ctx, l.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	return true, nil
}

// ForceRelease removes key regardless of owner.
func (l *Locker) ForceRelease(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("force release %s: %w", key, err)
	}
	return nil
}

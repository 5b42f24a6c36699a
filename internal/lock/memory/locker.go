// Package memory implements the Lock Manager in-process for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

type entry struct {
	token     string
	expiresAt time.Time
}

// Locker keeps key->token pairs in a map; expiry is evaluated against clock.
type Locker struct {
	mu    sync.Mutex
	clock scheduler.Clock
	held  map[string]entry
}

// New creates a Locker driven by clock.
func New(clock scheduler.Clock) *Locker {
	return &Locker{clock: clock, held: make(map[string]entry)}
}

// Acquire grants key when it is free or its previous holder expired.
func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expiresAt) {
		return "", false, nil
	}
	token := uuid.New().String()
	l.held[key] = entry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

// Release removes key when token is the live holder.
func (l *Locker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[key]
	if !ok || cur.token != token || !l.clock.Now().Before(cur.expiresAt) {
		return false, nil
	}
	delete(l.held, key)
	return true, nil
}

// IsHeld reports whether a live holder exists.
func (l *Locker) IsHeld(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[key]
	return ok && l.clock.Now().Before(cur.expiresAt), nil
}

// ForceRelease drops key unconditionally.
func (l *Locker) ForceRelease(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

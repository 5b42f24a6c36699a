// Package recovery resets entities whose worker died mid-execution.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

const defaultBatchSize = 500

// Config tunes a Sweeper.
type Config struct {
	// StuckThreshold is how long an entity may stay processing before it is
	// considered abandoned. It must exceed the execution lock TTL.
	StuckThreshold time.Duration
	BatchSize      int
}

// Validate rejects a threshold a live worker could still be inside.
func (c Config) Validate(lockTTL time.Duration) error {
	if c.StuckThreshold <= lockTTL {
		return fmt.Errorf("stuck threshold %s must exceed execution lock ttl %s", c.StuckThreshold, lockTTL)
	}
	return nil
}

// Sweeper reconciles the durable processing flag with the ephemeral lock.
type Sweeper struct {
	store  scheduler.EntityStore
	locker scheduler.Locker
	queue  scheduler.Queue
	clock  scheduler.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Sweeper. queue may be nil when the substrate has no
// visibility window.
func New(
	store scheduler.EntityStore,
	locker scheduler.Locker,
	queue scheduler.Queue,
	clock scheduler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, locker: locker, queue: queue, clock: clock, cfg: cfg, logger: logger}
}

// Run performs one sweep with the configured threshold.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	return s.Sweep(ctx, s.cfg.StuckThreshold)
}

// Sweep resets every entity processing since before now-threshold and drops
// its lock. It returns the number of entities actually reset; running it
// again immediately returns 0.
func (s *Sweeper) Sweep(ctx context.Context, threshold time.Duration) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-threshold)
	recovered := 0
	for {
		refs, err := s.store.ListStuck(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return recovered, fmt.Errorf("list stuck: %w", err)
		}
		batch := 0
		for _, ref := range refs {
			reset, err := s.store.ResetProcessing(ctx, ref, cutoff)
			if err != nil {
				return recovered, fmt.Errorf("reset %s: %w", ref, err)
			}
			if !reset {
				continue
			}
			if err := s.locker.ForceRelease(ctx, ref.LockKey()); err != nil {
				s.logger.Warn("force release failed", zap.String("entity", ref.Key()), zap.Error(err))
			}
			s.logger.Info("recovered stuck entity", zap.String("entity", ref.Key()))
			batch++
		}
		recovered += batch
		if len(refs) < s.cfg.BatchSize || batch == 0 {
			break
		}
	}
	metrics.ObserveRecovered(recovered)

	if s.queue != nil {
		n, err := s.queue.Reclaim(ctx, now)
		if err != nil {
			return recovered, fmt.Errorf("reclaim in-flight items: %w", err)
		}
		if n > 0 {
			metrics.ObserveReclaimed(n)
			s.logger.Info("reclaimed in-flight items", zap.Int("count", n))
		}
	}
	return recovered, nil
}

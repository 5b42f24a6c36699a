// Package beat fires periodic sweep ticks on cron schedules. It holds no
// entity logic; every tick handler delegates to the dispatcher or sweeper.
package beat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

const minDedupeTTL = time.Second

// Handler does the work of one tick.
type Handler func(ctx context.Context) error

// Tick is one named schedule.
type Tick struct {
	Name    string
	Spec    string
	Handler Handler
}

type registered struct {
	tick Tick
	ttl  time.Duration
}

// Beat owns a cron instance and a dedupe lock per tick.
type Beat struct {
	cron   *cron.Cron
	parser cron.Parser
	locker scheduler.Locker
	clock  scheduler.Clock
	logger *zap.Logger

	mu    sync.Mutex
	ticks map[string]registered
	ctx   context.Context
}

// New builds a Beat whose dedupe locks live in locker.
func New(locker scheduler.Locker, clock scheduler.Clock, logger *zap.Logger) *Beat {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Beat{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser: parser,
		locker: locker,
		clock:  clock,
		logger: logger,
		ticks:  make(map[string]registered),
		ctx:    context.Background(),
	}
}

// Register schedules tick. The dedupe TTL is half of the tick's cadence.
func (b *Beat) Register(tick Tick) error {
	if tick.Name == "" || tick.Handler == nil {
		return errors.New("tick needs a name and a handler")
	}
	schedule, err := b.parser.Parse(tick.Spec)
	if err != nil {
		return fmt.Errorf("parse schedule for %s: %w", tick.Name, err)
	}
	ttl := DedupeTTL(schedule, b.clock.Now())

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.ticks[tick.Name]; exists {
		return fmt.Errorf("tick %s already registered", tick.Name)
	}
	b.ticks[tick.Name] = registered{tick: tick, ttl: ttl}
	name := tick.Name
	b.cron.Schedule(schedule, cron.FuncJob(func() {
		if _, err := b.Fire(b.runContext(), name); err != nil {
			b.logger.Error("tick failed", zap.String("tick", name), zap.Error(err))
		}
	}))
	b.logger.Info("tick registered",
		zap.String("tick", name),
		zap.String("spec", tick.Spec),
		zap.Duration("dedupe_ttl", ttl),
	)
	return nil
}

// Fire runs the named tick now unless another replica already ran it inside
// the dedupe window. It reports whether the handler ran.
func (b *Beat) Fire(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	reg, ok := b.ticks[name]
	b.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown tick %s", name)
	}

	_, acquired, err := b.locker.Acquire(ctx, "beat:"+name, reg.ttl)
	if err != nil {
		metrics.ObserveBeatTick(name, "failed")
		return false, fmt.Errorf("dedupe lock for %s: %w", name, err)
	}
	if !acquired {
		metrics.ObserveBeatTick(name, "deduped")
		b.logger.Debug("tick already fired elsewhere", zap.String("tick", name))
		return false, nil
	}

	started := b.clock.Now()
	if err := reg.tick.Handler(ctx); err != nil {
		metrics.ObserveBeatTick(name, "failed")
		return true, fmt.Errorf("tick %s: %w", name, err)
	}
	metrics.ObserveBeatTick(name, "ran")
	b.logger.Debug("tick ran", zap.String("tick", name), zap.Duration("took", b.clock.Now().Sub(started)))
	return true, nil
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// running ticks to finish.
func (b *Beat) Run(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	b.cron.Start()
	<-ctx.Done()
	<-b.cron.Stop().Done()
}

func (b *Beat) runContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

// DedupeTTL is half the gap between the schedule's next two firings.
func DedupeTTL(schedule cron.Schedule, now time.Time) time.Duration {
	first := schedule.Next(now)
	second := schedule.Next(first)
	ttl := second.Sub(first) / 2
	if ttl < minDedupeTTL {
		return minDedupeTTL
	}
	return ttl
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Package worker implements the task execution loop.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

const (
	defaultExecutionTimeout = 10 * time.Minute
	defaultLockMargin       = 2 * time.Minute
	defaultMaxRetries       = 3
	defaultRetryBase        = 60 * time.Second
	defaultNoDataLockout    = 30 * 24 * time.Hour
	cleanupTimeout          = 15 * time.Second
	dequeueBackoff          = time.Second
)

// Config controls Worker behavior.
type Config struct {
	ExecutionTimeout time.Duration
	LockMargin       time.Duration
	MaxRetries       int
	RetryBase        time.Duration
	NoDataLockout    time.Duration
	ArtifactPrefix   string
	Topic            string
}

// LockTTL is the lease taken for one execution.
func (c Config) LockTTL() time.Duration {
	return c.ExecutionTimeout + c.LockMargin
}

func (c Config) withDefaults() Config {
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = defaultExecutionTimeout
	}
	if c.LockMargin <= 0 {
		c.LockMargin = defaultLockMargin
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.NoDataLockout <= 0 {
		c.NoDataLockout = defaultNoDataLockout
	}
	return c
}

// Requeuer places a delayed retry of an entity.
type Requeuer interface {
	EnqueueAt(ctx context.Context, ref scheduler.Ref, trigger scheduler.Trigger, attempt int, notBefore time.Time) error
}

// Worker consumes queue items and runs the executor state machine.
type Worker struct {
	queue     scheduler.Queue
	store     scheduler.EntityStore
	locker    scheduler.Locker
	runners   map[scheduler.EntityKind]scheduler.Runner
	requeuer  Requeuer
	blobStore scheduler.BlobStore
	publisher scheduler.Publisher
	clock     scheduler.Clock
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer

	notifications sync.WaitGroup
}

// New constructs a Worker. blobStore and publisher may be nil.
func New(
	queue scheduler.Queue,
	store scheduler.EntityStore,
	locker scheduler.Locker,
	runners map[scheduler.EntityKind]scheduler.Runner,
	requeuer Requeuer,
	blobStore scheduler.BlobStore,
	publisher scheduler.Publisher,
	clock scheduler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		store:     store,
		locker:    locker,
		runners:   runners,
		requeuer:  requeuer,
		blobStore: blobStore,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		tracer:    otel.Tracer("github.com/JakeFAU/seo-crawl-scheduler/internal/worker"),
	}
}

// Run blocks, consuming queue items one at a time until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	defer w.notifications.Wait()
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scheduler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		if ctx.Err() != nil {
			w.settle(ctx, d, w.queue.Nack, "nack")
			return
		}
		w.logger.Debug("dequeued item",
			zap.String("item_id", d.Item.ID),
			zap.String("entity", d.Item.Ref.Key()),
			zap.String("trigger", string(d.Item.Trigger)),
		)

		metrics.IncActiveWorkers()
		result := w.Execute(ctx, d.Item)
		metrics.DecActiveWorkers()

		w.logger.Info("execution finished",
			zap.String("entity", d.Item.Ref.Key()),
			zap.String("outcome", string(result.Outcome)),
			zap.String("reason", result.Reason),
			zap.Int("attempt", result.Attempt),
		)
		w.settle(ctx, d, w.queue.Ack, "ack")
	}
}

func (w *Worker) settle(
	ctx context.Context,
	d scheduler.Delivery,
	fn func(context.Context, scheduler.Delivery) error,
	op string,
) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := fn(settleCtx, d); err != nil {
		w.logger.Warn("queue "+op+" failed", zap.String("item_id", d.Item.ID), zap.Error(err))
	}
}

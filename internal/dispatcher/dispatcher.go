// Package dispatcher routes triggers onto the queue and fans workers out over it.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

// Route is where a trigger lands.
type Route struct {
	Queue    string `mapstructure:"queue"`
	Priority int    `mapstructure:"priority"`
}

// RoutingTable maps each trigger to a route.
type RoutingTable map[scheduler.Trigger]Route

// DefaultRoutes favours onboarding over manual work over retries over sweeps.
func DefaultRoutes() RoutingTable {
	return RoutingTable{
		scheduler.TriggerCreated:   {Queue: "high", Priority: 10},
		scheduler.TriggerManual:    {Queue: "default", Priority: 5},
		scheduler.TriggerRetry:     {Queue: "default", Priority: 3},
		scheduler.TriggerScheduled: {Queue: "scheduled", Priority: 1},
	}
}

// Lookup returns the route for trigger.
func (t RoutingTable) Lookup(trigger scheduler.Trigger) (Route, error) {
	r, ok := t[trigger]
	if !ok {
		return Route{}, fmt.Errorf("no route for trigger %q", trigger)
	}
	return r, nil
}

// Worker is one consumer loop.
type Worker interface {
	Run(ctx context.Context)
}

// Dispatcher places queue items and runs the worker pool.
type Dispatcher struct {
	queue   scheduler.Queue
	store   scheduler.EntityStore
	routes  RoutingTable
	ids     scheduler.IDGenerator
	clock   scheduler.Clock
	workers []Worker
	logger  *zap.Logger
}

// New creates a Dispatcher. A nil routes uses DefaultRoutes.
func New(
	queue scheduler.Queue,
	store scheduler.EntityStore,
	routes RoutingTable,
	ids scheduler.IDGenerator,
	clock scheduler.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if routes == nil {
		routes = DefaultRoutes()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  queue,
		store:  store,
		routes: routes,
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// AddWorkers registers consumer loops for Run.
func (d *Dispatcher) AddWorkers(workers ...Worker) {
	d.workers = append(d.workers, workers...)
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue places one first-attempt item. It never touches entity state.
func (d *Dispatcher) Enqueue(ctx context.Context, ref scheduler.Ref, trigger scheduler.Trigger) error {
	return d.EnqueueAt(ctx, ref, trigger, 0, time.Time{})
}

// EnqueueAt places an item that is not deliverable before notBefore.
func (d *Dispatcher) EnqueueAt(
	ctx context.Context,
	ref scheduler.Ref,
	trigger scheduler.Trigger,
	attempt int,
	notBefore time.Time,
) error {
	route, err := d.routes.Lookup(trigger)
	if err != nil {
		return err
	}
	id, err := d.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate item id: %w", err)
	}
	item := scheduler.QueueItem{
		ID:         id,
		Ref:        ref,
		Trigger:    trigger,
		Queue:      route.Queue,
		Priority:   route.Priority,
		Attempt:    attempt,
		NotBefore:  notBefore,
		EnqueuedAt: d.clock.Now(),
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.ObserveEnqueued(route.Queue, string(trigger))
	d.logger.Debug("enqueued",
		zap.String("entity", ref.Key()),
		zap.String("trigger", string(trigger)),
		zap.String("queue", route.Queue),
		zap.Int("attempt", attempt),
	)
	return nil
}

// EnqueueEligible is the periodic sweep handler for one kind. It returns how
// many items were placed; a partial failure returns the count so far.
func (d *Dispatcher) EnqueueEligible(ctx context.Context, kind scheduler.EntityKind, limit int) (int, error) {
	refs, err := d.store.SelectEligible(ctx, kind, d.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("select eligible %s: %w", kind, err)
	}
	n := 0
	for _, ref := range refs {
		if err := d.Enqueue(ctx, ref, scheduler.TriggerScheduled); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		d.logger.Info("sweep enqueued", zap.String("kind", string(kind)), zap.Int("count", n))
	}
	return n, nil
}

// Package memory provides queue implementations for local development.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

const defaultPollInterval = 50 * time.Millisecond

// Config tunes a Queue.
type Config struct {
	// Visibility is how long a dequeued item may stay unacknowledged before
	// Reclaim hands it to another worker.
	Visibility   time.Duration
	PollInterval time.Duration
}

type entry struct {
	item       scheduler.QueueItem
	seq        uint64
	deliveries int
}

type itemHeap []*entry

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type inflight struct {
	entry    *entry
	deadline time.Time
}

// Queue is an in-memory priority queue with late acknowledgement.
type Queue struct {
	mu       sync.Mutex
	clock    scheduler.Clock
	cfg      Config
	pending  itemHeap
	delayed  []*entry
	inflight map[string]inflight
	seq      uint64
	notify   chan struct{}
	closed   bool
}

// NewQueue constructs an empty queue.
func NewQueue(clock scheduler.Clock, cfg Config) *Queue {
	if cfg.Visibility <= 0 {
		cfg.Visibility = 15 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Queue{
		clock:    clock,
		cfg:      cfg,
		inflight: make(map[string]inflight),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue adds item; items with a future NotBefore wait in the delayed set.
func (q *Queue) Enqueue(ctx context.Context, item scheduler.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return scheduler.ErrQueueClosed
	}
	q.seq++
	e := &entry{item: item, seq: q.seq}
	if !item.NotBefore.IsZero() && item.NotBefore.After(q.clock.Now()) {
		q.delayed = append(q.delayed, e)
		return nil
	}
	heap.Push(&q.pending, e)
	q.signal()
	return nil
}

// Dequeue pops the highest-priority ready item and moves it in flight.
func (q *Queue) Dequeue(ctx context.Context) (scheduler.Delivery, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d, ok, err := q.tryDequeue()
		if err != nil {
			return scheduler.Delivery{}, err
		}
		if ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return scheduler.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryDequeue() (scheduler.Delivery, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return scheduler.Delivery{}, false, scheduler.ErrQueueClosed
	}
	now := q.clock.Now()
	q.promoteDelayed(now)
	if q.pending.Len() == 0 {
		return scheduler.Delivery{}, false, nil
	}
	e := heap.Pop(&q.pending).(*entry)
	e.deliveries++
	receipt := strconv.FormatUint(e.seq, 10) + "." + strconv.Itoa(e.deliveries)
	q.inflight[receipt] = inflight{entry: e, deadline: now.Add(q.cfg.Visibility)}
	return scheduler.Delivery{Item: e.item, Receipt: receipt}, true, nil
}

func (q *Queue) promoteDelayed(now time.Time) {
	kept := q.delayed[:0]
	for _, e := range q.delayed {
		if e.item.NotBefore.After(now) {
			kept = append(kept, e)
			continue
		}
		heap.Push(&q.pending, e)
	}
	q.delayed = kept
}

// Ack removes a delivered item for good.
func (q *Queue) Ack(_ context.Context, d scheduler.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[d.Receipt]; !ok {
		return fmt.Errorf("ack %s: unknown receipt", d.Receipt)
	}
	delete(q.inflight, d.Receipt)
	return nil
}

// Nack puts a delivered item straight back into pending.
func (q *Queue) Nack(_ context.Context, d scheduler.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	fl, ok := q.inflight[d.Receipt]
	if !ok {
		return fmt.Errorf("nack %s: unknown receipt", d.Receipt)
	}
	delete(q.inflight, d.Receipt)
	heap.Push(&q.pending, fl.entry)
	q.signal()
	return nil
}

// Reclaim requeues in-flight items whose visibility deadline passed.
func (q *Queue) Reclaim(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for receipt, fl := range q.inflight {
		if fl.deadline.After(now) {
			continue
		}
		delete(q.inflight, receipt)
		heap.Push(&q.pending, fl.entry)
		n++
	}
	if n > 0 {
		q.signal()
	}
	return n, nil
}

// Len reports pending, delayed and in-flight counts.
func (q *Queue) Len() (pending, delayed, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len(), len(q.delayed), len(q.inflight)
}

// Close stops further enqueues and wakes blocked consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

func (q *Queue) signal() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

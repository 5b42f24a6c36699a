// Package redis implements the dispatch queue on Redis sorted sets.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

const (
	maxPriority         = 100
	priorityBand        = 1e13
	defaultPollInterval = 250 * time.Millisecond
	defaultVisibility   = 15 * time.Minute
)

var enqueueScript = goredis.NewScript(`
	redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
	redis.call("HSET", KEYS[4], ARGV[1], ARGV[3])
	if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
		redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
	else
		redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
	end
	return 1
`)

var dequeueScript = goredis.NewScript(`
	local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
	for _, id in ipairs(due) do
		redis.call("ZREM", KEYS[2], id)
		redis.call("ZADD", KEYS[1], redis.call("HGET", KEYS[5], id), id)
	end
	local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
	if #ids == 0 then
		return false
	end
	local id = ids[1]
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[3], ARGV[2], id)
	local n = redis.call("HINCRBY", KEYS[6], id, 1)
	return {id, tostring(n), redis.call("HGET", KEYS[4], id)}
`)

var ackScript = goredis.NewScript(`
	if redis.call("HGET", KEYS[4], ARGV[1]) ~= ARGV[2] then
		return 0
	end
	if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	redis.call("HDEL", KEYS[2], ARGV[1])
	redis.call("HDEL", KEYS[3], ARGV[1])
	redis.call("HDEL", KEYS[4], ARGV[1])
	return 1
`)

var nackScript = goredis.NewScript(`
	if redis.call("HGET", KEYS[4], ARGV[1]) ~= ARGV[2] then
		return 0
	end
	if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	redis.call("ZADD", KEYS[2], redis.call("HGET", KEYS[3], ARGV[1]), ARGV[1])
	return 1
`)

var reclaimScript = goredis.NewScript(`
	local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	for _, id in ipairs(ids) do
		redis.call("ZREM", KEYS[1], id)
		redis.call("ZADD", KEYS[2], redis.call("HGET", KEYS[3], id), id)
	end
	return #ids
`)

// Config tunes a Queue.
type Config struct {
	Namespace    string
	Visibility   time.Duration
	PollInterval time.Duration
}

// Queue keeps pending, delayed and in-flight item IDs in sorted sets and the
// payloads in a hash. Every transition is one Lua script.
type Queue struct {
	client goredis.UniversalClient
	clock  scheduler.Clock
	cfg    Config
}

// New builds a Queue on client.
func New(client goredis.UniversalClient, clock scheduler.Clock, cfg Config) *Queue {
	if cfg.Namespace == "" {
		cfg.Namespace = "seosched:queue"
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Queue{client: client, clock: clock, cfg: cfg}
}

func (q *Queue) key(name string) string {
	return q.cfg.Namespace + ":" + name
}

// Score orders by priority band, then enqueue time within the band.
func Score(priority int, enqueuedAt time.Time) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	return float64(maxPriority-priority)*priorityBand + float64(enqueuedAt.UnixMilli())
}

// Enqueue stores item and indexes it as pending or delayed.
func (q *Queue) Enqueue(ctx context.Context, item scheduler.QueueItem) error {
	if item.ID == "" {
		return errors.New("queue item id is required")
	}
	now := q.clock.Now()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	var notBefore int64
	if !item.NotBefore.IsZero() {
		notBefore = item.NotBefore.UnixMilli()
	}
	err = enqueueScript.Run(ctx, q.client,
		[]string{q.key("pending"), q.key("delayed"), q.key("items"), q.key("scores")},
		item.ID,
		payload,
		strconv.FormatFloat(Score(item.Priority, item.EnqueuedAt), 'f', 0, 64),
		notBefore,
		now.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Dequeue polls until an item is ready, then moves it in flight.
func (q *Queue) Dequeue(ctx context.Context) (scheduler.Delivery, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d, ok, err := q.tryDequeue(ctx)
		if err != nil {
			return scheduler.Delivery{}, err
		}
		if ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return scheduler.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryDequeue(ctx context.Context) (scheduler.Delivery, bool, error) {
	now := q.clock.Now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{
			q.key("pending"), q.key("delayed"), q.key("inflight"),
			q.key("items"), q.key("scores"), q.key("receipts"),
		},
		now.UnixMilli(),
		now.Add(q.cfg.Visibility).UnixMilli(),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return scheduler.Delivery{}, false, nil
	}
	if err != nil {
		return scheduler.Delivery{}, false, fmt.Errorf("queue dequeue: %w", err)
	}
	if len(res) != 3 {
		return scheduler.Delivery{}, false, fmt.Errorf("queue dequeue: unexpected reply of %d elements", len(res))
	}
	var item scheduler.QueueItem
	if err := json.Unmarshal([]byte(res[2]), &item); err != nil {
		return scheduler.Delivery{}, false, fmt.Errorf("unmarshal queue item %s: %w", res[0], err)
	}
	return scheduler.Delivery{Item: item, Receipt: res[0] + "#" + res[1]}, true, nil
}

// Ack removes the item if receipt is the current delivery.
func (q *Queue) Ack(ctx context.Context, d scheduler.Delivery) error {
	id, n, err := splitReceipt(d.Receipt)
	if err != nil {
		return err
	}
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.key("inflight"), q.key("items"), q.key("scores"), q.key("receipts")},
		id, n,
	).Int()
	if err != nil {
		return fmt.Errorf("queue ack: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("ack %s: receipt no longer in flight", d.Receipt)
	}
	return nil
}

// Nack returns the item to pending with its original score.
func (q *Queue) Nack(ctx context.Context, d scheduler.Delivery) error {
	id, n, err := splitReceipt(d.Receipt)
	if err != nil {
		return err
	}
	ok, err := nackScript.Run(ctx, q.client,
		[]string{q.key("inflight"), q.key("pending"), q.key("scores"), q.key("receipts")},
		id, n,
	).Int()
	if err != nil {
		return fmt.Errorf("queue nack: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("nack %s: receipt no longer in flight", d.Receipt)
	}
	return nil
}

// Reclaim requeues in-flight items whose deadline is at or before now.
func (q *Queue) Reclaim(ctx context.Context, now time.Time) (int, error) {
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{q.key("inflight"), q.key("pending"), q.key("scores")},
		now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue reclaim: %w", err)
	}
	return n, nil
}

func splitReceipt(receipt string) (string, string, error) {
	id, n, ok := strings.Cut(receipt, "#")
	if !ok || id == "" || n == "" {
		return "", "", fmt.Errorf("malformed receipt %q", receipt)
	}
	return id, n, nil
}

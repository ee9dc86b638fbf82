// Redis-backed work queue.
//
// Layout: ready units live in a list (LPUSH producer / BRPOP consumer,
// JSON-encoded); delayed units live in a sorted set scored by their
// ready-at unix time. A pump goroutine periodically moves due members from
// the sorted set onto the ready list, which is what turns a backoff delay
// into an ordinary dequeue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/image-orchestrator/internal/config"
	"github.com/image-orchestrator/internal/domain"
	"github.com/image-orchestrator/internal/metrics"
)

// pumpInterval is how often due delayed units are promoted to the ready
// list. It bounds the extra latency a delayed unit can observe on top of
// its scheduled delay.
const pumpInterval = 500 * time.Millisecond

// RedisQueue implements Queue and Consumer over a single Redis instance.
type RedisQueue struct {
	client  *redis.Client
	ready   string
	delayed string
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedis connects to Redis, verifies the connection, and starts the
// delayed-unit pump. The returned queue serves both the producer and the
// consumer side.
func NewRedis(cfg config.RedisConfig, readyKey, delayedKey string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  -1, // BRPOP blocks; per-call deadlines come from ctx
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	q := &RedisQueue{client: client, ready: readyKey, delayed: delayedKey, done: make(chan struct{})}
	var pctx context.Context
	pctx, q.cancel = context.WithCancel(context.Background())
	go q.pump(pctx)
	return q, nil
}

// Enqueue LPUSHes the JSON-encoded unit onto the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, unit domain.WorkUnit) error {
	payload, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("encode work unit: %w", err)
	}
	if err := q.client.LPush(ctx, q.ready, payload).Err(); err != nil {
		return fmt.Errorf("enqueue work unit: %w", err)
	}
	if depth, err := q.client.LLen(ctx, q.ready).Result(); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	return nil
}

// EnqueueDelayed parks the unit in the delayed sorted set until now+delay.
// A non-positive delay degrades to an immediate enqueue.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, unit domain.WorkUnit, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, unit)
	}
	payload, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("encode work unit: %w", err)
	}
	member := redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: payload,
	}
	if err := q.client.ZAdd(ctx, q.delayed, member).Err(); err != nil {
		return fmt.Errorf("enqueue delayed work unit: %w", err)
	}
	return nil
}

// Dequeue BRPOPs the next ready unit, honoring ctx cancellation.
func (q *RedisQueue) Dequeue(ctx context.Context) (domain.WorkUnit, error) {
	var unit domain.WorkUnit
	for {
		res, err := q.client.BRPop(ctx, time.Second, q.ready).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return unit, ctx.Err()
			}
			continue
		}
		if err != nil {
			return unit, err
		}
		// BRPOP returns [key, value].
		if err := json.Unmarshal([]byte(res[1]), &unit); err != nil {
			log.Error().Err(err).Str("raw", res[1]).Msg("dropping undecodable work unit")
			continue
		}
		return unit, nil
	}
}

// pump promotes due delayed units onto the ready list.
func (q *RedisQueue) pump(ctx context.Context) {
	defer close(q.done)
	t := time.NewTicker(pumpInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.promoteDue(ctx)
		}
	}
}

// promoteDue moves every delayed member whose score has passed onto the
// ready list. Fetch-then-remove is not atomic across processes, but ZREM's
// return value arbitrates: only the caller that actually removed the
// member pushes it, so a unit is promoted at most once even with several
// pumps running.
func (q *RedisQueue) promoteDue(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.delayed, m).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.ready, m).Err(); err != nil {
			// Put it back rather than lose it.
			q.client.ZAdd(ctx, q.delayed, redis.Z{Score: 0, Member: m})
			log.Error().Err(err).Msg("failed to promote delayed work unit")
		}
	}
}

// Close stops the pump and releases the client.
func (q *RedisQueue) Close() error {
	q.cancel()
	<-q.done
	return q.client.Close()
}

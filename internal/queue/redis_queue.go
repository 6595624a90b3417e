package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ratewatch/internal/config"
)

// RedisQueue is the queue transport: a ready list, a delayed zset for
// retry backoff, and an inflight zset for visibility timeouts.
// Delivery is at-least-once; a consumer that crashes mid-message gets
// the message redelivered after its lease expires.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	delayedKey    string
	inflightKey   string
	visibilityTTL time.Duration
}

// envelope wraps a message body with transport bookkeeping. Attempt
// counts delivery attempts, starting at 1.
type envelope struct {
	ID      string          `json:"id"`
	Attempt int             `json:"attempt"`
	Body    json.RawMessage `json:"body"`
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wires an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "ratewatch:queue:ready",
		delayedKey:    "ratewatch:queue:delayed",
		inflightKey:   "ratewatch:queue:inflight",
		visibilityTTL: visibility,
	}
}

// SendBatch enqueues message bodies onto the ready list. The caller is
// responsible for keeping batches within transport limits.
func (q *RedisQueue) SendBatch(ctx context.Context, bodies [][]byte) error {
	if len(bodies) == 0 {
		return nil
	}
	pipe := q.client.TxPipeline()
	for i, body := range bodies {
		env := envelope{
			ID:      fmt.Sprintf("%d-%d", time.Now().UnixNano(), i),
			Attempt: 1,
			Body:    body,
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		pipe.RPush(ctx, q.readyKey, raw)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves due delayed messages back to the ready list.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.delayedKey, m)
		pipe.RPush(ctx, q.readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// Receive pops up to max messages from the ready list and leases them
// with the visibility timeout.
func (q *RedisQueue) Receive(ctx context.Context, max int) ([]*Delivery, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	deliveries := make([]*Delivery, 0, max)
	for i := 0; i < max; i++ {
		res, err := receiveScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return deliveries, err
		}
		raw, ok := res.(string)
		if !ok {
			return deliveries, fmt.Errorf("unexpected type from receive script: %T", res)
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Unparseable envelope: drop it rather than poison the queue.
			_ = q.client.ZRem(ctx, q.inflightKey, raw)
			continue
		}
		deliveries = append(deliveries, &Delivery{q: q, env: env, raw: raw})
	}
	return deliveries, nil
}

// RequeueExpired reclaims inflight leases that timed out.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.inflightKey, m)
		pipe.RPush(ctx, q.readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Delivery is one leased message. Exactly one of Ack or Retry must be
// called per delivery.
type Delivery struct {
	q   *RedisQueue
	env envelope
	raw string
}

// Body returns the message payload.
func (d *Delivery) Body() []byte {
	return d.env.Body
}

// Attempt returns the 1-based delivery attempt count.
func (d *Delivery) Attempt() int {
	return d.env.Attempt
}

// Ack removes the message from inflight tracking.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.q.client.ZRem(ctx, d.q.inflightKey, d.raw).Err()
}

// Retry releases the lease and schedules redelivery after delaySeconds
// with the attempt count bumped. The delay is a hint to the transport,
// not an in-process wait.
func (d *Delivery) Retry(ctx context.Context, delaySeconds int) error {
	next := d.env
	next.Attempt++
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	due := time.Now().Add(time.Duration(delaySeconds) * time.Second)
	pipe := d.q.client.TxPipeline()
	pipe.ZRem(ctx, d.q.inflightKey, d.raw)
	pipe.ZAdd(ctx, d.q.delayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: string(raw)})
	_, err = pipe.Exec(ctx)
	return err
}

var receiveScript = redis.NewScript(`
local msg = redis.call('LPOP', KEYS[1])
if msg then
  redis.call('ZADD', KEYS[2], ARGV[1], msg)
  return msg
end
return nil
`)

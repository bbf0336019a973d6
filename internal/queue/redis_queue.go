package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"audit-orchestrator/internal/config"
	"audit-orchestrator/internal/models"
)

// Priorities recognized by the queue. Recovery re-enqueues ride the high
// queue so an operator's fix lands before fresh audits.
const (
	PriorityHigh    = "high"
	PriorityDefault = "default"
)

// RedisQueue coordinates ready, in-flight, and scheduled audit jobs in Redis.
// Delivery is at-least-once: an expired lease puts the job back on the ready
// queue, and consumers are expected to be idempotent by existence check.
type RedisQueue struct {
	client        *redis.Client
	priorities    []string
	inflightKey   string
	scheduledKey  string
	payloadPrefix string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.VisibilityTimeout)
}

// NewWithClient wires the queue onto an existing Redis client.
func NewWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		priorities:    []string{PriorityHigh, PriorityDefault},
		inflightKey:   "audits:inflight",
		scheduledKey:  "audits:scheduled",
		payloadPrefix: "audits:payload:",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("audits:ready:%s", priority)
}

func (q *RedisQueue) payloadKey(auditID string) string {
	return q.payloadPrefix + auditID
}

func normalizePriority(p string) string {
	if p != PriorityHigh {
		return PriorityDefault
	}
	return p
}

// Enqueue stores the payload and inserts the audit into either the scheduled
// set (runAt in the future) or the ready queue. Re-enqueueing the same audit
// overwrites its payload, so the newest flags win.
func (q *RedisQueue) Enqueue(ctx context.Context, payload models.JobPayload, priority string, runAt time.Time) error {
	priority = normalizePriority(priority)
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.payloadKey(payload.AuditID), "payload", raw, "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: payload.AuditID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), payload.AuditID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Schedule defers a job until runAt, for retry with backoff.
func (q *RedisQueue) Schedule(ctx context.Context, payload models.JobPayload, priority string, runAt time.Time) error {
	priority = normalizePriority(priority)
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.payloadKey(payload.AuditID), "payload", raw, "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: payload.AuditID})
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how
// many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.payloadKey(id), "priority").Result()
		if err != nil || priority == "" {
			priority = PriorityDefault
		}
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from the ready queues (priority order) and
// places it into inflight with a visibility timeout. The second return is
// false when no job is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (models.JobPayload, bool, error) {
	keys := make([]string, 0, len(q.priorities)+1)
	for _, p := range q.priorities {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return models.JobPayload{}, false, nil
	}
	if err != nil {
		return models.JobPayload{}, false, err
	}
	auditID, ok := res.(string)
	if !ok {
		return models.JobPayload{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	raw, err := q.client.HGet(ctx, q.payloadKey(auditID), "payload").Result()
	if err == redis.Nil {
		// Payload purged under us (cancel raced the dequeue); drop the lease.
		_ = q.client.ZRem(ctx, q.inflightKey, auditID).Err()
		return models.JobPayload{}, false, nil
	}
	if err != nil {
		return models.JobPayload{}, false, err
	}
	var payload models.JobPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return models.JobPayload{}, false, fmt.Errorf("unmarshal payload for %s: %w", auditID, err)
	}
	return payload, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, auditID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: auditID,
	}).Err()
}

// Ack removes a job from in-flight tracking and drops its payload.
func (q *RedisQueue) Ack(ctx context.Context, auditID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, auditID)
	pipe.Del(ctx, q.payloadKey(auditID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.payloadKey(id), "priority").Result()
		if err != nil || priority == "" {
			priority = PriorityDefault
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets. An engine
// already mid-phase is not preempted; it notices the terminal status at the
// next phase boundary.
func (q *RedisQueue) Cancel(ctx context.Context, auditID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorities {
		pipe.LRem(ctx, q.readyKey(p), 0, auditID)
	}
	pipe.ZRem(ctx, q.inflightKey, auditID)
	pipe.ZRem(ctx, q.scheduledKey, auditID)
	pipe.Del(ctx, q.payloadKey(auditID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorities))
	for _, p := range q.priorities {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

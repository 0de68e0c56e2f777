package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// enqueueScript stores the job body under its own key only if absent and
// appends the id to the pending list in the same step.
var enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  redis.call('RPUSH', KEYS[2], ARGV[3])
  return 1
end
return 0
`)

// RedisQueue shares continuation jobs between gateway processes. Job bodies
// live under <prefix>job:<id> for the dedup window; <prefix>pending lists
// undelivered ids.
type RedisQueue struct {
	client *redis.Client
	prefix string
	window time.Duration
}

func NewRedisQueue(client *redis.Client, prefix string, dedupWindow time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "godispatch:continuation:"
	}
	if dedupWindow <= 0 {
		dedupWindow = time.Hour
	}
	return &RedisQueue{client: client, prefix: prefix, window: dedupWindow}
}

func (q *RedisQueue) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *RedisQueue) pendingKey() string      { return q.prefix + "pending" }

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	raw, err := encodeJob(job)
	if err != nil {
		return false, err
	}
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.JobID), q.pendingKey()},
		raw, q.window.Milliseconds(), job.JobID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis enqueue: %w", err)
	}
	return n == 1, nil
}

func (q *RedisQueue) Pending(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	ids, err := q.client.LRange(ctx, q.pendingKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis pending ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(id)
	}
	vals, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis pending jobs: %w", err)
	}
	out := make([]Job, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Body expired before delivery.
			continue
		}
		job, err := decodeJob([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.LRem(ctx, q.pendingKey(), 0, jobID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis ack: %w", err)
	}
	return n > 0, nil
}

func (q *RedisQueue) Close() error { return q.client.Close() }

func encodeJob(job Job) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode continuation job: %w", err)
	}
	return raw, nil
}

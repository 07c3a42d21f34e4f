package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDelayQueue keeps payloads in a sorted set scored by due time in
// milliseconds. A payload belongs to whichever caller removes it first, so
// several processes can drain the same queue.
type RedisDelayQueue struct {
	client    redis.Cmdable
	keyPrefix string
}

type RedisDelayQueueOption func(*RedisDelayQueue)

// WithKeyPrefix sets custom key prefix.
func WithKeyPrefix(prefix string) RedisDelayQueueOption {
	return func(r *RedisDelayQueue) {
		r.keyPrefix = prefix
	}
}

func NewRedisDelayQueue(client redis.Cmdable, opts ...RedisDelayQueueOption) *RedisDelayQueue {
	q := &RedisDelayQueue{client: client, keyPrefix: "polysignals:queue"}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (r *RedisDelayQueue) Push(ctx context.Context, payload []byte, due time.Time) error {
	err := r.client.ZAdd(ctx, r.delayedKey(), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(payload),
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd delayed: %w", err)
	}
	return nil
}

func (r *RedisDelayQueue) PopDue(ctx context.Context, now time.Time, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := r.client.ZRangeByScore(ctx, r.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch due: %w", err)
	}

	out := make([][]byte, 0, len(members))
	for _, m := range members {
		n, err := r.client.ZRem(ctx, r.delayedKey(), m).Result()
		if err != nil {
			return out, fmt.Errorf("claim due: %w", err)
		}
		if n == 1 {
			out = append(out, []byte(m))
		}
	}
	return out, nil
}

func (r *RedisDelayQueue) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.delayedKey()).Result()
	return int(n), err
}

func (r *RedisDelayQueue) delayedKey() string {
	return fmt.Sprintf("%s:delayed", r.keyPrefix)
}

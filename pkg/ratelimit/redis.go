package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentpress/pkg/models"
)

// incrExpireScript increments a counter and arms its expiry on first use, in
// one round trip. Same shape for the global window and the daily counter.
var incrExpireScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisQuota is the fast quota backend.
type RedisQuota struct {
	Client *redis.Client
	Prefix string
}

func NewRedisQuota(client *redis.Client) *RedisQuota {
	return &RedisQuota{Client: client, Prefix: "rl:"}
}

func (q *RedisQuota) IncrGlobal(ctx context.Context, agentID string, _ time.Time, window time.Duration) (int64, error) {
	if q.Client == nil {
		return 0, errors.New("redis quota: no client")
	}
	key := q.Prefix + "g:" + agentID
	res, err := incrExpireScript.Run(ctx, q.Client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr global: %w", err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, errors.New("redis incr global: unexpected reply")
	}
	return count, nil
}

func (q *RedisQuota) LastUsed(ctx context.Context, agentID string, action models.Action) (time.Time, bool, error) {
	if q.Client == nil {
		return time.Time{}, false, errors.New("redis quota: no client")
	}
	key := q.Prefix + "last:" + agentID + ":" + string(action)
	raw, err := q.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get last used: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis parse last used: %w", err)
	}
	return ts, true, nil
}

func (q *RedisQuota) DailyCount(ctx context.Context, agentID string, action models.Action, _ time.Time) (int64, error) {
	if q.Client == nil {
		return 0, errors.New("redis quota: no client")
	}
	key := q.Prefix + "d:" + agentID + ":" + string(action)
	count, err := q.Client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get daily count: %w", err)
	}
	return count, nil
}

func (q *RedisQuota) MarkUsed(ctx context.Context, agentID string, action models.Action, at time.Time) error {
	if q.Client == nil {
		return errors.New("redis quota: no client")
	}
	lastKey := q.Prefix + "last:" + agentID + ":" + string(action)
	if err := q.Client.Set(ctx, lastKey, at.UTC().Format(time.RFC3339Nano), 25*time.Hour).Err(); err != nil {
		return fmt.Errorf("redis set last used: %w", err)
	}
	dailyKey := q.Prefix + "d:" + agentID + ":" + string(action)
	if err := incrExpireScript.Run(ctx, q.Client, []string{dailyKey}, (24 * time.Hour).Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis incr daily: %w", err)
	}
	return nil
}

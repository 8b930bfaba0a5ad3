package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"scrapeq/internal/domain"
	"scrapeq/internal/ports"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	_ ports.TaskQueue         = (*Queue)(nil)
	_ ports.TaskStateRecorder = (*Queue)(nil)
)

// Queue is a TaskQueue on a Redis list. Delayed tasks wait in a sorted set
// scored by due time until a Mover pushes them onto the list.
type Queue struct {
	c       *Client
	ready   string
	pills   string
	delayed string
	sealed  string
	state   string
}

type envelope struct {
	Task domain.Task `json:"task"`
}

// The sealed check and the write run as one script so a push racing Drain
// either lands before the seal (and is drained) or is refused.
var (
	pushScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then return 0 end
redis.call("RPUSH", KEYS[1], ARGV[1])
return 1`)

	pushAfterScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then return 0 end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1`)
)

func (q *Queue) Push(ctx context.Context, t domain.Task) error {
	b, err := json.Marshal(envelope{Task: t})
	if err != nil {
		return err
	}
	ok, err := pushScript.Run(ctx, q.c.Rdb, []string{q.ready, q.sealed}, b).Int()
	if err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	if ok == 0 {
		return ports.ErrQueueSealed
	}
	return q.SaveState(ctx, t, domain.StatusQueued)
}

func (q *Queue) PushAfter(ctx context.Context, t domain.Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Push(ctx, t)
	}
	b, err := json.Marshal(envelope{Task: t})
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	ok, err := pushAfterScript.Run(ctx, q.c.Rdb, []string{q.delayed, q.sealed}, b, due).Int()
	if err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	if ok == 0 {
		return ports.ErrQueueSealed
	}
	return q.SaveState(ctx, t, domain.StatusDelayed)
}

func (q *Queue) PushPill(ctx context.Context) error {
	return q.c.Rdb.RPush(ctx, q.pills, "pill").Err()
}

// Pop prefers tasks over pills. BLPOP has one second granularity, so block
// is rounded up to at least a second.
func (q *Queue) Pop(ctx context.Context, block time.Duration) (*domain.Task, error) {
	res, err := q.c.Rdb.BLPop(ctx, max(block, time.Second), q.ready, q.pills).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ctx.Err()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("blpop: %w", err)
	}
	if res[0] == q.pills {
		return nil, ports.ErrPoisonPill
	}
	var env envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &env.Task, nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	pipe := q.c.Rdb.Pipeline()
	ready := pipe.LLen(ctx, q.ready)
	delayed := pipe.ZCard(ctx, q.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(ready.Val() + delayed.Val()), nil
}

func (q *Queue) Drain(ctx context.Context) ([]domain.Task, error) {
	var ready, delayed *redis.StringSliceCmd
	_, err := q.c.Rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.sealed, 1, 0)
		ready = pipe.LRange(ctx, q.ready, 0, -1)
		delayed = pipe.ZRange(ctx, q.delayed, 0, -1)
		pipe.Del(ctx, q.ready, q.delayed)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}

	raw := append(ready.Val(), delayed.Val()...)
	out := make([]domain.Task, 0, len(raw))
	for _, s := range raw {
		var env envelope
		if err := json.Unmarshal([]byte(s), &env); err != nil {
			return out, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, env.Task)
	}
	return out, nil
}

// SaveState records the last known status of a task in a hash.
func (q *Queue) SaveState(ctx context.Context, t domain.Task, status domain.TaskStatus) error {
	return q.c.Rdb.HSet(ctx, q.state+t.ID, map[string]any{
		"status":      string(status),
		"url":         t.URL,
		"platform":    t.Platform,
		"retry_count": t.RetryCount,
		"updated_at":  time.Now().UnixMilli(),
	}).Err()
}

// State returns the recorded status of a task, or "" if none is known.
func (q *Queue) State(ctx context.Context, id string) (domain.TaskStatus, error) {
	s, err := q.c.Rdb.HGet(ctx, q.state+id, "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return domain.TaskStatus(s), err
}

// Cleanup removes every key of the run. State hashes are kept.
func (q *Queue) Cleanup(ctx context.Context) error {
	return q.c.Rdb.Del(ctx, q.ready, q.pills, q.delayed, q.sealed).Err()
}

package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Mover pushes delayed tasks onto the ready list once they are due.
type Mover struct {
	Q        *Queue
	Interval time.Duration
}

func NewMover(q *Queue, interval time.Duration) *Mover {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Mover{Q: q, Interval: interval}
}

func (m *Mover) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.moveDue(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).Warn().Err(err).Msg("moving due tasks failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// moveScript claims one due member and pushes it in a single step. It
// returns 1 when moved, 0 when another mover claimed it first and -1 when the
// queue is sealed, in which case the member stays for Drain or Cleanup.
var moveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then return -1 end
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1`)

// moveDue moves due members onto the ready list. A member is never
// delivered twice and never reaches the list after the queue is sealed.
func (m *Mover) moveDue(ctx context.Context) (int, error) {
	q := m.Q
	members, err := q.c.Rdb.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmtFloat(nowMs()),
		Count: 128,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}

	moved := 0
	keys := []string{q.delayed, q.ready, q.sealed}
	for _, member := range members {
		res, err := moveScript.Run(ctx, q.c.Rdb, keys, member).Int()
		if err != nil {
			return moved, fmt.Errorf("move: %w", err)
		}
		switch res {
		case -1:
			return moved, nil
		case 1:
			moved++
		}
	}
	return moved, nil
}

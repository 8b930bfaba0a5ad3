package redisq

import (
	"context"
	"fmt"
	"scrapeq/internal/config"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Client struct {
	Cfg config.Redis
	Rdb *redis.Client
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{Cfg: cfg, Rdb: c}
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Msg("connected to redis")
	return nil
}

// Queue returns the task queue for one run. Every run gets its own key
// namespace so concurrent runs never see each other's tasks.
func (c *Client) Queue(runID string) *Queue {
	base := c.Cfg.KeyPrefix + ":" + runID
	return &Queue{
		c:       c,
		ready:   base + ":ready",
		pills:   base + ":pills",
		delayed: base + ":delayed",
		sealed:  base + ":sealed",
		state:   c.Cfg.KeyPrefix + ":task:",
	}
}

func (c *Client) Close() error { return c.Rdb.Close() }

func nowMs() float64 { return float64(time.Now().UnixMilli()) }

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Platform     string `env:"PLATFORM" envDefault:"generic"`
	Role         string `env:"ROLE"`
	Store        string `env:"STORE" envDefault:"memory"`
	Queue        string `env:"QUEUE" envDefault:"memory"`
	Fetcher      string `env:"FETCHER" envDefault:"http"`
	RulesPath    string `env:"RULES_PATH"`
	LexiconPath  string `env:"LEXICON_PATH"`
	MinSkills    int    `env:"MIN_SKILLS" envDefault:"0"`
	APIPort      int    `env:"API_PORT" envDefault:"0"`
	ProgressJSON bool   `env:"PROGRESS_JSON" envDefault:"false"`

	Scheduler Scheduler `envPrefix:"SCHED_"`
	Circuit   Circuit   `envPrefix:"CIRCUIT_"`
	Throttle  Throttle  `envPrefix:"THROTTLE_"`
	Fetch     Fetch     `envPrefix:"FETCH_"`
	Redis     Redis     `envPrefix:"REDIS_"`
	Postgres  Postgres  `envPrefix:"PG_"`
}

type Scheduler struct {
	Workers               int           `env:"WORKERS" envDefault:"4"`
	BaseDelay             time.Duration `env:"BASE_DELAY" envDefault:"8s"`
	MinDelay              time.Duration `env:"MIN_DELAY" envDefault:"4s"`
	MaxRetries            int           `env:"MAX_RETRIES" envDefault:"3"`
	MaxTotal429Retries    int           `env:"MAX_TOTAL_429_RETRIES" envDefault:"50"`
	QueueTimeout          time.Duration `env:"QUEUE_TIMEOUT" envDefault:"10s"`
	TaskTimeout           time.Duration `env:"TASK_TIMEOUT" envDefault:"35s"`
	StaggerDelay          time.Duration `env:"STAGGER_DELAY" envDefault:"2s"`
	MinInterval           time.Duration `env:"MIN_INTERVAL" envDefault:"0s"`
	DispatchJitter        time.Duration `env:"DISPATCH_JITTER" envDefault:"500ms"`
	RateLimitBackoff      time.Duration `env:"RATE_LIMIT_BACKOFF" envDefault:"30s"`
	ServerErrorBackoff    time.Duration `env:"SERVER_ERROR_BACKOFF" envDefault:"10s"`
	MaxBackoff            time.Duration `env:"MAX_BACKOFF" envDefault:"300s"`
	ProgressCheckInterval time.Duration `env:"PROGRESS_CHECK_INTERVAL" envDefault:"10s"`
	MaxNoProgressChecks   int           `env:"MAX_NO_PROGRESS_CHECKS" envDefault:"12"`
	ShutdownGrace         time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
	AuthWallAlert         int           `env:"AUTHWALL_ALERT_THRESHOLD" envDefault:"50"`
}

type Circuit struct {
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"5"`
	RecoveryTimeout  time.Duration `env:"RECOVERY_TIMEOUT" envDefault:"30s"`
	SuccessThreshold int           `env:"SUCCESS_THRESHOLD" envDefault:"3"`
}

type Throttle struct {
	Step             time.Duration `env:"STEP" envDefault:"100ms"`
	SuccessThreshold int           `env:"SUCCESS_THRESHOLD" envDefault:"25"`
	CooldownBase     time.Duration `env:"COOLDOWN_BASE" envDefault:"5s"`
	MaxCooldown      time.Duration `env:"MAX_COOLDOWN" envDefault:"60s"`
}

type Fetch struct {
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"30s"`
	Proxy         string        `env:"PROXY"`
	UserAgents    []string      `env:"USER_AGENTS" envSeparator:"|"`
	TitleSelector string        `env:"TITLE_SELECTOR" envDefault:"h1"`
	BodySelector  string        `env:"BODY_SELECTOR" envDefault:"body"`
	MaxBodyBytes  int64         `env:"MAX_BODY_BYTES" envDefault:"4194304"`
}

type Redis struct {
	Addr         string        `env:"ADDR" envDefault:"localhost:6379"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB" envDefault:"0"`
	KeyPrefix    string        `env:"KEY_PREFIX" envDefault:"scrapeq"`
	MoveInterval time.Duration `env:"MOVE_INTERVAL" envDefault:"250ms"`
}

type Postgres struct {
	DSN        string `env:"DSN"`
	MaxConns   int    `env:"MAX_CONNS" envDefault:"4"`
	ViaBouncer bool   `env:"VIA_BOUNCER" envDefault:"false"`
}

// Load reads an optional dotenv file and then the SCRAPEQ_ environment.
// A missing dotenv file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "SCRAPEQ_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Scheduler.Workers < 1:
		return errors.New("SCRAPEQ_SCHED_WORKERS must be at least 1")
	case c.Scheduler.MinDelay > c.Scheduler.BaseDelay:
		return errors.New("SCRAPEQ_SCHED_MIN_DELAY must not exceed SCRAPEQ_SCHED_BASE_DELAY")
	case c.Store != "memory" && c.Store != "postgres":
		return fmt.Errorf("unknown store %q", c.Store)
	case c.Queue != "memory" && c.Queue != "redis":
		return fmt.Errorf("unknown queue %q", c.Queue)
	case c.Fetcher != "http" && c.Fetcher != "mock":
		return fmt.Errorf("unknown fetcher %q", c.Fetcher)
	case c.Store == "postgres" && c.Postgres.DSN == "":
		return errors.New("SCRAPEQ_PG_DSN is required for the postgres store")
	}
	return nil
}

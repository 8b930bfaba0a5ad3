package usecase

import (
	"fmt"
	"scrapeq/internal/domain"
	"scrapeq/pkg/backoff"
	"strings"
	"sync/atomic"
	"time"
)

type Action int

const (
	// ActionDone finalizes a stored page.
	ActionDone Action = iota
	ActionRetry
	ActionFail
	// ActionDelete removes the task from the backlog for good.
	ActionDelete
	ActionDiscard
	// ActionSkip finalizes without storing or deleting.
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionDone:
		return "done"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	case ActionDelete:
		return "delete"
	case ActionDiscard:
		return "discard"
	case ActionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action  Action
	Backoff time.Duration
	Reason  string
}

// RetryPolicy maps an outcome to what happens to the task next. The global
// 429 budget is shared by all workers of a run.
type RetryPolicy struct {
	MaxRetries         int
	MaxTotal429Retries int
	RateLimitBackoff   time.Duration
	ServerErrorBackoff time.Duration
	MaxBackoff         time.Duration

	used429 atomic.Int64
}

func NewRetryPolicy(cfg Config) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:         cfg.MaxRetries,
		MaxTotal429Retries: cfg.MaxTotal429Retries,
		RateLimitBackoff:   cfg.RateLimitBackoff,
		ServerErrorBackoff: cfg.ServerErrorBackoff,
		MaxBackoff:         cfg.MaxBackoff,
	}
}

func (p *RetryPolicy) Decide(t domain.Task, o domain.Outcome) Decision {
	switch o.Kind {
	case domain.OutcomeSuccess:
		return Decision{Action: ActionDone}
	case domain.OutcomeExpired:
		return Decision{Action: ActionDelete, Reason: o.Reason}
	case domain.OutcomeAuthWall, domain.OutcomeSkipped:
		return Decision{Action: ActionSkip, Reason: o.Reason}
	case domain.OutcomeValidationFailed:
		return Decision{Action: ActionDiscard, Reason: o.Reason}
	case domain.OutcomeRateLimited:
		if t.RetryCount >= p.MaxRetries {
			return p.exhausted(t, o)
		}
		if !p.take429() {
			return Decision{
				Action: ActionFail,
				Reason: fmt.Sprintf("%s: global 429 budget exhausted (%d)", o, p.MaxTotal429Retries),
			}
		}
		return p.retry(t, o, p.RateLimitBackoff)
	case domain.OutcomeServerError:
		if t.RetryCount >= p.MaxRetries {
			return p.exhausted(t, o)
		}
		return p.retry(t, o, p.ServerErrorBackoff)
	case domain.OutcomeError:
		if !isTransient(o.Reason) {
			return Decision{Action: ActionFail, Reason: o.String()}
		}
		if t.RetryCount >= p.MaxRetries {
			return p.exhausted(t, o)
		}
		return p.retry(t, o, p.ServerErrorBackoff)
	default:
		return Decision{Action: ActionFail, Reason: o.String()}
	}
}

func (p *RetryPolicy) retry(t domain.Task, o domain.Outcome, base time.Duration) Decision {
	return Decision{
		Action:  ActionRetry,
		Backoff: backoff.ExponentialJitter(base, p.MaxBackoff, t.RetryCount+1),
		Reason:  o.String(),
	}
}

func (p *RetryPolicy) exhausted(t domain.Task, o domain.Outcome) Decision {
	return Decision{
		Action: ActionFail,
		Reason: fmt.Sprintf("%s: task retry budget exhausted (%d/%d)", o, t.RetryCount, p.MaxRetries),
	}
}

// take429 reserves one unit of the global 429 budget. A budget of zero or
// less is unlimited.
func (p *RetryPolicy) take429() bool {
	if p.MaxTotal429Retries <= 0 {
		p.used429.Add(1)
		return true
	}
	for {
		used := p.used429.Load()
		if used >= int64(p.MaxTotal429Retries) {
			return false
		}
		if p.used429.CompareAndSwap(used, used+1) {
			return true
		}
	}
}

// Used429 is the number of 429 retries granted so far.
func (p *RetryPolicy) Used429() int64 { return p.used429.Load() }

var transientMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"reset by peer",
	"broken pipe",
	"unexpected eof",
	"temporary",
	"network",
	"bad gateway",
	"gateway timeout",
	"502",
	"503",
	"504",
}

func isTransient(reason string) bool {
	r := strings.ToLower(reason)
	for _, m := range transientMarkers {
		if strings.Contains(r, m) {
			return true
		}
	}
	return false
}

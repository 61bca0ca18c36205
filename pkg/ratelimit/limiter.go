// Package ratelimit enforces the per-agent quota contract: a global
// per-minute cap, per-action intervals and daily caps tiered by agent age,
// and the minute-window schedule check. Counters live in a fast cache with a
// durable event-row store behind it.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"agentpress/pkg/models"
)

// Denial reasons, stable for callers and violation metadata.
const (
	DenyGlobal   = "global_per_minute"
	DenyInterval = "action_interval"
	DenyDaily    = "daily_cap"
)

// dailyCapRetryAfter is the coarse wait hint for a spent daily cap: rolling
// windows release gradually and the exact release time is not worth a second
// query on the deny path.
const dailyCapRetryAfter = 3600

type Decision struct {
	Allowed           bool
	Denial            string
	Limit             int
	Count             int64
	RetryAfterSeconds int
}

func allow() Decision { return Decision{Allowed: true} }

type Limiter struct {
	// Fast is optional. Durable must be set; it becomes the sole
	// authority for a decision the moment Fast fails to answer.
	Fast    QuotaBackend
	Durable QuotaBackend

	GlobalLimit  int
	GlobalWindow time.Duration

	Now func() time.Time
}

func NewLimiter(fast, durable QuotaBackend) *Limiter {
	return &Limiter{
		Fast:         fast,
		Durable:      durable,
		GlobalLimit:  GlobalPerMinute,
		GlobalWindow: time.Minute,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// Check evaluates the global cap and, when an action is named, the action's
// interval and daily cap for the agent's age tier. It reads the action
// markers without writing them; call Commit once the overall request is
// allowed. Returns an error only when no backend could answer.
func (l *Limiter) Check(ctx context.Context, agent *models.Agent, action models.Action) (Decision, error) {
	now := l.Now()
	if l.Fast != nil {
		dec, err := l.checkWith(ctx, l.Fast, agent, action, now)
		if err == nil {
			return dec, nil
		}
		// The fast backend did not actually answer: hand the whole
		// decision to the durable store rather than trusting partial
		// results.
	}
	dec, err := l.checkWith(ctx, l.Durable, agent, action, now)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit backends unavailable: %w", err)
	}
	return dec, nil
}

// Commit records the action use after every check has passed: marker to both
// backends when the fast one is up, event row always. Non-atomic with the
// checks by design; the window between read and commit is accepted.
func (l *Limiter) Commit(ctx context.Context, agentID string, action models.Action) error {
	now := l.Now()
	if err := l.Durable.MarkUsed(ctx, agentID, action, now); err != nil {
		return err
	}
	if l.Fast != nil {
		// Best effort: the durable row is already the source of truth.
		_ = l.Fast.MarkUsed(ctx, agentID, action, now)
	}
	return nil
}

func (l *Limiter) checkWith(ctx context.Context, backend QuotaBackend, agent *models.Agent, action models.Action, now time.Time) (Decision, error) {
	count, err := backend.IncrGlobal(ctx, agent.ID, now, l.GlobalWindow)
	if err != nil {
		return Decision{}, err
	}
	if count > int64(l.GlobalLimit) {
		return Decision{
			Allowed:           false,
			Denial:            DenyGlobal,
			Limit:             l.GlobalLimit,
			Count:             count,
			RetryAfterSeconds: int(l.GlobalWindow.Seconds()),
		}, nil
	}
	if action == "" {
		return allow(), nil
	}

	limit := GetActionRateLimit(action, agent.Age(now))
	if limit.IntervalSeconds > 0 {
		last, ok, err := backend.LastUsed(ctx, agent.ID, action)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			elapsed := now.Sub(last)
			interval := time.Duration(limit.IntervalSeconds) * time.Second
			if elapsed < interval {
				return Decision{
					Allowed:           false,
					Denial:            DenyInterval,
					Limit:             limit.IntervalSeconds,
					RetryAfterSeconds: int((interval - elapsed + time.Second - 1) / time.Second),
				}, nil
			}
		}
	}
	if limit.DailyCap > 0 {
		daily, err := backend.DailyCount(ctx, agent.ID, action, now)
		if err != nil {
			return Decision{}, err
		}
		if daily >= int64(limit.DailyCap) {
			return Decision{
				Allowed:           false,
				Denial:            DenyDaily,
				Limit:             limit.DailyCap,
				Count:             daily,
				RetryAfterSeconds: dailyCapRetryAfter,
			}, nil
		}
	}
	return allow(), nil
}

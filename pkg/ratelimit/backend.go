package ratelimit

import (
	"context"
	"time"

	"agentpress/pkg/models"
)

// QuotaBackend is the storage strategy behind the limiter. Two
// implementations exist: RedisQuota (fast counter store) and StoreQuota
// (durable event rows). The limiter prefers the fast backend and, per the
// fallback policy, hands the whole decision to the durable one the moment
// the fast backend fails to answer.
type QuotaBackend interface {
	// IncrGlobal atomically counts one authenticated call within the
	// rolling window and returns the running count.
	IncrGlobal(ctx context.Context, agentID string, now time.Time, window time.Duration) (int64, error)
	// LastUsed reads the most recent use of an action without recording
	// anything: the decision must not self-block before it is final.
	LastUsed(ctx context.Context, agentID string, action models.Action) (time.Time, bool, error)
	// DailyCount reads the action's use count over the trailing day.
	DailyCount(ctx context.Context, agentID string, action models.Action, now time.Time) (int64, error)
	// MarkUsed commits the action use after every check has passed.
	MarkUsed(ctx context.Context, agentID string, action models.Action, at time.Time) error
}

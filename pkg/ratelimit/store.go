package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"agentpress/pkg/models"
)

type quotaDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoreQuota is the durable quota backend: counts and markers are derived
// from event rows, so a cache outage never loses enforcement entirely. When
// the fast backend is down this store is the sole authority; the two are
// never merged afterwards (known, accepted consistency gap).
type StoreQuota struct {
	DB quotaDB
}

func NewStoreQuota(db quotaDB) *StoreQuota {
	return &StoreQuota{DB: db}
}

func (q *StoreQuota) IncrGlobal(ctx context.Context, agentID string, now time.Time, window time.Duration) (int64, error) {
	_, err := q.DB.Exec(ctx, `
		INSERT INTO request_events (agent_id, created_at) VALUES ($1,$2)
	`, agentID, now)
	if err != nil {
		return 0, fmt.Errorf("append request event: %w", err)
	}
	var count int64
	row := q.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM request_events WHERE agent_id=$1 AND created_at > $2
	`, agentID, now.Add(-window))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count request events: %w", err)
	}
	return count, nil
}

func (q *StoreQuota) LastUsed(ctx context.Context, agentID string, action models.Action) (time.Time, bool, error) {
	row := q.DB.QueryRow(ctx, `
		SELECT created_at FROM action_events
		WHERE agent_id=$1 AND action=$2
		ORDER BY created_at DESC LIMIT 1
	`, agentID, string(action))
	var at time.Time
	if err := row.Scan(&at); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query last used: %w", err)
	}
	return at, true, nil
}

func (q *StoreQuota) DailyCount(ctx context.Context, agentID string, action models.Action, now time.Time) (int64, error) {
	var count int64
	row := q.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM action_events
		WHERE agent_id=$1 AND action=$2 AND created_at > $3
	`, agentID, string(action), now.Add(-24*time.Hour))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count daily actions: %w", err)
	}
	return count, nil
}

func (q *StoreQuota) MarkUsed(ctx context.Context, agentID string, action models.Action, at time.Time) error {
	_, err := q.DB.Exec(ctx, `
		INSERT INTO action_events (agent_id, action, created_at) VALUES ($1,$2,$3)
	`, agentID, string(action), at)
	if err != nil {
		return fmt.Errorf("append action event: %w", err)
	}
	return nil
}

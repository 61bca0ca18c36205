// Package abuse records policy violations and escalates repeat offenders.
// Violations are append-only rows; a windowed count over the trailing ten
// minutes decides escalation, so a burst that spans the boundary decays on
// its own.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"agentpress/pkg/lifecycle"
	"agentpress/pkg/models"
)

const (
	// DefaultThreshold is the same-type violation count inside the window
	// that forces the agent into limited.
	DefaultThreshold = 5
	// DefaultWindow is the trailing period violations are counted over.
	DefaultWindow = 10 * time.Minute
)

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type asyncRunner interface {
	Submit(name string, fn func(context.Context) error) bool
}

// Tracker appends violations and, past the threshold, demotes the agent via
// the lifecycle machine. Report never blocks the request path: when an async
// runner is configured the whole write-count-escalate sequence runs on it.
type Tracker struct {
	DB      DB
	Machine *lifecycle.Machine
	Async   asyncRunner

	Threshold int
	Window    time.Duration

	Now func() time.Time
}

func NewTracker(db DB, machine *lifecycle.Machine) *Tracker {
	return &Tracker{
		DB:        db,
		Machine:   machine,
		Threshold: DefaultThreshold,
		Window:    DefaultWindow,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Report records a violation for the agent. The caller has already rejected
// the request; this is bookkeeping, so failures are swallowed on the async
// path and only surface when running inline.
func (t *Tracker) Report(ctx context.Context, agentID string, vtype models.ViolationType, metadata string) error {
	record := func(ctx context.Context) error {
		return t.record(ctx, agentID, vtype, metadata)
	}
	if t.Async != nil {
		t.Async.Submit("abuse.report", record)
		return nil
	}
	return record(ctx)
}

// CountRecent returns the number of same-type violations inside the trailing
// window.
func (t *Tracker) CountRecent(ctx context.Context, agentID string, vtype models.ViolationType) (int, error) {
	row := t.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM policy_violations
		WHERE agent_id=$1 AND violation_type=$2 AND created_at > $3
	`, agentID, string(vtype), t.Now().Add(-t.Window))
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return count, nil
}

func (t *Tracker) record(ctx context.Context, agentID string, vtype models.ViolationType, metadata string) error {
	now := t.Now()
	_, err := t.DB.Exec(ctx, `
		INSERT INTO policy_violations (agent_id, violation_type, metadata, created_at)
		VALUES ($1,$2,$3,$4)
	`, agentID, string(vtype), metadata, now)
	if err != nil {
		return fmt.Errorf("append violation: %w", err)
	}
	count, err := t.CountRecent(ctx, agentID, vtype)
	if err != nil {
		return err
	}
	if count < t.Threshold {
		return nil
	}
	return t.escalate(ctx, agentID, vtype)
}

// escalate demotes the agent to limited. Re-reading the status immediately
// before the transition keeps the compare-and-set honest under concurrent
// reports; an agent already limited or banned is left alone.
func (t *Tracker) escalate(ctx context.Context, agentID string, vtype models.ViolationType) error {
	row := t.DB.QueryRow(ctx, `
		SELECT agent_status FROM users WHERE user_type='agent' AND id=$1
	`, agentID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("read agent status: %w", err)
	}
	from := models.ParseStatus(raw)
	if from == models.StatusLimited || !lifecycle.Allowed(from, models.StatusLimited) {
		return nil
	}
	reason := lifecycle.ReasonRateViolationSpike
	if vtype == models.ViolationTimeWindow {
		reason = lifecycle.ReasonTimeViolationSpike
	}
	return t.Machine.Transition(ctx, agentID, from, models.StatusLimited, reason)
}

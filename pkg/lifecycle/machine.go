// Package lifecycle owns the agent status enum transitions. Every effective
// transition appends a StatusEvent row; the event trail is the sole source of
// truth for why an agent is in its current state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"agentpress/pkg/models"
)

// StaleThreshold is the heartbeat gap after which an active agent is marked
// stale. The boundary is exact: a gap of precisely 1920s is still fresh.
const StaleThreshold = 1920 * time.Second

// Machine-readable transition reasons. Surfaced in UI messaging and audit.
const (
	ReasonProvisioningPassed  = "provisioning_passed"
	ReasonProvisioningFailed  = "provisioning_failed"
	ReasonProvisioningExpired = "provisioning_expired"
	ReasonProvisioningRetry   = "provisioning_retry"
	ReasonRetriesExhausted    = "provisioning_retries_exhausted"
	ReasonHeartbeatOverdue    = "heartbeat_overdue"
	ReasonHeartbeatRecovered  = "heartbeat_recovered"
	ReasonRateViolationSpike  = "rate_limited_violations_spike"
	ReasonTimeViolationSpike  = "time_window_violations_spike"
	ReasonDeviceKeyRecovered  = "device_key_recovered"
)

var ErrInvalidTransition = errors.New("invalid status transition")

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EventSink receives effective transitions. Implemented by the stream hub and
// the kafka bus adapters; delivery is fire-and-forget.
type EventSink interface {
	PublishStatusEvent(evt models.StatusEvent)
}

type asyncRunner interface {
	Submit(name string, fn func(context.Context) error) bool
}

var transitions = map[models.Status][]models.Status{
	models.StatusProvisioning: {models.StatusActive, models.StatusLimited, models.StatusBanned},
	models.StatusActive:       {models.StatusStale, models.StatusLimited, models.StatusBanned},
	models.StatusStale:        {models.StatusActive, models.StatusLimited, models.StatusBanned},
	models.StatusLimited:      {models.StatusProvisioning, models.StatusBanned},
	models.StatusBanned:       nil,
}

// Allowed reports whether from→to is in the transition table.
func Allowed(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsStale reports whether a heartbeat gap exceeds the threshold. A nil
// heartbeat means the agent has never reported; staleness is measured from
// activation, so the caller passes the agent's creation time instead.
func IsStale(lastHeartbeatAt *time.Time, now time.Time) bool {
	if lastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*lastHeartbeatAt) > StaleThreshold
}

type Machine struct {
	DB    DB
	Sinks []EventSink
	Async asyncRunner

	Now func() time.Time
}

func New(db DB) *Machine {
	return &Machine{
		DB:  db,
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// Transition moves the agent between states. A same-state transition is an
// idempotent no-op: no status write, no event row. Any effective transition
// is validated against the table, persisted with a compare-and-set on the
// prior status, and recorded as a StatusEvent.
func (m *Machine) Transition(ctx context.Context, agentID string, from, to models.Status, reason string) error {
	if to == from {
		return nil
	}
	if !from.Valid() || !to.Valid() || !Allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	tag, err := m.DB.Exec(ctx, `
		UPDATE users SET agent_status=$1 WHERE user_type='agent' AND id=$2 AND agent_status=$3
	`, string(to), agentID, string(from))
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// A concurrent request already moved the agent; treat as settled.
		return nil
	}
	evt := models.StatusEvent{
		AgentID:    agentID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		CreatedAt:  m.Now(),
	}
	_, err = m.DB.Exec(ctx, `
		INSERT INTO status_events (agent_id, from_status, to_status, reason, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, evt.AgentID, string(evt.FromStatus), string(evt.ToStatus), evt.Reason, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("append status event: %w", err)
	}
	m.publish(evt)
	return nil
}

// LastLimitedEvent returns the most recent transition into limited, or
// (nil, nil) when the agent has never been limited.
func (m *Machine) LastLimitedEvent(ctx context.Context, agentID string) (*models.StatusEvent, error) {
	row := m.DB.QueryRow(ctx, `
		SELECT agent_id, from_status, to_status, reason, created_at FROM status_events
		WHERE agent_id=$1 AND to_status=$2
		ORDER BY created_at DESC LIMIT 1
	`, agentID, string(models.StatusLimited))
	var evt models.StatusEvent
	var from, to string
	if err := row.Scan(&evt.AgentID, &from, &to, &evt.Reason, &evt.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query last limited event: %w", err)
	}
	evt.FromStatus = models.ParseStatus(from)
	evt.ToStatus = models.ParseStatus(to)
	return &evt, nil
}

// CountProvisioningFailures counts transitions into limited caused by a
// failed or expired challenge. Drives the retry ceiling.
func (m *Machine) CountProvisioningFailures(ctx context.Context, agentID string) (int, error) {
	row := m.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM status_events
		WHERE agent_id=$1 AND to_status=$2 AND reason IN ($3,$4)
	`, agentID, string(models.StatusLimited), ReasonProvisioningFailed, ReasonProvisioningExpired)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count provisioning failures: %w", err)
	}
	return count, nil
}

// IsProvisioningReason reports whether a limited transition came from the
// challenge engine rather than from abuse escalation.
func IsProvisioningReason(reason string) bool {
	return reason == ReasonProvisioningFailed || reason == ReasonProvisioningExpired
}

func (m *Machine) publish(evt models.StatusEvent) {
	if len(m.Sinks) == 0 {
		return
	}
	deliver := func(context.Context) error {
		for _, sink := range m.Sinks {
			sink.PublishStatusEvent(evt)
		}
		return nil
	}
	if m.Async != nil {
		m.Async.Submit("lifecycle.publish", deliver)
		return
	}
	_ = deliver(context.Background())
}

// Package provisioning creates and evaluates the autonomy challenge that
// moves an agent out of provisioning, and owns the per-agent minute windows
// generated alongside it.
package provisioning

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"agentpress/pkg/lifecycle"
	"agentpress/pkg/models"
)

const (
	// SignalReasonExpired marks a signal submitted after the challenge
	// deadline. Stored on the evidence row, not returned as an error.
	SignalReasonExpired = "challenge_expired"

	minSequence = 1
	maxSequence = 100
)

var (
	ErrChallengeNotFound   = errors.New("challenge not found")
	ErrChallengeNotPending = errors.New("challenge is not pending")
	ErrSequenceOutOfRange  = errors.New("signal sequence out of range")
	ErrDuplicateSequence   = errors.New("signal sequence already submitted")
	ErrRetryNotAllowed     = errors.New("retry requires a provisioning failure")
	ErrRetriesExhausted    = errors.New("provisioning retries exhausted")
)

type Config struct {
	RequiredSignals       int
	MinimumSuccessSignals int
	IntervalSeconds       int
	ChallengeTTL          time.Duration
	ToleranceSeconds      int
	MaxRetries            int
}

func DefaultConfig() Config {
	return Config{
		RequiredSignals:       10,
		MinimumSuccessSignals: 8,
		IntervalSeconds:       60,
		ChallengeTTL:          15 * time.Minute,
		ToleranceSeconds:      60,
		MaxRetries:            3,
	}
}

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Engine struct {
	DB      DB
	Machine *lifecycle.Machine
	Config  Config

	Now func() time.Time
	// RandMinute picks a target minute-of-hour. Overridable in tests.
	RandMinute func() int
}

func New(db DB, machine *lifecycle.Machine, cfg Config) *Engine {
	if cfg.RequiredSignals <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		DB:         db,
		Machine:    machine,
		Config:     cfg,
		Now:        func() time.Time { return time.Now().UTC() },
		RandMinute: cryptoRandMinute,
	}
}

func cryptoRandMinute() int {
	n, err := rand.Int(rand.Reader, big.NewInt(60))
	if err != nil {
		// crypto/rand never fails on supported platforms; minute zero is
		// still a valid window if it somehow does.
		return 0
	}
	return int(n.Int64())
}

// CreateChallenge opens a fresh challenge for the agent, expiring any pending
// one, and (re)generates the agent's minute windows with four independent
// random target minutes.
func (e *Engine) CreateChallenge(ctx context.Context, agentID string) (*models.ProvisioningChallenge, *models.MinuteWindow, error) {
	now := e.Now()
	_, err := e.DB.Exec(ctx, `
		UPDATE provisioning_challenges SET status=$1
		WHERE agent_id=$2 AND status=$3
	`, string(models.ChallengeExpired), agentID, string(models.ChallengePending))
	if err != nil {
		return nil, nil, fmt.Errorf("expire pending challenges: %w", err)
	}

	challenge := &models.ProvisioningChallenge{
		ID:                    uuid.NewString(),
		AgentID:               agentID,
		RequiredSignals:       e.Config.RequiredSignals,
		MinimumSuccessSignals: e.Config.MinimumSuccessSignals,
		IntervalSeconds:       e.Config.IntervalSeconds,
		ExpiresAt:             now.Add(e.Config.ChallengeTTL),
		Status:                models.ChallengePending,
		CreatedAt:             now,
	}
	_, err = e.DB.Exec(ctx, `
		INSERT INTO provisioning_challenges
		(id, agent_id, required_signals, minimum_success_signals, interval_seconds, expires_at, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, challenge.ID, challenge.AgentID, challenge.RequiredSignals, challenge.MinimumSuccessSignals,
		challenge.IntervalSeconds, challenge.ExpiresAt, string(challenge.Status), challenge.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert challenge: %w", err)
	}

	window := &models.MinuteWindow{
		AgentID:          agentID,
		PostMinute:       e.RandMinute(),
		CommentMinute:    e.RandMinute(),
		LikeMinute:       e.RandMinute(),
		FollowMinute:     e.RandMinute(),
		ToleranceSeconds: e.Config.ToleranceSeconds,
	}
	_, err = e.DB.Exec(ctx, `
		INSERT INTO minute_windows (agent_id, post_minute, comment_minute, like_minute, follow_minute, tolerance_seconds)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (agent_id) DO UPDATE SET
			post_minute=EXCLUDED.post_minute,
			comment_minute=EXCLUDED.comment_minute,
			like_minute=EXCLUDED.like_minute,
			follow_minute=EXCLUDED.follow_minute,
			tolerance_seconds=EXCLUDED.tolerance_seconds
	`, window.AgentID, window.PostMinute, window.CommentMinute, window.LikeMinute, window.FollowMinute, window.ToleranceSeconds)
	if err != nil {
		return nil, nil, fmt.Errorf("upsert minute windows: %w", err)
	}
	return challenge, window, nil
}

// GetMinuteWindow loads the agent's schedule, or (nil, nil) when no challenge
// has ever been created for the agent.
func (e *Engine) GetMinuteWindow(ctx context.Context, agentID string) (*models.MinuteWindow, error) {
	row := e.DB.QueryRow(ctx, `
		SELECT agent_id, post_minute, comment_minute, like_minute, follow_minute, tolerance_seconds
		FROM minute_windows WHERE agent_id=$1
	`, agentID)
	var w models.MinuteWindow
	err := row.Scan(&w.AgentID, &w.PostMinute, &w.CommentMinute, &w.LikeMinute, &w.FollowMinute, &w.ToleranceSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query minute windows: %w", err)
	}
	return &w, nil
}

// SignalResult reports the outcome of one signal submission.
type SignalResult struct {
	Accepted        bool                   `json:"accepted"`
	Reason          string                 `json:"reason,omitempty"`
	AcceptedCount   int                    `json:"accepted_count"`
	SubmittedCount  int                    `json:"submitted_count"`
	ChallengeStatus models.ChallengeStatus `json:"challenge_status"`
	AgentStatus     models.Status          `json:"agent_status"`
}

// SubmitSignal evaluates one (sequence, sent_at) submission and resolves the
// challenge when the tallies decide it: enough accepted signals passes the
// agent to active; expiry or a mathematically unrecoverable tally moves it to
// limited. sentAt is the agent's own send time, stored on the evidence row
// next to the server receive time; acceptance is decided by the server clock.
func (e *Engine) SubmitSignal(ctx context.Context, agentID, challengeID string, sequence int, sentAt *time.Time) (*SignalResult, error) {
	challenge, err := e.getChallenge(ctx, challengeID, agentID)
	if err != nil {
		return nil, err
	}
	if challenge.Status != models.ChallengePending {
		return nil, ErrChallengeNotPending
	}
	if sequence < minSequence || sequence > maxSequence {
		return nil, ErrSequenceOutOfRange
	}
	var dup int
	row := e.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM provisioning_signals WHERE challenge_id=$1 AND sequence=$2
	`, challengeID, sequence)
	if err := row.Scan(&dup); err != nil {
		return nil, fmt.Errorf("check duplicate sequence: %w", err)
	}
	if dup > 0 {
		return nil, ErrDuplicateSequence
	}

	now := e.Now()
	expired := !now.Before(challenge.ExpiresAt)
	accepted := !expired
	reason := ""
	if expired {
		reason = SignalReasonExpired
	}
	_, err = e.DB.Exec(ctx, `
		INSERT INTO provisioning_signals (challenge_id, sequence, accepted, reason, sent_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, challengeID, sequence, accepted, reason, sentAt, now)
	if err != nil {
		return nil, fmt.Errorf("insert signal: %w", err)
	}

	var acceptedCount, submittedCount int
	row = e.DB.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE accepted), COUNT(*)
		FROM provisioning_signals WHERE challenge_id=$1
	`, challengeID)
	if err := row.Scan(&acceptedCount, &submittedCount); err != nil {
		return nil, fmt.Errorf("tally signals: %w", err)
	}

	result := &SignalResult{
		Accepted:        accepted,
		Reason:          reason,
		AcceptedCount:   acceptedCount,
		SubmittedCount:  submittedCount,
		ChallengeStatus: models.ChallengePending,
		AgentStatus:     models.StatusProvisioning,
	}

	switch {
	case acceptedCount >= challenge.MinimumSuccessSignals:
		if err := e.resolve(ctx, challenge, models.ChallengeSuccess, models.StatusActive, lifecycle.ReasonProvisioningPassed); err != nil {
			return nil, err
		}
		result.ChallengeStatus = models.ChallengeSuccess
		result.AgentStatus = models.StatusActive
	case expired:
		if err := e.resolve(ctx, challenge, models.ChallengeExpired, models.StatusLimited, lifecycle.ReasonProvisioningExpired); err != nil {
			return nil, err
		}
		result.ChallengeStatus = models.ChallengeExpired
		result.AgentStatus = models.StatusLimited
	case submittedCount >= challenge.RequiredSignals:
		// All allotted submissions spent with the minimum still out of
		// reach.
		if err := e.resolve(ctx, challenge, models.ChallengeFailed, models.StatusLimited, lifecycle.ReasonProvisioningFailed); err != nil {
			return nil, err
		}
		result.ChallengeStatus = models.ChallengeFailed
		result.AgentStatus = models.StatusLimited
	}
	return result, nil
}

// Retry re-enters provisioning after a challenge failure. Only allowed when
// the last limited transition came from the challenge engine; bans the agent
// once the failure count reaches the ceiling.
func (e *Engine) Retry(ctx context.Context, agentID string) (*models.ProvisioningChallenge, *models.MinuteWindow, int, error) {
	last, err := e.Machine.LastLimitedEvent(ctx, agentID)
	if err != nil {
		return nil, nil, 0, err
	}
	if last == nil || !lifecycle.IsProvisioningReason(last.Reason) {
		return nil, nil, 0, ErrRetryNotAllowed
	}
	failures, err := e.Machine.CountProvisioningFailures(ctx, agentID)
	if err != nil {
		return nil, nil, 0, err
	}
	if failures >= e.Config.MaxRetries {
		if err := e.Machine.Transition(ctx, agentID, models.StatusLimited, models.StatusBanned, lifecycle.ReasonRetriesExhausted); err != nil {
			return nil, nil, failures, err
		}
		return nil, nil, failures, ErrRetriesExhausted
	}
	if err := e.Machine.Transition(ctx, agentID, models.StatusLimited, models.StatusProvisioning, lifecycle.ReasonProvisioningRetry); err != nil {
		return nil, nil, failures, err
	}
	challenge, window, err := e.CreateChallenge(ctx, agentID)
	if err != nil {
		return nil, nil, failures, err
	}
	return challenge, window, failures, nil
}

func (e *Engine) getChallenge(ctx context.Context, challengeID, agentID string) (*models.ProvisioningChallenge, error) {
	row := e.DB.QueryRow(ctx, `
		SELECT id, agent_id, required_signals, minimum_success_signals, interval_seconds, expires_at, status, created_at
		FROM provisioning_challenges WHERE id=$1 AND agent_id=$2
	`, challengeID, agentID)
	var c models.ProvisioningChallenge
	var status string
	err := row.Scan(&c.ID, &c.AgentID, &c.RequiredSignals, &c.MinimumSuccessSignals, &c.IntervalSeconds, &c.ExpiresAt, &status, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("query challenge: %w", err)
	}
	c.Status = models.ChallengeStatus(status)
	return &c, nil
}

func (e *Engine) resolve(ctx context.Context, challenge *models.ProvisioningChallenge, to models.ChallengeStatus, agentTo models.Status, reason string) error {
	_, err := e.DB.Exec(ctx, `
		UPDATE provisioning_challenges SET status=$1 WHERE id=$2 AND status=$3
	`, string(to), challenge.ID, string(models.ChallengePending))
	if err != nil {
		return fmt.Errorf("resolve challenge: %w", err)
	}
	return e.Machine.Transition(ctx, challenge.AgentID, models.StatusProvisioning, agentTo, reason)
}

package models

import (
	"strings"
	"time"
)

// Status is the agent lifecycle state. The zero value is StatusUnknown so a
// missing row or an unset column is a named state, never silently treated as
// provisioning.
type Status string

const (
	StatusUnknown      Status = ""
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusStale        Status = "stale"
	StatusLimited      Status = "limited"
	StatusBanned       Status = "banned"
)

// ParseStatus maps stored text onto the status enum. Unrecognized input maps
// to StatusUnknown rather than guessing a default.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusProvisioning:
		return StatusProvisioning
	case StatusActive:
		return StatusActive
	case StatusStale:
		return StatusStale
	case StatusLimited:
		return StatusLimited
	case StatusBanned:
		return StatusBanned
	default:
		return StatusUnknown
	}
}

func (s Status) Valid() bool {
	return s == StatusProvisioning || s == StatusActive || s == StatusStale ||
		s == StatusLimited || s == StatusBanned
}

// Terminal reports whether no transition can leave the state.
func (s Status) Terminal() bool { return s == StatusBanned }

// Action is the fixed vocabulary of privileged writes.
type Action string

const (
	ActionPost        Action = "post"
	ActionComment     Action = "comment"
	ActionLike        Action = "like"
	ActionFollow      Action = "follow"
	ActionImageUpload Action = "image_upload"
)

func ParseAction(raw string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionPost:
		return ActionPost, true
	case ActionComment:
		return ActionComment, true
	case ActionLike:
		return ActionLike, true
	case ActionFollow:
		return ActionFollow, true
	case ActionImageUpload:
		return ActionImageUpload, true
	default:
		return "", false
	}
}

// TimeGated reports whether the action is bound to a per-agent minute window.
func (a Action) TimeGated() bool {
	switch a {
	case ActionPost, ActionComment, ActionLike, ActionFollow:
		return true
	default:
		return false
	}
}

// Agent is the automated principal row (user_type = agent in the shared users
// entity). Status is mutated only through the lifecycle machine.
type Agent struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	RuntimeType     string     `json:"runtime_type"`
	DevicePublicKey string     `json:"device_public_key"`
	Status          Status     `json:"status"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Age reports how long the agent has existed at the given instant.
func (a Agent) Age(now time.Time) time.Duration {
	return now.Sub(a.CreatedAt)
}

// APIKey is the long-lived credential row. Only the salted hash is stored;
// Prefix is the public lookup tag (first two underscore-delimited segments of
// the plaintext key).
type APIKey struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EffectiveAt reports whether the key is honored at the given instant. A
// future RevokedAt is a rotation grace period, not an instant cutoff.
func (k APIKey) EffectiveAt(now time.Time) bool {
	return k.RevokedAt == nil || now.Before(*k.RevokedAt)
}

// AccessToken is the short-lived credential exchanged for an API key via
// device signature proof.
type AccessToken struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengeSuccess ChallengeStatus = "success"
	ChallengeFailed  ChallengeStatus = "failed"
	ChallengeExpired ChallengeStatus = "expired"
)

// ProvisioningChallenge drives an agent from provisioning to active or
// limited. One pending challenge per agent at a time.
type ProvisioningChallenge struct {
	ID                    string          `json:"id"`
	AgentID               string          `json:"agent_id"`
	RequiredSignals       int             `json:"required_signals"`
	MinimumSuccessSignals int             `json:"minimum_success_signals"`
	IntervalSeconds       int             `json:"interval_seconds"`
	ExpiresAt             time.Time       `json:"expires_at"`
	Status                ChallengeStatus `json:"status"`
	CreatedAt             time.Time       `json:"created_at"`
}

// ProvisioningSignal is one append-only evidence row for a challenge.
type ProvisioningSignal struct {
	ChallengeID string    `json:"challenge_id"`
	Sequence    int       `json:"sequence"`
	Accepted    bool      `json:"accepted"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MinuteWindow is the secret per-agent schedule: one target minute-of-hour
// per gated action. Exists iff a challenge has ever been created for the
// agent.
type MinuteWindow struct {
	AgentID          string `json:"agent_id"`
	PostMinute       int    `json:"post_minute"`
	CommentMinute    int    `json:"comment_minute"`
	LikeMinute       int    `json:"like_minute"`
	FollowMinute     int    `json:"follow_minute"`
	ToleranceSeconds int    `json:"tolerance_seconds"`
}

// Minute returns the target minute for a gated action, or -1 when the action
// is not time-gated.
func (w MinuteWindow) Minute(action Action) int {
	switch action {
	case ActionPost:
		return w.PostMinute
	case ActionComment:
		return w.CommentMinute
	case ActionLike:
		return w.LikeMinute
	case ActionFollow:
		return w.FollowMinute
	default:
		return -1
	}
}

type ViolationType string

const (
	ViolationRateLimited ViolationType = "rate_limited"
	ViolationTimeWindow  ViolationType = "time_window"
)

// PolicyViolation is one append-only rejection record; windowed counts drive
// lifecycle escalation.
type PolicyViolation struct {
	AgentID   string        `json:"agent_id"`
	Type      ViolationType `json:"violation_type"`
	Metadata  string        `json:"metadata,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// StatusEvent is the append-only audit trail of lifecycle transitions and the
// sole source of truth for why an agent is in its current state.
type StatusEvent struct {
	AgentID    string    `json:"agent_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

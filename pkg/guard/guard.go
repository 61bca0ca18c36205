// Package guard is the admission path for privileged agent requests. It
// resolves the presented credential, settles the agent's effective status,
// then runs the schedule and quota checks in order, recording a violation for
// every policy rejection.
package guard

import (
	"context"
	"fmt"
	"time"

	"agentpress/pkg/credential"
	"agentpress/pkg/keystore"
	"agentpress/pkg/lifecycle"
	"agentpress/pkg/models"
	"agentpress/pkg/ratelimit"
)

// Denial codes, stable across the API surface.
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeTokenExpired  = "TOKEN_EXPIRED"
	CodeForbidden     = "FORBIDDEN"
	CodeAgentBanned   = "AGENT_BANNED"
	CodeAgentLimited  = "AGENT_LIMITED"
	CodeAgentStale    = "AGENT_STALE"
	CodeRateLimited   = "RATE_LIMITED"
	CodeOutsideWindow = "OUTSIDE_ALLOWED_TIME_WINDOW"
)

// Denial is a structured rejection: a stable code, a human-readable message,
// and where applicable a wait hint and a recovery hint.
type Denial struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	RecoveryHint      string `json:"recovery_hint,omitempty"`
}

type CredentialSource interface {
	ResolveAPIKey(ctx context.Context, plaintext string) (*models.Agent, error)
	ResolveAccessToken(ctx context.Context, token string) (*models.Agent, error)
}

type WindowSource interface {
	GetMinuteWindow(ctx context.Context, agentID string) (*models.MinuteWindow, error)
}

type ActionLimiter interface {
	Check(ctx context.Context, agent *models.Agent, action models.Action) (ratelimit.Decision, error)
	Commit(ctx context.Context, agentID string, action models.Action) error
}

type ViolationReporter interface {
	Report(ctx context.Context, agentID string, vtype models.ViolationType, metadata string) error
}

type StatusMachine interface {
	Transition(ctx context.Context, agentID string, from, to models.Status, reason string) error
}

type Guard struct {
	Credentials CredentialSource
	Windows     WindowSource
	Limiter     ActionLimiter
	Violations  ViolationReporter
	Machine     StatusMachine

	Now func() time.Time
}

func New(creds CredentialSource, windows WindowSource, limiter ActionLimiter, violations ViolationReporter, machine StatusMachine) *Guard {
	return &Guard{
		Credentials: creds,
		Windows:     windows,
		Limiter:     limiter,
		Violations:  violations,
		Machine:     machine,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Options select the checks layered on top of credential resolution. The
// global per-minute cap always runs; Action adds the schedule and per-action
// quota checks and commits the use on success.
type Options struct {
	Action        models.Action
	RequireActive bool
}

// Authenticate admits one non-action request: credential resolution, status
// settlement, and the global per-minute cap. Heartbeats, status reads, key
// rotations and token exchanges all pass through here, so every authenticated
// call counts against the cap.
func (g *Guard) Authenticate(ctx context.Context, bearer string) (*models.Agent, *Denial, error) {
	return g.Authorize(ctx, bearer, Options{})
}

// resolve maps a bearer credential to its agent and settles the effective
// status: an active agent whose heartbeat gap has crossed the threshold is
// downgraded to stale before any decision is made. Banned agents are rejected
// here; stale and limited agents pass so they can reach the recovery
// endpoints.
func (g *Guard) resolve(ctx context.Context, bearer string) (*models.Agent, *Denial, error) {
	if bearer == "" {
		return nil, &Denial{Code: CodeUnauthorized, Message: "missing credentials"}, nil
	}
	var agent *models.Agent
	var err error
	if credential.IsAccessToken(bearer) {
		agent, err = g.Credentials.ResolveAccessToken(ctx, bearer)
		if err == keystore.ErrTokenExpired {
			return nil, &Denial{
				Code:         CodeTokenExpired,
				Message:      "access token expired",
				RecoveryHint: "exchange the api key for a new access token",
			}, nil
		}
	} else {
		agent, err = g.Credentials.ResolveAPIKey(ctx, bearer)
	}
	if err != nil {
		return nil, nil, err
	}
	if agent == nil {
		return nil, &Denial{Code: CodeUnauthorized, Message: "invalid credentials"}, nil
	}

	if agent.Status == models.StatusActive && lifecycle.IsStale(agent.LastHeartbeatAt, g.Now()) {
		// Opportunistic downgrade; a lost race just means another request
		// settled it first.
		if err := g.Machine.Transition(ctx, agent.ID, models.StatusActive, models.StatusStale, lifecycle.ReasonHeartbeatOverdue); err != nil {
			return nil, nil, err
		}
		agent.Status = models.StatusStale
	}

	if agent.Status == models.StatusBanned {
		return nil, &Denial{Code: CodeAgentBanned, Message: "agent is banned"}, nil
	}
	return agent, nil, nil
}

// Authorize admits one request: resolve the credential, require active
// status when asked, check the minute window for time-gated actions, check
// the quotas, then commit the use. The quota check runs on every admitted
// credential whether or not an action is named; an empty action exercises the
// global cap alone. Policy rejections are recorded as violations before they
// are returned.
func (g *Guard) Authorize(ctx context.Context, bearer string, opts Options) (*models.Agent, *Denial, error) {
	agent, denial, err := g.resolve(ctx, bearer)
	if err != nil || denial != nil {
		return nil, denial, err
	}
	if opts.RequireActive {
		if denial := requireActive(agent); denial != nil {
			return nil, denial, nil
		}
	}

	action := opts.Action
	if action.TimeGated() {
		window, err := g.Windows.GetMinuteWindow(ctx, agent.ID)
		if err != nil {
			return nil, nil, err
		}
		// A missing window means the agent predates window assignment;
		// the schedule check cannot apply.
		if window != nil {
			now := g.Now()
			allowed, retryAfter := ratelimit.CheckActionWindow(*window, action, now)
			if !allowed {
				g.report(ctx, agent.ID, models.ViolationTimeWindow, action)
				return nil, &Denial{
					Code:              CodeOutsideWindow,
					Message:           fmt.Sprintf("%s is outside the agent's allowed time window", action),
					RetryAfterSeconds: retryAfter,
				}, nil
			}
		}
	}

	decision, err := g.Limiter.Check(ctx, agent, action)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Allowed {
		g.report(ctx, agent.ID, models.ViolationRateLimited, action)
		return nil, &Denial{
			Code:              CodeRateLimited,
			Message:           fmt.Sprintf("rate limit exceeded: %s", decision.Denial),
			RetryAfterSeconds: decision.RetryAfterSeconds,
		}, nil
	}

	if action != "" {
		if err := g.Limiter.Commit(ctx, agent.ID, action); err != nil {
			return nil, nil, err
		}
	}
	return agent, nil, nil
}

func requireActive(agent *models.Agent) *Denial {
	switch agent.Status {
	case models.StatusActive:
		return nil
	case models.StatusProvisioning:
		return &Denial{
			Code:         CodeForbidden,
			Message:      "agent has not completed provisioning",
			RecoveryHint: "submit provisioning signals",
		}
	case models.StatusStale:
		return &Denial{
			Code:         CodeAgentStale,
			Message:      "agent heartbeat is overdue",
			RecoveryHint: "send a heartbeat to restore active status",
		}
	case models.StatusLimited:
		return &Denial{
			Code:         CodeAgentLimited,
			Message:      "agent is limited",
			RecoveryHint: "retry provisioning to restore active status",
		}
	default:
		return &Denial{Code: CodeForbidden, Message: "agent is not active"}
	}
}

func (g *Guard) report(ctx context.Context, agentID string, vtype models.ViolationType, action models.Action) {
	if g.Violations == nil {
		return
	}
	// Bookkeeping only; the denial is already decided.
	_ = g.Violations.Report(ctx, agentID, vtype, fmt.Sprintf(`{"action":%q}`, string(action)))
}

package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"agentpress/pkg/auth"
	"agentpress/pkg/credential"
	"agentpress/pkg/guard"
	"agentpress/pkg/httpx"
	"agentpress/pkg/keystore"
	"agentpress/pkg/lifecycle"
	"agentpress/pkg/models"
	"agentpress/pkg/provisioning"
	"agentpress/pkg/stream"
)

// Error codes owned by the HTTP surface; the guard owns the rest.
const (
	codeInvalidRequest     = "INVALID_REQUEST"
	codeDuplicateDeviceKey = "DUPLICATE_DEVICE_KEY"
	codeConflict           = "CONFLICT"
	codeProvisioningFailed = "PROVISIONING_FAILED"
	codeInternal           = "INTERNAL"
)

var denialStatus = map[string]int{
	guard.CodeUnauthorized:  http.StatusUnauthorized,
	guard.CodeTokenExpired:  http.StatusUnauthorized,
	guard.CodeForbidden:     http.StatusForbidden,
	guard.CodeAgentBanned:   http.StatusForbidden,
	guard.CodeAgentLimited:  http.StatusForbidden,
	guard.CodeAgentStale:    http.StatusForbidden,
	guard.CodeRateLimited:   http.StatusTooManyRequests,
	guard.CodeOutsideWindow: http.StatusTooManyRequests,
}

func (s *Server) writeDenial(w http.ResponseWriter, d *guard.Denial) {
	status, ok := denialStatus[d.Code]
	if !ok {
		status = http.StatusForbidden
	}
	s.Metrics.IncDenial(d.Code)
	httpx.WriteError(w, status, httpx.ErrorBody{
		Code:              d.Code,
		Message:           d.Message,
		RetryAfterSeconds: d.RetryAfterSeconds,
		RecoveryHint:      d.RecoveryHint,
	})
}

func bearerCredential(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	if len(raw) > 7 && strings.EqualFold(raw[:7], "Bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return ""
}

// authenticate resolves the bearer credential and enforces which credential
// kind the route accepts. Access-token routes must not accept raw API keys
// and vice versa; the split keeps long-lived secrets off the hot path.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, wantToken bool) (*models.Agent, bool) {
	bearer := bearerCredential(r)
	if bearer != "" && credential.IsAccessToken(bearer) != wantToken {
		if wantToken {
			s.writeDenial(w, &guard.Denial{Code: guard.CodeUnauthorized, Message: "access token required"})
		} else {
			s.writeDenial(w, &guard.Denial{Code: guard.CodeUnauthorized, Message: "api key required"})
		}
		s.Metrics.IncAuthOutcome("rejected")
		return nil, false
	}
	agent, denial, err := s.Guard.Authenticate(r.Context(), bearer)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "credential resolution failed")
		return nil, false
	}
	if denial != nil {
		if denial.Code == guard.CodeTokenExpired {
			s.Metrics.IncAuthOutcome("expired")
		} else {
			s.Metrics.IncAuthOutcome("rejected")
		}
		s.writeDenial(w, denial)
		return nil, false
	}
	if wantToken {
		s.Metrics.IncAuthOutcome("access_token")
	} else {
		s.Metrics.IncAuthOutcome("api_key")
	}
	return agent, true
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, codeInvalidRequest, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
	return nil, false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "invalid json body")
		return false
	}
	return true
}

type registerRequest struct {
	Name            string          `json:"name"`
	RuntimeType     string          `json:"runtime_type"`
	DevicePublicKey string          `json:"device_public_key"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.RuntimeType = strings.TrimSpace(req.RuntimeType)
	req.DevicePublicKey = strings.TrimSpace(req.DevicePublicKey)
	if req.Name == "" || req.RuntimeType == "" || req.DevicePublicKey == "" {
		httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "name, runtime_type and device_public_key are required")
		return
	}
	if _, err := auth.ParseDevicePublicKey(req.DevicePublicKey); err != nil {
		httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "device_public_key is not a valid ed25519 public key")
		return
	}

	agent, err := s.Keys.CreateAgent(r.Context(), req.Name, req.RuntimeType, req.DevicePublicKey)
	if err != nil {
		if errors.Is(err, keystore.ErrDuplicateDeviceKey) {
			httpx.Error(w, http.StatusConflict, codeDuplicateDeviceKey, "device public key is already registered")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "agent registration failed")
		return
	}
	if len(req.Metadata) > 0 {
		if _, err := s.DB.Exec(r.Context(), `UPDATE users SET metadata=$1 WHERE user_type='agent' AND id=$2`, string(req.Metadata), agent.ID); err != nil {
			httpx.Error(w, http.StatusInternalServerError, codeInternal, "agent registration failed")
			return
		}
	}

	apiKey, err := s.Keys.IssueAPIKey(r.Context(), agent.ID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "api key issuance failed")
		return
	}
	codes, err := s.Keys.Codec.GenerateRecoveryCodes()
	if err == nil {
		err = s.Keys.StoreRecoveryCodes(r.Context(), agent.ID, codes)
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "recovery code issuance failed")
		return
	}
	challenge, window, err := s.Engine.CreateChallenge(r.Context(), agent.ID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "provisioning challenge creation failed")
		return
	}

	httpx.WriteData(w, http.StatusCreated, map[string]any{
		"agent":                  agent,
		"api_key":                apiKey,
		"recovery_codes":         codes,
		"provisioning_challenge": challenge,
		"minute_window":          window,
	})
}

type tokenRequest struct {
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

func (s *Server) exchangeToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Nonce == "" || req.Timestamp == "" || req.Signature == "" {
		httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "nonce, timestamp and signature are required")
		return
	}
	agent, ok := s.authenticate(w, r, false)
	if !ok {
		return
	}

	// Freshness and signature validity are independent checks; both must
	// pass even when the other already failed closed.
	if err := auth.CheckFreshness(req.Timestamp, s.Now(), s.SignatureTolerance); err != nil {
		s.writeDenial(w, &guard.Denial{Code: guard.CodeUnauthorized, Message: "signature timestamp outside tolerance"})
		return
	}
	if !auth.VerifyDeviceSignature(agent.DevicePublicKey, req.Nonce, req.Timestamp, req.Signature) {
		s.writeDenial(w, &guard.Denial{Code: guard.CodeUnauthorized, Message: "invalid device signature"})
		return
	}
	fresh, err := s.Cache.SetNX(r.Context(), "nonce:"+agent.ID+":"+req.Nonce, "1", s.NonceTTL)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "nonce check failed")
		return
	}
	if !fresh {
		s.writeDenial(w, &guard.Denial{Code: guard.CodeUnauthorized, Message: "nonce already used"})
		return
	}

	token, expiresAt, err := s.Keys.IssueAccessToken(r.Context(), agent.ID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "token issuance failed")
		return
	}
	httpx.WriteData(w, http.StatusOK, map[string]any{
		"access_token":       token,
		"expires_in_seconds": int(expiresAt.Sub(s.Now()).Seconds()),
		"expires_at":         expiresAt,
	})
}

type heartbeatRequest struct {
	RuntimeTimeMs int64 `json:"runtime_time_ms,omitempty"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.authenticate(w, r, true)
	if !ok {
		return
	}
	var req heartbeatRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	now := s.Now()
	if err := s.Keys.RecordHeartbeat(r.Context(), agent.ID, now); err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "heartbeat write failed")
		return
	}
	if agent.Status == models.StatusStale {
		if err := s.Machine.Transition(r.Context(), agent.ID, models.StatusStale, models.StatusActive, lifecycle.ReasonHeartbeatRecovered); err != nil {
			httpx.Error(w, http.StatusInternalServerError, codeInternal, "status recovery failed")
			return
		}
		agent.Status = models.StatusActive
	}
	httpx.WriteData(w, http.StatusOK, map[string]any{
		"status": agent.Status,
		"next_recommended_heartbeat_in_seconds": int(lifecycle.StaleThreshold.Seconds()) / 2,
	})
}

func (s *Server) agentStatus(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.authenticate(w, r, true)
	if !ok {
		return
	}
	window, err := s.Engine.GetMinuteWindow(r.Context(), agent.ID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "minute window lookup failed")
		return
	}
	httpx.WriteData(w, http.StatusOK, map[string]any{
		"status":            agent.Status,
		"last_heartbeat_at": agent.LastHeartbeatAt,
		"created_at":        agent.CreatedAt,
		"thresholds": map[string]int{
			"stale_threshold_seconds":                int(lifecycle.StaleThreshold.Seconds()),
			"recommended_heartbeat_interval_seconds": int(lifecycle.StaleThreshold.Seconds()) / 2,
		},
		"minute_window": window,
	})
}

func (s *Server) rotateKeys(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.authenticate(w, r, true)
	if !ok {
		return
	}
	apiKey, err := s.Keys.RotateAPIKeys(r.Context(), agent.ID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "key rotation failed")
		return
	}
	httpx.WriteData(w, http.StatusOK, map[string]any{
		"api_key":              apiKey,
		"grace_period_seconds": int(keystore.RotationGrace.Seconds()),
	})
}

type signalRequest struct {
	ChallengeID string `json:"challenge_id"`
	Sequence    int    `json:"sequence"`
	SentAt      string `json:"sent_at,omitempty"`
}

func (s *Server) submitSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ChallengeID == "" {
		httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "challenge_id is required")
		return
	}
	var sentAt *time.Time
	if raw := strings.TrimSpace(req.SentAt); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "sent_at must be an RFC3339 timestamp")
			return
		}
		ts = ts.UTC()
		sentAt = &ts
	}
	agent, ok := s.authenticate(w, r, false)
	if !ok {
		return
	}
	result, err := s.Engine.SubmitSignal(r.Context(), agent.ID, req.ChallengeID, req.Sequence, sentAt)
	if err != nil {
		switch {
		case errors.Is(err, provisioning.ErrChallengeNotFound):
			httpx.Error(w, http.StatusNotFound, codeInvalidRequest, "challenge not found")
		case errors.Is(err, provisioning.ErrChallengeNotPending):
			httpx.Error(w, http.StatusConflict, codeConflict, "challenge is no longer pending")
		case errors.Is(err, provisioning.ErrSequenceOutOfRange):
			httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "signal sequence out of range")
		case errors.Is(err, provisioning.ErrDuplicateSequence):
			httpx.Error(w, http.StatusConflict, codeConflict, "signal sequence already submitted")
		default:
			httpx.Error(w, http.StatusInternalServerError, codeInternal, "signal evaluation failed")
		}
		return
	}
	httpx.WriteData(w, http.StatusOK, result)
}

func (s *Server) retryProvisioning(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.authenticate(w, r, false)
	if !ok {
		return
	}
	challenge, window, failures, err := s.Engine.Retry(r.Context(), agent.ID)
	if err != nil {
		switch {
		case errors.Is(err, provisioning.ErrRetryNotAllowed):
			httpx.Error(w, http.StatusConflict, codeConflict, "retry requires a provisioning failure")
		case errors.Is(err, provisioning.ErrRetriesExhausted):
			httpx.WriteError(w, http.StatusForbidden, httpx.ErrorBody{
				Code:    codeProvisioningFailed,
				Message: "provisioning retries exhausted; agent is banned",
			})
		default:
			httpx.Error(w, http.StatusInternalServerError, codeInternal, "provisioning retry failed")
		}
		return
	}
	httpx.WriteData(w, http.StatusOK, map[string]any{
		"provisioning_challenge": challenge,
		"minute_window":          window,
		"retry_count":            failures,
		"max_retries":            s.Engine.Config.MaxRetries,
	})
}

type recoverRequest struct {
	Method             string `json:"method"`
	NewDevicePublicKey string `json:"new_device_public_key"`
	AgentName          string `json:"agent_name,omitempty"`
	RecoveryCode       string `json:"recovery_code,omitempty"`
	AgentID            string `json:"agent_id,omitempty"`
}

// recoverAgent rebinds an agent to a new device key. Two proofs are accepted:
// a single-use recovery code issued at registration, or a human operator
// session from the platform's login flow. Either way every live access token
// is revoked and the API keys are rotated.
func (s *Server) recoverAgent(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.NewDevicePublicKey = strings.TrimSpace(req.NewDevicePublicKey)
	if req.NewDevicePublicKey == "" {
		httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "new_device_public_key is required")
		return
	}
	if _, err := auth.ParseDevicePublicKey(req.NewDevicePublicKey); err != nil {
		httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "new_device_public_key is not a valid ed25519 public key")
		return
	}

	var agent *models.Agent
	switch req.Method {
	case "recovery_code":
		if req.AgentName == "" || req.RecoveryCode == "" {
			httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "agent_name and recovery_code are required")
			return
		}
		found, err := s.Keys.GetAgentByName(r.Context(), req.AgentName)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, codeInternal, "agent lookup failed")
			return
		}
		if found == nil {
			s.writeDenial(w, &guard.Denial{Code: guard.CodeUnauthorized, Message: "invalid recovery credentials"})
			return
		}
		used, err := s.Keys.ConsumeRecoveryCode(r.Context(), found.ID, req.RecoveryCode)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, codeInternal, "recovery code check failed")
			return
		}
		if !used {
			s.writeDenial(w, &guard.Denial{Code: guard.CodeUnauthorized, Message: "invalid recovery credentials"})
			return
		}
		agent = found
	case "human_session":
		if _, ok := s.Sessions.ResolveHumanSession(r); !ok {
			s.writeDenial(w, &guard.Denial{Code: guard.CodeUnauthorized, Message: "human session required"})
			return
		}
		if req.AgentID == "" {
			httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "agent_id is required")
			return
		}
		found, err := s.Keys.GetAgent(r.Context(), req.AgentID)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, codeInternal, "agent lookup failed")
			return
		}
		if found == nil {
			httpx.Error(w, http.StatusNotFound, codeInvalidRequest, "unknown agent")
			return
		}
		agent = found
	default:
		httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "method must be recovery_code or human_session")
		return
	}

	if agent.Status == models.StatusBanned {
		s.writeDenial(w, &guard.Denial{Code: guard.CodeAgentBanned, Message: "agent is banned"})
		return
	}

	if err := s.Keys.UpdateDeviceKey(r.Context(), agent.ID, req.NewDevicePublicKey); err != nil {
		if errors.Is(err, keystore.ErrDuplicateDeviceKey) {
			httpx.Error(w, http.StatusConflict, codeDuplicateDeviceKey, "device public key is already registered")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "device key update failed")
		return
	}
	if err := s.Keys.RevokeAccessTokens(r.Context(), agent.ID); err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "token revocation failed")
		return
	}
	apiKey, err := s.Keys.RotateAPIKeys(r.Context(), agent.ID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "key rotation failed")
		return
	}
	agent.DevicePublicKey = req.NewDevicePublicKey
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("agent.recovered", map[string]string{
			"agent_id": agent.ID,
			"reason":   lifecycle.ReasonDeviceKeyRecovered,
		}))
	}

	httpx.WriteData(w, http.StatusOK, map[string]any{
		"agent":   agent,
		"api_key": apiKey,
	})
}

type authorizeRequest struct {
	Action string `json:"action"`
}

// authorizeAction is the admission endpoint the content routes call before
// performing a privileged write on the agent's behalf.
func (s *Server) authorizeAction(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	action, ok := models.ParseAction(req.Action)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, codeInvalidRequest, "unknown action")
		return
	}
	agent, denial, err := s.Guard.Authorize(r.Context(), bearerCredential(r), guard.Options{Action: action, RequireActive: true})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, codeInternal, "authorization failed")
		return
	}
	if denial != nil {
		s.writeDenial(w, denial)
		return
	}
	httpx.WriteData(w, http.StatusOK, map[string]any{
		"allowed":  true,
		"agent_id": agent.ID,
		"status":   agent.Status,
		"action":   action,
	})
}

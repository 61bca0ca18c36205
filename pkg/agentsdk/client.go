// Package agentsdk is the agent-side client for the gateway API: register,
// prove device key possession, drive the provisioning challenge, heartbeat,
// and ask for action admission. Agents embed this instead of hand-rolling
// the envelope and signature plumbing.
package agentsdk

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentpress/pkg/models"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// APIKey authenticates the provisioning and token-exchange routes;
	// AccessToken authenticates everything else.
	APIKey      string
	AccessToken string

	// Now is overridable in tests.
	Now func() time.Time
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// DeviceSigner holds the agent's Ed25519 device key pair. The public half is
// registered with the gateway; the private half never leaves the agent.
type DeviceSigner struct {
	PrivateKey ed25519.PrivateKey
}

func NewDeviceSigner() (DeviceSigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return DeviceSigner{}, fmt.Errorf("generate device key: %w", err)
	}
	return DeviceSigner{PrivateKey: priv}, nil
}

func NewDeviceSignerFromBase64(privateKeyB64 string) (DeviceSigner, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(privateKeyB64))
	if err != nil {
		return DeviceSigner{}, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return DeviceSigner{}, fmt.Errorf("invalid private key length: got=%d want=%d", len(raw), ed25519.PrivateKeySize)
	}
	return DeviceSigner{PrivateKey: ed25519.PrivateKey(raw)}, nil
}

func (s DeviceSigner) PublicKeyBase64() string {
	pub := s.PrivateKey.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

// Sign produces the base64 proof-of-possession signature over
// "{nonce}.{timestamp}" that the token exchange verifies.
func (s DeviceSigner) Sign(nonce, timestamp string) string {
	sig := ed25519.Sign(s.PrivateKey, []byte(nonce+"."+timestamp))
	return base64.StdEncoding.EncodeToString(sig)
}

// APIError is a structured gateway rejection.
type APIError struct {
	StatusCode        int    `json:"status_code"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	RecoveryHint      string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway rejected request: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

type RegisterResult struct {
	Agent         models.Agent                 `json:"agent"`
	APIKey        string                       `json:"api_key"`
	RecoveryCodes []string                     `json:"recovery_codes"`
	Challenge     models.ProvisioningChallenge `json:"provisioning_challenge"`
	Window        models.MinuteWindow          `json:"minute_window"`
}

// Register creates the agent and stores the returned API key on the client.
func (c *Client) Register(ctx context.Context, name, runtimeType string, signer DeviceSigner, metadata json.RawMessage) (*RegisterResult, error) {
	var out RegisterResult
	err := c.call(ctx, http.MethodPost, "/agents/register", "", map[string]any{
		"name":              name,
		"runtime_type":      runtimeType,
		"device_public_key": signer.PublicKeyBase64(),
		"metadata":          metadata,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.APIKey = out.APIKey
	return &out, nil
}

type TokenResult struct {
	AccessToken      string    `json:"access_token"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// ExchangeToken signs a fresh nonce and timestamp with the device key and
// trades the API key for a short-lived access token, which is stored on the
// client for the token-authenticated routes.
func (c *Client) ExchangeToken(ctx context.Context, signer DeviceSigner) (*TokenResult, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	ts := c.Now().Format(time.RFC3339)
	var out TokenResult
	err = c.call(ctx, http.MethodPost, "/auth/token", c.APIKey, map[string]any{
		"nonce":     nonce,
		"timestamp": ts,
		"signature": signer.Sign(nonce, ts),
	}, &out)
	if err != nil {
		return nil, err
	}
	c.AccessToken = out.AccessToken
	return &out, nil
}

type HeartbeatResult struct {
	Status                            models.Status `json:"status"`
	NextRecommendedHeartbeatInSeconds int           `json:"next_recommended_heartbeat_in_seconds"`
}

func (c *Client) Heartbeat(ctx context.Context) (*HeartbeatResult, error) {
	var out HeartbeatResult
	if err := c.call(ctx, http.MethodPost, "/agents/heartbeat", c.AccessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type StatusThresholds struct {
	StaleThresholdSeconds               int `json:"stale_threshold_seconds"`
	RecommendedHeartbeatIntervalSeconds int `json:"recommended_heartbeat_interval_seconds"`
}

type StatusResult struct {
	Status          models.Status        `json:"status"`
	LastHeartbeatAt *time.Time           `json:"last_heartbeat_at"`
	CreatedAt       time.Time            `json:"created_at"`
	Thresholds      StatusThresholds     `json:"thresholds"`
	Window          *models.MinuteWindow `json:"minute_window"`
}

func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var out StatusResult
	if err := c.call(ctx, http.MethodGet, "/agents/status", c.AccessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type RotateResult struct {
	APIKey             string `json:"api_key"`
	GracePeriodSeconds int    `json:"grace_period_seconds"`
}

// RotateKeys replaces the API key; the old key stays valid for the reported
// grace period. The new key is stored on the client.
func (c *Client) RotateKeys(ctx context.Context) (*RotateResult, error) {
	var out RotateResult
	if err := c.call(ctx, http.MethodPost, "/agents/keys/rotate", c.AccessToken, nil, &out); err != nil {
		return nil, err
	}
	c.APIKey = out.APIKey
	return &out, nil
}

type SignalResult struct {
	Accepted        bool                   `json:"accepted"`
	Reason          string                 `json:"reason,omitempty"`
	AcceptedCount   int                    `json:"accepted_count"`
	SubmittedCount  int                    `json:"submitted_count"`
	ChallengeStatus models.ChallengeStatus `json:"challenge_status"`
	AgentStatus     models.Status          `json:"agent_status"`
}

func (c *Client) SubmitSignal(ctx context.Context, challengeID string, sequence int) (*SignalResult, error) {
	var out SignalResult
	err := c.call(ctx, http.MethodPost, "/agents/provisioning/signals", c.APIKey, map[string]any{
		"challenge_id": challengeID,
		"sequence":     sequence,
		"sent_at":      c.Now().UTC().Format(time.RFC3339),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type RetryResult struct {
	Challenge  models.ProvisioningChallenge `json:"provisioning_challenge"`
	Window     models.MinuteWindow          `json:"minute_window"`
	RetryCount int                          `json:"retry_count"`
	MaxRetries int                          `json:"max_retries"`
}

func (c *Client) RetryProvisioning(ctx context.Context) (*RetryResult, error) {
	var out RetryResult
	if err := c.call(ctx, http.MethodPost, "/agents/provisioning/retry", c.APIKey, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type AuthorizeResult struct {
	Allowed bool          `json:"allowed"`
	AgentID string        `json:"agent_id"`
	Status  models.Status `json:"status"`
	Action  models.Action `json:"action"`
}

// Authorize asks the gateway for admission before the agent performs a
// privileged action. A policy rejection comes back as an *APIError carrying
// the denial code and retry hint.
func (c *Client) Authorize(ctx context.Context, action models.Action) (*AuthorizeResult, error) {
	var out AuthorizeResult
	err := c.call(ctx, http.MethodPost, "/agents/actions/authorize", c.AccessToken, map[string]any{
		"action": string(action),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type RecoverResult struct {
	Agent  models.Agent `json:"agent"`
	APIKey string       `json:"api_key"`
}

// RecoverWithCode rebinds the named agent to a new device key using a
// single-use recovery code. The fresh API key is stored on the client; any
// previously held access token is dropped because the gateway revoked it.
func (c *Client) RecoverWithCode(ctx context.Context, agentName, recoveryCode string, newSigner DeviceSigner) (*RecoverResult, error) {
	var out RecoverResult
	err := c.call(ctx, http.MethodPost, "/agents/recover", "", map[string]any{
		"method":                "recovery_code",
		"agent_name":            agentName,
		"recovery_code":         recoveryCode,
		"new_device_public_key": newSigner.PublicKeyBase64(),
	}, &out)
	if err != nil {
		return nil, err
	}
	c.APIKey = out.APIKey
	c.AccessToken = ""
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path, bearer string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decode response status=%d: %w", resp.StatusCode, err)
	}
	if !env.Success {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "UNKNOWN", Message: "gateway returned failure without error body"}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Package keystore issues, resolves and revokes agent credentials against the
// durable row-store.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"agentpress/pkg/credential"
	"agentpress/pkg/models"
)

// RotationGrace is how long a rotated-out API key keeps resolving. In-flight
// requests signed against the old key during a rollover must not fail.
const RotationGrace = 5 * time.Minute

// DefaultAccessTokenTTL bounds the life of an exchanged access token.
const DefaultAccessTokenTTL = time.Hour

var (
	// ErrTokenExpired distinguishes "re-authenticate" from a hard miss.
	ErrTokenExpired = errors.New("access token expired")
	// ErrDuplicateDeviceKey signals a device public key already bound to
	// another agent.
	ErrDuplicateDeviceKey = errors.New("device public key already registered")
)

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// asyncRunner decouples opportunistic bookkeeping (last-used stamps) from the
// request path. pkg/tasks satisfies it.
type asyncRunner interface {
	Submit(name string, fn func(context.Context) error) bool
}

type Store struct {
	DB             DB
	Codec          *credential.Codec
	Async          asyncRunner
	AccessTokenTTL time.Duration

	Now func() time.Time
}

func New(db DB, codec *credential.Codec, async asyncRunner) *Store {
	return &Store{
		DB:             db,
		Codec:          codec,
		Async:          async,
		AccessTokenTTL: DefaultAccessTokenTTL,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// CreateAgent inserts the agent row in provisioning state. The device public
// key is unique across agents.
func (s *Store) CreateAgent(ctx context.Context, name, runtimeType, devicePublicKey string) (*models.Agent, error) {
	var existing int
	row := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE user_type='agent' AND device_public_key=$1`, devicePublicKey)
	if err := row.Scan(&existing); err != nil {
		return nil, fmt.Errorf("check device key: %w", err)
	}
	if existing > 0 {
		return nil, ErrDuplicateDeviceKey
	}
	agent := &models.Agent{
		ID:              uuid.NewString(),
		Name:            name,
		RuntimeType:     runtimeType,
		DevicePublicKey: devicePublicKey,
		Status:          models.StatusProvisioning,
		CreatedAt:       s.Now(),
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO users (id, user_type, name, runtime_type, device_public_key, agent_status, created_at)
		VALUES ($1,'agent',$2,$3,$4,$5,$6)
	`, agent.ID, agent.Name, agent.RuntimeType, agent.DevicePublicKey, string(agent.Status), agent.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return agent, nil
}

// GetAgent loads one agent row. Returns (nil, nil) when the id is unknown.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	return s.scanAgent(s.DB.QueryRow(ctx, `
		SELECT id, name, runtime_type, device_public_key, agent_status, last_heartbeat_at, created_at
		FROM users WHERE user_type='agent' AND id=$1
	`, agentID))
}

// GetAgentByName loads one agent row by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	return s.scanAgent(s.DB.QueryRow(ctx, `
		SELECT id, name, runtime_type, device_public_key, agent_status, last_heartbeat_at, created_at
		FROM users WHERE user_type='agent' AND name=$1
	`, name))
}

// UpdateDeviceKey rebinds the agent to a new device public key (recovery
// path). The uniqueness rule still applies.
func (s *Store) UpdateDeviceKey(ctx context.Context, agentID, devicePublicKey string) error {
	var existing int
	row := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE user_type='agent' AND device_public_key=$1 AND id<>$2`, devicePublicKey, agentID)
	if err := row.Scan(&existing); err != nil {
		return fmt.Errorf("check device key: %w", err)
	}
	if existing > 0 {
		return ErrDuplicateDeviceKey
	}
	_, err := s.DB.Exec(ctx, `UPDATE users SET device_public_key=$1 WHERE user_type='agent' AND id=$2`, devicePublicKey, agentID)
	if err != nil {
		return fmt.Errorf("update device key: %w", err)
	}
	return nil
}

// RecordHeartbeat stamps last_heartbeat_at.
func (s *Store) RecordHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `UPDATE users SET last_heartbeat_at=$1 WHERE user_type='agent' AND id=$2`, at, agentID)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// IssueAPIKey generates and persists a new key row and returns the one-time
// plaintext. The plaintext is never retrievable again.
func (s *Store) IssueAPIKey(ctx context.Context, agentID string) (string, error) {
	plaintext, prefix, err := s.Codec.GenerateAPIKey()
	if err != nil {
		return "", err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO api_keys (id, agent_id, prefix, key_hash, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, uuid.NewString(), agentID, prefix, s.Codec.HashSecret(plaintext), s.Now())
	if err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return plaintext, nil
}

// ResolveAPIKey maps a presented plaintext key to its agent. The prefix
// narrows the candidate set so only same-prefix hashes are compared, and the
// comparison runs over every candidate regardless of an early match. Any
// mismatch yields (nil, nil); the caller cannot distinguish a wrong secret
// from an unknown prefix.
func (s *Store) ResolveAPIKey(ctx context.Context, plaintext string) (*models.Agent, error) {
	prefix, ok := credential.LookupPrefix(plaintext)
	if !ok {
		return nil, nil
	}
	now := s.Now()
	rows, err := s.DB.Query(ctx, `
		SELECT id, agent_id, key_hash FROM api_keys
		WHERE prefix=$1 AND (revoked_at IS NULL OR revoked_at > $2)
	`, prefix, now)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()
	presented := s.Codec.HashSecret(plaintext)
	var matchedKeyID, matchedAgentID string
	for rows.Next() {
		var keyID, agentID, keyHash string
		if err := rows.Scan(&keyID, &agentID, &keyHash); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if credential.Equal(presented, keyHash) {
			matchedKeyID = keyID
			matchedAgentID = agentID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	if matchedKeyID == "" {
		return nil, nil
	}
	s.touchKey(matchedKeyID, now)
	return s.GetAgent(ctx, matchedAgentID)
}

// RotateAPIKeys issues a fresh key and grace-revokes every other key the
// agent holds. The old keys stop resolving RotationGrace after the call, not
// immediately.
func (s *Store) RotateAPIKeys(ctx context.Context, agentID string) (string, error) {
	plaintext, err := s.IssueAPIKey(ctx, agentID)
	if err != nil {
		return "", err
	}
	prefix, _ := credential.LookupPrefix(plaintext)
	cutoff := s.Now().Add(RotationGrace)
	_, err = s.DB.Exec(ctx, `
		UPDATE api_keys SET revoked_at=$1
		WHERE agent_id=$2 AND prefix<>$3 AND (revoked_at IS NULL OR revoked_at > $1)
	`, cutoff, agentID, prefix)
	if err != nil {
		return "", fmt.Errorf("grace-revoke old keys: %w", err)
	}
	return plaintext, nil
}

// IssueAccessToken exchanges a proven API key for a short-lived bearer token.
func (s *Store) IssueAccessToken(ctx context.Context, agentID string) (string, time.Time, error) {
	token, err := s.Codec.GenerateAccessToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := s.Now().Add(s.AccessTokenTTL)
	_, err = s.DB.Exec(ctx, `
		INSERT INTO access_tokens (id, agent_id, token_hash, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, uuid.NewString(), agentID, s.Codec.HashSecret(token), expiresAt, s.Now())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("insert access token: %w", err)
	}
	return token, expiresAt, nil
}

// ResolveAccessToken maps a presented token to its agent. A revoked or
// unknown token yields (nil, nil); a token past its expiry yields
// ErrTokenExpired so the caller can signal re-authentication instead of a
// hard denial.
func (s *Store) ResolveAccessToken(ctx context.Context, token string) (*models.Agent, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT agent_id, expires_at FROM access_tokens
		WHERE token_hash=$1 AND revoked_at IS NULL
	`, s.Codec.HashSecret(token))
	var agentID string
	var expiresAt time.Time
	if err := row.Scan(&agentID, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query access token: %w", err)
	}
	if !s.Now().Before(expiresAt) {
		return nil, ErrTokenExpired
	}
	return s.GetAgent(ctx, agentID)
}

// RevokeAccessTokens invalidates every live token the agent holds (used when
// a device key is rebound during recovery).
func (s *Store) RevokeAccessTokens(ctx context.Context, agentID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE access_tokens SET revoked_at=$1
		WHERE agent_id=$2 AND revoked_at IS NULL
	`, s.Now(), agentID)
	if err != nil {
		return fmt.Errorf("revoke access tokens: %w", err)
	}
	return nil
}

// StoreRecoveryCodes persists hashed single-use recovery codes.
func (s *Store) StoreRecoveryCodes(ctx context.Context, agentID string, codes []string) error {
	now := s.Now()
	for _, code := range codes {
		_, err := s.DB.Exec(ctx, `
			INSERT INTO recovery_codes (id, agent_id, code_hash, created_at)
			VALUES ($1,$2,$3,$4)
		`, uuid.NewString(), agentID, s.Codec.HashSecret(code), now)
		if err != nil {
			return fmt.Errorf("insert recovery code: %w", err)
		}
	}
	return nil
}

// ConsumeRecoveryCode burns one unused recovery code. Returns false when the
// code does not match any unused row for the agent.
func (s *Store) ConsumeRecoveryCode(ctx context.Context, agentID, code string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE recovery_codes SET used_at=$1
		WHERE agent_id=$2 AND code_hash=$3 AND used_at IS NULL
	`, s.Now(), agentID, s.Codec.HashSecret(code))
	if err != nil {
		return false, fmt.Errorf("consume recovery code: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) touchKey(keyID string, at time.Time) {
	update := func(ctx context.Context) error {
		_, err := s.DB.Exec(ctx, `UPDATE api_keys SET last_used_at=$1 WHERE id=$2`, at, keyID)
		return err
	}
	if s.Async != nil {
		s.Async.Submit("apikey.touch", update)
		return
	}
	// No runner wired: do it inline but never let it fail resolution.
	_ = update(context.Background())
}

func (s *Store) scanAgent(row pgx.Row) (*models.Agent, error) {
	var agent models.Agent
	var status string
	var lastHeartbeat *time.Time
	err := row.Scan(&agent.ID, &agent.Name, &agent.RuntimeType, &agent.DevicePublicKey, &status, &lastHeartbeat, &agent.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	agent.Status = models.ParseStatus(status)
	agent.LastHeartbeatAt = lastHeartbeat
	return &agent, nil
}

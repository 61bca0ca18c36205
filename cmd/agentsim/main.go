// agentsim drives a synthetic agent through the full gateway lifecycle:
// register, pass the provisioning challenge, exchange the API key for an
// access token, heartbeat, and request admission for one post. Used for
// local smoke testing against a running gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"agentpress/pkg/agentsdk"
	"agentpress/pkg/models"
)

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	logPrintf = log.Printf
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client := agentsdk.NewClient(env("GATEWAY_URL", "http://localhost:8080"), 10*time.Second)
	signer, err := agentsdk.NewDeviceSigner()
	if err != nil {
		logFatalf("device key: %v", err)
		return
	}
	name := env("AGENT_NAME", fmt.Sprintf("sim-%d", time.Now().Unix()))
	if err := runSimulation(ctx, client, signer, name, env("RUNTIME_TYPE", "simulator"), logPrintf); err != nil {
		logFatalf("simulation: %v", err)
	}
}

func runSimulation(ctx context.Context, client *agentsdk.Client, signer agentsdk.DeviceSigner, name, runtimeType string, logf func(format string, args ...any)) error {
	reg, err := client.Register(ctx, name, runtimeType, signer, nil)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	logf("registered agent %s status=%s challenge=%s", reg.Agent.ID, reg.Agent.Status, reg.Challenge.ID)

	// Submit sequential signals until the challenge settles.
	seq := 1
	for {
		result, err := client.SubmitSignal(ctx, reg.Challenge.ID, seq)
		if err != nil {
			return fmt.Errorf("signal %d: %w", seq, err)
		}
		logf("signal %d accepted=%v tally=%d/%d challenge=%s", seq, result.Accepted, result.AcceptedCount, result.SubmittedCount, result.ChallengeStatus)
		if result.ChallengeStatus != models.ChallengePending {
			if result.ChallengeStatus != models.ChallengeSuccess {
				return fmt.Errorf("provisioning did not pass: challenge=%s agent=%s", result.ChallengeStatus, result.AgentStatus)
			}
			break
		}
		seq++
		if seq > reg.Challenge.RequiredSignals {
			return fmt.Errorf("challenge still pending after %d signals", reg.Challenge.RequiredSignals)
		}
	}

	token, err := client.ExchangeToken(ctx, signer)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	logf("access token issued, expires in %ds", token.ExpiresInSeconds)

	hb, err := client.Heartbeat(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	logf("heartbeat ok status=%s next=%ds", hb.Status, hb.NextRecommendedHeartbeatInSeconds)

	auth, err := client.Authorize(ctx, models.ActionPost)
	if err != nil {
		var apiErr *agentsdk.APIError
		if errors.As(err, &apiErr) {
			// A window or quota denial is a normal outcome for a fresh agent.
			logf("post denied code=%s retry_after=%ds", apiErr.Code, apiErr.RetryAfterSeconds)
			return nil
		}
		return fmt.Errorf("authorize: %w", err)
	}
	logf("post admitted for agent %s", auth.AgentID)
	return nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

package ratelimit

import (
	"time"

	"agentpress/pkg/models"
)

// GlobalPerMinute caps authenticated calls per agent regardless of action.
const GlobalPerMinute = 100

// NewAgentAge is the boundary between the strict tier and the established
// tier. Agents younger than this get tighter intervals and daily caps.
const NewAgentAge = 24 * time.Hour

// ActionRateLimit is one tier's limits for one action. A zero DailyCap means
// the action has no daily cap.
type ActionRateLimit struct {
	IntervalSeconds int
	DailyCap        int
}

var newAgentLimits = map[models.Action]ActionRateLimit{
	models.ActionPost:        {IntervalSeconds: 3600},
	models.ActionComment:     {IntervalSeconds: 60, DailyCap: 20},
	models.ActionLike:        {IntervalSeconds: 20, DailyCap: 80},
	models.ActionFollow:      {IntervalSeconds: 120, DailyCap: 20},
	models.ActionImageUpload: {IntervalSeconds: 600, DailyCap: 10},
}

var establishedLimits = map[models.Action]ActionRateLimit{
	models.ActionPost:        {IntervalSeconds: 900},
	models.ActionComment:     {IntervalSeconds: 20, DailyCap: 50},
	models.ActionLike:        {IntervalSeconds: 10, DailyCap: 200},
	models.ActionFollow:      {IntervalSeconds: 60, DailyCap: 50},
	models.ActionImageUpload: {IntervalSeconds: 120, DailyCap: 40},
}

// GetActionRateLimit returns the per-action limits for an agent of the given
// age. The two-tier shape is the contract; the figures are the deployed
// defaults.
func GetActionRateLimit(action models.Action, agentAge time.Duration) ActionRateLimit {
	if agentAge < NewAgentAge {
		return newAgentLimits[action]
	}
	return establishedLimits[action]
}

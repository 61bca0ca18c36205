package ratelimit

import (
	"time"

	"agentpress/pkg/models"
)

const secondsPerHour = 3600

// CircularDistance returns the shortest distance in seconds between two
// offsets within the clock hour, wrapping at the hour boundary.
func CircularDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if wrapped := secondsPerHour - d; wrapped < d {
		return wrapped
	}
	return d
}

// CheckWindow reports whether "now" falls inside the minute window: within
// toleranceSeconds of the target minute's second-offset, circularly. On
// rejection retryAfterSeconds is the wait until the next window start.
func CheckWindow(now time.Time, targetMinute, toleranceSeconds int) (allowed bool, retryAfterSeconds int) {
	nowOffset := now.Minute()*60 + now.Second()
	target := targetMinute * 60
	if CircularDistance(nowOffset, target) <= toleranceSeconds {
		return true, 0
	}
	start := target - toleranceSeconds
	for start < 0 {
		start += secondsPerHour
	}
	wait := (start - nowOffset) % secondsPerHour
	if wait <= 0 {
		wait += secondsPerHour
	}
	return false, wait
}

// CheckActionWindow applies CheckWindow for a gated action. Non-gated actions
// are always allowed.
func CheckActionWindow(window models.MinuteWindow, action models.Action, now time.Time) (bool, int) {
	if !action.TimeGated() {
		return true, 0
	}
	return CheckWindow(now, window.Minute(action), window.ToleranceSeconds)
}

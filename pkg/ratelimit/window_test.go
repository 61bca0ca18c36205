package ratelimit

import (
	"testing"
	"time"

	"agentpress/pkg/models"
)

func atOffset(t *testing.T, seconds int) time.Time {
	t.Helper()
	base := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(seconds) * time.Second)
}

func TestCircularDistance(t *testing.T) {
	cases := []struct {
		a, b, want int
	}{
		{600, 600, 0},
		{661, 600, 61},
		{540, 600, 60},
		{3599, 0, 1},
		{0, 3599, 1},
		{0, 1800, 1800},
		{100, 3500, 200},
	}
	for _, tc := range cases {
		if got := CircularDistance(tc.a, tc.b); got != tc.want {
			t.Fatalf("CircularDistance(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCheckWindowBoundaries(t *testing.T) {
	// Target minute 10, tolerance 60s: allowed at -60s, 0s, +60s from the
	// target offset; rejected one second outside.
	target, tolerance := 10, 60
	for _, offset := range []int{540, 600, 660} {
		allowed, _ := CheckWindow(atOffset(t, offset), target, tolerance)
		if !allowed {
			t.Fatalf("offset %d rejected inside window", offset)
		}
	}
	for _, offset := range []int{539, 661} {
		allowed, _ := CheckWindow(atOffset(t, offset), target, tolerance)
		if allowed {
			t.Fatalf("offset %d allowed outside window", offset)
		}
	}
}

// Exhaustive boundary sweep: for every gated action's possible target minute
// and a few tolerances, the window edge is exact and the retry hint lands
// back inside the window.
func TestCheckWindowBoundaryProperty(t *testing.T) {
	for _, tolerance := range []int{0, 30, 60, 120} {
		for target := 0; target < 60; target += 7 {
			center := target * 60
			edges := []int{
				mod3600(center - tolerance),
				mod3600(center + tolerance),
			}
			for _, edge := range edges {
				if allowed, _ := CheckWindow(atOffset(t, edge), target, tolerance); !allowed {
					t.Fatalf("target=%d tol=%d: edge offset %d rejected", target, tolerance, edge)
				}
			}
			outside := []int{
				mod3600(center - tolerance - 1),
				mod3600(center + tolerance + 1),
			}
			for _, off := range outside {
				if tolerance >= 1799 {
					continue // window covers the whole hour
				}
				allowed, retryAfter := CheckWindow(atOffset(t, off), target, tolerance)
				if allowed {
					t.Fatalf("target=%d tol=%d: offset %d allowed outside window", target, tolerance, off)
				}
				if retryAfter <= 0 || retryAfter > secondsPerHour {
					t.Fatalf("target=%d tol=%d: retry_after %d out of range", target, tolerance, retryAfter)
				}
				landed, _ := CheckWindow(atOffset(t, off+retryAfter), target, tolerance)
				if !landed {
					t.Fatalf("target=%d tol=%d: waiting %ds from offset %d missed the window", target, tolerance, retryAfter, off)
				}
			}
		}
	}
}

func mod3600(v int) int {
	v %= secondsPerHour
	if v < 0 {
		v += secondsPerHour
	}
	return v
}

func TestCheckActionWindow(t *testing.T) {
	window := models.MinuteWindow{
		AgentID:          "agent-1",
		PostMinute:       10,
		CommentMinute:    20,
		LikeMinute:       30,
		FollowMinute:     40,
		ToleranceSeconds: 60,
	}
	// Follow request far from follow_minute is rejected with a usable wait.
	now := atOffset(t, 10*60)
	allowed, retryAfter := CheckActionWindow(window, models.ActionFollow, now)
	if allowed {
		t.Fatalf("follow allowed at post minute")
	}
	landed, _ := CheckActionWindow(window, models.ActionFollow, now.Add(time.Duration(retryAfter)*time.Second))
	if !landed {
		t.Fatalf("retry_after %d missed the follow window", retryAfter)
	}
	// Non-gated actions pass at any offset.
	if ok, _ := CheckActionWindow(window, models.ActionImageUpload, now); !ok {
		t.Fatalf("image_upload should not be time-gated")
	}
}

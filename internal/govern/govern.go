// Package govern holds the pure rate-policy functions: humanized delays,
// quota checks, and the working-hours gate.
package govern

import (
	"context"
	"math/rand"
	"time"

	"tgharvest/internal/config"
	"tgharvest/internal/model"
)

// OutsideHoursPause is how long callers suspend before re-checking the
// working-hours gate.
const OutsideHoursPause = 30 * time.Minute

// RandomDelay suspends for a duration sampled uniformly from [min, max].
// Used before every join and between message fetches so request timing
// never looks machine-generated.
func RandomDelay(ctx context.Context, min, max time.Duration) error {
	return Sleep(ctx, randomBetween(min, max))
}

func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Sleep suspends for d, returning early if ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithinWorkingHours reports whether now falls inside [startHour, endHour).
func WithinWorkingHours(now time.Time, startHour, endHour int) bool {
	h := now.Hour()
	return h >= startHour && h < endHour
}

// HasQuota reports whether today's join counter is still under the daily
// ceiling. The hourly ceiling is advisory (see HasHourlyHeadroom); no
// stateful hourly counter exists.
func HasQuota(u model.Usage, limits config.RateLimits) bool {
	return u.GroupsJoined < limits.MaxGroupsPerDay
}

// HasHourlyHeadroom applies the advisory hourly ceiling when the caller
// tracked joins within the current hour.
func HasHourlyHeadroom(hourJoins int, limits config.RateLimits) bool {
	if limits.MaxGroupsPerHour <= 0 {
		return true
	}
	return hourJoins < limits.MaxGroupsPerHour
}

// JoinDelayRange converts the configured join delay bounds.
func JoinDelayRange(limits config.RateLimits) (time.Duration, time.Duration) {
	return time.Duration(limits.JoinDelayMin) * time.Second,
		time.Duration(limits.JoinDelayMax) * time.Second
}

// FetchDelayRange converts the configured fetch delay bounds.
func FetchDelayRange(limits config.RateLimits) (time.Duration, time.Duration) {
	return time.Duration(limits.FetchDelayMin) * time.Second,
		time.Duration(limits.FetchDelayMax) * time.Second
}

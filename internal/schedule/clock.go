package schedule

import (
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// idleFloor is the forced delay when a check is due but cannot run:
// the device has no management endpoint yet, or updates are disabled.
// Without it the run loop would re-arm a zero timer forever.
const idleFloor = 60 * time.Second

// Clock computes delays for the update check loop and the apply window.
type Clock struct {
	Schedule      string // cron expression for update checks
	ApplySchedule string // cron expression for the apply window
	Period        time.Duration
	Jitter        time.Duration

	// rand source, replaceable in tests
	randInt63n func(n int64) int64
}

// NewClock builds a Clock from the configured schedule values.
func NewClock(schedule, applySchedule string, period, jitter time.Duration) *Clock {
	if period <= 0 {
		period = 24 * time.Hour
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Clock{
		Schedule:      schedule,
		ApplySchedule: applySchedule,
		Period:        period,
		Jitter:        jitter,
		randInt63n:    rand.Int63n,
	}
}

// NextCheckDelay returns how long to wait before the next update check.
//
// With a known lastUpdate the base delay is lastUpdate+period-now; once
// the period has elapsed the cron schedule decides whether the check may
// fire in the current window. An unprovisioned device never fires
// immediately. A positive delay (or disabled updates) gets the random
// jitter added before re-arming; a zero delay means fire now.
func (c *Clock) NextCheckDelay(now time.Time, lastUpdate *time.Time, enabled, provisioned bool) time.Duration {
	var delay time.Duration
	if lastUpdate != nil {
		delay = lastUpdate.Add(c.Period).Sub(now)
		if delay < 0 {
			delay = c.cronDelay(now)
		}
	}

	if !provisioned && delay <= 0 {
		return idleFloor
	}

	if delay > 0 || !enabled {
		delay += c.randomJitter()
	}
	if !enabled && delay <= 0 {
		// a skipped cycle must still re-arm with a real wait
		return idleFloor
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// NextDelayAfterCycle returns the delay to the cycle after a just
// completed one: the next cron match at or after now+period, plus
// jitter, so checks are spaced at least one period apart even under
// clock drift.
func (c *Clock) NextDelayAfterCycle(now time.Time) time.Duration {
	base := now.Add(c.Period)

	sched, err := cron.ParseStandard(c.Schedule)
	if err != nil {
		log.Errorf("malformed update schedule %q, falling back to period: %v", c.Schedule, err)
		return c.failSafeDelay() + c.randomJitter()
	}

	return sched.Next(base).Sub(now) + c.randomJitter()
}

// NextApplyDelay returns the delay until the next match of the apply
// cron expression at or after now.
func (c *Clock) NextApplyDelay(now time.Time) time.Duration {
	return cronDelayAt(c.ApplySchedule, now, c.Period)
}

// cronDelay returns the time until the check schedule matches, treating
// the current minute as an acceptable match so an overdue check can
// fire immediately inside its window.
func (c *Clock) cronDelay(now time.Time) time.Duration {
	sched, err := cron.ParseStandard(c.Schedule)
	if err != nil {
		log.Errorf("malformed update schedule %q, falling back to period: %v", c.Schedule, err)
		return c.failSafeDelay()
	}

	// Next is strictly-after; step back to the start of the current
	// minute so an expression matching "now" yields zero.
	next := sched.Next(now.Truncate(time.Minute).Add(-time.Second))
	if !next.After(now) {
		return 0
	}
	return next.Sub(now)
}

func cronDelayAt(expr string, now time.Time, fallback time.Duration) time.Duration {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		log.Errorf("malformed apply schedule %q, falling back to %v: %v", expr, fallback, err)
		return fallback
	}

	next := sched.Next(now.Truncate(time.Minute).Add(-time.Second))
	if !next.After(now) {
		return 0
	}
	return next.Sub(now)
}

// failSafeDelay is the re-arm delay when the cron expression cannot be
// parsed: the configured period, but never less than an hour, so a bad
// config cannot turn the loop into a tight retry.
func (c *Clock) failSafeDelay() time.Duration {
	if c.Period < time.Hour {
		return time.Hour
	}
	return c.Period
}

// randomJitter returns a uniformly random offset in [0, Jitter). A zero
// jitter yields zero without touching the rand source.
func (c *Clock) randomJitter() time.Duration {
	if c.Jitter <= 0 {
		return 0
	}
	return time.Duration(c.randInt63n(int64(c.Jitter)))
}

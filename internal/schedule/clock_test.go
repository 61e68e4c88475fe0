package schedule

import (
	"testing"
	"time"
)

var testNow = time.Date(2026, 8, 24, 10, 30, 30, 0, time.UTC)

func fixedClock(schedule string, period, jitter time.Duration) *Clock {
	c := NewClock(schedule, "0 3 * * *", period, jitter)
	return c
}

func TestCheckDueFiresImmediately(t *testing.T) {
	c := fixedClock("* * * * *", 24*time.Hour, 0)

	last := testNow.Add(-24*time.Hour - time.Second)
	delay := c.NextCheckDelay(testNow, &last, true, true)
	if delay > 0 {
		t.Fatalf("expected immediate fire, got %v", delay)
	}
}

func TestCheckNotDueReturnsRemainingPeriod(t *testing.T) {
	c := fixedClock("* * * * *", 24*time.Hour, 0)

	last := testNow
	delay := c.NextCheckDelay(testNow, &last, true, true)
	if delay != 24*time.Hour {
		t.Fatalf("expected 24h delay, got %v", delay)
	}
}

func TestUnprovisionedFloorIsExactlySixtySeconds(t *testing.T) {
	c := fixedClock("* * * * *", 24*time.Hour, 10*time.Minute)

	last := testNow.Add(-48 * time.Hour)
	delay := c.NextCheckDelay(testNow, &last, true, false)
	if delay != 60*time.Second {
		t.Fatalf("expected exactly 60s, got %v", delay)
	}

	// no lastUpdate at all behaves the same
	delay = c.NextCheckDelay(testNow, nil, true, false)
	if delay != 60*time.Second {
		t.Fatalf("expected exactly 60s with nil lastUpdate, got %v", delay)
	}
}

func TestJitterBounds(t *testing.T) {
	const jitter = 10 * time.Minute
	c := fixedClock("* * * * *", 24*time.Hour, jitter)

	last := testNow
	for i := 0; i < 200; i++ {
		delay := c.NextCheckDelay(testNow, &last, true, true)
		added := delay - 24*time.Hour
		if added < 0 || added >= jitter {
			t.Fatalf("jitter component %v outside [0, %v)", added, jitter)
		}
	}
}

func TestZeroJitterDoesNotPanic(t *testing.T) {
	c := fixedClock("* * * * *", 24*time.Hour, 0)
	c.randInt63n = func(n int64) int64 {
		t.Fatal("rand source must not be consulted for zero jitter")
		return 0
	}

	last := testNow
	if delay := c.NextCheckDelay(testNow, &last, true, true); delay != 24*time.Hour {
		t.Fatalf("expected bare period, got %v", delay)
	}
}

func TestDisabledUpdatesStillReArm(t *testing.T) {
	c := fixedClock("* * * * *", 24*time.Hour, 0)

	// overdue, zero jitter: the skipped cycle must not re-arm at zero,
	// the run loop would spin
	last := testNow.Add(-48 * time.Hour)
	delay := c.NextCheckDelay(testNow, &last, false, true)
	if delay <= 0 {
		t.Fatalf("disabled updates must re-arm with a positive delay, got %v", delay)
	}

	// fresh install (nil lastUpdate) with updates disabled behaves the same
	for i := 0; i < 5; i++ {
		if delay := c.NextCheckDelay(testNow, nil, false, true); delay != idleFloor {
			t.Fatalf("expected %v floor while disabled, got %v", idleFloor, delay)
		}
	}
}

func TestOverduePeriodDefersToCronWindow(t *testing.T) {
	// checks allowed at 02:00 only; now is 10:30
	c := fixedClock("0 2 * * *", 24*time.Hour, 0)

	last := testNow.Add(-48 * time.Hour)
	delay := c.NextCheckDelay(testNow, &last, true, true)

	want := time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC).Sub(testNow)
	if delay != want {
		t.Fatalf("expected delay to next 02:00 (%v), got %v", want, delay)
	}
}

func TestMalformedCronFallsBackToPeriod(t *testing.T) {
	c := fixedClock("not a cron expr", 6*time.Hour, 0)

	last := testNow.Add(-12 * time.Hour)
	delay := c.NextCheckDelay(testNow, &last, true, true)
	if delay != 6*time.Hour {
		t.Fatalf("expected period fallback, got %v", delay)
	}

	if delay := c.NextDelayAfterCycle(testNow); delay != 6*time.Hour {
		t.Fatalf("expected period fallback after cycle, got %v", delay)
	}
}

func TestMalformedCronFallbackFloorsAtOneHour(t *testing.T) {
	c := fixedClock("not a cron expr", 5*time.Minute, 0)

	last := testNow.Add(-time.Hour)
	if delay := c.NextCheckDelay(testNow, &last, true, true); delay != time.Hour {
		t.Fatalf("short periods must not turn a bad schedule into a tight retry, got %v", delay)
	}
}

func TestNextDelayAfterCycleKeepsMinimumSpacing(t *testing.T) {
	c := fixedClock("* * * * *", 24*time.Hour, 0)

	delay := c.NextDelayAfterCycle(testNow)
	if delay < 24*time.Hour {
		t.Fatalf("spacing below one period: %v", delay)
	}
	if delay > 24*time.Hour+time.Minute {
		t.Fatalf("spacing unexpectedly large for an every-minute schedule: %v", delay)
	}
}

func TestNextApplyDelay(t *testing.T) {
	c := fixedClock("* * * * *", 24*time.Hour, 0)

	// apply window is 03:00; now is 10:30:30
	delay := c.NextApplyDelay(testNow)
	want := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC).Sub(testNow)
	if delay != want {
		t.Fatalf("expected %v until apply window, got %v", want, delay)
	}
}

package backoff_test

import (
	"testing"
	"time"

	"github.com/pithecene-io/jobforge/backoff"
)

func TestDelay_ExponentialUntilCap(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 512 * time.Second},
		{12, 2048 * time.Second},
		{13, time.Hour},  // 4096s would exceed the cap
		{50, time.Hour},  // deep attempts stay capped
		{100, time.Hour}, // shift would overflow without the guard
	}

	for _, tc := range cases {
		if got := backoff.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestDelay_StrictlyIncreasingBelowCap(t *testing.T) {
	prev := backoff.Delay(1)
	for attempt := 2; attempt <= 60; attempt++ {
		cur := backoff.Delay(attempt)
		if cur > backoff.MaxBackoff {
			t.Fatalf("Delay(%d) = %s exceeds cap", attempt, cur)
		}
		if cur < prev {
			t.Fatalf("Delay(%d) = %s decreased from %s", attempt, cur, prev)
		}
		if prev < backoff.MaxBackoff && cur <= prev {
			t.Fatalf("Delay(%d) = %s did not increase below cap", attempt, cur)
		}
		prev = cur
	}
}

func TestDelay_SubOneAttemptTreatedAsFirst(t *testing.T) {
	if got := backoff.Delay(0); got != backoff.MinBackoff {
		t.Errorf("Delay(0) = %s, want %s", got, backoff.MinBackoff)
	}
	if got := backoff.Delay(-3); got != backoff.MinBackoff {
		t.Errorf("Delay(-3) = %s, want %s", got, backoff.MinBackoff)
	}
}

func TestVirtualClock_AdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := backoff.NewVirtualClock(start)

	ch := clock.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before advance")
	default:
	}

	clock.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before deadline")
	default:
	}

	clock.Advance(5 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(start.Add(10 * time.Second)) {
			t.Errorf("fired at %s, want %s", fired, start.Add(10*time.Second))
		}
	default:
		t.Fatal("waiter did not fire at deadline")
	}

	if got := clock.Now(); !got.Equal(start.Add(10 * time.Second)) {
		t.Errorf("Now() = %s, want %s", got, start.Add(10*time.Second))
	}
}

package testutil

import (
	"testing"
	"time"
)

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	clock.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if got := clock.Now(); !got.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestTestContext_Cancelled(t *testing.T) {
	ctx := TestContext(t)
	if err := ctx.Err(); err != nil {
		t.Errorf("context should not be done yet: %v", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		t.Error("expected context to have a deadline")
	}
}

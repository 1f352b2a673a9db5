package utils

import (
	"testing"
	"time"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	c.Advance(time.Minute)
	if got := c.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Fatalf("Now() after Advance = %v", got)
	}

	select {
	case fired := <-c.After(time.Second):
		if !fired.Equal(start.Add(time.Minute + time.Second)) {
			t.Fatalf("After fired at %v", fired)
		}
	default:
		t.Fatal("After should fire immediately")
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatalf("Set did not move the clock")
	}
}

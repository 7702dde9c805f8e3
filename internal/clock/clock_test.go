package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)

	early := m.After(time.Second)
	late := m.After(time.Minute)

	m.Advance(2 * time.Second)
	select {
	case ts := <-early:
		if !ts.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("timer fired at %s, want %s", ts, start.Add(2*time.Second))
		}
	default:
		t.Fatalf("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatalf("late timer fired prematurely")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatalf("zero-duration timer should be ready")
	}
}

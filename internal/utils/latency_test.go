package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	durations := []time.Duration{50 * time.Millisecond, 10 * time.Millisecond, 30 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for _, d := range durations {
		tracker.Observe(d)
	}

	if tracker.Count() != len(durations) {
		t.Fatalf("expected count %d, got %d", len(durations), tracker.Count())
	}
	if p95 := tracker.Percentile(95); p95 < 40*time.Millisecond {
		t.Fatalf("expected percentile >= 40ms, got %v", p95)
	}
	if min := tracker.Percentile(0); min != 10*time.Millisecond {
		t.Fatalf("expected min 10ms, got %v", min)
	}
	if last := tracker.Last(); last != 40*time.Millisecond {
		t.Fatalf("expected last sample 40ms, got %v", last)
	}
}

func TestLatencyTrackerRingOverwritesOldest(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	if tracker.Count() != 3 {
		t.Fatalf("expected tracker size 3, got %d", tracker.Count())
	}
	if min := tracker.Percentile(0); min != 8*time.Millisecond {
		t.Fatalf("expected oldest retained sample 8ms, got %v", min)
	}
	if last := tracker.Last(); last != 10*time.Millisecond {
		t.Fatalf("expected last 10ms, got %v", last)
	}
}

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(0)
	if tracker.Percentile(50) != 0 || tracker.Last() != 0 {
		t.Fatalf("expected zero values for empty tracker")
	}
}

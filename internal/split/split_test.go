package split

import (
	"testing"
	"time"

	"vidmirror/internal/source"
)

func TestDurationSplitCount(t *testing.T) {
	tests := []struct {
		duration time.Duration
		max      time.Duration
		want     int
	}{
		// A 9000s video against a 3600s cap splits into 3.
		{9000 * time.Second, 3600 * time.Second, 3},
		// Exact multiples still gain a segment so each lands under the cap.
		{7200 * time.Second, 3600 * time.Second, 3},
		{3601 * time.Second, 3600 * time.Second, 2},
		{3599 * time.Second, 3600 * time.Second, 1},
		{10 * time.Second, 0, 1},
	}
	for _, tt := range tests {
		if got := DurationSplitCount(tt.duration, tt.max); got != tt.want {
			t.Errorf("DurationSplitCount(%s, %s) = %d, want %d", tt.duration, tt.max, got, tt.want)
		}
	}
}

func TestSegmentDuration(t *testing.T) {
	// 9000s into 3 parts targets 3001s per segment.
	if got := SegmentDuration(9000*time.Second, 3); got != 3001*time.Second {
		t.Errorf("SegmentDuration(9000s, 3) = %s, want 3001s", got)
	}
	if got := SegmentDuration(7200*time.Second, 3); got != 2401*time.Second {
		t.Errorf("SegmentDuration(7200s, 3) = %s, want 2401s", got)
	}
	if got := SegmentDuration(100*time.Second, 0); got != 100*time.Second {
		t.Errorf("SegmentDuration with n=0 = %s, want unchanged", got)
	}
}

func TestSizeSplitCount(t *testing.T) {
	const gb = int64(1 << 30)

	tests := []struct {
		size    int64
		max     int64
		current int
		want    int
	}{
		// Starts at max(current, 2) and grows until each share fits with
		// tolerance margin.
		{10 * gb, 4 * gb, 1, 3},
		{10 * gb, 4 * gb, 3, 3},
		{10 * gb, 4 * gb, 5, 5},
		{3 * gb, 4 * gb, 1, 2},
		{10 * gb, 0, 4, 4},
	}
	for _, tt := range tests {
		if got := SizeSplitCount(tt.size, tt.max, tt.current); got != tt.want {
			t.Errorf("SizeSplitCount(%d, %d, %d) = %d, want %d", tt.size, tt.max, tt.current, got, tt.want)
		}
	}
}

func TestSizeSplitCountMinimal(t *testing.T) {
	// The returned count is the smallest that satisfies the tolerance bound.
	const gb = int64(1 << 30)
	size, max := 10*gb, 4*gb
	n := SizeSplitCount(size, max, 1)

	withTolerance := int64(float64(max) * sizeTolerance)
	if size/int64(n) > withTolerance {
		t.Errorf("count %d does not satisfy the bound", n)
	}
	if n > 2 && size/int64(n-1) <= withTolerance {
		t.Errorf("count %d is not minimal, %d would fit", n, n-1)
	}
}

func TestNeeded(t *testing.T) {
	s := New(3600*time.Second, 1<<30)

	if s.Needed(&source.Candidate{Duration: 3000 * time.Second, Size: 100}) {
		t.Error("Needed() = true for a compliant candidate")
	}
	if !s.Needed(&source.Candidate{Duration: 4000 * time.Second, Size: 100}) {
		t.Error("Needed() = false for a duration violation")
	}
	if !s.Needed(&source.Candidate{Duration: 60 * time.Second, Size: 2 << 30}) {
		t.Error("Needed() = false for a size violation")
	}
}

func TestPlanCount(t *testing.T) {
	s := New(3600*time.Second, 4<<30)

	// Duration alone: 9000s -> 3 parts.
	if got := s.PlanCount(&source.Candidate{Duration: 9000 * time.Second}); got != 3 {
		t.Errorf("PlanCount(duration only) = %d, want 3", got)
	}
	// Size can push the count higher than the duration split requires.
	c := &source.Candidate{Duration: 9000 * time.Second, Size: 20 << 30}
	if got := s.PlanCount(c); got != 6 {
		t.Errorf("PlanCount(duration+size) = %d, want 6", got)
	}
	// Compliant candidate plans a single segment.
	if got := s.PlanCount(&source.Candidate{Duration: 60 * time.Second, Size: 100}); got != 1 {
		t.Errorf("PlanCount(compliant) = %d, want 1", got)
	}
}

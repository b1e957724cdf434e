package sched

import (
	"fmt"
	"time"

	"vidmirror/internal/quota"
)

// State carries the mutable per-run scheduling context, threaded explicitly
// through every admission call instead of living in package globals.
type State struct {
	// Window is the 24h quota window this run operates within.
	Window quota.Window

	// NextRunAt is the hard deadline: the next scheduled invocation. Every
	// suspension point re-checks it rather than oversleeping into the next
	// run.
	NextRunAt time.Time

	// RequestedRemaining counts down the CLI upload budget. Negative means
	// unlimited.
	RequestedRemaining int

	// MinSkipDuration is the watermark of the shortest candidate skipped for
	// session budget. Longer candidates short-circuit to skip without a
	// recompute; shorter ones are still tried.
	MinSkipDuration time.Duration

	// IgnoreWait disables computed wait times (CLI escape hatch).
	IgnoreWait bool
}

// NewState creates run state for the given window and deadline. requested
// caps the number of uploads this run; negative means unlimited.
func NewState(window quota.Window, nextRunAt time.Time, requested int) *State {
	return &State{
		Window:             window,
		NextRunAt:          nextRunAt,
		RequestedRemaining: requested,
	}
}

// recordSkip lowers the skip watermark to the given duration if it is the
// shortest skip seen so far.
func (s *State) recordSkip(d time.Duration) {
	if s.MinSkipDuration == 0 || d < s.MinSkipDuration {
		s.MinSkipDuration = d
	}
}

// Stats accumulates the run's outcome for the closing summary.
type Stats struct {
	// Eligible counts items that passed the live/processed/published/inflight
	// filters, not everything the sources listed.
	Eligible         int
	Fetched          int
	Uploaded         int
	Published        int
	Skipped          int
	SplitSegments    int
	Failed           int
	UploadedDuration time.Duration
}

// Summary returns the end-of-run statistics line. Callers print it only when
// at least one publish succeeded in the session.
func (s *Stats) Summary() string {
	return fmt.Sprintf("published %d of %d uploaded (%s total), %d fetched, %d skipped, %d split segments, %d failed",
		s.Published, s.Uploaded, s.UploadedDuration, s.Fetched, s.Skipped, s.SplitSegments, s.Failed)
}

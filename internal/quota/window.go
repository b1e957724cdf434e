package quota

import (
	"time"

	"vidmirror/internal/ledger"
)

// Window is the 24h duration-quota period the engine operates within for one
// run. Start anchors to the oldest still-counted ledger entry so the window
// tracks real consumption instead of the process start time.
type Window struct {
	Start time.Time
	End   time.Time
}

// ComputeWindow derives the upload window from the ledger, computed once per
// run. With an empty (or fully expired) ledger the window starts now.
// End − Start always equals the quota period.
func ComputeWindow(entries []ledger.Entry, offset time.Duration, now time.Time) Window {
	start := now
	cutoff := now.Add(-Period)
	for _, e := range entries {
		corrected := e.Timestamp.Add(-offset)
		if corrected.After(cutoff) && corrected.Before(start) {
			start = corrected
		}
	}
	return Window{Start: start, End: start.Add(Period)}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Remaining returns the time left until the window closes, clamped at zero.
func (w Window) Remaining(now time.Time) time.Duration {
	if now.After(w.End) {
		return 0
	}
	return w.End.Sub(now)
}

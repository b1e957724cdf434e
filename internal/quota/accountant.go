// Package quota reconstructs upload allowances from the ledger and decides
// when the next candidate may be submitted. The destination enforces rolling
// limits (upload seconds per 24h, videos per day, minimum spacing) but offers
// no retry-after primitive, so all of that arithmetic lives here.
package quota

import (
	"time"

	"vidmirror/internal/ledger"
)

// Period is the rolling quota window enforced by the destination.
const Period = 24 * time.Hour

// hourPeriod is the window of the legacy per-hour count cap.
const hourPeriod = time.Hour

// Policy is the destination's fixed quota policy.
type Policy struct {
	// DurationCap is the total upload duration allowed per rolling 24h.
	DurationCap time.Duration
	// DailyVideoCap is the number of uploads allowed per rolling 24h.
	DailyVideoCap int
	// MinSpacing is the minimum gap between consecutive uploads.
	MinSpacing time.Duration
	// HourlyVideoCap is the legacy per-hour count cap. Zero disables it.
	HourlyVideoCap int
}

// Snapshot is the allowance state derived from the ledger at one instant.
// It is recomputed on every call and never persisted. All timestamps are in
// local time, already corrected for the measured clock offset.
type Snapshot struct {
	Now time.Time

	RemainingDuration    time.Duration
	RemainingDailyVideos int
	RemainingHourVideos  int

	// Session counterparts, measured against the current upload window
	// rather than the trailing 24h.
	RemainingSessionDuration time.Duration
	RemainingSessionVideos   int

	// OldestToday is the oldest entry still counted in the 24h window.
	OldestToday time.Time
	// OldestThisHour is the oldest entry within the trailing hour.
	OldestThisHour time.Time
	// LatestEntry is the newest entry, basis for the spacing bound.
	LatestEntry time.Time

	// BlockingEntryTime is set when the candidate does not fit the remaining
	// duration: it is the corrected timestamp of the earliest entry whose
	// expiry frees enough headroom. Its expiry (+24h) is the duration-limit
	// wait target. Zero when the candidate fits, or can never fit.
	BlockingEntryTime time.Time

	InWindowDuration  time.Duration
	InWindowCount     int
	CandidateDuration time.Duration
}

// Accountant recomputes allowances from the ledger. It owns the compaction
// invariant: every recompute drops expired entries and rewrites the file, so
// no other call site ever has to reason about stale rows.
type Accountant struct {
	ledger *ledger.Ledger
	policy Policy

	// offset is the destination clock minus the local clock, in seconds
	// granularity. Ledger timestamps are stored in destination-clock units
	// and corrected by subtracting this before any window comparison.
	offset time.Duration
}

// NewAccountant creates an accountant over the given ledger.
func NewAccountant(l *ledger.Ledger, p Policy) *Accountant {
	return &Accountant{ledger: l, policy: p}
}

// SetClockOffset records the measured destination-minus-local clock offset.
func (a *Accountant) SetClockOffset(offset time.Duration) {
	a.offset = offset
}

// ClockOffset returns the offset currently applied to ledger timestamps.
func (a *Accountant) ClockOffset() time.Duration { return a.offset }

// Corrected converts a destination-clock timestamp to local time.
func (a *Accountant) Corrected(t time.Time) time.Time {
	return t.Add(-a.offset)
}

// Recompute derives the allowance snapshot for a candidate of the given
// duration. sessionStart is the start of the current upload window; entries
// at or after it count against the session budgets.
//
// Side effect: entries whose corrected timestamp is older than 24h are
// dropped and the ledger file rewritten. The compaction is part of every
// read so the expiry invariant is enforced in exactly one place.
func (a *Accountant) Recompute(now, sessionStart time.Time, candidate time.Duration) (*Snapshot, error) {
	entries, err := a.ledger.Read()
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-Period)
	hourCutoff := now.Add(-hourPeriod)

	kept := entries[:0]
	dropped := false
	for _, e := range entries {
		if a.Corrected(e.Timestamp).After(cutoff) {
			kept = append(kept, e)
		} else {
			dropped = true
		}
	}
	if dropped {
		if err := a.ledger.Write(kept); err != nil {
			return nil, err
		}
	}

	s := &Snapshot{Now: now, CandidateDuration: candidate}

	var sessionDuration time.Duration
	var sessionCount, hourCount int
	for _, e := range kept {
		corrected := a.Corrected(e.Timestamp)

		s.InWindowDuration += e.Duration
		s.InWindowCount++
		if s.OldestToday.IsZero() || corrected.Before(s.OldestToday) {
			s.OldestToday = corrected
		}
		if corrected.After(s.LatestEntry) {
			s.LatestEntry = corrected
		}
		if corrected.After(hourCutoff) {
			hourCount++
			if s.OldestThisHour.IsZero() || corrected.Before(s.OldestThisHour) {
				s.OldestThisHour = corrected
			}
		}
		if !corrected.Before(sessionStart) {
			sessionDuration += e.Duration
			sessionCount++
		}
	}

	s.RemainingDuration = clampDuration(a.policy.DurationCap - s.InWindowDuration)
	s.RemainingDailyVideos = clampInt(a.policy.DailyVideoCap - s.InWindowCount)
	s.RemainingSessionDuration = clampDuration(a.policy.DurationCap - sessionDuration)
	s.RemainingSessionVideos = clampInt(a.policy.DailyVideoCap - sessionCount)
	if a.policy.HourlyVideoCap > 0 {
		s.RemainingHourVideos = clampInt(a.policy.HourlyVideoCap - hourCount)
	} else {
		s.RemainingHourVideos = -1 // cap disabled
	}

	if candidate > s.RemainingDuration {
		s.BlockingEntryTime = a.findBlockingEntry(kept, candidate, s.RemainingDuration)
	}

	return s, nil
}

// findBlockingEntry scans in-window entries oldest first, accumulating the
// duration their expiry would free, and returns the corrected timestamp of
// the earliest entry at which enough headroom exists for the candidate.
// Zero if even expiring everything would not fit (candidate over the cap).
func (a *Accountant) findBlockingEntry(kept []ledger.Entry, candidate, remaining time.Duration) time.Time {
	freed := remaining
	for _, e := range kept {
		freed += e.Duration
		if freed >= candidate {
			return a.Corrected(e.Timestamp)
		}
	}
	return time.Time{}
}

func clampDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func clampInt(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

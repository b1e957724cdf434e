package quota

import "time"

// Reason identifies which quota bound produced a wait time.
type Reason int

const (
	// ReasonNone means the candidate may be submitted immediately.
	ReasonNone Reason = iota
	// ReasonMinSpacing means the minimum gap since the last upload binds.
	ReasonMinSpacing
	// ReasonDurationCap means the rolling 24h duration cap binds.
	ReasonDurationCap
	// ReasonDailyCap means the rolling 24h video-count cap binds.
	ReasonDailyCap
	// ReasonHourlyCap means the legacy per-hour count cap binds.
	ReasonHourlyCap
)

// String returns a human-readable explanation for log lines.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "no wait required"
	case ReasonMinSpacing:
		return "minimum spacing between uploads"
	case ReasonDurationCap:
		return "24h upload duration cap reached"
	case ReasonDailyCap:
		return "daily video count cap reached"
	case ReasonHourlyCap:
		return "hourly video count cap reached"
	}
	return "unknown"
}

// ResolveWait returns the earliest instant the candidate may be submitted and
// the binding reason. Four independent lower bounds are evaluated and the
// maximum wins; ties break by priority count-limit > duration-limit >
// minimum-spacing. The result is never before now.
func ResolveWait(s *Snapshot, p Policy, now time.Time) (time.Time, Reason) {
	waitUntil := now
	reason := ReasonNone

	// Evaluated in priority order; a later bound replaces the winner only
	// when strictly later, so on a tie the higher-priority reason sticks.
	consider := func(t time.Time, r Reason) {
		if !t.IsZero() && t.After(waitUntil) {
			waitUntil = t
			reason = r
		}
	}

	if s.RemainingDailyVideos <= 0 && !s.OldestToday.IsZero() {
		consider(s.OldestToday.Add(Period), ReasonDailyCap)
	}
	if p.HourlyVideoCap > 0 && s.RemainingHourVideos == 0 && !s.OldestThisHour.IsZero() {
		consider(s.OldestThisHour.Add(hourPeriod), ReasonHourlyCap)
	}
	if !s.BlockingEntryTime.IsZero() {
		consider(s.BlockingEntryTime.Add(Period), ReasonDurationCap)
	}
	if !s.LatestEntry.IsZero() && p.MinSpacing > 0 {
		consider(s.LatestEntry.Add(p.MinSpacing), ReasonMinSpacing)
	}

	return waitUntil, reason
}

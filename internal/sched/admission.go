// Package sched decides, for a stream of candidate videos, which one to
// submit next, when to submit it, when to wait and when to give up for the
// run. It is the only caller of the quota accountant and the wait resolver.
package sched

import (
	"fmt"
	"time"

	"vidmirror/internal/quota"
	"vidmirror/internal/source"
	"vidmirror/internal/split"
)

// Decision is the admission outcome for one candidate.
type Decision int

const (
	// Proceed admits the candidate, possibly after waiting.
	Proceed Decision = iota
	// Skip passes over this candidate; shorter ones may still fit.
	Skip
	// AbortBatch ends the run; no further progress is structurally possible.
	AbortBatch
)

// String returns the decision name for log lines.
func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Skip:
		return "skip"
	case AbortBatch:
		return "abort"
	}
	return "unknown"
}

// Verdict is the full admission result.
type Verdict struct {
	Decision Decision
	// WaitUntil is the earliest submission instant when Decision is Proceed.
	WaitUntil time.Time
	// Reason is the binding quota bound behind WaitUntil.
	Reason quota.Reason
	// NeedsSplit flags that the candidate violates a per-video cap and must
	// go through the splitter before upload.
	NeedsSplit bool
	// Why is a human-readable explanation for skip/abort decisions.
	Why string
}

// Controller applies the admission rules to each candidate before any
// network transfer.
type Controller struct {
	accountant *quota.Accountant
	policy     quota.Policy
	splitter   *split.Splitter
	now        func() time.Time
}

// NewController creates an admission controller.
func NewController(acct *quota.Accountant, policy quota.Policy, splitter *split.Splitter) *Controller {
	return &Controller{
		accountant: acct,
		policy:     policy,
		splitter:   splitter,
		now:        time.Now,
	}
}

// Admit evaluates the decision sequence for one candidate; the first
// matching rule wins. Skip keeps the scheduler searching for a shorter video
// that fits the remaining budget, AbortBatch stops the run when no further
// progress is possible before the window or run deadline.
func (c *Controller) Admit(state *State, cand *source.Candidate) (*Verdict, error) {
	now := c.now()

	if state.RequestedRemaining == 0 {
		return &Verdict{Decision: AbortBatch, Why: "requested upload count reached"}, nil
	}

	// Watermark short-circuit: a candidate at least as long as one already
	// skipped for budget cannot fit either, no recompute needed.
	if state.MinSkipDuration > 0 && cand.Duration >= state.MinSkipDuration {
		return &Verdict{
			Decision: Skip,
			Why:      fmt.Sprintf("duration %s at or above skip watermark %s", cand.Duration, state.MinSkipDuration),
		}, nil
	}

	snap, err := c.accountant.Recompute(now, state.Window.Start, cand.Duration)
	if err != nil {
		return nil, err
	}

	if snap.RemainingSessionVideos <= 0 {
		return &Verdict{Decision: AbortBatch, Why: "session video budget exhausted"}, nil
	}
	if snap.RemainingSessionDuration <= 0 {
		return &Verdict{Decision: AbortBatch, Why: "session duration budget exhausted"}, nil
	}

	if now.After(state.Window.End) {
		return &Verdict{Decision: AbortBatch, Why: "upload window closed"}, nil
	}

	if cand.Duration > snap.RemainingSessionDuration {
		state.recordSkip(cand.Duration)
		return &Verdict{
			Decision: Skip,
			Why: fmt.Sprintf("duration %s exceeds remaining session budget %s",
				cand.Duration, snap.RemainingSessionDuration),
		}, nil
	}

	waitUntil, reason := quota.ResolveWait(snap, c.policy, now)
	if state.IgnoreWait {
		waitUntil, reason = now, quota.ReasonNone
	}

	if waitUntil.After(state.NextRunAt) {
		return &Verdict{
			Decision: AbortBatch,
			Reason:   reason,
			Why:      fmt.Sprintf("wait until %s (%s) reaches past the next scheduled run", waitUntil.Format(time.RFC3339), reason),
		}, nil
	}
	if waitUntil.After(state.Window.End) {
		return &Verdict{
			Decision: Skip,
			Reason:   reason,
			Why:      fmt.Sprintf("wait until %s (%s) reaches past the window end", waitUntil.Format(time.RFC3339), reason),
		}, nil
	}

	return &Verdict{
		Decision:   Proceed,
		WaitUntil:  waitUntil,
		Reason:     reason,
		NeedsSplit: c.splitter != nil && c.splitter.Needed(cand),
	}, nil
}

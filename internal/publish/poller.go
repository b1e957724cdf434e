// Package publish confirms that accepted uploads actually reach the
// published state on the destination. Remote processing takes unbounded
// time, so confirmation is a bounded polling loop and the ledger keeps
// non-published entries for future runs to re-poll.
package publish

import (
	"context"
	"fmt"
	"log"
	"time"

	"vidmirror/internal/dest"
	"vidmirror/internal/ledger"
)

// defaultInterval is the fixed gap between status polls.
const defaultInterval = 30 * time.Second

// StatusClient is the slice of the destination client the poller needs.
type StatusClient interface {
	Status(ctx context.Context, id string) (*dest.VideoStatus, error)
}

// Result is the outcome of one confirmation attempt.
type Result struct {
	// Status is the final ledger status: published, failed, or the last
	// pending state seen when the deadline expired.
	Status ledger.Status
	// PublishedAt is the authoritative remote creation time, set only when
	// Status is published. Destination-clock units.
	PublishedAt time.Time
}

// Published reports whether the upload was confirmed live.
func (r *Result) Published() bool { return r.Status == ledger.StatusPublished }

// Poller drives ledger entries through the remote processing state machine:
// waiting -> processing -> ready -> published, or any of these -> failed.
type Poller struct {
	client   StatusClient
	ledger   *ledger.Ledger
	interval time.Duration

	now func() time.Time
}

// New creates a poller over the given client and ledger.
func New(client StatusClient, l *ledger.Ledger) *Poller {
	return &Poller{client: client, ledger: l, interval: defaultInterval, now: time.Now}
}

// SetInterval overrides the poll interval, used by tests and the status
// command.
func (p *Poller) SetInterval(d time.Duration) { p.interval = d }

// AwaitPublish polls the remote video until processing reaches a terminal
// state or the deadline passes. The deadline is bounded by the run's quit
// time, never infinite.
//
// On publish confirmation the ledger entry's provisional local-submission
// timestamp is replaced with the authoritative remote creation time and its
// status set to published. On an unexpected terminal status the entry is
// marked failed and not retried. On deadline expiry the entry keeps its last
// pending status so a future run can re-poll.
func (p *Poller) AwaitPublish(ctx context.Context, remoteID string, deadline time.Time) (*Result, error) {
	last := ledger.StatusWaiting
	for {
		vs, err := p.client.Status(ctx, remoteID)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", remoteID, err)
		}

		status := ledger.StatusFromRemote(vs.Status)
		if status != last {
			log.Printf("publish: %s is %s", remoteID, status)
			if err := p.ledger.Update(remoteID, func(e *ledger.Entry) {
				e.Status = status
			}); err != nil {
				return nil, err
			}
			last = status
		}

		switch status {
		case ledger.StatusPublished:
			if err := p.ledger.Update(remoteID, func(e *ledger.Entry) {
				e.Status = ledger.StatusPublished
				if !vs.CreatedAt.IsZero() {
					e.Timestamp = vs.CreatedAt
				}
			}); err != nil {
				return nil, err
			}
			return &Result{Status: ledger.StatusPublished, PublishedAt: vs.CreatedAt}, nil

		case ledger.StatusFailed:
			log.Printf("publish: %s ended in unexpected remote status %q", remoteID, vs.Status)
			return &Result{Status: ledger.StatusFailed}, nil

		case ledger.StatusWaiting, ledger.StatusProcessing, ledger.StatusReady:
			// Still pending; fall through to the deadline check.
		}

		if p.now().Add(p.interval).After(deadline) {
			log.Printf("publish: %s still %s at deadline, will re-poll next run", remoteID, last)
			return &Result{Status: last}, nil
		}

		select {
		case <-time.After(p.interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Resolve performs a single status check for an upload a previous run left
// unconfirmed, applying the same ledger transitions as AwaitPublish. Used at
// run start to settle stalled entries before any new transfer is admitted.
func (p *Poller) Resolve(ctx context.Context, remoteID string) (*Result, error) {
	return p.AwaitPublish(ctx, remoteID, p.now())
}

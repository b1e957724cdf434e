package sched

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"vidmirror/internal/dest"
	"vidmirror/internal/ledger"
	"vidmirror/internal/publish"
	"vidmirror/internal/quota"
	"vidmirror/internal/source"
	"vidmirror/internal/split"
)

// ErrStructural marks validation failures that would corrupt shared state if
// the run continued (impossible previous-part state, missing required
// fields). They are fatal: the driver aborts after logging full context.
var ErrStructural = errors.New("sched: structural failure")

// Control-flow sentinels inside the batch loop.
var (
	errSegmentSkipped = errors.New("segment skipped")
	errRunEnded       = errors.New("run ended")
)

// Uploader performs the slot-transfer-publish sequence for one file.
type Uploader interface {
	UploadVideo(ctx context.Context, filePath string, meta dest.Metadata) (*dest.PublishReceipt, error)
}

// Confirmer waits for a destination upload to reach a terminal state.
type Confirmer interface {
	AwaitPublish(ctx context.Context, remoteID string, deadline time.Time) (*publish.Result, error)
	// Resolve performs a single status check for an upload a previous run
	// left unconfirmed.
	Resolve(ctx context.Context, remoteID string) (*publish.Result, error)
}

// PartLinker edits fields of a published video, used for next-part links.
type PartLinker interface {
	EditFields(ctx context.Context, id string, fields map[string]string) error
}

// Archiver stores a confirmed artifact before its local copy is removed.
type Archiver interface {
	Store(ctx context.Context, path string) error
}

// Driver iterates candidates in strict list order, consulting the admission
// controller before every transfer. Split segments go through an explicit
// FIFO work queue and re-enter admission as independent candidates.
type Driver struct {
	Controller *Controller
	Fetcher    source.Fetcher
	Uploader   Uploader
	Confirmer  Confirmer
	Linker     PartLinker
	Splitter   *split.Splitter
	Ledger     *ledger.Ledger
	Published  *ledger.PublishedLog
	Processed  *ledger.ProcessedArchive
	Pending    *ledger.PendingLog
	Archiver   Archiver
	Policy     quota.Policy

	// WorkDir holds downloaded artifacts until publish confirmation.
	WorkDir string

	// Offset is the destination-minus-local clock offset; ledger entries are
	// written in destination-clock units.
	Offset time.Duration

	now func() time.Time
}

// clock returns the injected or wall clock.
func (d *Driver) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

// Run processes the item list until it is exhausted or the batch aborts.
// The returned error is non-nil only for fatal failures; quota exhaustion
// and deadline aborts end the run cleanly with partial statistics.
func (d *Driver) Run(ctx context.Context, items []source.Item, state *State) (*Stats, error) {
	stats := &Stats{}

	// Uploads a previous run left unconfirmed settle first: a video with an
	// upload still in flight must not be transferred a second time.
	inflight, err := d.resolvePending(ctx, stats)
	if err != nil {
		return stats, err
	}

	seen, err := d.Processed.Load()
	if err != nil {
		return stats, err
	}
	uploaded, err := d.Published.CompletedSourceIDs()
	if err != nil {
		return stats, err
	}

	for _, item := range items {
		if item.Live {
			continue
		}
		kind, id := item.Key()
		if seen[kind+" "+id] || uploaded[id] {
			continue
		}
		if inflight[id] {
			log.Printf("sched: %s still awaiting confirmation from a previous run, skipping", id)
			continue
		}
		stats.Eligible++

		err := d.processItem(ctx, state, item, stats)
		switch {
		case err == nil:
			continue
		case errors.Is(err, errSegmentSkipped):
			continue
		case errors.Is(err, errRunEnded):
			return stats, nil
		case errors.Is(err, dest.ErrQuotaExceeded):
			if err := d.recordQuotaExhaustion(); err != nil {
				return stats, err
			}
			log.Printf("sched: destination reported quota exhausted, ending run")
			return stats, nil
		case errors.Is(err, ErrStructural):
			return stats, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return stats, err
		default:
			// Transient per-candidate failure never escapes the batch loop.
			log.Printf("sched: %s failed, skipping: %v", item.ID, err)
			stats.Failed++
		}
	}
	return stats, nil
}

// processItem admits, fetches, optionally splits and uploads one source item.
func (d *Driver) processItem(ctx context.Context, state *State, item source.Item, stats *Stats) error {
	// Admission on the listed duration gates the download itself: no bytes
	// are fetched for a candidate that cannot be submitted this run.
	prelim := &source.Candidate{
		SourceID: item.ID,
		Kind:     item.Kind,
		Title:    item.Title,
		Duration: item.Duration,
	}
	verdict, err := d.Controller.Admit(state, prelim)
	if err != nil {
		return err
	}
	switch verdict.Decision {
	case Skip:
		log.Printf("sched: skip %s: %s", item.ID, verdict.Why)
		stats.Skipped++
		return errSegmentSkipped
	case AbortBatch:
		log.Printf("sched: ending run at %s: %s", item.ID, verdict.Why)
		return errRunEnded
	}
	if err := d.sleepUntil(ctx, verdict.WaitUntil, verdict.Reason, state); err != nil {
		return err
	}

	cand, err := d.Fetcher.Fetch(ctx, item, d.WorkDir)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	stats.Fetched++

	// The work queue makes split recursion explicit: segments are pushed as
	// follow-up candidates and processed strictly in part order.
	queue := []source.Candidate{*cand}
	if d.Splitter != nil && d.Splitter.Needed(cand) {
		segments, err := d.Splitter.Split(ctx, cand)
		if err != nil {
			return fmt.Errorf("split: %w", err)
		}
		os.Remove(cand.FilePath) // Segments supersede the original file
		queue = segments
		stats.SplitSegments += len(segments)
	}

	allPublished, err := d.processQueue(ctx, state, queue, stats)
	if err != nil {
		return err
	}
	if allPublished {
		if err := d.Processed.Mark(item.Kind, item.ID); err != nil {
			return err
		}
	}
	return nil
}

// processQueue drains the segment queue in strict part order, stopping at the
// first part that does not end published. A later part must never reach the
// destination before an earlier one is confirmed, so a failed, skipped or
// stalled part defers the rest of the queue to a future run; segment files
// already produced stay on disk.
func (d *Driver) processQueue(ctx context.Context, state *State, queue []source.Candidate, stats *Stats) (bool, error) {
	for i := range queue {
		published, err := d.processCandidate(ctx, state, &queue[i], stats)
		switch {
		case err == nil:
			if !published {
				return false, nil
			}
		case errors.Is(err, errSegmentSkipped):
			return false, nil
		case errors.Is(err, errRunEnded),
			errors.Is(err, dest.ErrQuotaExceeded),
			errors.Is(err, ErrStructural),
			errors.Is(err, context.Canceled):
			return false, err
		default:
			log.Printf("sched: part %d of %s failed, deferring the rest: %v",
				queue[i].PartIndex, queue[i].SourceID, err)
			stats.Failed++
			return false, nil
		}
	}
	return true, nil
}

// resolvePending settles uploads left unconfirmed by earlier runs before any
// new transfer is admitted. A confirmed upload gets its published record,
// part link and artifact cleanup now; a still-pending one keeps its row and
// its source sits out this run.
func (d *Driver) resolvePending(ctx context.Context, stats *Stats) (map[string]bool, error) {
	if d.Pending == nil {
		return nil, nil
	}
	rows, err := d.Pending.Read()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	entries, err := d.Ledger.Read()
	if err != nil {
		return nil, err
	}
	byRemote := make(map[string]ledger.Entry, len(entries))
	for _, e := range entries {
		if e.RemoteID != "" {
			byRemote[e.RemoteID] = e
		}
	}

	inflight := make(map[string]bool)
	kept := rows[:0]
	for _, row := range rows {
		entry, ok := byRemote[row.RemoteID]
		if !ok {
			// The ledger entry expired out of the quota window before the
			// upload ever confirmed; nothing left to reconcile against.
			log.Printf("sched: pending upload %s has no ledger entry, dropping", row.RemoteID)
			continue
		}

		result, err := d.Confirmer.Resolve(ctx, row.RemoteID)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			log.Printf("sched: resolve %s failed, keeping pending: %v", row.RemoteID, err)
			inflight[row.SourceID] = true
			kept = append(kept, row)
			continue
		}

		switch result.Status {
		case ledger.StatusPublished:
			log.Printf("sched: %s confirmed published from an earlier run", row.RemoteID)
			rec := ledger.PublishedRecord{
				MirrorTime: d.clock(),
				SourceID:   row.SourceID,
				RemoteID:   row.RemoteID,
				Duration:   entry.Duration,
				Part:       row.Part,
				TotalParts: row.TotalParts,
				Title:      row.Title,
			}
			if err := d.Published.Append(rec); err != nil {
				return nil, err
			}
			if err := d.linkPreviousPart(ctx, row.SourceID, row.Part, row.RemoteID); err != nil {
				return nil, err
			}
			stats.Published++
			d.finishArtifact(ctx, filepath.Join(d.WorkDir, row.FileBase))

		case ledger.StatusFailed:
			log.Printf("sched: %s from an earlier run ended failed", row.RemoteID)
			stats.Failed++

		default:
			inflight[row.SourceID] = true
			kept = append(kept, row)
		}
	}
	if err := d.Pending.Write(kept); err != nil {
		return nil, err
	}
	return inflight, nil
}

// processCandidate admits and uploads one candidate (a whole video or one
// split segment), then confirms its publish state. The bool reports whether
// the publish was confirmed before the deadline.
func (d *Driver) processCandidate(ctx context.Context, state *State, cand *source.Candidate, stats *Stats) (bool, error) {
	part, total := cand.PartIndex, cand.TotalParts
	if part == 0 {
		part = 1
	}
	if total == 0 {
		total = part
	}

	// A crash between publish confirmation and the processed mark leaves a
	// published record behind; re-uploading the same part would double-spend
	// quota and duplicate the video.
	if _, ok, err := d.Published.FindPart(cand.SourceID, part); err != nil {
		return false, err
	} else if ok {
		log.Printf("sched: %s already published, skipping upload", cand.DisplayTitle())
		d.finishArtifact(ctx, cand.FilePath)
		return true, nil
	}

	// Ordering gate: a part must not reach the destination before its
	// predecessor is confirmed published. Deferral, not failure: the file
	// stays on disk and a later run retries once the earlier part settles.
	if part > 1 {
		if _, ok, err := d.Published.FindPart(cand.SourceID, part-1); err != nil {
			return false, err
		} else if !ok {
			log.Printf("sched: part %d of %s not published yet, deferring part %d",
				part-1, cand.SourceID, part)
			return false, nil
		}
	}

	verdict, err := d.Controller.Admit(state, cand)
	if err != nil {
		return false, err
	}
	switch verdict.Decision {
	case Skip:
		log.Printf("sched: skip %s: %s", cand.DisplayTitle(), verdict.Why)
		stats.Skipped++
		return false, errSegmentSkipped
	case AbortBatch:
		log.Printf("sched: ending run at %s: %s", cand.DisplayTitle(), verdict.Why)
		return false, errRunEnded
	}
	if err := d.sleepUntil(ctx, verdict.WaitUntil, verdict.Reason, state); err != nil {
		return false, err
	}

	meta := dest.Metadata{
		Title:        cand.DisplayTitle(),
		Description:  cand.Description,
		Tags:         cand.Tags,
		ThumbnailURL: cand.ThumbnailURL,
	}
	receipt, err := d.Uploader.UploadVideo(ctx, cand.FilePath, meta)
	if err != nil {
		return false, err
	}

	// Provisional entry at the local submission time; the poller replaces it
	// with the authoritative remote creation time on confirmation.
	entry := ledger.Entry{
		Timestamp: d.clock().Add(d.Offset),
		Duration:  cand.Duration,
		RemoteID:  receipt.ID,
		Status:    ledger.StatusFromRemote(receipt.Status),
	}
	if err := d.Ledger.Append(entry); err != nil {
		return false, err
	}
	if d.Pending != nil {
		// The row ties the in-flight upload back to its source and artifact
		// so a later run can settle it if this one dies first.
		if err := d.Pending.Append(ledger.PendingUpload{
			RemoteID:   receipt.ID,
			SourceID:   cand.SourceID,
			Part:       part,
			TotalParts: total,
			FileBase:   filepath.Base(cand.FilePath),
			Title:      cand.DisplayTitle(),
		}); err != nil {
			return false, err
		}
	}

	if state.RequestedRemaining > 0 {
		state.RequestedRemaining--
	}
	stats.Uploaded++
	stats.UploadedDuration += cand.Duration

	result, err := d.Confirmer.AwaitPublish(ctx, receipt.ID, state.NextRunAt)
	if err != nil {
		return false, err
	}

	switch result.Status {
	case ledger.StatusPublished:
		stats.Published++
		rec := ledger.PublishedRecord{
			MirrorTime: d.clock(),
			SourceID:   cand.SourceID,
			RemoteID:   receipt.ID,
			Duration:   cand.Duration,
			Part:       part,
			TotalParts: total,
			Title:      cand.DisplayTitle(),
		}
		if err := d.Published.Append(rec); err != nil {
			return false, err
		}
		if err := d.linkPreviousPart(ctx, cand.SourceID, part, receipt.ID); err != nil {
			return false, err
		}
		if err := d.removePending(receipt.ID); err != nil {
			return false, err
		}
		d.finishArtifact(ctx, cand.FilePath)
		return true, nil

	case ledger.StatusFailed:
		stats.Failed++
		if err := d.removePending(receipt.ID); err != nil {
			return false, err
		}
		return false, nil

	default:
		// Still pending at the deadline; the ledger entry and the pending
		// row stay so the next run resolves it. The artifact stays on disk.
		return false, nil
	}
}

func (d *Driver) removePending(remoteID string) error {
	if d.Pending == nil {
		return nil
	}
	return d.Pending.Remove(remoteID)
}

// linkPreviousPart embeds a next-part reference on the preceding segment
// once the current one is confirmed published. The ordering gate guarantees
// the previous part has a published record by now; its absence means shared
// state changed under the run, which the engine cannot repair.
func (d *Driver) linkPreviousPart(ctx context.Context, sourceID string, part int, currentID string) error {
	if part <= 1 {
		return nil
	}
	prev, ok, err := d.Published.FindPart(sourceID, part-1)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: part %d of %s published but part %d has no published record",
			ErrStructural, part, sourceID, part-1)
	}
	if err := d.Linker.EditFields(ctx, prev.RemoteID, map[string]string{"next_part_id": currentID}); err != nil {
		return fmt.Errorf("link part %d -> %d of %s: %w", part-1, part, sourceID, err)
	}
	return nil
}

// finishArtifact archives and removes a confirmed local file. Best effort: a
// leftover file is re-collected by a later run.
func (d *Driver) finishArtifact(ctx context.Context, path string) {
	if d.Archiver != nil {
		if err := d.Archiver.Store(ctx, path); err != nil {
			log.Printf("sched: archive %s failed, keeping local copy: %v", path, err)
			return
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("sched: remove %s: %v", path, err)
	}
}

// recordQuotaExhaustion writes the synthetic full-duration-cap ledger entry
// that blocks further admission for the next 24h. It carries no remote id
// and is marked published so it never trips the pending-entries flag.
func (d *Driver) recordQuotaExhaustion() error {
	return d.Ledger.Append(ledger.Entry{
		Timestamp: d.clock().Add(d.Offset),
		Duration:  d.Policy.DurationCap,
		Status:    ledger.StatusPublished,
	})
}

// sleepUntil blocks until the given absolute instant, re-checking the run
// deadline first so the process never oversleeps into the next scheduled
// invocation.
func (d *Driver) sleepUntil(ctx context.Context, until time.Time, reason quota.Reason, state *State) error {
	now := d.clock()
	if !until.After(now) {
		return nil
	}
	if until.After(state.NextRunAt) {
		log.Printf("sched: wait until %s (%s) would cross the run deadline, ending run",
			until.Format(time.RFC3339), reason)
		return errRunEnded
	}
	log.Printf("sched: waiting %s until %s (%s)", until.Sub(now).Round(time.Second), until.Format(time.RFC3339), reason)
	select {
	case <-time.After(until.Sub(now)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

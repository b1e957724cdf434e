// Package ledger persists the upload history that quota accounting is
// reconstructed from. The ledger is a flat whitespace-separated file, one row
// per upload attempt, kept sorted ascending by timestamp. It is deliberately
// human-inspectable: every row can be read and edited with a text editor.
package ledger

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"vidmirror/internal/storage"
)

// Status is the remote processing state of a ledger entry.
type Status string

const (
	// StatusWaiting means the upload was accepted but processing has not started.
	StatusWaiting Status = "waiting"
	// StatusProcessing means the destination is transcoding the upload.
	StatusProcessing Status = "processing"
	// StatusReady means processing finished but the video is not yet public.
	StatusReady Status = "ready"
	// StatusPublished means the destination confirmed the video is live.
	StatusPublished Status = "published"
	// StatusFailed means the destination reported an unexpected terminal state.
	StatusFailed Status = "failed"
)

// ParseStatus validates a status string read from disk.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusWaiting, StatusProcessing, StatusReady, StatusPublished, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Pending reports whether the entry still needs publish confirmation.
func (s Status) Pending() bool {
	switch s {
	case StatusWaiting, StatusProcessing, StatusReady:
		return true
	}
	return false
}

// StatusFromRemote converts a destination-reported status string into the
// closed ledger enum. Anything unrecognized is an unexpected terminal state.
func StatusFromRemote(s string) Status {
	switch s {
	case "waiting":
		return StatusWaiting
	case "processing":
		return StatusProcessing
	case "ready":
		return StatusReady
	case "published":
		return StatusPublished
	default:
		return StatusFailed
	}
}

// noRemoteID is the on-disk placeholder for entries without a remote id,
// such as the synthetic full-cap entry written after a quota rejection.
const noRemoteID = "-"

// Entry is one upload attempt. Timestamp is in destination-clock units;
// callers subtract the measured clock offset before window comparisons.
type Entry struct {
	Timestamp time.Time
	Duration  time.Duration
	RemoteID  string
	Status    Status
}

// Ledger reads and rewrites the upload ledger file. All mutations are full
// read-modify-rewrite cycles; the single-instance run lock makes that safe.
type Ledger struct {
	path string
}

// Open returns a ledger backed by the given file. The file need not exist yet.
func Open(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Read parses all ledger rows, sorted ascending by timestamp. A missing file
// yields an empty ledger. Malformed rows are logged and skipped, never fatal:
// losing one row costs a little quota headroom, aborting the run costs a day.
func (l *Ledger) Read() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &storage.StorageError{Op: "read", Entity: "ledger", ID: l.path, Err: err}
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseRow(line)
		if err != nil {
			log.Printf("ledger: skipping malformed row %d in %s: %v", lineNo, l.path, err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "ledger", ID: l.path, Err: err}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// Write replaces the ledger file with the given entries, sorted ascending by
// timestamp. The rewrite is atomic (temp file + fsync + rename).
func (l *Ledger) Write(entries []Entry) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	w, err := storage.NewAtomicWriter(l.path)
	if err != nil {
		return &storage.StorageError{Op: "write", Entity: "ledger", ID: l.path, Err: err}
	}
	for _, e := range sorted {
		if _, err := fmt.Fprintln(w, formatRow(e)); err != nil {
			w.Abort()
			return &storage.StorageError{Op: "write", Entity: "ledger", ID: l.path, Err: err}
		}
	}
	if err := w.Commit(); err != nil {
		return &storage.StorageError{Op: "write", Entity: "ledger", ID: l.path, Err: err}
	}
	return nil
}

// Append adds one entry, preserving sort order.
func (l *Ledger) Append(e Entry) error {
	entries, err := l.Read()
	if err != nil {
		return err
	}
	return l.Write(append(entries, e))
}

// Update applies fn to the entry with the given remote id and rewrites the
// file. Returns storage.ErrNotFound if no entry carries that id.
func (l *Ledger) Update(remoteID string, fn func(*Entry)) error {
	if remoteID == "" || remoteID == noRemoteID {
		return &storage.StorageError{Op: "update", Entity: "ledger", Err: storage.ErrNotFound}
	}
	entries, err := l.Read()
	if err != nil {
		return err
	}
	found := false
	for i := range entries {
		if entries[i].RemoteID == remoteID {
			fn(&entries[i])
			found = true
			break
		}
	}
	if !found {
		return &storage.StorageError{Op: "update", Entity: "ledger", ID: remoteID, Err: storage.ErrNotFound}
	}
	return l.Write(entries)
}

// HasUnpublished reports whether any entry did not reach the published
// state. Failed entries count: they never transition further but still mark
// the history as incomplete for reporting.
func (l *Ledger) HasUnpublished() (bool, error) {
	entries, err := l.Read()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Status != StatusPublished {
			return true, nil
		}
	}
	return false, nil
}

func parseRow(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Entry{}, fmt.Errorf("want 4 fields, got %d", len(fields))
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("timestamp: %w", err)
	}
	dur, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("duration: %w", err)
	}
	if dur < 0 {
		return Entry{}, fmt.Errorf("negative duration %d", dur)
	}
	status, err := ParseStatus(fields[3])
	if err != nil {
		return Entry{}, err
	}
	remoteID := fields[2]
	if remoteID == noRemoteID {
		remoteID = ""
	}
	return Entry{
		Timestamp: time.Unix(ts, 0).UTC(),
		Duration:  time.Duration(dur) * time.Second,
		RemoteID:  remoteID,
		Status:    status,
	}, nil
}

func formatRow(e Entry) string {
	remoteID := e.RemoteID
	if remoteID == "" {
		remoteID = noRemoteID
	}
	return fmt.Sprintf("%d %d %s %s",
		e.Timestamp.Unix(), int64(e.Duration/time.Second), remoteID, e.Status)
}

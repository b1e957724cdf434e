package ledger

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"vidmirror/internal/storage"
)

// PendingUpload is an accepted upload that has not been confirmed published
// yet. Rows survive process death so the next run settles them instead of
// uploading the same video again.
type PendingUpload struct {
	RemoteID   string
	SourceID   string
	Part       int
	TotalParts int
	// FileBase is the artifact's file name inside the work directory, kept so
	// the file can be archived and removed once the upload confirms.
	FileBase string
	// Title is the last column and may contain whitespace.
	Title string
}

// PendingLog tracks uploads between submission and publish confirmation. A
// row is added right after the destination accepts the transfer and removed
// once the upload reaches a terminal state.
type PendingLog struct {
	path string
}

// OpenPendingLog returns a pending log backed by the given file.
func OpenPendingLog(path string) *PendingLog {
	return &PendingLog{path: path}
}

// Read parses all pending rows. A missing file yields an empty log and
// malformed rows are logged and skipped.
func (p *PendingLog) Read() ([]PendingUpload, error) {
	f, err := os.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &storage.StorageError{Op: "read", Entity: "pending", ID: p.path, Err: err}
	}
	defer f.Close()

	var rows []PendingUpload
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		row, err := parsePendingRow(line)
		if err != nil {
			log.Printf("ledger: skipping malformed pending row %d in %s: %v", lineNo, p.path, err)
			continue
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "pending", ID: p.path, Err: err}
	}
	return rows, nil
}

// Write replaces the pending log with the given rows. The rewrite is atomic.
func (p *PendingLog) Write(rows []PendingUpload) error {
	w, err := storage.NewAtomicWriter(p.path)
	if err != nil {
		return &storage.StorageError{Op: "write", Entity: "pending", ID: p.path, Err: err}
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(w, formatPendingRow(row)); err != nil {
			w.Abort()
			return &storage.StorageError{Op: "write", Entity: "pending", ID: p.path, Err: err}
		}
	}
	if err := w.Commit(); err != nil {
		return &storage.StorageError{Op: "write", Entity: "pending", ID: p.path, Err: err}
	}
	return nil
}

// Append adds one row.
func (p *PendingLog) Append(row PendingUpload) error {
	rows, err := p.Read()
	if err != nil {
		return err
	}
	return p.Write(append(rows, row))
}

// Remove drops the row with the given remote id. Removing an absent row is
// not an error: resolution paths may race a crash that already dropped it.
func (p *PendingLog) Remove(remoteID string) error {
	rows, err := p.Read()
	if err != nil {
		return err
	}
	kept := rows[:0]
	for _, row := range rows {
		if row.RemoteID != remoteID {
			kept = append(kept, row)
		}
	}
	if len(kept) == len(rows) {
		return nil
	}
	return p.Write(kept)
}

func parsePendingRow(line string) (PendingUpload, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return PendingUpload{}, fmt.Errorf("want at least 5 fields, got %d", len(fields))
	}
	part, err := strconv.Atoi(fields[2])
	if err != nil {
		return PendingUpload{}, fmt.Errorf("part: %w", err)
	}
	total, err := strconv.Atoi(fields[3])
	if err != nil {
		return PendingUpload{}, fmt.Errorf("total parts: %w", err)
	}
	title := ""
	if len(fields) > 5 {
		title = strings.Join(fields[5:], " ")
	}
	return PendingUpload{
		RemoteID:   fields[0],
		SourceID:   fields[1],
		Part:       part,
		TotalParts: total,
		FileBase:   fields[4],
		Title:      title,
	}, nil
}

func formatPendingRow(row PendingUpload) string {
	return fmt.Sprintf("%s %s %d %d %s %s",
		row.RemoteID, row.SourceID, row.Part, row.TotalParts, row.FileBase,
		strings.ReplaceAll(row.Title, "\n", " "))
}

package ledger

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vidmirror/internal/storage"
)

// PublishedRecord is one confirmed publish. The title is the last field and
// may contain whitespace; everything after the fixed columns belongs to it.
type PublishedRecord struct {
	MirrorTime time.Time
	SourceID   string
	RemoteID   string
	Duration   time.Duration
	Part       int
	TotalParts int
	Title      string
}

// PublishedLog is the append-only record of every successful publish. It is
// the lookup table for cross-segment part linking and the already-uploaded
// filter; unlike the ledger it is never rewritten or compacted.
type PublishedLog struct {
	path string
}

// OpenPublishedLog returns a published log backed by the given file.
func OpenPublishedLog(path string) *PublishedLog {
	return &PublishedLog{path: path}
}

// Append adds one record to the end of the log.
func (p *PublishedLog) Append(rec PublishedRecord) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return &storage.StorageError{Op: "append", Entity: "published", ID: p.path, Err: err}
	}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &storage.StorageError{Op: "append", Entity: "published", ID: p.path, Err: err}
	}
	defer f.Close()

	row := fmt.Sprintf("%d %s %s %d %d %d %s\n",
		rec.MirrorTime.Unix(), rec.SourceID, rec.RemoteID,
		int64(rec.Duration/time.Second), rec.Part, rec.TotalParts,
		strings.ReplaceAll(rec.Title, "\n", " "))
	if _, err := f.WriteString(row); err != nil {
		return &storage.StorageError{Op: "append", Entity: "published", ID: p.path, Err: err}
	}
	return nil
}

// Read parses all records. Malformed rows are logged and skipped.
func (p *PublishedLog) Read() ([]PublishedRecord, error) {
	f, err := os.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &storage.StorageError{Op: "read", Entity: "published", ID: p.path, Err: err}
	}
	defer f.Close()

	var records []PublishedRecord
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := parsePublishedRow(line)
		if err != nil {
			log.Printf("ledger: skipping malformed published row %d in %s: %v", lineNo, p.path, err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "published", ID: p.path, Err: err}
	}
	return records, nil
}

// FindPart returns the record for a specific part of a source video.
func (p *PublishedLog) FindPart(sourceID string, part int) (PublishedRecord, bool, error) {
	records, err := p.Read()
	if err != nil {
		return PublishedRecord{}, false, err
	}
	// Scan backwards so re-uploads shadow older records.
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].SourceID == sourceID && records[i].Part == part {
			return records[i], true, nil
		}
	}
	return PublishedRecord{}, false, nil
}

// CompletedSourceIDs returns the set of source ids whose every part has a
// published record. A source with only some of its parts published is not
// completed; the run resumes it and per-part lookups skip the parts already
// live.
func (p *PublishedLog) CompletedSourceIDs() (map[string]bool, error) {
	records, err := p.Read()
	if err != nil {
		return nil, err
	}

	parts := make(map[string]map[int]bool)
	totals := make(map[string]int)
	for _, rec := range records {
		if parts[rec.SourceID] == nil {
			parts[rec.SourceID] = make(map[int]bool)
		}
		parts[rec.SourceID][rec.Part] = true
		if rec.TotalParts > totals[rec.SourceID] {
			totals[rec.SourceID] = rec.TotalParts
		}
	}

	ids := make(map[string]bool, len(parts))
	for id, seen := range parts {
		complete := true
		for part := 1; part <= totals[id]; part++ {
			if !seen[part] {
				complete = false
				break
			}
		}
		if complete {
			ids[id] = true
		}
	}
	return ids, nil
}

func parsePublishedRow(line string) (PublishedRecord, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return PublishedRecord{}, fmt.Errorf("want at least 6 fields, got %d", len(fields))
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return PublishedRecord{}, fmt.Errorf("mirror time: %w", err)
	}
	dur, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return PublishedRecord{}, fmt.Errorf("duration: %w", err)
	}
	part, err := strconv.Atoi(fields[4])
	if err != nil {
		return PublishedRecord{}, fmt.Errorf("part: %w", err)
	}
	total, err := strconv.Atoi(fields[5])
	if err != nil {
		return PublishedRecord{}, fmt.Errorf("total parts: %w", err)
	}
	title := ""
	if len(fields) > 6 {
		title = strings.Join(fields[6:], " ")
	}
	return PublishedRecord{
		MirrorTime: time.Unix(ts, 0).UTC(),
		SourceID:   fields[1],
		RemoteID:   fields[2],
		Duration:   time.Duration(dur) * time.Second,
		Part:       part,
		TotalParts: total,
		Title:      title,
	}, nil
}

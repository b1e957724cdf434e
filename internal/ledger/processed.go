package ledger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vidmirror/internal/storage"
)

// ProcessedArchive records every source item that has already been handled,
// one "sourceKind sourceId" per line. The candidate differ consults it so
// re-enumerating a channel only yields new work.
type ProcessedArchive struct {
	path string
}

// OpenProcessedArchive returns an archive backed by the given file.
func OpenProcessedArchive(path string) *ProcessedArchive {
	return &ProcessedArchive{path: path}
}

// Load returns the set of processed items keyed by "kind id".
func (a *ProcessedArchive) Load() (map[string]bool, error) {
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, &storage.StorageError{Op: "read", Entity: "processed", ID: a.path, Err: err}
	}
	defer f.Close()

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		seen[line] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "processed", ID: a.path, Err: err}
	}
	return seen, nil
}

// Contains reports whether the item was already processed.
func (a *ProcessedArchive) Contains(kind, id string) (bool, error) {
	seen, err := a.Load()
	if err != nil {
		return false, err
	}
	return seen[archiveKey(kind, id)], nil
}

// Mark appends the item to the archive.
func (a *ProcessedArchive) Mark(kind, id string) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return &storage.StorageError{Op: "append", Entity: "processed", ID: a.path, Err: err}
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &storage.StorageError{Op: "append", Entity: "processed", ID: a.path, Err: err}
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, archiveKey(kind, id)); err != nil {
		return &storage.StorageError{Op: "append", Entity: "processed", ID: a.path, Err: err}
	}
	return nil
}

func archiveKey(kind, id string) string {
	return kind + " " + id
}

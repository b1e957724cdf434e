// Package source enumerates and fetches candidate videos from the source
// platform. Listing goes through the Data API when an API key is configured,
// falling back to yt-dlp; media and metadata fetching always uses yt-dlp.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for source operations.
var (
	ErrSourceNotFound    = errors.New("source: channel or playlist not found")
	ErrItemNotFound      = errors.New("source: item not found")
	ErrRateLimited       = errors.New("source: rate limited")
	ErrNetworkTimeout    = errors.New("source: network timeout")
	ErrYtdlpNotInstalled = errors.New("source: yt-dlp not installed")
)

// Item identifies one video on the source platform, before any bytes are
// fetched. Kind distinguishes where it was enumerated from.
type Item struct {
	// Kind is the enumeration origin: "channel" or "playlist".
	Kind string
	// ID is the source platform's video id.
	ID string
	// Title as reported by the listing; the fetched metadata is authoritative.
	Title string
	// Duration as reported by the listing; may be zero for some sources.
	Duration time.Duration
	// Live marks live or upcoming content, which is never mirrored.
	Live bool
}

// Key returns the processed-archive key for this item.
func (i Item) Key() (kind, id string) { return i.Kind, i.ID }

// Candidate is one video ready for admission: metadata plus a local media
// file. Split segments are candidates too, carrying part numbering.
type Candidate struct {
	SourceID     string
	Kind         string
	Title        string
	Description  string
	Tags         []string
	ThumbnailURL string
	UploadDate   time.Time

	Duration time.Duration
	FilePath string
	Size     int64

	// PartIndex and TotalParts are set on split segments, 1-based.
	// Zero on unsplit candidates.
	PartIndex  int
	TotalParts int
}

// DisplayTitle returns the title with a part suffix for split segments.
func (c Candidate) DisplayTitle() string {
	if c.TotalParts > 1 {
		return fmt.Sprintf("%s (part %d/%d)", c.Title, c.PartIndex, c.TotalParts)
	}
	return c.Title
}

// ItemLister enumerates all items of a configured source.
type ItemLister interface {
	// ListItems fetches all non-live items of the channel or playlist.
	ListItems(ctx context.Context, src Source) ([]Item, error)
}

// Fetcher turns an item into an admission-ready candidate by downloading its
// media file and metadata.
type Fetcher interface {
	Fetch(ctx context.Context, item Item, destDir string) (*Candidate, error)
}

// Source is one configured channel or playlist to mirror.
type Source struct {
	// Kind is "channel" or "playlist".
	Kind string `yaml:"kind"`
	// ID is the channel id (UC...), handle (@name) or playlist id.
	ID string `yaml:"id"`
	// Name is an optional label used only in log lines.
	Name string `yaml:"name,omitempty"`
}

// ListerError wraps listing failures with their origin for diagnostics.
type ListerError struct {
	Source string // "api" or "ytdlp"
	Target string // channel/playlist being listed
	Err    error
}

// Error returns a string representation of the lister error.
func (e *ListerError) Error() string {
	return fmt.Sprintf("source: %s list %s: %v", e.Source, e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *ListerError) Unwrap() error { return e.Err }

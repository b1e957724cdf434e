package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"vidmirror/internal/retry"
)

const (
	defaultYtdlpPath    = "yt-dlp"
	defaultYtdlpTimeout = 10 * time.Minute
)

// YtdlpClient lists and fetches source videos using yt-dlp as a subprocess.
// It can retrieve the full history of a channel and is the fallback when no
// Data API key is configured.
type YtdlpClient struct {
	// Path is the path to the yt-dlp executable. Defaults to "yt-dlp".
	Path string

	// Timeout is the maximum time to wait for yt-dlp. Defaults to 10 minutes.
	Timeout time.Duration

	// ExtraArgs are additional arguments to pass to yt-dlp.
	ExtraArgs []string

	// RetryConfig holds retry behavior configuration.
	RetryConfig *retry.Config
}

// NewYtdlpClient creates a yt-dlp based client with defaults.
func NewYtdlpClient() *YtdlpClient {
	cfg := retry.DefaultConfig()
	return &YtdlpClient{
		Path:        defaultYtdlpPath,
		Timeout:     defaultYtdlpTimeout,
		RetryConfig: &cfg,
	}
}

// ListItems fetches all items of the source using yt-dlp's flat playlist
// mode. Live and upcoming entries are marked so the differ can exclude them.
func (y *YtdlpClient) ListItems(ctx context.Context, src Source) ([]Item, error) {
	if err := y.checkInstalled(ctx); err != nil {
		return nil, err
	}

	cfg := y.RetryConfig
	if cfg == nil {
		defaultCfg := retry.DefaultConfig()
		cfg = &defaultCfg
	}

	var items []Item
	err := retry.Do(ctx, *cfg, ytdlpErrorClassifier, func(ctx context.Context) error {
		args := []string{
			"--flat-playlist",
			"-J", // JSON output
			"--no-warnings",
		}
		args = append(args, y.ExtraArgs...)
		args = append(args, sourceURL(src))

		stdout, err := y.run(ctx, src.ID, args)
		if err != nil {
			return err
		}

		parsed, parseErr := parseFlatPlaylist(stdout, src.Kind)
		if parseErr != nil {
			return parseErr
		}
		items = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Fetch downloads the item's media file and full metadata, returning an
// admission-ready candidate. The duration comes from the fetched metadata,
// not the listing, since flat playlists often omit or round it.
func (y *YtdlpClient) Fetch(ctx context.Context, item Item, destDir string) (*Candidate, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	meta, err := y.fetchMetadata(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if meta.IsLive {
		return nil, fmt.Errorf("fetch %s: %w", item.ID, retry.ErrSourceGone)
	}

	outPath := filepath.Join(destDir, item.ID+".mp4")
	args := []string{
		"--no-warnings",
		"-f", "bv*[ext=mp4]+ba[ext=m4a]/b[ext=mp4]/b",
		"--merge-output-format", "mp4",
		"-o", outPath,
		videoURL(item.ID),
	}
	if _, err := y.run(ctx, item.ID, args); err != nil {
		os.Remove(outPath) // Discard partial download
		return nil, err
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("stat downloaded file: %w", err)
	}

	return &Candidate{
		SourceID:     item.ID,
		Kind:         item.Kind,
		Title:        meta.Title,
		Description:  meta.Description,
		Tags:         meta.Tags,
		ThumbnailURL: meta.Thumbnail,
		UploadDate:   parseUploadDate(meta),
		Duration:     time.Duration(meta.Duration) * time.Second,
		FilePath:     outPath,
		Size:         info.Size(),
	}, nil
}

// ytdlpMetadata is yt-dlp's single-video JSON output, reduced to the fields
// the engine consumes.
type ytdlpMetadata struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Duration    float64  `json:"duration"`
	UploadDate  string   `json:"upload_date"` // YYYYMMDD
	Timestamp   int64    `json:"timestamp"`
	Thumbnail   string   `json:"thumbnail"`
	Tags        []string `json:"tags"`
	IsLive      bool     `json:"is_live"`
}

func (y *YtdlpClient) fetchMetadata(ctx context.Context, videoID string) (*ytdlpMetadata, error) {
	stdout, err := y.run(ctx, videoID, []string{"-J", "--no-warnings", videoURL(videoID)})
	if err != nil {
		return nil, err
	}
	var meta ytdlpMetadata
	if err := json.Unmarshal(stdout, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata for %s: %w", videoID, err)
	}
	return &meta, nil
}

// run executes yt-dlp with a timeout and maps common failure patterns to
// typed errors.
func (y *YtdlpClient) run(ctx context.Context, target string, args []string) ([]byte, error) {
	timeout := y.Timeout
	if timeout == 0 {
		timeout = defaultYtdlpTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, y.path(), args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return nil, &ListerError{Source: "ytdlp", Target: target, Err: ErrNetworkTimeout}
		}
		if cmdCtx.Err() == context.Canceled {
			return nil, &ListerError{Source: "ytdlp", Target: target, Err: context.Canceled}
		}

		// Check for common error patterns in stderr
		errMsg := stderr.String()
		if strings.Contains(errMsg, "not found") || strings.Contains(errMsg, "does not exist") {
			return nil, &ListerError{Source: "ytdlp", Target: target, Err: ErrSourceNotFound}
		}
		if strings.Contains(errMsg, "rate") || strings.Contains(errMsg, "429") {
			return nil, &ListerError{Source: "ytdlp", Target: target, Err: ErrRateLimited}
		}

		return nil, &ListerError{Source: "ytdlp", Target: target,
			Err: fmt.Errorf("yt-dlp failed: %w: %s", err, errMsg)}
	}

	return stdout.Bytes(), nil
}

// checkInstalled verifies that yt-dlp is available.
func (y *YtdlpClient) checkInstalled(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, y.path(), "--version")
	if err := cmd.Run(); err != nil {
		return &ListerError{Source: "ytdlp", Target: "", Err: ErrYtdlpNotInstalled}
	}
	return nil
}

func (y *YtdlpClient) path() string {
	if y.Path != "" {
		return y.Path
	}
	return defaultYtdlpPath
}

// flatPlaylist represents yt-dlp's JSON output for a playlist/channel.
type flatPlaylist struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Entries []flatEntry `json:"entries"`
}

// flatEntry represents a single video in flat playlist output.
type flatEntry struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	LiveStatus string  `json:"live_status"`
}

// parseFlatPlaylist parses flat playlist JSON into items.
func parseFlatPlaylist(data []byte, kind string) ([]Item, error) {
	var playlist flatPlaylist
	if err := json.Unmarshal(data, &playlist); err != nil {
		return nil, fmt.Errorf("parse yt-dlp output: %w", err)
	}

	items := make([]Item, 0, len(playlist.Entries))
	for _, entry := range playlist.Entries {
		items = append(items, Item{
			Kind:     kind,
			ID:       entry.ID,
			Title:    entry.Title,
			Duration: time.Duration(entry.Duration) * time.Second,
			Live:     entry.LiveStatus == "is_live" || entry.LiveStatus == "is_upcoming",
		})
	}
	return items, nil
}

// parseUploadDate extracts the upload time from metadata.
func parseUploadDate(meta *ytdlpMetadata) time.Time {
	if meta.Timestamp > 0 {
		return time.Unix(meta.Timestamp, 0).UTC()
	}
	if meta.UploadDate != "" {
		if t, err := time.Parse("20060102", meta.UploadDate); err == nil {
			return t
		}
	}
	return time.Time{}
}

func sourceURL(src Source) string {
	switch src.Kind {
	case "playlist":
		return "https://www.youtube.com/playlist?list=" + src.ID
	default:
		if strings.HasPrefix(src.ID, "@") {
			return "https://www.youtube.com/" + src.ID + "/videos"
		}
		return "https://www.youtube.com/channel/" + src.ID + "/videos"
	}
}

func videoURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// ytdlpErrorClassifier determines if a yt-dlp error is retryable.
func ytdlpErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	// Permanent errors - don't retry
	var listerErr *ListerError
	if errors.As(err, &listerErr) {
		switch {
		case errors.Is(listerErr.Err, ErrSourceNotFound),
			errors.Is(listerErr.Err, ErrYtdlpNotInstalled):
			return false
		default:
			// Retryable: rate limit, timeout, network errors
			return true
		}
	}

	// Default to retryable for unknown errors
	return true
}

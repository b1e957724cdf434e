// Package config manages application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"vidmirror/internal/archive"
	"vidmirror/internal/retry"
)

// Config holds all application configuration.
type Config struct {
	// State and working directories
	StateDir string `json:"state_dir"`
	WorkDir  string `json:"work_dir"`

	// Sources file listing channels and playlists to mirror
	SourcesFile string `json:"sources_file"`

	// Quota policy
	DurationCap    time.Duration `json:"duration_cap"`
	DailyVideoCap  int           `json:"daily_video_cap"`
	MinSpacing     time.Duration `json:"min_spacing"`
	HourlyVideoCap int           `json:"hourly_video_cap"`

	// Per-video destination caps; exceeding either triggers a split
	MaxVideoDuration time.Duration `json:"max_video_duration"`
	MaxVideoSize     int64         `json:"max_video_size"`

	// Destination API
	DestBaseURL        string        `json:"dest_base_url"`
	DestTokenURL       string        `json:"dest_token_url"`
	DestClientID       string        `json:"dest_client_id"`
	DestClientSecret   string        `json:"dest_client_secret"`
	DestRefreshToken   string        `json:"dest_refresh_token"`
	DestRequestsPerSec float64       `json:"dest_requests_per_sec"`
	DestTimeout        time.Duration `json:"dest_timeout"`
	DestUploadTimeout  time.Duration `json:"dest_upload_timeout"`

	// Source platform
	SourceAPIKey string `json:"source_api_key"`

	// Tool paths and timeouts
	YtdlpPath    string        `json:"ytdlp_path"`
	YtdlpTimeout time.Duration `json:"ytdlp_timeout"`
	FFmpegPath   string        `json:"ffmpeg_path"`
	FFprobePath  string        `json:"ffprobe_path"`

	// Scheduling
	RunInterval  time.Duration `json:"run_interval"`
	PollInterval time.Duration `json:"poll_interval"`

	// Retry settings
	Retry retry.Config `json:"retry"`

	// Archive backend for published artifacts
	Archive archive.Config `json:"archive"`
}

// DefaultConfig returns configuration with safe defaults.
func DefaultConfig() *Config {
	return &Config{
		StateDir:           defaultStateDir(),
		WorkDir:            filepath.Join(os.TempDir(), "vidmirror"),
		SourcesFile:        "sources.yaml",
		DurationCap:        2 * time.Hour,
		DailyVideoCap:      10,
		MinSpacing:         5 * time.Minute,
		HourlyVideoCap:     0,
		MaxVideoDuration:   time.Hour,
		MaxVideoSize:       0,
		DestRequestsPerSec: 2,
		DestTimeout:        30 * time.Second,
		DestUploadTimeout:  2 * time.Hour,
		YtdlpPath:          "yt-dlp",
		YtdlpTimeout:       30 * time.Minute,
		FFmpegPath:         "ffmpeg",
		FFprobePath:        "ffprobe",
		RunInterval:        time.Hour,
		PollInterval:       30 * time.Second,
		Retry:              retry.DefaultConfig(),
	}
}

// Load loads configuration from environment variables, config file, and applies defaults.
// Priority: env vars > config file > defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.loadFromFile(); err != nil {
		// Config file is optional
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile attempts to load config from vidmirror.json in the current
// directory or the user config directory.
func (c *Config) loadFromFile() error {
	paths := []string{
		"vidmirror.json",
		filepath.Join(os.Getenv("HOME"), ".config", "vidmirror", "vidmirror.json"),
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	return os.ErrNotExist
}

// loadFromEnv overrides config with environment variables.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("VIDMIRROR_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("VIDMIRROR_WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv("VIDMIRROR_SOURCES_FILE"); v != "" {
		c.SourcesFile = v
	}
	if v := os.Getenv("VIDMIRROR_DURATION_CAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DurationCap = d
		}
	}
	if v := os.Getenv("VIDMIRROR_DAILY_VIDEO_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DailyVideoCap = n
		}
	}
	if v := os.Getenv("VIDMIRROR_MIN_SPACING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MinSpacing = d
		}
	}
	if v := os.Getenv("VIDMIRROR_HOURLY_VIDEO_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HourlyVideoCap = n
		}
	}
	if v := os.Getenv("VIDMIRROR_MAX_VIDEO_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MaxVideoDuration = d
		}
	}
	if v := os.Getenv("VIDMIRROR_MAX_VIDEO_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxVideoSize = n
		}
	}
	if v := os.Getenv("VIDMIRROR_DEST_BASE_URL"); v != "" {
		c.DestBaseURL = v
	}
	if v := os.Getenv("VIDMIRROR_DEST_TOKEN_URL"); v != "" {
		c.DestTokenURL = v
	}
	if v := os.Getenv("VIDMIRROR_DEST_CLIENT_ID"); v != "" {
		c.DestClientID = v
	}
	if v := os.Getenv("VIDMIRROR_DEST_CLIENT_SECRET"); v != "" {
		c.DestClientSecret = v
	}
	if v := os.Getenv("VIDMIRROR_DEST_REFRESH_TOKEN"); v != "" {
		c.DestRefreshToken = v
	}
	if v := os.Getenv("VIDMIRROR_SOURCE_API_KEY"); v != "" {
		c.SourceAPIKey = v
	}
	if v := os.Getenv("VIDMIRROR_YTDLP_PATH"); v != "" {
		c.YtdlpPath = v
	}
	if v := os.Getenv("VIDMIRROR_YTDLP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.YtdlpTimeout = d
		}
	}
	if v := os.Getenv("VIDMIRROR_FFMPEG_PATH"); v != "" {
		c.FFmpegPath = v
	}
	if v := os.Getenv("VIDMIRROR_FFPROBE_PATH"); v != "" {
		c.FFprobePath = v
	}
	if v := os.Getenv("VIDMIRROR_RUN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RunInterval = d
		}
	}
	if v := os.Getenv("VIDMIRROR_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = d
		}
	}
	if v := os.Getenv("VIDMIRROR_ARCHIVE_BACKEND"); v != "" {
		c.Archive.Backend = v
	}
	if v := os.Getenv("VIDMIRROR_ARCHIVE_DIR"); v != "" {
		c.Archive.Dir = v
	}
	if v := os.Getenv("VIDMIRROR_ARCHIVE_BUCKET"); v != "" {
		c.Archive.Bucket = v
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir cannot be empty")
	}
	if c.DurationCap <= 0 {
		return fmt.Errorf("duration_cap must be positive, got %s", c.DurationCap)
	}
	if c.DailyVideoCap <= 0 {
		return fmt.Errorf("daily_video_cap must be positive, got %d", c.DailyVideoCap)
	}
	if c.MinSpacing < 0 {
		return fmt.Errorf("min_spacing cannot be negative, got %s", c.MinSpacing)
	}
	if c.HourlyVideoCap < 0 {
		return fmt.Errorf("hourly_video_cap cannot be negative, got %d", c.HourlyVideoCap)
	}
	if c.DestBaseURL == "" {
		return fmt.Errorf("dest_base_url cannot be empty")
	}
	if c.DestRequestsPerSec <= 0 {
		return fmt.Errorf("dest_requests_per_sec must be positive, got %f", c.DestRequestsPerSec)
	}
	if c.RunInterval <= 0 {
		return fmt.Errorf("run_interval must be positive, got %s", c.RunInterval)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

// LedgerPath returns the upload ledger file path.
func (c *Config) LedgerPath() string { return filepath.Join(c.StateDir, "uploads.ledger") }

// PublishedPath returns the published-record file path.
func (c *Config) PublishedPath() string { return filepath.Join(c.StateDir, "published.log") }

// ProcessedPath returns the processed-archive file path.
func (c *Config) ProcessedPath() string { return filepath.Join(c.StateDir, "processed.log") }

// PendingPath returns the pending-upload log file path.
func (c *Config) PendingPath() string { return filepath.Join(c.StateDir, "pending.log") }

func defaultStateDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		return ".vidmirror"
	}
	return filepath.Join(home, ".local", "share", "vidmirror")
}

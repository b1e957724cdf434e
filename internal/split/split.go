// Package split divides a source video into multiple destination uploads
// when a single file would violate the destination's per-video duration or
// size caps. Segments are cut with ffmpeg and re-probed with ffprobe, since
// transcoders do not honor requested cut points exactly.
package split

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vidmirror/internal/source"
)

const (
	defaultFFmpegPath  = "ffmpeg"
	defaultFFprobePath = "ffprobe"
	defaultToolTimeout = 30 * time.Minute

	// sizeTolerance leaves transcoding-overhead margin under the hard cap.
	sizeTolerance = 0.99
)

// Splitter cuts candidates into cap-compliant segments.
type Splitter struct {
	// FFmpegPath is the ffmpeg executable. Defaults to "ffmpeg".
	FFmpegPath string
	// FFprobePath is the ffprobe executable. Defaults to "ffprobe".
	FFprobePath string
	// Timeout bounds each tool invocation.
	Timeout time.Duration

	// MaxDuration is the destination's per-video duration cap.
	MaxDuration time.Duration
	// MaxSize is the destination's per-video size cap in bytes. Zero disables
	// the size check.
	MaxSize int64
}

// New creates a splitter for the given caps with default tool paths.
func New(maxDuration time.Duration, maxSize int64) *Splitter {
	return &Splitter{
		FFmpegPath:  defaultFFmpegPath,
		FFprobePath: defaultFFprobePath,
		Timeout:     defaultToolTimeout,
		MaxDuration: maxDuration,
		MaxSize:     maxSize,
	}
}

// Needed reports whether the candidate violates a per-video cap.
func (s *Splitter) Needed(c *source.Candidate) bool {
	if s.MaxDuration > 0 && c.Duration > s.MaxDuration {
		return true
	}
	if s.MaxSize > 0 && c.Size > s.MaxSize {
		return true
	}
	return false
}

// DurationSplitCount returns the segment count for a duration violation:
// integer division plus one, so each segment lands strictly under the cap
// even when the duration divides evenly.
func DurationSplitCount(duration, maxDuration time.Duration) int {
	if maxDuration <= 0 {
		return 1
	}
	return int(duration/maxDuration) + 1
}

// SizeSplitCount returns the minimal segment count, starting from the
// current count (at least 2), for which each segment's estimated size fits
// under the cap with tolerance margin.
func SizeSplitCount(size, maxSize int64, current int) int {
	if maxSize <= 0 {
		return current
	}
	n := current
	if n < 2 {
		n = 2
	}
	withTolerance := int64(float64(maxSize) * sizeTolerance)
	for size/int64(n) > withTolerance {
		n++
	}
	return n
}

// SegmentDuration returns the per-segment target duration: the even share
// plus one second, so the final segment never overshoots past N parts.
func SegmentDuration(duration time.Duration, n int) time.Duration {
	if n <= 0 {
		return duration
	}
	seconds := int64(duration/time.Second)/int64(n) + 1
	return time.Duration(seconds) * time.Second
}

// PlanCount returns the segment count for the candidate, considering both
// caps. One means no split is needed.
func (s *Splitter) PlanCount(c *source.Candidate) int {
	n := 1
	if s.MaxDuration > 0 && c.Duration > s.MaxDuration {
		n = DurationSplitCount(c.Duration, s.MaxDuration)
	}
	if s.MaxSize > 0 && c.Size > s.MaxSize {
		n = SizeSplitCount(c.Size, s.MaxSize, n)
	}
	return n
}

// Split cuts the candidate into numbered segments, each re-probed for its
// true encoded duration before it re-enters admission as an independent
// candidate. A tool failure on one segment discards that segment's partial
// file and continues; already-produced segments are preserved.
func (s *Splitter) Split(ctx context.Context, c *source.Candidate) ([]source.Candidate, error) {
	n := s.PlanCount(c)
	if n <= 1 {
		return []source.Candidate{*c}, nil
	}

	segDur := SegmentDuration(c.Duration, n)
	dir := filepath.Dir(c.FilePath)
	base := strings.TrimSuffix(filepath.Base(c.FilePath), filepath.Ext(c.FilePath))

	var segments []source.Candidate
	for i := 0; i < n; i++ {
		outPath := filepath.Join(dir, fmt.Sprintf("%s.part%02d.mp4", base, i+1))
		start := time.Duration(i) * segDur

		if err := s.cut(ctx, c.FilePath, outPath, start, segDur); err != nil {
			log.Printf("split: segment %d/%d of %s failed, skipping: %v", i+1, n, c.SourceID, err)
			os.Remove(outPath)
			continue
		}

		actual, err := s.ProbeDuration(ctx, outPath)
		if err != nil {
			log.Printf("split: probe segment %d/%d of %s failed, skipping: %v", i+1, n, c.SourceID, err)
			os.Remove(outPath)
			continue
		}

		info, err := os.Stat(outPath)
		if err != nil {
			return nil, fmt.Errorf("stat segment: %w", err)
		}

		seg := *c
		seg.FilePath = outPath
		seg.Duration = actual
		seg.Size = info.Size()
		seg.PartIndex = i + 1
		seg.TotalParts = n
		segments = append(segments, seg)
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("split %s: all %d segments failed", c.SourceID, n)
	}
	return segments, nil
}

// cut invokes ffmpeg to copy one segment without re-encoding.
func (s *Splitter) cut(ctx context.Context, inPath, outPath string, start, dur time.Duration) error {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(start),
		"-i", inPath,
		"-t", formatSeconds(dur),
		"-c", "copy",
		"-y", outPath,
	}
	return s.runTool(ctx, s.ffmpeg(), args)
}

// ProbeDuration reads the actual encoded duration of a media file.
func (s *Splitter) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	timeout := s.timeout()
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, s.ffprobe(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe: %w: %s", err, stderr.String())
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration: %w", err)
	}
	return time.Duration(seconds * float64(time.Second)).Round(time.Second), nil
}

func (s *Splitter) runTool(ctx context.Context, path string, args []string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(path), err, stderr.String())
	}
	return nil
}

func (s *Splitter) ffmpeg() string {
	if s.FFmpegPath != "" {
		return s.FFmpegPath
	}
	return defaultFFmpegPath
}

func (s *Splitter) ffprobe() string {
	if s.FFprobePath != "" {
		return s.FFprobePath
	}
	return defaultFFprobePath
}

func (s *Splitter) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return defaultToolTimeout
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}

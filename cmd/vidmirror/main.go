// Command vidmirror mirrors configured source channels and playlists to a
// quota-enforcing destination. It is designed to run from cron: each
// invocation performs one bounded batch and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vidmirror/internal/archive"
	"vidmirror/internal/config"
	"vidmirror/internal/dest"
	"vidmirror/internal/ledger"
	"vidmirror/internal/publish"
	"vidmirror/internal/quota"
	"vidmirror/internal/runlock"
	"vidmirror/internal/sched"
	"vidmirror/internal/source"
	"vidmirror/internal/split"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "vidmirror",
	Short:         "Quota-aware video mirroring engine",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one mirroring batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxUploads, _ := cmd.Flags().GetInt("max")
		videoID, _ := cmd.Flags().GetString("video")
		ignoreWait, _ := cmd.Flags().GetBool("ignore-wait")
		allowConcurrent, _ := cmd.Flags().GetBool("allow-concurrent")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		if !allowConcurrent {
			lock, err := runlock.Acquire(cfg.StateDir)
			if err != nil {
				return err
			}
			defer lock.Release()
		} else if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
			return err
		}

		return runBatch(ctx, cfg, maxUploads, videoID, ignoreWait)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the allowance snapshot and pending uploads",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return printStatus(cfg)
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and maintain the upload ledger",
}

var ledgerCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Drop expired ledger entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		l := ledger.Open(cfg.LedgerPath())
		before, err := l.Read()
		if err != nil {
			return err
		}

		acct := quota.NewAccountant(l, policyFromConfig(cfg))
		now := time.Now()
		if _, err := acct.Recompute(now, now, 0); err != nil {
			return err
		}

		after, err := l.Read()
		if err != nil {
			return err
		}
		fmt.Printf("dropped %d expired entries, %d remain\n", len(before)-len(after), len(after))
		return nil
	},
}

func init() {
	runCmd.Flags().Int("max", -1, "Maximum uploads this run (-1 for unlimited)")
	runCmd.Flags().String("video", "", "Mirror a single source video id instead of the configured sources")
	runCmd.Flags().Bool("ignore-wait", false, "Submit without waiting out computed quota delays")
	runCmd.Flags().Bool("allow-concurrent", false, "Skip the single-instance lock")

	ledgerCmd.AddCommand(ledgerCompactCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func policyFromConfig(cfg *config.Config) quota.Policy {
	return quota.Policy{
		DurationCap:    cfg.DurationCap,
		DailyVideoCap:  cfg.DailyVideoCap,
		MinSpacing:     cfg.MinSpacing,
		HourlyVideoCap: cfg.HourlyVideoCap,
	}
}

// tokenSource builds the bearer token source from config. A refresh flow is
// used when a token endpoint is configured; otherwise a static token from the
// environment.
func tokenSource(cfg *config.Config) (dest.TokenSource, error) {
	if cfg.DestTokenURL != "" {
		return &dest.RefreshTokenSource{
			TokenURL:     cfg.DestTokenURL,
			ClientID:     cfg.DestClientID,
			ClientSecret: cfg.DestClientSecret,
			RefreshToken: cfg.DestRefreshToken,
		}, nil
	}
	if token := os.Getenv("VIDMIRROR_DEST_TOKEN"); token != "" {
		return dest.StaticTokenSource(token), nil
	}
	return nil, fmt.Errorf("no destination credentials: set dest_token_url or VIDMIRROR_DEST_TOKEN")
}

func ytdlpClient(cfg *config.Config) *source.YtdlpClient {
	y := source.NewYtdlpClient()
	y.Path = cfg.YtdlpPath
	y.Timeout = cfg.YtdlpTimeout
	y.RetryConfig = &cfg.Retry
	return y
}

// lister returns the source lister: the Data API when a key is configured,
// with yt-dlp as fallback and as the sole lister otherwise.
func lister(ctx context.Context, cfg *config.Config, ytdlp *source.YtdlpClient) (source.ItemLister, error) {
	if cfg.SourceAPIKey == "" {
		return ytdlp, nil
	}
	return source.NewAPILister(ctx, cfg.SourceAPIKey, ytdlp)
}

func runBatch(ctx context.Context, cfg *config.Config, maxUploads int, videoID string, ignoreWait bool) error {
	tokens, err := tokenSource(cfg)
	if err != nil {
		return err
	}
	client := dest.NewClient(dest.Config{
		BaseURL:           cfg.DestBaseURL,
		Timeout:           cfg.DestTimeout,
		UploadTimeout:     cfg.DestUploadTimeout,
		RequestsPerSecond: cfg.DestRequestsPerSec,
		Retry:             cfg.Retry,
	}, tokens)
	defer client.Close()

	offset, err := client.MeasureClockOffset(ctx)
	if err != nil {
		return fmt.Errorf("measure clock offset: %w", err)
	}
	log.Printf("vidmirror: destination clock offset %s", offset)

	l := ledger.Open(cfg.LedgerPath())
	published := ledger.OpenPublishedLog(cfg.PublishedPath())
	processed := ledger.OpenProcessedArchive(cfg.ProcessedPath())
	pending := ledger.OpenPendingLog(cfg.PendingPath())

	policy := policyFromConfig(cfg)
	acct := quota.NewAccountant(l, policy)
	acct.SetClockOffset(offset)

	entries, err := l.Read()
	if err != nil {
		return err
	}
	now := time.Now()
	window := quota.ComputeWindow(entries, offset, now)
	log.Printf("vidmirror: upload window %s to %s",
		window.Start.Format(time.RFC3339), window.End.Format(time.RFC3339))

	state := sched.NewState(window, now.Add(cfg.RunInterval), maxUploads)
	state.IgnoreWait = ignoreWait

	splitter := split.New(cfg.MaxVideoDuration, cfg.MaxVideoSize)
	splitter.FFmpegPath = cfg.FFmpegPath
	splitter.FFprobePath = cfg.FFprobePath

	poller := publish.New(client, l)
	poller.SetInterval(cfg.PollInterval)

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return err
	}

	ytdlp := ytdlpClient(cfg)
	items, err := collectItems(ctx, cfg, ytdlp, videoID)
	if err != nil {
		return err
	}

	driver := &sched.Driver{
		Controller: sched.NewController(acct, policy, splitter),
		Fetcher:    ytdlp,
		Uploader:   client,
		Confirmer:  poller,
		Linker:     client,
		Splitter:   splitter,
		Ledger:     l,
		Published:  published,
		Processed:  processed,
		Pending:    pending,
		Archiver:   archiver,
		Policy:     policy,
		WorkDir:    cfg.WorkDir,
		Offset:     offset,
	}

	stats, err := driver.Run(ctx, items, state)
	if err != nil {
		if errors.Is(err, sched.ErrStructural) {
			fmt.Fprintf(os.Stderr, "vidmirror: %v\n", err)
		}
		return err
	}
	if stats.Published >= 1 {
		log.Printf("vidmirror: %s", stats.Summary())
	}
	return nil
}

// collectItems enumerates the work list: a single video when -video is given,
// otherwise all items of all configured sources in file order.
func collectItems(ctx context.Context, cfg *config.Config, ytdlp *source.YtdlpClient, videoID string) ([]source.Item, error) {
	if videoID != "" {
		return []source.Item{{Kind: "video", ID: videoID}}, nil
	}

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}
	ls, err := lister(ctx, cfg, ytdlp)
	if err != nil {
		return nil, err
	}

	var items []source.Item
	for _, src := range sources {
		listed, err := ls.ListItems(ctx, src)
		if err != nil {
			// One broken source must not block the others.
			log.Printf("vidmirror: list %s %s failed, skipping: %v", src.Kind, src.ID, err)
			continue
		}
		log.Printf("vidmirror: %s %s: %d items", src.Kind, src.ID, len(listed))
		items = append(items, listed...)
	}
	return items, nil
}

// printStatus reports the allowance snapshot from the ledger as stored, with
// no destination round trips. Timestamps are shown in destination-clock units
// since the offset is only measured during authenticated runs.
func printStatus(cfg *config.Config) error {
	l := ledger.Open(cfg.LedgerPath())
	policy := policyFromConfig(cfg)
	acct := quota.NewAccountant(l, policy)

	entries, err := l.Read()
	if err != nil {
		return err
	}
	now := time.Now()
	window := quota.ComputeWindow(entries, 0, now)
	snap, err := acct.Recompute(now, window.Start, 0)
	if err != nil {
		return err
	}

	fmt.Printf("window           %s to %s\n",
		window.Start.Format(time.RFC3339), window.End.Format(time.RFC3339))
	fmt.Printf("duration used    %s of %s (%s remaining)\n",
		snap.InWindowDuration, policy.DurationCap, snap.RemainingDuration)
	fmt.Printf("videos used      %d of %d\n", snap.InWindowCount, policy.DailyVideoCap)
	if policy.HourlyVideoCap > 0 {
		fmt.Printf("hourly remaining %d of %d\n", snap.RemainingHourVideos, policy.HourlyVideoCap)
	}

	waitUntil, reason := quota.ResolveWait(snap, policy, now)
	if reason == quota.ReasonNone {
		fmt.Println("next upload      allowed now")
	} else {
		fmt.Printf("next upload      %s (%s)\n", waitUntil.Format(time.RFC3339), reason)
	}

	pending := 0
	for _, e := range entries {
		if e.Status.Pending() {
			pending++
			fmt.Printf("pending          %s %s since %s\n",
				e.RemoteID, e.Status, e.Timestamp.Format(time.RFC3339))
		}
	}
	if pending == 0 {
		fmt.Println("pending          none")
	}

	unpublished, err := l.HasUnpublished()
	if err != nil {
		return err
	}
	if unpublished && pending == 0 {
		fmt.Println("note             ledger holds failed uploads; see the rows marked failed")
	}
	return nil
}

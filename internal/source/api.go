package source

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// APILister enumerates source items using the Data API v3. It is preferred
// over yt-dlp for listing because it is faster and returns exact durations,
// but it gracefully falls back when the daily API quota runs out.
type APILister struct {
	service  *youtube.Service
	fallback ItemLister
}

// NewAPILister creates a Data API lister. fallback may be nil, in which case
// quota exhaustion is a hard error.
func NewAPILister(ctx context.Context, apiKey string, fallback ItemLister) (*APILister, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	service, err := youtube.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &APILister{service: service, fallback: fallback}, nil
}

// ListItems fetches all non-live items of the source via the Data API.
func (a *APILister) ListItems(ctx context.Context, src Source) ([]Item, error) {
	playlistID := src.ID
	if src.Kind != "playlist" {
		uploads, err := a.uploadsPlaylistID(ctx, src.ID)
		if err != nil {
			return a.maybeFallback(ctx, src, err)
		}
		playlistID = uploads
	}

	videoIDs, titles, err := a.listPlaylistVideoIDs(ctx, playlistID)
	if err != nil {
		return a.maybeFallback(ctx, src, err)
	}

	items, err := a.describeVideos(ctx, src.Kind, videoIDs, titles)
	if err != nil {
		return a.maybeFallback(ctx, src, err)
	}
	return items, nil
}

// maybeFallback delegates to the fallback lister on quota exhaustion.
func (a *APILister) maybeFallback(ctx context.Context, src Source, err error) ([]Item, error) {
	if a.fallback != nil && isQuotaError(err) {
		log.Printf("source: API quota exhausted, falling back to %T for %s", a.fallback, src.ID)
		return a.fallback.ListItems(ctx, src)
	}
	return nil, &ListerError{Source: "api", Target: src.ID, Err: err}
}

// uploadsPlaylistID resolves a channel id or handle to its uploads playlist.
func (a *APILister) uploadsPlaylistID(ctx context.Context, channel string) (string, error) {
	call := a.service.Channels.List([]string{"contentDetails"}).Context(ctx)
	if strings.HasPrefix(channel, "@") {
		call = call.ForHandle(channel)
	} else {
		call = call.Id(channel)
	}
	resp, err := call.Do()
	if err != nil {
		return "", fmt.Errorf("resolve channel %s: %w", channel, err)
	}
	if len(resp.Items) == 0 {
		return "", ErrSourceNotFound
	}
	return resp.Items[0].ContentDetails.RelatedPlaylists.Uploads, nil
}

// listPlaylistVideoIDs pages through a playlist collecting video ids.
func (a *APILister) listPlaylistVideoIDs(ctx context.Context, playlistID string) ([]string, map[string]string, error) {
	var ids []string
	titles := make(map[string]string)
	pageToken := ""
	for {
		resp, err := a.service.PlaylistItems.List([]string{"contentDetails", "snippet"}).
			PlaylistId(playlistID).
			MaxResults(50).
			PageToken(pageToken).
			Context(ctx).
			Do()
		if err != nil {
			return nil, nil, fmt.Errorf("list playlist %s: %w", playlistID, err)
		}
		for _, item := range resp.Items {
			ids = append(ids, item.ContentDetails.VideoId)
			if item.Snippet != nil {
				titles[item.ContentDetails.VideoId] = item.Snippet.Title
			}
		}
		if resp.NextPageToken == "" {
			return ids, titles, nil
		}
		pageToken = resp.NextPageToken
	}
}

// describeVideos fetches durations and live flags in batches of 50.
func (a *APILister) describeVideos(ctx context.Context, kind string, ids []string, titles map[string]string) ([]Item, error) {
	items := make([]Item, 0, len(ids))
	for start := 0; start < len(ids); start += 50 {
		end := start + 50
		if end > len(ids) {
			end = len(ids)
		}
		resp, err := a.service.Videos.List([]string{"contentDetails", "snippet", "liveStreamingDetails"}).
			Id(ids[start:end]...).
			Context(ctx).
			Do()
		if err != nil {
			return nil, fmt.Errorf("describe videos: %w", err)
		}
		for _, v := range resp.Items {
			title := titles[v.Id]
			if v.Snippet != nil && v.Snippet.Title != "" {
				title = v.Snippet.Title
			}
			live := v.LiveStreamingDetails != nil && v.LiveStreamingDetails.ActualEndTime == ""
			if v.Snippet != nil && v.Snippet.LiveBroadcastContent != "" && v.Snippet.LiveBroadcastContent != "none" {
				live = true
			}
			var dur time.Duration
			if v.ContentDetails != nil {
				dur = parseISODuration(v.ContentDetails.Duration)
			}
			items = append(items, Item{
				Kind:     kind,
				ID:       v.Id,
				Title:    title,
				Duration: dur,
				Live:     live,
			})
		}
	}
	return items, nil
}

// isQuotaError detects Data API quota exhaustion.
func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "quotaExceeded") || strings.Contains(msg, "dailyLimitExceeded")
}

// parseISODuration parses the API's ISO 8601 durations (PT1H2M3S). Returns
// zero on anything it does not understand; listing durations are advisory,
// the fetched metadata is authoritative.
func parseISODuration(s string) time.Duration {
	if !strings.HasPrefix(s, "PT") {
		return 0
	}
	rest := s[2:]
	var total time.Duration
	num := ""
	for _, r := range rest {
		if r >= '0' && r <= '9' {
			num += string(r)
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0
		}
		switch r {
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		default:
			return 0
		}
		num = ""
	}
	return total
}

package dest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata is the per-video metadata sent on publish.
type Metadata struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags,omitempty"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
}

// PublishReceipt is the destination's response to a publish call.
type PublishReceipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// VideoStatus is the processing state of an uploaded video.
type VideoStatus struct {
	Status    string
	CreatedAt time.Time
}

// RemoteVideo is one item of the destination's recent-uploads listing.
type RemoteVideo struct {
	ID        string
	Title     string
	CreatedAt time.Time
	Duration  time.Duration
}

// CreateUploadSlot reserves an upload slot and returns its transfer URL.
// The idempotency key guards against duplicate slots when a retry crosses a
// response that was actually delivered.
func (c *Client) CreateUploadSlot(ctx context.Context) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"idempotency_key": uuid.NewString(),
	})
	resp, err := c.do(ctx, c.base, http.MethodPost, c.config.BaseURL+"/uploads",
		jsonBody(payload), "application/json")
	if err != nil {
		return "", fmt.Errorf("create upload slot: %w", err)
	}

	var slot struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.Unmarshal(resp.Body, &slot); err != nil {
		return "", fmt.Errorf("parse upload slot: %w", err)
	}
	if slot.UploadURL == "" {
		return "", fmt.Errorf("upload slot response missing upload_url")
	}
	return slot.UploadURL, nil
}

// UploadBytes streams the file to the slot URL and returns the posted URL.
// The file is reopened on every retry attempt so a failed transfer restarts
// from the beginning.
func (c *Client) UploadBytes(ctx context.Context, slotURL, filePath string) (string, error) {
	resp, err := c.do(ctx, c.uploads, http.MethodPut, slotURL, func() (io.ReadCloser, error) {
		return os.Open(filePath)
	}, "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("upload bytes: %w", err)
	}

	var posted struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(resp.Body, &posted); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	if posted.Location == "" {
		return "", fmt.Errorf("upload response missing location")
	}
	return posted.Location, nil
}

// Publish attaches metadata to an uploaded file and submits it for
// processing. The receipt's status seeds the ledger entry.
func (c *Client) Publish(ctx context.Context, postedURL string, meta Metadata) (*PublishReceipt, error) {
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	resp, err := c.do(ctx, c.base, http.MethodPost, postedURL+"/publish",
		jsonBody(payload), "application/json")
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}

	var receipt PublishReceipt
	if err := json.Unmarshal(resp.Body, &receipt); err != nil {
		return nil, fmt.Errorf("parse publish receipt: %w", err)
	}
	if receipt.ID == "" {
		return nil, fmt.Errorf("publish receipt missing id")
	}
	return &receipt, nil
}

// GetFields fetches the requested fields of a video as raw JSON values.
func (c *Client) GetFields(ctx context.Context, id string, fields []string) (map[string]json.RawMessage, error) {
	u := fmt.Sprintf("%s/videos/%s?fields=%s",
		c.config.BaseURL, url.PathEscape(id), url.QueryEscape(strings.Join(fields, ",")))
	resp, err := c.do(ctx, c.base, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, fmt.Errorf("get fields %s: %w", id, err)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("parse fields %s: %w", id, err)
	}
	return out, nil
}

// EditFields patches fields of a published video. Used for the "next part"
// description link on multi-part uploads.
func (c *Client) EditFields(ctx context.Context, id string, fields map[string]string) error {
	payload, _ := json.Marshal(fields)
	u := fmt.Sprintf("%s/videos/%s", c.config.BaseURL, url.PathEscape(id))
	if _, err := c.do(ctx, c.base, http.MethodPatch, u, jsonBody(payload), "application/json"); err != nil {
		return fmt.Errorf("edit fields %s: %w", id, err)
	}
	return nil
}

// Status returns the processing status and authoritative creation time of a
// video. The creation time is in destination-clock units.
func (c *Client) Status(ctx context.Context, id string) (*VideoStatus, error) {
	fields, err := c.GetFields(ctx, id, []string{"status", "created_at"})
	if err != nil {
		return nil, err
	}

	var vs VideoStatus
	if raw, ok := fields["status"]; ok {
		if err := json.Unmarshal(raw, &vs.Status); err != nil {
			return nil, fmt.Errorf("parse status %s: %w", id, err)
		}
	}
	if vs.Status == "" {
		return nil, fmt.Errorf("video %s: response missing status", id)
	}
	if raw, ok := fields["created_at"]; ok {
		var unix int64
		if err := json.Unmarshal(raw, &unix); err != nil {
			return nil, fmt.Errorf("parse created_at %s: %w", id, err)
		}
		vs.CreatedAt = time.Unix(unix, 0).UTC()
	}
	return &vs, nil
}

// ListRecentUploads returns all uploads created after the given instant
// (destination clock), following pagination to the end.
func (c *Client) ListRecentUploads(ctx context.Context, after time.Time) ([]RemoteVideo, error) {
	var all []RemoteVideo
	page := 1
	for {
		u := fmt.Sprintf("%s/videos?after=%d&page=%d", c.config.BaseURL, after.Unix(), page)
		resp, err := c.do(ctx, c.base, http.MethodGet, u, nil, "")
		if err != nil {
			return nil, fmt.Errorf("list recent uploads: %w", err)
		}

		var listing struct {
			Items []struct {
				ID        string `json:"id"`
				Title     string `json:"title"`
				CreatedAt int64  `json:"created_at"`
				Duration  int64  `json:"duration"`
			} `json:"items"`
			NextPage int `json:"next_page"`
		}
		if err := json.Unmarshal(resp.Body, &listing); err != nil {
			return nil, fmt.Errorf("parse recent uploads: %w", err)
		}

		for _, item := range listing.Items {
			all = append(all, RemoteVideo{
				ID:        item.ID,
				Title:     item.Title,
				CreatedAt: time.Unix(item.CreatedAt, 0).UTC(),
				Duration:  time.Duration(item.Duration) * time.Second,
			})
		}
		if listing.NextPage == 0 || len(listing.Items) == 0 {
			return all, nil
		}
		page = listing.NextPage
	}
}

// UploadVideo runs the full slot-transfer-publish sequence for one file.
func (c *Client) UploadVideo(ctx context.Context, filePath string, meta Metadata) (*PublishReceipt, error) {
	slotURL, err := c.CreateUploadSlot(ctx)
	if err != nil {
		return nil, err
	}
	postedURL, err := c.UploadBytes(ctx, slotURL, filePath)
	if err != nil {
		return nil, err
	}
	return c.Publish(ctx, postedURL, meta)
}

func jsonBody(payload []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
}

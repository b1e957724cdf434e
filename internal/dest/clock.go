package dest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// MeasureClockOffset measures the destination-minus-local clock difference by
// creating a throwaway marker object, reading back its server-side creation
// timestamp and deleting it. The correction is load-bearing: windows computed
// from uncorrected local time drift and cause either premature admission or
// perpetual blocking.
//
// The offset is rounded to whole seconds, matching ledger granularity.
func (c *Client) MeasureClockOffset(ctx context.Context) (time.Duration, error) {
	payload, _ := json.Marshal(map[string]string{"name": "clockprobe-" + uuid.NewString()})

	before := time.Now()
	resp, err := c.do(ctx, c.base, http.MethodPost, c.config.BaseURL+"/markers",
		jsonBody(payload), "application/json")
	if err != nil {
		return 0, fmt.Errorf("clock probe: %w", err)
	}
	after := time.Now()

	var marker struct {
		ID        string `json:"id"`
		CreatedAt int64  `json:"created_at"`
	}
	if err := json.Unmarshal(resp.Body, &marker); err != nil {
		return 0, fmt.Errorf("parse clock probe: %w", err)
	}
	if marker.CreatedAt == 0 {
		return 0, fmt.Errorf("clock probe response missing created_at")
	}

	// Best effort; a leaked marker is harmless.
	if marker.ID != "" {
		u := c.config.BaseURL + "/markers/" + url.PathEscape(marker.ID)
		if _, err := c.do(ctx, c.base, http.MethodDelete, u, nil, ""); err != nil {
			log.Printf("dest: failed to delete clock probe %s: %v", marker.ID, err)
		}
	}

	// Use the midpoint of the request to halve network latency skew.
	local := before.Add(after.Sub(before) / 2)
	offset := time.Unix(marker.CreatedAt, 0).Sub(local)
	return offset.Round(time.Second), nil
}

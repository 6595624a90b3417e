package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// WaybackClient resolves and fetches archived page snapshots.
type WaybackClient struct {
	baseURL    string
	httpClient *http.Client
	throttle   Throttle
	log        *zap.Logger
}

// Snapshot is one archived capture of a page.
type Snapshot struct {
	URL       string
	Timestamp string // YYYYMMDDhhmmss
}

func NewWaybackClient(baseURL string, timeout time.Duration, throttle Throttle, log *zap.Logger) *WaybackClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &WaybackClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		throttle:   throttle,
		log:        log,
	}
}

// NearestSnapshot finds the capture closest to the given day, or
// found=false when the archive has nothing for the page.
func (c *WaybackClient) NearestSnapshot(ctx context.Context, pageURL string, day time.Time) (Snapshot, bool, error) {
	q := url.Values{}
	q.Set("url", pageURL)
	q.Set("timestamp", day.Format("20060102"))
	availURL := c.baseURL + "/wayback/available?" + q.Encode()

	body, _, err := c.get(ctx, availURL)
	if err != nil {
		return Snapshot{}, false, err
	}

	var parsed struct {
		ArchivedSnapshots struct {
			Closest struct {
				Available bool   `json:"available"`
				URL       string `json:"url"`
				Timestamp string `json:"timestamp"`
			} `json:"closest"`
		} `json:"archived_snapshots"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode availability payload: %w", err)
	}
	closest := parsed.ArchivedSnapshots.Closest
	if !closest.Available || closest.URL == "" {
		return Snapshot{}, false, nil
	}
	return Snapshot{URL: closest.URL, Timestamp: closest.Timestamp}, true, nil
}

// FetchSnapshot downloads an archived page body.
func (c *WaybackClient) FetchSnapshot(ctx context.Context, snapshot Snapshot) ([]byte, int, error) {
	return c.get(ctx, snapshot.URL)
}

// SameDay reports whether the snapshot was captured on the given day.
// Backfill treats an off-day capture as "no signal for this day"
// rather than attributing another day's rates to it.
func (s Snapshot) SameDay(day time.Time) bool {
	return len(s.Timestamp) >= 8 && s.Timestamp[:8] == day.Format("20060102")
}

func (c *WaybackClient) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if c.throttle != nil {
		allowed, err := c.throttle.Allow(ctx, req.URL.Host)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch throttle: %w", err)
		}
		if !allowed {
			return nil, 0, fmt.Errorf("fetch throttled for host %s", req.URL.Host)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return body, resp.StatusCode, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

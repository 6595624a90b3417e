package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// PageClient fetches live lender pages for the HTML fallback path.
type PageClient struct {
	httpClient *http.Client
	throttle   Throttle
	log        *zap.Logger
}

func NewPageClient(timeout time.Duration, throttle Throttle, log *zap.Logger) *PageClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &PageClient{
		httpClient: &http.Client{Timeout: timeout},
		throttle:   throttle,
		log:        log,
	}
}

// FetchPage GETs one page. Non-2xx statuses are errors so the queue
// retries them with backoff.
func (c *PageClient) FetchPage(ctx context.Context, pageURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	if c.throttle != nil {
		allowed, err := c.throttle.Allow(ctx, req.URL.Host)
		if err != nil {
			return nil, 0, fmt.Errorf("throttle check for %s: %w", req.URL.Host, err)
		}
		if !allowed {
			return nil, 0, fmt.Errorf("fetch throttled for host %s", req.URL.Host)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", pageURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, resp.StatusCode, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

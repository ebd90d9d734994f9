// Package fetch retrieves label files from local archive storage or over
// HTTP, retrying transient failures a bounded number of times.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// TransientError wraps a fetch failure that persisted through every retry.
type TransientError struct {
	Ref      string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("fetching %s failed after %d attempts: %v", e.Ref, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Client retrieves label bytes. A ref is either a filesystem path or an
// http(s) URL.
type Client struct {
	httpClient *http.Client
	userAgent  string
	retries    int
	retryDelay time.Duration
}

// New constructs a Client. retries is the number of additional attempts made
// after a transient failure; delay is the fixed pause between attempts.
func New(userAgent string, retries int, delay time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		userAgent:  userAgent,
		retries:    retries,
		retryDelay: delay,
	}
}

// Get retrieves the contents of ref. Local reads are not retried; HTTP
// fetches retry connection errors and retryable statuses (429, 5xx) before
// escalating with TransientError.
func (c *Client) Get(ctx context.Context, ref string) ([]byte, error) {
	if !isURL(ref) {
		return os.ReadFile(ref)
	}

	attempts := c.retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		data, retryable, err := c.getOnce(ctx, ref)
		if err == nil {
			return data, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, &TransientError{Ref: ref, Attempts: attempts, Err: lastErr}
}

// getOnce performs a single HTTP fetch. The second return reports whether
// the failure is worth retrying.
func (c *Client) getOnce(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	return data, false, nil
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

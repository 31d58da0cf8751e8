// Package httpfetch implements blob.Fetcher over plain HTTP(S) GET, for
// blob URLs served by a CDN or presigned links.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shineum/mail-dispatch/internal/blob"
)

// DefaultMaxSize caps downloaded bodies.
const DefaultMaxSize = 25 << 20

// Fetcher downloads blobs with an HTTP client.
type Fetcher struct {
	client  *http.Client
	maxSize int64
}

var _ blob.Fetcher = (*Fetcher)(nil)

// New creates a Fetcher. A nil client gets a 30 second timeout and does
// not follow redirects. A non-positive maxSize uses DefaultMaxSize.
func New(client *http.Client, maxSize int64) *Fetcher {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Fetcher{client: client, maxSize: maxSize}
}

// Fetch implements blob.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("fetch %s: %w", rawURL, blob.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	if resp.ContentLength > f.maxSize {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, blob.ErrTooLarge)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, blob.ErrTooLarge)
	}
	return data, nil
}

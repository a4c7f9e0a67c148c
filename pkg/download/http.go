package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const userAgent = "spinstage/1.0"

// HTTPError is a non-2xx response from a mirror.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// HTTPFetcher fetches over HTTP(S). Connection failures and 5xx responses
// are retried before any body byte is read; body reads are never retried.
type HTTPFetcher struct {
	client *retryablehttp.Client
}

// NewHTTPFetcher creates a fetcher that retries the request up to retries
// times and waits at most headerTimeout for response headers.
func NewHTTPFetcher(retries int, headerTimeout time.Duration, logger *slog.Logger) *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	if t, ok := client.HTTPClient.Transport.(*http.Transport); ok && headerTimeout > 0 {
		t.ResponseHeaderTimeout = headerTimeout
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, 0, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp.Body, resp.ContentLength, nil
}

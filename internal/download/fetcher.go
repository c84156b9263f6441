package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher retrieves a half-open byte range [start, end) from a CDN URL.
type Fetcher interface {
	FetchRange(ctx context.Context, start, end int64) (io.ReadCloser, error)
}

// HTTPFetcher is a Fetcher backed by HTTP range requests against a
// single resolved CDN URL.
type HTTPFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher bound to one CDN URL, resolved
// via StorageResolve's Cdnurl[0].
func NewHTTPFetcher(url string) *HTTPFetcher {
	return &HTTPFetcher{
		url:    url,
		client: &http.Client{Timeout: 8 * time.Second},
	}
}

// FetchRange issues a single GET with a Range header; it accepts both
// 206 Partial Content and 200 OK.
func (f *HTTPFetcher) FetchRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
		return resp.Body, nil
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		resp.Body.Close()
		return nil, &retryableStatusError{status: resp.StatusCode}
	default:
		resp.Body.Close()
		return nil, &nonRetryableStatusError{status: resp.StatusCode}
	}
}

type retryableStatusError struct{ status int }

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("download: retryable status %d", e.status)
}

type nonRetryableStatusError struct{ status int }

func (e *nonRetryableStatusError) Error() string {
	return fmt.Sprintf("download: status %d fetching range", e.status)
}

// isRetryable reports whether err is worth retrying with backoff: a
// 429/503 response, or a transport-level error (timeout, connection
// reset, DNS). A clean non-2xx/206/429/503 status fails immediately.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*nonRetryableStatusError); ok {
		return false
	}
	return true
}

// Package spclient is the HTTP client for Spotify's "spclient" service:
// connect-state PUTs, metadata lookups, extended metadata, and CDN
// storage resolution. Concrete protobuf message types are out of this
// engine's scope; callers supply their own proto.Message-satisfying
// request/response types, and this package handles transport, auth
// headers, and error classification. Failed requests are not retried
// here; they return a classified *Error.
package spclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
)

// TokenSource supplies a bearer token for each request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// HostResolver supplies the current spclient host list.
type HostResolver interface {
	ResolveSpClient(ctx context.Context) ([]string, error)
}

// Client is the spclient HTTP client.
type Client struct {
	tokens   TokenSource
	resolver HostResolver
	http     *http.Client

	hostMu   sync.Mutex
	cached   string
	cachedAt time.Time
}

const hostCacheTTL = 5 * time.Minute

// New creates a spclient Client.
func New(tokens TokenSource, resolver HostResolver) *Client {
	return &Client{
		tokens:   tokens,
		resolver: resolver,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) host(ctx context.Context) (string, error) {
	c.hostMu.Lock()
	if c.cached != "" && time.Since(c.cachedAt) < hostCacheTTL {
		host := c.cached
		c.hostMu.Unlock()
		return host, nil
	}
	c.hostMu.Unlock()

	hosts, err := c.resolver.ResolveSpClient(ctx)
	if err != nil {
		return "", &Error{Code: ErrRequestFailed, Cause: err}
	}
	if len(hosts) == 0 {
		return "", &Error{Code: ErrRequestFailed, Cause: fmt.Errorf("spclient: no hosts resolved")}
	}

	c.hostMu.Lock()
	c.cached = hosts[0]
	c.cachedAt = time.Now()
	c.hostMu.Unlock()
	return hosts[0], nil
}

// PutState PUTs a PutStateRequest-shaped protobuf message to
// connect-state/v1/devices/<deviceID>, authenticated with connID (the
// Spotify-Connection-Id obtained from the dealer) and a bearer token.
func (c *Client) PutState(ctx context.Context, deviceID, connID string, req proto.Message) error {
	body, err := proto.Marshal(req)
	if err != nil {
		return &Error{Code: ErrRequestFailed, Cause: fmt.Errorf("marshal PutStateRequest: %w", err)}
	}

	path := fmt.Sprintf("/connect-state/v1/devices/%s", deviceID)
	resp, err := c.do(ctx, http.MethodPut, path, map[string]string{
		"X-Spotify-Connection-Id": connID,
		"Content-Type":            "application/x-protobuf",
	}, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// GetTrackMetadata fetches protobuf track metadata by hex-encoded
// SpotifyId, unmarshalling into out.
func (c *Client) GetTrackMetadata(ctx context.Context, trackIDHex string, out proto.Message) error {
	path := fmt.Sprintf("/metadata/4/track/%s", trackIDHex)
	return c.getProto(ctx, path, out)
}

// GetEpisodeMetadata fetches protobuf episode metadata by base62 id.
func (c *Client) GetEpisodeMetadata(ctx context.Context, episodeIDBase62 string, out proto.Message) error {
	path := fmt.Sprintf("/metadata/4/episode/%s", episodeIDBase62)
	return c.getProto(ctx, path, out)
}

// ExtendedMetadata issues a BatchedEntityRequest-shaped protobuf message
// against extended-metadata/v0/extended-metadata and decodes the
// BatchedExtensionResponse-shaped reply into out.
func (c *Client) ExtendedMetadata(ctx context.Context, country, catalogue string, req proto.Message, out proto.Message) error {
	body, err := proto.Marshal(req)
	if err != nil {
		return &Error{Code: ErrRequestFailed, Cause: fmt.Errorf("marshal BatchedEntityRequest: %w", err)}
	}

	resp, err := c.do(ctx, http.MethodPost, "/extended-metadata/v0/extended-metadata", map[string]string{
		"Content-Type": "application/x-protobuf",
		"country":      country,
		"catalogue":    catalogue,
	}, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Code: ErrRequestFailed, Cause: err}
	}
	if err := proto.Unmarshal(data, out); err != nil {
		return &Error{Code: ErrRequestFailed, Cause: fmt.Errorf("unmarshal BatchedExtensionResponse: %w", err)}
	}
	return nil
}

// StorageResolveResponse is the CDN URL set returned for one file.
type StorageResolveResponse struct {
	CDNURLs []string
}

// ResolveStorage resolves CDN URLs for a FileId; the progressive
// downloader consumes this to pick a CDN host.
func (c *Client) ResolveStorage(ctx context.Context, fileIDHex string, out proto.Message) error {
	path := fmt.Sprintf("/storage-resolve/files/audio/interactive/%s", fileIDHex)
	return c.getProto(ctx, path, out)
}

func (c *Client) getProto(ctx context.Context, path string, out proto.Message) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Code: ErrRequestFailed, Cause: err}
	}
	if err := proto.Unmarshal(data, out); err != nil {
		return &Error{Code: ErrRequestFailed, Cause: fmt.Errorf("unmarshal response for %s: %w", path, err)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body []byte) (*http.Response, error) {
	host, err := c.host(ctx)
	if err != nil {
		return nil, err
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, &Error{Code: ErrUnauthorized, Cause: err}
	}

	url := fmt.Sprintf("https://%s%s", host, path)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &Error{Code: ErrRequestFailed, Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Code: ErrRequestFailed, Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, &Error{Code: ErrUnauthorized}
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, &Error{Code: ErrNotFound}
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, &Error{Code: ErrRateLimited}
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, &Error{Code: ErrServerError, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, &Error{Code: ErrRequestFailed, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return resp, nil
}

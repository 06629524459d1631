// ABOUTME: Media fetchers with explicit Found / NotFound / TransientError outcomes
// ABOUTME: HTTPFetcher does bearer-authenticated GETs; SchemeFetcher routes by URL scheme

package senses

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// FetchStatus is the tri-state outcome of a media lookup.
type FetchStatus int

const (
	FetchFound FetchStatus = iota
	FetchNotFound
	FetchTransient
)

func (s FetchStatus) String() string {
	switch s {
	case FetchFound:
		return "found"
	case FetchNotFound:
		return "not_found"
	default:
		return "transient_error"
	}
}

// FetchResult carries the payload for FetchFound and the cause otherwise.
type FetchResult struct {
	Status      FetchStatus
	Data        []byte
	ContentType string
	Err         error
}

// Found builds a successful result.
func Found(data []byte, contentType string) FetchResult {
	return FetchResult{Status: FetchFound, Data: data, ContentType: contentType}
}

// NotFound builds a definitive-miss result.
func NotFound(err error) FetchResult {
	return FetchResult{Status: FetchNotFound, Err: err}
}

// Transient builds a retryable-failure result.
func Transient(err error) FetchResult {
	return FetchResult{Status: FetchTransient, Err: err}
}

// MediaFetcher downloads media referenced by a sense event.
type MediaFetcher interface {
	Fetch(ctx context.Context, mediaURL string) FetchResult
}

// MaxMediaBytes bounds a single download.
const MaxMediaBytes = 32 << 20

// HTTPFetcher downloads http(s) URLs, optionally with a bearer token.
type HTTPFetcher struct {
	client *http.Client
	token  string
}

// NewHTTPFetcher creates a fetcher. An empty token sends no Authorization header.
func NewHTTPFetcher(token string) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{}, token: token}
}

// Fetch implements MediaFetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, mediaURL string) FetchResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return NotFound(fmt.Errorf("creating request: %w", err))
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("sending request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return Transient(fmt.Errorf("media server returned status %d", resp.StatusCode))
	default:
		return NotFound(fmt.Errorf("media server returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return Transient(fmt.Errorf("reading body: %w", err))
	}
	if len(data) > MaxMediaBytes {
		return NotFound(errors.New("media exceeds size limit"))
	}
	return Found(data, resp.Header.Get("Content-Type"))
}

// SchemeFetcher dispatches to a fetcher by URL scheme ("mxc", "https", ...).
type SchemeFetcher map[string]MediaFetcher

// Fetch implements MediaFetcher.
func (s SchemeFetcher) Fetch(ctx context.Context, mediaURL string) FetchResult {
	u, err := url.Parse(mediaURL)
	if err != nil {
		return NotFound(fmt.Errorf("parsing media url: %w", err))
	}
	f, ok := s[u.Scheme]
	if !ok {
		return NotFound(fmt.Errorf("unsupported media scheme %q", u.Scheme))
	}
	return f.Fetch(ctx, mediaURL)
}

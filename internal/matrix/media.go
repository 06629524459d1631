// ABOUTME: Downloads mxc:// media through the homeserver for the camera sense
// ABOUTME: Maps Matrix errors to the found / not found / transient tri-state

package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/silverbacking/krill/internal/senses"
)

// MediaFetcher implements senses.MediaFetcher for mxc URIs.
type MediaFetcher struct {
	api *mautrix.Client
}

// NewMediaFetcher returns a fetcher using the client's credentials.
func NewMediaFetcher(c *Client) *MediaFetcher {
	return &MediaFetcher{api: c.api}
}

// Fetch downloads one mxc:// URI.
func (f *MediaFetcher) Fetch(ctx context.Context, mediaURL string) senses.FetchResult {
	uri, err := id.ParseContentURI(mediaURL)
	if err != nil {
		return senses.NotFound(fmt.Errorf("invalid mxc uri: %w", err))
	}
	data, err := f.api.DownloadBytes(ctx, uri)
	if err != nil {
		return classifyMediaError(err)
	}
	if len(data) > senses.MaxMediaBytes {
		return senses.NotFound(fmt.Errorf("media exceeds %d bytes", senses.MaxMediaBytes))
	}
	return senses.Found(data, http.DetectContentType(data))
}

func classifyMediaError(err error) senses.FetchResult {
	if errors.Is(err, mautrix.MNotFound) {
		return senses.NotFound(err)
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		code := httpErr.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= 500 {
			return senses.Transient(err)
		}
		return senses.NotFound(err)
	}
	return senses.Transient(err)
}

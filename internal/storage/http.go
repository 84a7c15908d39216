package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPSource reads objects below a base URL. A failed request is reported,
// never retried.
type HTTPSource struct {
	baseURL string
	query   string
	client  *http.Client
}

// NewHTTPSource creates an HTTP source. A nil client uses one with a
// one minute timeout.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &HTTPSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// WithQuery returns a copy of h that appends rawQuery to every object URL,
// e.g. a signed token.
func (h *HTTPSource) WithQuery(rawQuery string) *HTTPSource {
	cp := *h
	cp.query = rawQuery
	return &cp
}

// Download fetches baseURL/objectPath into localPath.
func (h *HTTPSource) Download(ctx context.Context, objectPath, localPath string) error {
	url := h.url(objectPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrObjectNotFound, url)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s returned %s", ErrDownloadFailed, url, resp.Status)
	}

	return writeFile(localPath, resp.Body)
}

func (h *HTTPSource) url(objectPath string) string {
	u := h.baseURL
	if objectPath != "" {
		u += "/" + strings.TrimPrefix(objectPath, "/")
	}
	if h.query != "" {
		u += "?" + h.query
	}
	return u
}

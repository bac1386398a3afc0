package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"lessonforge/internal/staging"
)

// StoreFetcher reads an in-process staging store.
type StoreFetcher struct {
	Store *staging.Store
}

// Fetch implements Fetcher.
func (f StoreFetcher) Fetch(ctx context.Context, key string) (staging.Entry, error) {
	if err := ctx.Err(); err != nil {
		return staging.Entry{}, err
	}
	return f.Store.Get(key)
}

// HTTPFetcher reads staged content from a running server at
// GET {BaseURL}/api/staging/{key}.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// StagingPath returns the request path for key. Keys may contain '/', each
// segment is escaped separately.
func StagingPath(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "/api/staging/" + strings.Join(segments, "/")
}

// Fetch implements Fetcher.
func (f HTTPFetcher) Fetch(ctx context.Context, key string) (staging.Entry, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(f.BaseURL, "/")+StagingPath(key), nil)
	if err != nil {
		return staging.Entry{}, fmt.Errorf("build staging request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return staging.Entry{}, fmt.Errorf("fetch staged content: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return staging.Entry{}, staging.ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return staging.Entry{}, fmt.Errorf("fetch staged content: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entry staging.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return staging.Entry{}, fmt.Errorf("decode staged content: %w", err)
	}
	return entry, nil
}

// Package fetcher retrieves source pages as readable text.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrTransport marks failures to reach the page at all.
var ErrTransport = errors.New("fetch transport failure")

// StatusError is returned for a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// Fetcher returns the readable text content of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Config configures an HTTPFetcher.
type Config struct {
	ReaderURL    string
	APIKey       string
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// HTTPFetcher fetches pages directly, or through a reader proxy that renders
// them as text when ReaderURL is set. The target URL is appended to the
// proxy URL.
type HTTPFetcher struct {
	cfg        Config
	httpClient *http.Client
}

// New constructs an HTTPFetcher.
func New(cfg Config) *HTTPFetcher {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	return &HTTPFetcher{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	target := url
	if f.cfg.ReaderURL != "" {
		target = strings.TrimRight(f.cfg.ReaderURL, "/") + "/" + url
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Accept", "text/plain, text/markdown, text/html;q=0.8")
	if f.cfg.UserAgent != "" {
		request.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if f.cfg.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+f.cfg.APIKey)
	}

	resp, err := f.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrTransport, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrTransport, url, err)
	}
	return string(body), nil
}

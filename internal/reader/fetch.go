package reader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultFetchTimeout  = 12 * time.Second
	DefaultBodyByteLimit = 2 * 1024 * 1024

	defaultUserAgent = "Scout-Discovery/1.0 (+https://horse.fit/scout)"
)

// Options controls HTTP behavior of a Fetcher.
type Options struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	HTTPClient    *http.Client
}

// Page is one fetched and extracted page.
type Page struct {
	URL            string
	StatusCode     int
	ContentType    string
	RawHTML        string
	CleanedContent string
	Metadata       Metadata
	FetchedAt      time.Time
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// Temporary reports whether retrying later can succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Fetcher struct {
	opts Options
}

func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.BodyByteLimit <= 0 {
		opts.BodyByteLimit = DefaultBodyByteLimit
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{opts: opts}
}

// Fetch retrieves rawURL and extracts its readable text and metadata.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if f == nil {
		return nil, fmt.Errorf("fetcher is not initialized")
	}
	page := strings.TrimSpace(rawURL)
	if page == "" {
		return nil, fmt.Errorf("url is required")
	}
	pageURL, err := url.Parse(page)
	if err != nil || pageURL.Host == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, page, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: page, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.BodyByteLimit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	out := &Page{
		URL:         page,
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		RawHTML:     string(body),
		FetchedAt:   time.Now().UTC(),
	}

	if strings.HasPrefix(contentType, "text/plain") {
		out.CleanedContent = CleanText(out.RawHTML)
		return out, nil
	}

	out.CleanedContent, out.Metadata = Extract(out.RawHTML, pageURL)
	return out, nil
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stanstork/harvest-api/internal/payload"
)

// Fetcher downloads the result set a notification points at.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, payload.Meta, error)
}

// ErrHostNotAllowed is returned for follow-up URLs outside the allowlist.
var ErrHostNotAllowed = errors.New("follow-up host not allowed")

// HTTPFetcher only fetches from allowed hosts. A host entry also admits its
// subdomains; redirects are checked against the same list.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	hosts    []string
}

func NewHTTPFetcher(timeout time.Duration, maxBytes int64, allowedHosts []string) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = payload.DefaultMaxDecodedBytes
	}
	f := &HTTPFetcher{maxBytes: maxBytes}
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			f.hosts = append(f.hosts, strings.TrimPrefix(h, "."))
		}
	}
	f.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return f.check(req.URL)
		},
	}
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, payload.Meta, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, payload.Meta{}, fmt.Errorf("parse follow-up url: %w", err)
	}
	if err := f.check(u); err != nil {
		return nil, payload.Meta{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, payload.Meta{}, fmt.Errorf("build follow-up request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, payload.Meta{}, fmt.Errorf("fetch follow-up: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, payload.Meta{}, fmt.Errorf("fetch follow-up: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, payload.Meta{}, fmt.Errorf("read follow-up body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, payload.Meta{}, fmt.Errorf("follow-up body exceeds %d bytes", f.maxBytes)
	}

	meta := payload.Meta{
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		ContentType:     resp.Header.Get("Content-Type"),
		Header:          resp.Header,
	}
	return body, meta, nil
}

func (f *HTTPFetcher) check(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrHostNotAllowed, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range f.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}

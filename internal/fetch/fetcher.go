// Package fetch retrieves URLs as sequences of pages, one per redirect hop.
// Same-host redirects are followed up to a limit, transient network faults
// are retried with exponential backoff, and cookies are shared through a jar.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/masahif/hopfetch/internal/config"
	"github.com/masahif/hopfetch/internal/page"
)

// Fetcher turns one URL into the pages of its redirect chain.
// FetchPages may be called concurrently; the only shared mutable state is the cookie jar.
type Fetcher struct {
	config     *config.FetchConfig
	client     *HTTPClient
	roots      []*url.URL
	policy     page.LinkPolicy
	jar        CookieJar
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithCookieJar replaces the jar seeded from the configured cookies.
// A nil jar is ignored.
func WithCookieJar(jar CookieJar) Option {
	return func(f *Fetcher) {
		if jar != nil {
			f.jar = jar
		}
	}
}

// WithLogger sets the logger used for retries and captured failures
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithBackOff replaces the retry schedule. newBackOff is called once per request.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(f *Fetcher) {
		f.newBackOff = newBackOff
	}
}

// New creates a fetcher. The seed URLs decide which pages yield links.
// A nil cfg means the default configuration.
func New(seedURLs []string, cfg *config.FetchConfig, opts ...Option) (*Fetcher, error) {
	if len(seedURLs) == 0 {
		return nil, ErrNoSeedURLs
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	roots := make([]*url.URL, 0, len(seedURLs))
	for _, raw := range seedURLs {
		u, err := normalizeURL(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse seed URL %q: %w", raw, err)
		}
		roots = append(roots, u)
	}

	client, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	initial := cfg.RetryBackoffDuration()
	f := &Fetcher{
		config: cfg,
		client: client,
		roots:  roots,
		policy: page.LinkPolicy{
			Roots:           roots,
			SkipNoFollow:    cfg.SkipNoFollow,
			FollowSubdomain: cfg.FollowSubdomain,
			ExternalLinks:   cfg.ExternalLinks,
		},
		jar:    NewMemoryJar(cfg.Cookies),
		logger: slog.Default(),
		newBackOff: func() backoff.BackOff {
			return newExponentialBackOff(initial)
		},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// Roots returns the normalized seed URLs
func (f *Fetcher) Roots() []*url.URL {
	return f.roots
}

// CookieJar returns the jar shared by every fetch
func (f *Fetcher) CookieJar() CookieJar {
	return f.jar
}

// Close releases idle connections
func (f *Fetcher) Close() {
	f.client.Close()
}

// FetchPages fetches rawURL and returns one page per redirect hop, the
// terminal page last. It never fails: a fault ends the sequence with a page
// whose Err is set and whose Fetched reports false.
func (f *Fetcher) FetchPages(ctx context.Context, rawURL string, referer *url.URL, depth int) (pages []*page.Page) {
	var location *url.URL

	defer func() {
		if r := recover(); r != nil {
			pages = append(pages, f.failedPage(location, rawURL, referer, depth, fmt.Errorf("fetch panicked: %v", r)))
		}
	}()

	start, err := normalizeURL(rawURL)
	if err != nil {
		return []*page.Page{f.failedPage(nil, rawURL, referer, depth, err)}
	}

	location = start
	for hop := 0; ; hop++ {
		res, err := f.getResponse(ctx, location, referer)
		if err != nil {
			return append(pages, f.failedPage(location, rawURL, referer, depth, err))
		}

		if f.config.AcceptCookies && f.jar != nil {
			f.jar.Merge(res.header.Values("Set-Cookie"))
		}

		var redirectTo *url.URL
		if res.outcome == outcomeRedirect {
			redirectTo = location.ResolveReference(res.location)
		}

		pages = append(pages, page.New(location, page.Options{
			Code:         res.statusCode,
			Headers:      page.NewHeader(res.header),
			Body:         res.body,
			Referer:      referer,
			Depth:        depth,
			RedirectTo:   redirectTo,
			ResponseTime: res.elapsed,
			Policy:       f.policy,
		}))

		if redirectTo == nil || !sameHost(redirectTo, start) || hop >= f.config.RedirectLimit {
			return pages
		}
		location = redirectTo
	}
}

// FetchPage fetches rawURL and returns the terminal page of its redirect chain
func (f *Fetcher) FetchPage(ctx context.Context, rawURL string, referer *url.URL, depth int) *page.Page {
	pages := f.FetchPages(ctx, rawURL, referer, depth)
	return pages[len(pages)-1]
}

// getResponse performs one GET, retrying transient faults until the retry limit
func (f *Fetcher) getResponse(ctx context.Context, u *url.URL, referer *url.URL) (*response, error) {
	schedule := f.newBackOff()

	for retries := 0; ; retries++ {
		res, err := f.client.Get(ctx, u, referer, f.cookieHeader())
		if err != nil {
			return nil, err
		}
		if res.outcome != outcomeTransientFault {
			return res, nil
		}

		wait := schedule.NextBackOff()
		if retries >= f.config.RetryLimit || wait == backoff.Stop {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, retries+1, res.err)
		}

		f.diagnostic("Retrying request", "url", u.String(), "retry", retries+1, "wait", wait, "error", res.err)
		if err := sleepContext(ctx, wait); err != nil {
			return nil, fmt.Errorf("retry wait interrupted: %w", err)
		}
	}
}

// cookieHeader renders the jar when cookies are in play for this fetcher
func (f *Fetcher) cookieHeader() string {
	if f.jar == nil || f.jar.Empty() {
		return ""
	}
	if !f.config.AcceptCookies && f.config.Cookies == "" {
		return ""
	}
	return f.jar.String()
}

func (f *Fetcher) failedPage(location *url.URL, rawURL string, referer *url.URL, depth int, err error) *page.Page {
	if location == nil {
		location = &url.URL{Path: rawURL}
	}
	f.diagnostic("Fetch failed", "url", location.String(), "error", err)

	return page.New(location, page.Options{
		Referer: referer,
		Depth:   depth,
		Err:     err,
		Policy:  f.policy,
	})
}

// diagnostic logs at warn level when verbose, debug otherwise
func (f *Fetcher) diagnostic(msg string, args ...any) {
	if f.logger == nil {
		return
	}
	if f.config.Verbose {
		f.logger.Warn(msg, args...)
		return
	}
	f.logger.Debug(msg, args...)
}

// normalizeURL parses raw as an absolute http(s) URL, assuming http when no scheme is given
func normalizeURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""

	return u, nil
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Hostname(), b.Hostname())
}

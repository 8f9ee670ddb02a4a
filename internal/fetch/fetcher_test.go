package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/masahif/hopfetch/internal/config"
)

func testConfig() *config.FetchConfig {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 0.001
	cfg.ReadTimeout = 2
	return cfg
}

func newTestFetcher(t *testing.T, seed string, cfg *config.FetchConfig, opts ...Option) *Fetcher {
	t.Helper()
	f, err := New([]string{seed}, cfg, opts...)
	if err != nil {
		t.Fatalf("Failed to create fetcher: %v", err)
	}
	t.Cleanup(f.Close)
	return f
}

// hopServer redirects /hop/N to /hop/N+1 until N reaches last, which answers 200.
// A negative last redirects forever.
func hopServer(t *testing.T, last int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/hop/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if last >= 0 && n >= last {
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprintf(w, `<html><body><a href="/next">next</a></body></html>`)
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n+1), http.StatusFound)
	}))
	t.Cleanup(server.Close)
	return server
}

// closingServer drops the first failures connections without answering, then serves 200.
func closingServer(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= failures {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("Expected response writer to support hijacking")
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Errorf("Failed to hijack connection: %v", err)
				return
			}
			_ = conn.Close()
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)
	return server, &attempts
}

func TestFetchPagesSingleHop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><a href="/about">About</a><img src="/logo.png"></body></html>`))
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, testConfig())
	pages := f.FetchPages(context.Background(), server.URL, nil, 1)

	if len(pages) != 1 {
		t.Fatalf("Expected 1 page, got %d", len(pages))
	}

	p := pages[0]
	if !p.Fetched() || p.Code() != http.StatusOK {
		t.Errorf("Expected fetched page with 200, got fetched=%v code=%d err=%v", p.Fetched(), p.Code(), p.Err())
	}
	if p.Depth() != 1 {
		t.Errorf("Expected depth 1, got %d", p.Depth())
	}
	if p.RedirectTo() != nil {
		t.Errorf("Expected no redirect target, got %v", p.RedirectTo())
	}
	if !p.IsHTML() {
		t.Errorf("Expected HTML page, got content type %q", p.ContentType())
	}
	if p.ResponseTime() <= 0 {
		t.Errorf("Expected positive response time, got %v", p.ResponseTime())
	}

	want := []string{server.URL + "/about", server.URL + "/logo.png"}
	got := make([]string, 0, len(p.Links()))
	for _, l := range p.Links() {
		got = append(got, l.String())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Links mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchPagesRedirectChain(t *testing.T) {
	server := hopServer(t, 3)

	f := newTestFetcher(t, server.URL, testConfig())
	pages := f.FetchPages(context.Background(), server.URL+"/hop/0", nil, 0)

	if len(pages) != 4 {
		t.Fatalf("Expected 4 pages for a chain of 3 redirects, got %d", len(pages))
	}

	for i := 0; i < 3; i++ {
		if pages[i].Code() != http.StatusFound {
			t.Errorf("Expected hop %d to be a 302, got %d", i, pages[i].Code())
		}
		if pages[i].RedirectTo() == nil {
			t.Fatalf("Expected hop %d to carry a redirect target", i)
		}
		if pages[i].RedirectTo().String() != pages[i+1].URL().String() {
			t.Errorf("Hop %d redirects to %s but hop %d is %s", i, pages[i].RedirectTo(), i+1, pages[i+1].URL())
		}
	}

	last := pages[3]
	if last.RedirectTo() != nil {
		t.Errorf("Expected terminal page without redirect target, got %v", last.RedirectTo())
	}
	if last.URL().String() != server.URL+"/hop/3" {
		t.Errorf("Expected terminal URL %s/hop/3, got %s", server.URL, last.URL())
	}
	if last.Code() != http.StatusOK {
		t.Errorf("Expected terminal status 200, got %d", last.Code())
	}
}

func TestFetchPagesRelativeRedirectOnLaterHop(t *testing.T) {
	var requested []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Path)
		switch r.URL.Path {
		case "/d1/start":
			w.Header().Set("Location", "/d2/x")
			w.WriteHeader(http.StatusFound)
		case "/d2/x":
			// Path-relative, resolves against /d2/x
			w.Header().Set("Location", "y")
			w.WriteHeader(http.StatusFound)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, testConfig())
	pages := f.FetchPages(context.Background(), server.URL+"/d1/start", nil, 0)

	if len(pages) != 3 {
		t.Fatalf("Expected 3 pages, got %d", len(pages))
	}
	if got := pages[1].RedirectTo().String(); got != server.URL+"/d2/y" {
		t.Errorf("Expected hop 1 to redirect to %s/d2/y, got %s", server.URL, got)
	}
	if diff := cmp.Diff([]string{"/d1/start", "/d2/x", "/d2/y"}, requested); diff != "" {
		t.Errorf("Requested paths mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchPagesRedirectTruncated(t *testing.T) {
	server := hopServer(t, -1)

	cfg := testConfig()
	cfg.RedirectLimit = 2
	f := newTestFetcher(t, server.URL, cfg)
	pages := f.FetchPages(context.Background(), server.URL+"/hop/0", nil, 0)

	if len(pages) != cfg.RedirectLimit+1 {
		t.Fatalf("Expected %d pages, got %d", cfg.RedirectLimit+1, len(pages))
	}
	if pages[len(pages)-1].RedirectTo() == nil {
		t.Error("Expected the truncated chain to end with a redirect target")
	}
	for _, p := range pages {
		if p.Err() != nil {
			t.Errorf("Expected truncation not to be an error, got %v", p.Err())
		}
	}
}

func TestFetchPagesZeroRedirectLimit(t *testing.T) {
	server := hopServer(t, 3)

	cfg := testConfig()
	cfg.RedirectLimit = 0
	f := newTestFetcher(t, server.URL, cfg)
	pages := f.FetchPages(context.Background(), server.URL+"/hop/0", nil, 0)

	if len(pages) != 1 {
		t.Fatalf("Expected 1 page, got %d", len(pages))
	}
	if pages[0].RedirectTo() == nil {
		t.Error("Expected the only page to keep its redirect target")
	}
}

func TestFetchPagesOffHostRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://other.example/landing", http.StatusMovedPermanently)
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, testConfig())
	pages := f.FetchPages(context.Background(), server.URL+"/start", nil, 0)

	if len(pages) != 1 {
		t.Fatalf("Expected the chain to stop at the off-host redirect, got %d pages", len(pages))
	}
	if got := pages[0].RedirectTo(); got == nil || got.String() != "http://other.example/landing" {
		t.Errorf("Expected redirect target http://other.example/landing, got %v", got)
	}
	if !pages[0].IsRedirect() {
		t.Errorf("Expected a redirect page, got code %d", pages[0].Code())
	}
}

func TestFetchPagesHTTPErrorIsAPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, testConfig())
	pages := f.FetchPages(context.Background(), server.URL+"/nope", nil, 0)

	if len(pages) != 1 {
		t.Fatalf("Expected 1 page, got %d", len(pages))
	}
	p := pages[0]
	if p.Err() != nil || !p.Fetched() {
		t.Errorf("Expected a normal page, got err=%v fetched=%v", p.Err(), p.Fetched())
	}
	if !p.IsNotFound() {
		t.Errorf("Expected 404, got %d", p.Code())
	}
	if string(p.Body()) != "missing" {
		t.Errorf("Expected body 'missing', got %q", p.Body())
	}
}

func TestFetchPagesRetriesExhausted(t *testing.T) {
	server, attempts := closingServer(t, 100)

	cfg := testConfig()
	f := newTestFetcher(t, server.URL, cfg)
	pages := f.FetchPages(context.Background(), server.URL, nil, 0)

	if len(pages) != 1 {
		t.Fatalf("Expected 1 page, got %d", len(pages))
	}
	p := pages[0]
	if p.Fetched() {
		t.Error("Expected failed page to report fetched=false")
	}
	if !errors.Is(p.Err(), ErrRetriesExhausted) {
		t.Errorf("Expected ErrRetriesExhausted, got %v", p.Err())
	}
	if got := attempts.Load(); got != int32(cfg.RetryLimit+1) {
		t.Errorf("Expected %d attempts, got %d", cfg.RetryLimit+1, got)
	}
	if p.URL().String() != server.URL+"/" {
		t.Errorf("Expected failed page URL %s/, got %s", server.URL, p.URL())
	}
}

func TestFetchPagesRetryThenSuccess(t *testing.T) {
	server, attempts := closingServer(t, 2)

	f := newTestFetcher(t, server.URL, testConfig())
	p := f.FetchPage(context.Background(), server.URL, nil, 0)

	if p.Err() != nil || p.Code() != http.StatusOK {
		t.Fatalf("Expected success after retries, got code=%d err=%v", p.Code(), p.Err())
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestFetchPagesNoRetries(t *testing.T) {
	server, attempts := closingServer(t, 100)

	cfg := testConfig()
	cfg.RetryLimit = 0
	f := newTestFetcher(t, server.URL, cfg)
	p := f.FetchPage(context.Background(), server.URL, nil, 0)

	if !errors.Is(p.Err(), ErrRetriesExhausted) {
		t.Errorf("Expected ErrRetriesExhausted, got %v", p.Err())
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("Expected a single attempt, got %d", got)
	}
}

func TestFetchPagesConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	target := server.URL
	server.Close()

	f := newTestFetcher(t, target, testConfig())
	pages := f.FetchPages(context.Background(), target, nil, 0)

	if len(pages) != 1 {
		t.Fatalf("Expected 1 page, got %d", len(pages))
	}
	if pages[0].Fetched() || !errors.Is(pages[0].Err(), ErrRetriesExhausted) {
		t.Errorf("Expected exhausted retries, got fetched=%v err=%v", pages[0].Fetched(), pages[0].Err())
	}
}

func TestFetchPagesTimeout(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.ReadTimeout = 0.05
	f := newTestFetcher(t, server.URL, cfg)
	p := f.FetchPage(context.Background(), server.URL, nil, 0)

	if p.Fetched() || !errors.Is(p.Err(), ErrRetriesExhausted) {
		t.Errorf("Expected timeouts to exhaust retries, got fetched=%v err=%v", p.Fetched(), p.Err())
	}
	if got := attempts.Load(); got != int32(cfg.RetryLimit+1) {
		t.Errorf("Expected %d attempts, got %d", cfg.RetryLimit+1, got)
	}
}

func TestFetchPagesCanceledContext(t *testing.T) {
	server, attempts := closingServer(t, 100)

	cfg := testConfig()
	cfg.RetryBackoff = 10
	f := newTestFetcher(t, server.URL, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	p := f.FetchPage(ctx, server.URL, nil, 0)

	if !errors.Is(p.Err(), context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", p.Err())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected cancellation to cut the backoff wait, took %v", elapsed)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", got)
	}
}

func TestFetchPagesInvalidURL(t *testing.T) {
	f := newTestFetcher(t, "http://example.com", testConfig())

	tests := []string{"", "ftp://example.com/file", "http://[::1", "http://"}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			pages := f.FetchPages(context.Background(), raw, nil, 2)
			if len(pages) != 1 {
				t.Fatalf("Expected 1 page, got %d", len(pages))
			}
			p := pages[0]
			if p.Fetched() || !errors.Is(p.Err(), ErrInvalidURL) {
				t.Errorf("Expected ErrInvalidURL, got fetched=%v err=%v", p.Fetched(), p.Err())
			}
			if p.Depth() != 2 {
				t.Errorf("Expected depth to be kept on the failed page, got %d", p.Depth())
			}
			if len(p.Links()) != 0 {
				t.Error("Expected no links on a failed page")
			}
		})
	}
}

func TestFetchPagesRequestHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "hopfetch-test/1.0" {
			t.Errorf("Expected User-Agent 'hopfetch-test/1.0', got '%s'", ua)
		}
		if ref := r.Header.Get("Referer"); ref != "http://example.com/from" {
			t.Errorf("Expected Referer 'http://example.com/from', got '%s'", ref)
		}
		username, password, ok := r.BasicAuth()
		if !ok || username != "user" || password != "secret" {
			t.Errorf("Expected basic auth user/secret, got %q/%q (ok=%v)", username, password, ok)
		}
		if cookie := r.Header.Get("Cookie"); cookie != "" {
			t.Errorf("Expected no Cookie header, got '%s'", cookie)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.UserAgent = "hopfetch-test/1.0"
	cfg.HTTPBasicAuth = &config.BasicAuth{Username: "user", Password: "secret"}
	f := newTestFetcher(t, server.URL, cfg)

	referer, _ := url.Parse("http://example.com/from")
	p := f.FetchPage(context.Background(), server.URL, referer, 0)
	if p.Code() != http.StatusNoContent {
		t.Errorf("Expected 204, got %d (err=%v)", p.Code(), p.Err())
	}
	if p.Referer() != referer {
		t.Errorf("Expected referer to be kept on the page")
	}
}

func TestFetchPagesCookies(t *testing.T) {
	var received []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = append(received, r.Header.Get("Cookie"))
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
			http.Redirect(w, r, "/home", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tests := []struct {
		name          string
		acceptCookies bool
		seed          string
		want          []string
	}{
		{"disabled", false, "", []string{"", ""}},
		{"seed only", false, "lang=en", []string{"lang=en", "lang=en"}},
		{"accepted", true, "", []string{"", "session=abc"}},
		{"accepted with seed", true, "lang=en", []string{"lang=en", "lang=en; session=abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received = nil
			cfg := testConfig()
			cfg.AcceptCookies = tt.acceptCookies
			cfg.Cookies = tt.seed
			f := newTestFetcher(t, server.URL, cfg)

			pages := f.FetchPages(context.Background(), server.URL+"/login", nil, 0)
			if len(pages) != 2 {
				t.Fatalf("Expected 2 pages, got %d", len(pages))
			}
			if diff := cmp.Diff(tt.want, received); diff != "" {
				t.Errorf("Cookie headers mismatch (-want +got):\n%s", diff)
			}
			if len(pages[0].Cookies()) != 1 {
				t.Errorf("Expected the login page to expose its Set-Cookie header")
			}
		})
	}
}

func TestFetchPagesSharedJar(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "token", Value: "xyz"})
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	jar := NewMemoryJar("")
	cfg := testConfig()
	cfg.AcceptCookies = true

	first := newTestFetcher(t, server.URL, cfg, WithCookieJar(jar))
	second := newTestFetcher(t, server.URL, cfg, WithCookieJar(jar))

	first.FetchPage(context.Background(), server.URL+"/set", nil, 0)
	if second.CookieJar().String() != "token=xyz" {
		t.Errorf("Expected the shared jar to hold token=xyz, got %q", second.CookieJar().String())
	}
}

func TestWithCookieJarNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "token", Value: "xyz"})
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.AcceptCookies = true
	f := newTestFetcher(t, server.URL, cfg, WithCookieJar(nil))

	p := f.FetchPage(context.Background(), server.URL+"/", nil, 0)
	if p.Err() != nil || p.Code() != http.StatusOK {
		t.Fatalf("Expected 200, got %d (err=%v)", p.Code(), p.Err())
	}
	if f.CookieJar() == nil || f.CookieJar().String() != "token=xyz" {
		t.Errorf("Expected the default jar to be kept and hold token=xyz, got %v", f.CookieJar())
	}
}

func TestFetchPagesSchemeless(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hostPort := strings.TrimPrefix(server.URL, "http://")
	f := newTestFetcher(t, hostPort, testConfig())
	p := f.FetchPage(context.Background(), hostPort+"/path", nil, 0)

	if p.Code() != http.StatusOK {
		t.Fatalf("Expected 200, got %d (err=%v)", p.Code(), p.Err())
	}
	if p.URL().String() != server.URL+"/path" {
		t.Errorf("Expected http scheme to be assumed, got %s", p.URL())
	}
}

func TestFetchPagesMaxBodySize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxBodySize = 10
	f := newTestFetcher(t, server.URL, cfg)
	p := f.FetchPage(context.Background(), server.URL, nil, 0)

	if len(p.Body()) != 10 {
		t.Errorf("Expected body truncated to 10 bytes, got %d", len(p.Body()))
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, ErrNoSeedURLs) {
		t.Errorf("Expected ErrNoSeedURLs, got %v", err)
	}

	if _, err := New([]string{"ftp://example.com"}, nil); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("Expected ErrInvalidURL, got %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Proxy = "://bad"
	if _, err := New([]string{"http://example.com"}, cfg); !errors.Is(err, config.ErrInvalidProxy) {
		t.Errorf("Expected ErrInvalidProxy, got %v", err)
	}

	f, err := New([]string{"example.com", "https://Example.org/docs#top"}, nil)
	if err != nil {
		t.Fatalf("Failed to create fetcher: %v", err)
	}
	defer f.Close()

	var roots []string
	for _, r := range f.Roots() {
		roots = append(roots, r.String())
	}
	if diff := cmp.Diff([]string{"http://example.com/", "https://Example.org/docs"}, roots); diff != "" {
		t.Errorf("Roots mismatch (-want +got):\n%s", diff)
	}
}

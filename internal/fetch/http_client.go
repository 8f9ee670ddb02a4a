package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/masahif/hopfetch/internal/config"
)

// outcome classifies the result of a single GET
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeHTTPError
	outcomeRedirect
	outcomeTransientFault
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeHTTPError:
		return "http_error"
	case outcomeRedirect:
		return "redirect"
	case outcomeTransientFault:
		return "transient_fault"
	default:
		return "unknown"
	}
}

// response is the result of a single GET
type response struct {
	outcome    outcome
	statusCode int
	header     http.Header
	body       []byte
	location   *url.URL      // Location header as sent, possibly relative
	elapsed    time.Duration // Request start until the body was read
	err        error         // Cause, set for outcomeTransientFault
}

// HTTPClient performs single GET requests without following redirects
type HTTPClient struct {
	client      *http.Client
	userAgent   string
	username    string // Basic auth username
	password    string // Basic auth password
	maxBodySize int64
}

// NewHTTPClient creates an HTTP client from the fetch configuration
func NewHTTPClient(cfg *config.FetchConfig) (*HTTPClient, error) {
	proxyURL, err := cfg.ProxyURL()
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.ReadTimeoutDuration(),
		// Redirects are walked by the Fetcher, one page per hop
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	username, password := cfg.BasicAuthCredentials()
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = config.DefaultMaxBodySize
	}

	return &HTTPClient{
		client:      client,
		userAgent:   cfg.UserAgent,
		username:    username,
		password:    password,
		maxBodySize: maxBodySize,
	}, nil
}

// Get performs one GET request for u and classifies the outcome. Transport
// failures that are worth retrying come back as outcomeTransientFault; the
// returned error is reserved for failures that retrying cannot fix.
func (h *HTTPClient) Get(ctx context.Context, u *url.URL, referer *url.URL, cookie string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	if referer != nil {
		req.Header.Set("Referer", referer.String())
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if h.username != "" {
		req.SetBasicAuth(h.username, h.password)
	}

	startTime := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return classifyError(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodySize))
	if err != nil {
		return classifyError(ctx, fmt.Errorf("failed to read response body: %w", err))
	}

	res := &response{
		statusCode: resp.StatusCode,
		header:     resp.Header,
		body:       body,
		elapsed:    time.Since(startTime),
	}

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		res.outcome = outcomeSuccess
		if raw := resp.Header.Get("Location"); raw != "" {
			if location, err := url.Parse(raw); err == nil {
				res.outcome = outcomeRedirect
				res.location = location
			}
		}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.outcome = outcomeSuccess
	default:
		res.outcome = outcomeHTTPError
	}

	return res, nil
}

// Close releases idle connections
func (h *HTTPClient) Close() {
	h.client.CloseIdleConnections()
}

func classifyError(ctx context.Context, err error) (*response, error) {
	if ctx.Err() == nil && isTransient(err) {
		return &response{outcome: outcomeTransientFault, err: err}, nil
	}
	return nil, fmt.Errorf("request failed: %w", err)
}

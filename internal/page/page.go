// Package page provides the record of a single fetched (or failed) resource.
// A Page is fixed at construction: it is either fetched (status code present)
// or failed (error present). Link extraction and the parsed document are
// computed lazily, once, and can be released with Discard.
package page

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/masahif/hopfetch/internal/parser"
)

// Header maps lower-cased header names to their values
type Header map[string][]string

// NewHeader copies an http.Header, lower-casing every name
func NewHeader(h http.Header) Header {
	out := make(Header, len(h)+1)
	for name, values := range h {
		key := strings.ToLower(name)
		out[key] = append(out[key], values...)
	}
	return out
}

// Get returns the first value for name, or ""
func (h Header) Get(name string) string {
	if values := h[strings.ToLower(name)]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// Values returns every value for name
func (h Header) Values(name string) []string {
	return h[strings.ToLower(name)]
}

// LinkPolicy decides which discovered references are kept by Links
type LinkPolicy struct {
	Roots           []*url.URL // Seed URLs; pages on other hosts yield no links
	SkipNoFollow    bool       // Honor rel=nofollow and robots noindex,follow
	FollowSubdomain []string   // Extra hosts whose links are kept
	ExternalLinks   bool       // Keep links to any host
}

// Options carries the values a Page is constructed from
type Options struct {
	Code         int
	Headers      Header
	Body         []byte
	Referer      *url.URL
	Depth        int
	RedirectTo   *url.URL
	ResponseTime time.Duration
	Err          error
	Policy       LinkPolicy
}

// Page is the outcome of one HTTP attempt
type Page struct {
	url          *url.URL
	code         int
	headers      Header
	body         []byte
	referer      *url.URL
	depth        int
	redirectTo   *url.URL
	responseTime time.Duration
	err          error
	fetched      bool
	policy       LinkPolicy

	// Data holds caller-defined values and is carried through snapshots.
	Data UserData
	// Visited is crawl bookkeeping owned by the caller; nothing in this module sets it.
	Visited bool

	docOnce   sync.Once
	doc       *parser.Document
	baseOnce  sync.Once
	base      *url.URL
	linksOnce sync.Once
	links     []*url.URL
}

// New creates a page for u. A non-nil opts.Err makes it a failed page:
// the status code is dropped and Fetched reports false.
func New(u *url.URL, opts Options) *Page {
	headers := make(Header, len(opts.Headers)+1)
	for name, values := range opts.Headers {
		headers[name] = values
	}
	if _, ok := headers["content-type"]; !ok {
		headers["content-type"] = []string{""}
	}

	depth := opts.Depth
	if depth < 0 {
		depth = 0
	}

	p := &Page{
		url:          u,
		code:         opts.Code,
		headers:      headers,
		body:         opts.Body,
		referer:      opts.Referer,
		depth:        depth,
		redirectTo:   opts.RedirectTo,
		responseTime: opts.ResponseTime,
		err:          opts.Err,
		policy:       opts.Policy,
		Data:         UserData{},
	}

	if p.err != nil {
		p.code = 0
	}
	p.fetched = p.code != 0

	return p
}

// URL returns the absolute URL of the page. Callers must not modify it.
func (p *Page) URL() *url.URL { return p.url }

// Code returns the HTTP status code, or 0 when none was recorded
func (p *Page) Code() int { return p.code }

// Headers returns the response headers
func (p *Page) Headers() Header { return p.headers }

// Body returns the raw response body; nil after Discard
func (p *Page) Body() []byte { return p.body }

// Referer returns the page that linked here, if any
func (p *Page) Referer() *url.URL { return p.referer }

// Depth returns the crawl depth of the page
func (p *Page) Depth() int { return p.depth }

// RedirectTo returns the next hop when this response was a redirect
func (p *Page) RedirectTo() *url.URL { return p.redirectTo }

// ResponseTime returns the time taken by the request
func (p *Page) ResponseTime() time.Duration { return p.responseTime }

// Err returns the failure captured while fetching, if any
func (p *Page) Err() error { return p.err }

// Fetched reports whether a status code was recorded
func (p *Page) Fetched() bool { return p.fetched }

// Cookies returns the cookies set by the response
func (p *Page) Cookies() []*http.Cookie {
	var cookies []*http.Cookie
	for _, line := range p.headers.Values("set-cookie") {
		if c, err := http.ParseSetCookie(line); err == nil {
			cookies = append(cookies, c)
		}
	}
	return cookies
}

// ContentType returns the first content-type header value
func (p *Page) ContentType() string {
	return p.headers.Get("content-type")
}

var (
	htmlTypes  = []string{"text/html", "application/xhtml+xml"}
	imageTypes = []string{"image/gif", "image/jpeg", "image/pjpeg", "image/png", "image/svg+xml", "image/tiff", "image/vnd.djvu", "image/example"}
	videoTypes = []string{"video/avi", "video/example", "video/mpeg", "video/mp4", "video/ogg", "video/quicktime", "video/webm", "video/x-matroska", "video/x-ms-wmv", "video/x-flv"}
	pdfTypes   = []string{"application/pdf"}
)

// IsHTML reports whether the page is an HTML document
func (p *Page) IsHTML() bool { return hasMediaType(p.ContentType(), htmlTypes) }

// IsImage reports whether the page is an image
func (p *Page) IsImage() bool { return hasMediaType(p.ContentType(), imageTypes) }

// IsVideo reports whether the page is a video
func (p *Page) IsVideo() bool { return hasMediaType(p.ContentType(), videoTypes) }

// IsPDF reports whether the page is a PDF document
func (p *Page) IsPDF() bool { return hasMediaType(p.ContentType(), pdfTypes) }

// IsRedirect reports whether the status code is in 300..307
func (p *Page) IsRedirect() bool { return p.code >= 300 && p.code <= 307 }

// IsNotFound reports whether the status code is 404
func (p *Page) IsNotFound() bool { return p.code == http.StatusNotFound }

// hasMediaType matches contentType against each known type as a prefix
// that must end at a word boundary.
func hasMediaType(contentType string, known []string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, t := range known {
		if !strings.HasPrefix(ct, t) {
			continue
		}
		if len(ct) == len(t) || !isWordByte(ct[len(t)]) {
			return true
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

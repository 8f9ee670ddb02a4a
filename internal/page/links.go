package page

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/samber/lo"

	"github.com/masahif/hopfetch/internal/parser"
)

// Links returns the de-duplicated absolute URLs of every anchor href and
// image src that the link policy keeps, in document order. The result is
// computed on first call and cached for the life of the page.
func (p *Page) Links() []*url.URL {
	p.linksOnce.Do(func() {
		p.links = p.extractLinks()
	})
	return p.links
}

// Discard computes the links, then releases the parsed document and the body.
func (p *Page) Discard() {
	p.Links()
	p.BaseURI()
	p.doc = nil
	p.body = nil
}

// BaseURI returns the document's <base href>, or nil when it has none.
func (p *Page) BaseURI() *url.URL {
	p.baseOnce.Do(func() {
		doc := p.document()
		if doc == nil {
			return
		}
		href := doc.BaseHref()
		if href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		p.base = p.url.ResolveReference(ref)
	})
	return p.base
}

// ToAbsolute resolves link against the base URI (or the page URL), dropping
// any fragment. An empty resulting path becomes "/".
func (p *Page) ToAbsolute(link string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return nil, fmt.Errorf("failed to parse link %q: %w", link, err)
	}

	base := p.BaseURI()
	if base == nil {
		base = p.url
	}

	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	abs.RawFragment = ""
	if abs.Opaque == "" && abs.Path == "" {
		abs.Path = "/"
	}

	return abs, nil
}

// document parses the body once. Only HTML bodies are parsed.
func (p *Page) document() *parser.Document {
	p.docOnce.Do(func() {
		if p.body == nil || !p.IsHTML() {
			return
		}
		doc, err := parser.Parse(p.body)
		if err != nil {
			return
		}
		p.doc = doc
	})
	return p.doc
}

func (p *Page) extractLinks() []*url.URL {
	links := []*url.URL{}

	doc := p.document()
	if doc == nil {
		return links
	}
	if p.policy.SkipNoFollow && doc.NoIndexFollow() {
		return links
	}
	if !p.inRoots() {
		return links
	}

	refs := append(doc.Anchors(p.policy.SkipNoFollow), doc.ImageSources()...)
	for _, ref := range refs {
		abs, err := p.ToAbsolute(ref)
		if err != nil {
			continue
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		if p.inDomain(abs) || p.isFollowedSubdomain(abs) || p.policy.ExternalLinks {
			links = append(links, abs)
		}
	}

	return lo.UniqBy(links, func(u *url.URL) string { return u.String() })
}

// inRoots reports whether the page itself is on one of the seed hosts
func (p *Page) inRoots() bool {
	for _, root := range p.policy.Roots {
		if strings.EqualFold(root.Hostname(), p.url.Hostname()) {
			return true
		}
	}
	return false
}

func (p *Page) inDomain(u *url.URL) bool {
	return strings.EqualFold(u.Hostname(), p.url.Hostname())
}

func (p *Page) isFollowedSubdomain(u *url.URL) bool {
	host := u.Hostname()
	for _, allowed := range p.policy.FollowSubdomain {
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

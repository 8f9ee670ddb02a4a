// Package parser turns a response body into a queryable HTML document.
// Queries are XPath expressions evaluated with htmlquery over golang.org/x/net/html.
package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

var (
	baseQuery         = xpath.MustCompile(`//head/base[@href]`)
	anchorQuery       = xpath.MustCompile(`//a[@href]`)
	followAnchorQuery = xpath.MustCompile(`//a[@href and not(contains(@rel, "nofollow"))]`)
	imageQuery        = xpath.MustCompile(`//img[@src]`)
	noIndexQuery      = xpath.MustCompile(`//meta[@name='robots' and contains(@content, 'noindex') and contains(@content, 'follow')]`)
)

// Document is a parsed HTML document
type Document struct {
	root *html.Node
}

// Parse parses an HTML body into a Document
func Parse(body []byte) (*Document, error) {
	root, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return &Document{root: root}, nil
}

// BaseHref returns the href of <head><base>, or "" when there is none.
func (d *Document) BaseHref() string {
	n := htmlquery.QuerySelector(d.root, baseQuery)
	if n == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.SelectAttr(n, "href"))
}

// Anchors returns the non-empty href of every anchor in document order.
// When skipNoFollow is set, anchors whose rel contains "nofollow" are left out.
func (d *Document) Anchors(skipNoFollow bool) []string {
	query := anchorQuery
	if skipNoFollow {
		query = followAnchorQuery
	}
	return d.attrValues(query, "href")
}

// ImageSources returns the non-empty src of every image in document order.
func (d *Document) ImageSources() []string {
	return d.attrValues(imageQuery, "src")
}

// NoIndexFollow reports whether a robots meta tag carries both a noindex and a follow directive.
func (d *Document) NoIndexFollow() bool {
	return htmlquery.QuerySelector(d.root, noIndexQuery) != nil
}

func (d *Document) attrValues(query *xpath.Expr, name string) []string {
	nodes := htmlquery.QuerySelectorAll(d.root, query)
	values := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if v := htmlquery.SelectAttr(n, name); v != "" {
			values = append(values, v)
		}
	}
	return values
}

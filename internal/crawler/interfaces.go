package crawler

import (
	"context"
	"net/url"

	"github.com/masahif/hopfetch/internal/page"
)

// Crawler defines the main crawling interface
type Crawler interface {
	Start(ctx context.Context, seedURLs []string) error
	Stop() error
	GetStats() CrawlStats
}

// Fetcher retrieves one URL as the pages of its redirect chain
type Fetcher interface {
	FetchPages(ctx context.Context, rawURL string, referer *url.URL, depth int) []*page.Page
}

// PageProcessor fetches a task and persists what it produced
type PageProcessor interface {
	Process(ctx context.Context, task Task) *Result
}

// Storage persists page snapshots
type Storage interface {
	Merge(ctx context.Context, values map[string]page.Snapshot) error
	SetMeta(ctx context.Context, key, value string) error
	Size() int
}

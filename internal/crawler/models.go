package crawler

import (
	"net/url"
	"time"

	"github.com/masahif/hopfetch/internal/page"
)

// Task is one URL waiting to be fetched
type Task struct {
	URL     string   // URL to fetch
	Referer *url.URL // Page the URL was found on, nil for seeds
	Depth   int      // Link distance from a seed
}

// Result is what processing a task produced
type Result struct {
	Task   Task
	Pages  []*page.Page // One per redirect hop, documents already discarded
	Links  []*url.URL   // Links of the terminal page
	Stored int          // Snapshots written
	Err    error        // Fetch failure of the terminal page or a storage failure
}

// Terminal returns the last page of the redirect chain
func (r *Result) Terminal() *page.Page {
	if len(r.Pages) == 0 {
		return nil
	}
	return r.Pages[len(r.Pages)-1]
}

// CrawlStats represents crawling statistics
type CrawlStats struct {
	PagesCrawled int // Logical fetches started
	PagesStored  int // Snapshots written, one per redirect hop
	RedirectHops int
	ErrorCount   int
	MaxDepth     int // Deepest level reached
	StartTime    time.Time
	Duration     time.Duration
}

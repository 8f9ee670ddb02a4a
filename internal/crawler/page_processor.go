package crawler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/masahif/hopfetch/internal/page"
)

// DefaultPageProcessor fetches a task, snapshots every hop into storage and
// releases the parsed documents.
type DefaultPageProcessor struct {
	fetcher Fetcher
	storage Storage
}

// NewPageProcessor creates a page processor
func NewPageProcessor(fetcher Fetcher, storage Storage) PageProcessor {
	return &DefaultPageProcessor{
		fetcher: fetcher,
		storage: storage,
	}
}

// Process fetches task.URL. Every hop is stored under its own URL in one
// transaction. The terminal page is marked visited before it is stored.
func (p *DefaultPageProcessor) Process(ctx context.Context, task Task) *Result {
	pages := p.fetcher.FetchPages(ctx, task.URL, task.Referer, task.Depth)
	result := &Result{Task: task, Pages: pages}

	terminal := result.Terminal()
	if terminal == nil {
		result.Err = fmt.Errorf("no pages returned for %s", task.URL)
		return result
	}
	terminal.Visited = true
	result.Links = terminal.Links()
	result.Err = terminal.Err()

	snapshots := make(map[string]page.Snapshot, len(pages))
	for _, pg := range pages {
		snap, err := pg.Snapshot()
		if err != nil {
			slog.Error("Failed to snapshot page", "url", pg.URL().String(), "error", err)
			continue
		}
		snapshots[pg.URL().String()] = snap
	}

	if err := p.storage.Merge(ctx, snapshots); err != nil {
		slog.Error("Failed to store pages", "url", task.URL, "error", err)
		if result.Err == nil {
			result.Err = fmt.Errorf("failed to store pages: %w", err)
		}
	} else {
		result.Stored = len(snapshots)
	}

	for _, pg := range pages {
		pg.Discard()
	}

	slog.Debug("Processed task", "url", task.URL, "depth", task.Depth, "hops", len(pages), "links", len(result.Links))
	return result
}

// Package crawler provides a breadth-first crawl driver on top of the fetcher.
// Each depth level is fetched by a bounded worker pool with per-host rate
// limiting, every redirect hop is snapshotted into storage, and the links of
// terminal pages feed the next level.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/masahif/hopfetch/internal/config"
)

// Meta keys written at crawl start
const (
	MetaSeedURLs  = "seed_urls"
	MetaStartedAt = "started_at"
)

// DefaultCrawler implements the Crawler interface
type DefaultCrawler struct {
	config      *config.FetchConfig
	storage     Storage
	processor   PageProcessor
	rateLimiter *RateLimiter

	// State
	visited      map[string]struct{}
	visitedMutex sync.Mutex
	stats        CrawlStats
	statsMutex   sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewCrawler creates a crawler that fetches with fetcher and stores into storage
func NewCrawler(cfg *config.FetchConfig, fetcher Fetcher, storage Storage) (*DefaultCrawler, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if fetcher == nil || storage == nil {
		return nil, fmt.Errorf("crawler requires a fetcher and a storage")
	}

	return &DefaultCrawler{
		config:      cfg,
		storage:     storage,
		processor:   NewPageProcessor(fetcher, storage),
		rateLimiter: NewRateLimiter(cfg.RequestDelayDuration()),
		visited:     make(map[string]struct{}),
		stats: CrawlStats{
			StartTime: time.Now(),
		},
	}, nil
}

// Start crawls breadth first from seedURLs until the depth limit, the page
// limit or an empty frontier stops it. Cancelling ctx stops it early.
func (c *DefaultCrawler) Start(ctx context.Context, seedURLs []string) error {
	if len(seedURLs) == 0 {
		return fmt.Errorf("no seed URLs to crawl")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()

	c.statsMutex.Lock()
	c.stats.StartTime = time.Now()
	c.statsMutex.Unlock()

	if err := c.storage.SetMeta(c.ctx, MetaSeedURLs, strings.Join(seedURLs, " ")); err != nil {
		return fmt.Errorf("failed to record seed URLs: %w", err)
	}
	if err := c.storage.SetMeta(c.ctx, MetaStartedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to record start time: %w", err)
	}

	slog.Info("Starting crawler", "seed_urls", len(seedURLs), "depth_limit", c.config.DepthLimit, "concurrency", c.config.Concurrency)

	c.wg.Add(1)
	go c.statsReporter()

	var level []Task
	for _, seedURL := range seedURLs {
		if c.markVisited(seedURL) {
			level = append(level, Task{URL: seedURL})
		}
	}

	for depth := 0; len(level) > 0 && depth <= c.config.DepthLimit; depth++ {
		if c.ctx.Err() != nil || c.limitReached() {
			break
		}

		c.statsMutex.Lock()
		c.stats.MaxDepth = depth
		c.statsMutex.Unlock()

		slog.Info("Crawling level", "depth", depth, "tasks", len(level))
		results := c.crawlLevel(level)

		var next []Task
		for _, result := range results {
			if result == nil {
				continue
			}
			for _, pg := range result.Pages {
				c.markVisited(pg.URL().String())
			}
			if depth >= c.config.DepthLimit {
				continue
			}
			terminal := result.Terminal()
			for _, link := range result.Links {
				if c.markVisited(link.String()) {
					next = append(next, Task{URL: link.String(), Referer: terminal.URL(), Depth: depth + 1})
				}
			}
		}
		level = next
	}

	c.cancel()
	c.wg.Wait()

	stats := c.GetStats()
	if ctx.Err() != nil {
		slog.Info("Crawling cancelled", "crawled", stats.PagesCrawled)
		return nil
	}
	slog.Info("Crawling completed", "crawled", stats.PagesCrawled, "stored", stats.PagesStored, "errors", stats.ErrorCount, "duration", stats.Duration)
	return nil
}

// Stop cancels a running crawl
func (c *DefaultCrawler) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// GetStats returns current crawling statistics
func (c *DefaultCrawler) GetStats() CrawlStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()

	stats := c.stats
	stats.Duration = time.Since(stats.StartTime)
	return stats
}

// crawlLevel processes tasks with the configured number of workers. The
// result slice is indexed like tasks; skipped tasks leave a nil entry.
func (c *DefaultCrawler) crawlLevel(tasks []Task) []*Result {
	results := make([]*Result, len(tasks))
	queue := make(chan int)

	workers := c.config.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(id, tasks, queue, results)
		}(i)
	}

	for i := range tasks {
		select {
		case queue <- i:
		case <-c.ctx.Done():
		}
		if c.ctx.Err() != nil {
			break
		}
	}
	close(queue)
	wg.Wait()

	return results
}

// worker processes task indexes until the queue closes.
// Termination conditions:
// 1. Queue closed (level finished)
// 2. Context cancelled (graceful shutdown)
// 3. Reached configured limit of pages
func (c *DefaultCrawler) worker(id int, tasks []Task, queue <-chan int, results []*Result) {
	slog.Debug("Worker started", "worker_id", id)
	defer slog.Debug("Worker stopped", "worker_id", id)

	for i := range queue {
		if c.ctx.Err() != nil {
			continue
		}
		if !c.reserve() {
			slog.Debug("Worker reached limit", "worker_id", id)
			continue
		}

		task := tasks[i]
		if err := c.rateLimiter.Wait(c.ctx, task.URL); err != nil {
			slog.Error("Worker rate limiting error", "worker_id", id, "url", task.URL, "error", err)
			continue
		}

		result := c.processor.Process(c.ctx, task)
		c.recordResult(id, result)
		results[i] = result
	}
}

// reserve counts one more fetch unless the page limit is reached
func (c *DefaultCrawler) reserve() bool {
	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()

	if c.config.Limit > 0 && c.stats.PagesCrawled >= c.config.Limit {
		return false
	}
	c.stats.PagesCrawled++
	return true
}

func (c *DefaultCrawler) limitReached() bool {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.config.Limit > 0 && c.stats.PagesCrawled >= c.config.Limit
}

// markVisited records rawURL and reports whether it was new
func (c *DefaultCrawler) markVisited(rawURL string) bool {
	c.visitedMutex.Lock()
	defer c.visitedMutex.Unlock()

	if _, seen := c.visited[rawURL]; seen {
		return false
	}
	c.visited[rawURL] = struct{}{}
	return true
}

func (c *DefaultCrawler) recordResult(id int, result *Result) {
	c.statsMutex.Lock()
	c.stats.PagesStored += result.Stored
	if len(result.Pages) > 1 {
		c.stats.RedirectHops += len(result.Pages) - 1
	}
	if result.Err != nil {
		c.stats.ErrorCount++
	}
	c.statsMutex.Unlock()

	terminal := result.Terminal()
	switch {
	case result.Err != nil:
		slog.Warn("Worker processed URL (failed)", "worker_id", id, "url", result.Task.URL, "error", result.Err)
	case terminal != nil:
		slog.Info("Worker processed URL", "worker_id", id, "url", result.Task.URL, "status", terminal.Code(),
			"hops", len(result.Pages), "links", len(result.Links))
	}
}

// statsReporter periodically reports crawling statistics
func (c *DefaultCrawler) statsReporter() {
	defer c.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			slog.Info("Crawling stats", "crawled", stats.PagesCrawled, "stored", c.storage.Size(), "errors", stats.ErrorCount, "depth", stats.MaxDepth, "duration", stats.Duration)
		}
	}
}

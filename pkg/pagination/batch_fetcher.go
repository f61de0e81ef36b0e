package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/apigate/pkg/cache"
	"github.com/Sternrassler/apigate/pkg/client"
	"github.com/Sternrassler/apigate/pkg/requestor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel page requests.
	// The client's gate still bounds the actual request rate.
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
	}
}

// PageFetcher fetches a single page and reports the total page count.
// *client.Client implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, endpoint string, params url.Values, page int) (data []byte, totalPages int, err error)
}

// PageResult represents the result of fetching a single page
type PageResult struct {
	PageNumber int
	Data       []byte
	Error      error
}

// BatchFetcher handles parallel fetching of multiple pages
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher PageFetcher, config Config) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
		logger:  log.With().Str("component", "pagination").Logger(),
	}
}

// FetchAllPages fetches every page of endpoint, the first one alone to learn
// the page count and the rest with a worker pool. Pages are returned in
// order. On failure the pages fetched so far are returned (missing pages are
// nil) together with the first error.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, endpoint string, params url.Values) ([][]byte, error) {
	start := time.Now()

	firstPage, totalPages, err := bf.fetcher.FetchPage(ctx, endpoint, params, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch first page: %w", err)
	}
	if totalPages < 1 {
		totalPages = 1
	}

	pages := make([][]byte, totalPages)
	pages[0] = firstPage

	if totalPages == 1 {
		bf.logger.Debug().Str("endpoint", endpoint).Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return pages, nil
	}

	bf.logger.Info().Str("endpoint", endpoint).Int("total_pages", totalPages).
		Msg("Starting parallel page fetch")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pageQueue := make(chan int, totalPages-1)
	for page := 2; page <= totalPages; page++ {
		pageQueue <- page
	}
	close(pageQueue)

	results := make(chan PageResult, totalPages-1)

	workers := bf.config.MaxConcurrency
	if workers > totalPages-1 {
		workers = totalPages - 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go bf.worker(ctx, endpoint, params, pageQueue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	fetched := 1
	var firstErr error
	for result := range results {
		if result.Error != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("page %d: %w", result.PageNumber, result.Error)
				// Stop handing out pages.
				cancel()
			}
			continue
		}
		pages[result.PageNumber-1] = result.Data
		fetched++
	}

	if firstErr != nil {
		bf.logger.Warn().Err(firstErr).Int("fetched_pages", fetched).Int("total_pages", totalPages).
			Msg("Page fetch failed - returning partial results")
		return pages, fmt.Errorf("partial data (%d/%d pages): %w", fetched, totalPages, firstErr)
	}

	bf.logger.Info().
		Str("endpoint", endpoint).
		Int("pages", fetched).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return pages, nil
}

// worker processes pages from the queue
func (bf *BatchFetcher) worker(ctx context.Context, endpoint string, params url.Values, pageQueue <-chan int, results chan<- PageResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for pageNum := range pageQueue {
		if ctx.Err() != nil {
			bf.logger.Debug().Int("worker_id", workerID).Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
		data, _, err := bf.fetcher.FetchPage(pageCtx, endpoint, params, pageNum)
		cancel()

		// results is buffered for every page, so this never blocks.
		results <- PageResult{PageNumber: pageNum, Data: data, Error: err}
		if err != nil {
			return
		}
		pagesProcessed++
	}
}

// AllPagesJSON returns a FetchFunc that collects every page of a paginated
// JSON array endpoint into one slice. The requestor's client must implement
// PageFetcher.
func AllPagesJSON[T any](config Config) requestor.FetchFunc[[]T] {
	return func(ctx context.Context, c requestor.Client, ep requestor.Endpoint, params cache.Params) ([]T, error) {
		fetcher, ok := c.(PageFetcher)
		if !ok {
			return nil, fmt.Errorf("client %T cannot fetch pages", c)
		}

		path, query, err := ep.Expand(params)
		if err != nil {
			return nil, err
		}

		ctx = client.WithEndpointLabel(ctx, ep.Path)
		pages, err := NewBatchFetcher(fetcher, config).FetchAllPages(ctx, path, query)
		if err != nil {
			return nil, err
		}

		var all []T
		for i, page := range pages {
			var items []T
			if err := json.Unmarshal(page, &items); err != nil {
				return nil, fmt.Errorf("decode page %d: %w", i+1, err)
			}
			all = append(all, items...)
		}
		return all, nil
	}
}

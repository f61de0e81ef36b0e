// Package pagination provides parallel batch fetching for paginated endpoints.
//
// Paginated APIs report the total page count in the X-Pages header and take
// the page number as the "page" query parameter. This package fetches the
// first page, then spreads the remaining pages over a small worker pool. Every
// page request still goes through the client's rate limit gate.
//
// Example usage:
//
//	fetcher := pagination.NewBatchFetcher(apiClient, pagination.DefaultConfig())
//	pages, err := fetcher.FetchAllPages(ctx, "/v1/markets/10000002/orders", nil)
//
// With a requestor, AllPagesJSON concatenates JSON array pages:
//
//	orders, err := requestor.New(store, apiClient, ep,
//		pagination.AllPagesJSON[Order](pagination.DefaultConfig()), []Order{})
//
// The batch fetcher:
//   - Fetches first page to determine total pages
//   - Spawns a worker pool (default 4 workers)
//   - Returns pages in page order
//   - Stops on the first failed page and returns partial data with the error
package pagination

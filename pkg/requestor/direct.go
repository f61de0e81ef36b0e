package requestor

import (
	"context"
	"fmt"

	"github.com/Sternrassler/apigate/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Direct performs uncached requests against one endpoint.
type Direct[T any] struct {
	client Client
	ep     Endpoint
	fetch  FetchFunc[T]
	logger zerolog.Logger
}

// NewDirect creates an uncached requestor.
func NewDirect[T any](c Client, ep Endpoint, fetch FetchFunc[T]) (*Direct[T], error) {
	if c == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if fetch == nil {
		return nil, fmt.Errorf("fetch func cannot be nil")
	}

	ep = ep.Normalize()
	return &Direct[T]{
		client: c,
		ep:     ep,
		fetch:  fetch,
		logger: log.With().Str("component", "requestor").Str("endpoint", ep.Path).Bool("cached", false).Logger(),
	}, nil
}

// Fetch calls the endpoint with params. The bool is false when required
// params are missing or the call failed; both cases are logged.
func (d *Direct[T]) Fetch(ctx context.Context, params cache.Params) (T, bool) {
	var zero T

	if missing := d.ep.Missing(params); len(missing) > 0 {
		d.logger.Warn().Strs("missing", missing).Msg("Missing required params")
		return zero, false
	}

	v, err := d.fetch(ctx, d.client, d.ep, params)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Request failed")
		return zero, false
	}
	return v, true
}

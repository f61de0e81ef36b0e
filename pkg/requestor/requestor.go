// Package requestor orchestrates one logical API request: it validates the
// required parameters, runs queued pre-tasks, consults the cache and, on a
// miss, fetches through the gated client.
//
// A Requestor is configured with builder calls and then asked for its value:
//
//	orders, err := requestor.New(store, apiClient,
//		requestor.Endpoint{Path: "/v1/markets/{region_id}/orders", Required: []string{"region_id"}},
//		requestor.GetJSON[[]Order](), []Order{})
//	if err != nil {
//		return err
//	}
//
//	list, err := orders.SetParam("region_id", 10000002).Save(true).Request(ctx)
//
// Only missing required parameters are reported as errors. Upstream and
// cache failures are logged and degrade to a fresh copy of the default.
//
// A Requestor is not safe for concurrent use while its params are being
// changed; use one instance per goroutine or finish configuring it first.
package requestor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/apigate/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// preTask runs before the main request.
type preTask func(ctx context.Context) error

// Requestor performs cached requests against one endpoint.
type Requestor[T any] struct {
	store  cache.Store
	client Client
	ep     Endpoint
	fetch  FetchFunc[T]
	def    prototype[T]
	logger zerolog.Logger

	params  cache.Params
	save    bool
	pending []preTask
}

// New creates a requestor. Saving is enabled by default.
//
// The default value is kept as its JSON encoding and every fallback decodes
// a fresh copy. Only what survives encoding/json survives the copy:
// unexported fields and fields tagged `json:"-"` come back zero, and
// interface fields come back as the generic JSON types. New returns an error
// when the encoding does not decode back into T at all, for example a
// non-nil value in an interface field that is not `any`.
func New[T any](store cache.Store, c Client, ep Endpoint, fetch FetchFunc[T], defaultValue T) (*Requestor[T], error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if c == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if fetch == nil {
		return nil, fmt.Errorf("fetch func cannot be nil")
	}

	def, err := newPrototype(defaultValue)
	if err != nil {
		return nil, fmt.Errorf("default value: %w", err)
	}

	ep = ep.Normalize()
	return &Requestor[T]{
		store:  store,
		client: c,
		ep:     ep,
		fetch:  fetch,
		def:    def,
		logger: log.With().Str("component", "requestor").Str("endpoint", ep.Path).Logger(),
		params: cache.Params{},
		save:   true,
	}, nil
}

// Namespace is the base URL joined with the endpoint path.
func (r *Requestor[T]) Namespace() string {
	return r.client.BaseURL() + r.ep.Path
}

// Endpoint returns the normalized endpoint.
func (r *Requestor[T]) Endpoint() Endpoint {
	return r.ep
}

// Params returns a copy of the current params.
func (r *Requestor[T]) Params() cache.Params {
	return r.params.Clone()
}

// Default returns a fresh copy of the default value.
func (r *Requestor[T]) Default() T {
	return r.def.value()
}

// SetParams replaces all params.
func (r *Requestor[T]) SetParams(params cache.Params) *Requestor[T] {
	r.params = params.Clone()
	return r
}

// SetParam sets one param.
func (r *Requestor[T]) SetParam(name string, value any) *Requestor[T] {
	r.params[name] = value
	return r
}

// Save controls whether fetched values are stored.
func (r *Requestor[T]) Save(save bool) *Requestor[T] {
	r.save = save
	return r
}

// MarkForDeletion queues deletion of the cached value for the current params,
// to run at the start of the next Request. It does nothing while required
// params are missing; the params are captured now, so later changes do not
// redirect the deletion.
func (r *Requestor[T]) MarkForDeletion() *Requestor[T] {
	if missing := r.ep.Missing(r.params); len(missing) > 0 {
		r.logger.Warn().Strs("missing", missing).Msg("Not marking for deletion, required params missing")
		return r
	}

	namespace := r.Namespace()
	params := r.params.Clone()
	r.pending = append(r.pending, func(ctx context.Context) error {
		return r.store.Delete(ctx, namespace, params)
	})
	return r
}

// Pending returns the number of queued pre-tasks.
func (r *Requestor[T]) Pending() int {
	return len(r.pending)
}

// RequestOnly makes sure a value is cached for the current params, fetching
// only when the store does not already hold one.
func (r *Requestor[T]) RequestOnly(ctx context.Context) error {
	if err := r.ep.Validate(r.params); err != nil {
		return err
	}

	ok, err := r.store.Contains(ctx, r.Namespace(), r.params)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Cache lookup failed, requesting")
	}
	if ok {
		return nil
	}

	_, err = r.Request(ctx)
	return err
}

// Request returns the value for the current params from the cache, or
// fetches (and, if saving, stores) it. Missing required params are reported
// before any cache or network activity. Empty results and failures yield a
// fresh copy of the default value.
func (r *Requestor[T]) Request(ctx context.Context) (T, error) {
	if err := r.ep.Validate(r.params); err != nil {
		r.logger.Error().Err(err).Msg("Required params not set")
		var zero T
		return zero, err
	}

	r.runPending(ctx)

	data, err := r.store.FetchOrCompute(ctx, r.Namespace(), r.compute, r.params.Clone(), r.save)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			var zero T
			return zero, ctxErr
		}
		r.logger.Warn().Err(err).Msg("Request failed, returning default value")
		return r.Default(), nil
	}

	if isEmptyData(data) {
		return r.Default(), nil
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to decode cached value, returning default value")
		return r.Default(), nil
	}
	if isEmpty(out) {
		return r.Default(), nil
	}
	return out, nil
}

// runPending runs and clears the queued pre-tasks in order. Failures are
// logged and do not stop the request.
func (r *Requestor[T]) runPending(ctx context.Context) {
	tasks := r.pending
	r.pending = nil

	for _, task := range tasks {
		if err := task(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Pre-task failed")
		}
	}
}

// compute is the cache.ComputeFunc for this requestor. Empty values encode
// to nil so the store does not keep them.
func (r *Requestor[T]) compute(ctx context.Context, params cache.Params) ([]byte, error) {
	v, err := r.fetch(ctx, r.client, r.ep, params)
	if err != nil {
		return nil, err
	}
	if isEmpty(v) {
		return nil, nil
	}
	return json.Marshal(v)
}

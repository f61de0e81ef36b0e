package requestor

import (
	"context"
	"fmt"
	"net/url"

	"github.com/Sternrassler/apigate/pkg/cache"
	"github.com/Sternrassler/apigate/pkg/client"
)

// Client is the part of *client.Client requestors use.
type Client interface {
	BaseURL() string
	Get(ctx context.Context, endpoint string, params url.Values) *client.Response
}

// FetchFunc performs the upstream call for one endpoint. It is the compute
// step behind a cache miss.
type FetchFunc[T any] func(ctx context.Context, c Client, ep Endpoint, params cache.Params) (T, error)

// GetJSON returns a FetchFunc that GETs the endpoint, with path placeholders
// filled from params and the remaining params sent as the query, and decodes
// the JSON body into T. Non-OK responses are returned as errors. The call is
// counted under the path template, not the expanded path.
func GetJSON[T any]() FetchFunc[T] {
	return func(ctx context.Context, c Client, ep Endpoint, params cache.Params) (T, error) {
		var out T

		path, query, err := ep.Expand(params)
		if err != nil {
			return out, err
		}

		resp := c.Get(client.WithEndpointLabel(ctx, ep.Path), path, query)
		if !resp.OK() {
			if resp.Err != nil {
				return out, resp.Err
			}
			return out, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
		}

		if len(resp.Body) == 0 {
			return out, nil
		}
		if err := resp.JSON(&out); err != nil {
			return out, err
		}
		return out, nil
	}
}

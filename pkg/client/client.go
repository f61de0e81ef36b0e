// Package client provides the HTTP transport for API clients: a thin layer
// over net/http that normalizes the base URL, funnels every call through a
// rate limit gate and never raises from response handling.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/apigate/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apigate_requests_total",
		Help: "Total upstream requests by endpoint, method and status",
	}, []string{"endpoint", "method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apigate_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint, including gate waits",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apigate_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API; a trailing slash is stripped.
	BaseURL string

	// UserAgent header sent with every request (optional).
	UserAgent string

	// Headers are default headers sent with every request.
	Headers map[string]string

	// FollowRedirects controls whether 3xx responses are followed.
	FollowRedirects bool

	// HTTP2 enables HTTP/2 negotiation.
	HTTP2 bool

	// Timeout bounds a single upstream call.
	Timeout time.Duration

	// RateLimit builds the gate when Limiter is nil.
	RateLimit ratelimit.Config

	// Limiter overrides the gate built from RateLimit.
	Limiter ratelimit.Limiter

	// HTTPClient overrides the constructed http.Client (for testing).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		Headers:         map[string]string{"Accept": "application/json"},
		FollowRedirects: true,
		HTTP2:           true,
		Timeout:         30 * time.Second,
		RateLimit: ratelimit.Config{
			MaxCalls:       10,
			Period:         time.Second,
			MaxConcurrency: 5,
		},
	}
}

// Client executes gated requests against one API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    http.Header
	limiter    ratelimit.Limiter
	logger     zerolog.Logger

	mu         sync.Mutex
	lastHeader http.Header
}

// New creates a client. Configuration errors wrap ErrInvalidConfig.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: base url must be an absolute http(s) url (got %q)", ErrInvalidConfig, cfg.BaseURL)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must be >= 0 (got %s)", ErrInvalidConfig, cfg.Timeout)
	}

	logger := log.With().Str("component", "api-client").Str("api", u.Host).Logger()

	limiter := cfg.Limiter
	if limiter == nil {
		rl := cfg.RateLimit
		if rl.Name == "" {
			rl.Name = u.Host
		}
		gate, err := ratelimit.NewGate(rl, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		limiter = gate
	}

	headers := http.Header{}
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	if cfg.UserAgent != "" {
		headers.Set("User-Agent", cfg.UserAgent)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(cfg)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		headers:    headers,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

func newHTTPClient(cfg Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ForceAttemptHTTP2 = cfg.HTTP2
	if !cfg.HTTP2 {
		// A non-nil empty map disables HTTP/2 upgrades.
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	c := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
	if !cfg.FollowRedirects {
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return c
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Limiter returns the gate in front of this client.
func (c *Client) Limiter() ratelimit.Limiter {
	return c.limiter
}

// Get performs a gated GET request.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) *Response {
	return c.Do(ctx, http.MethodGet, endpoint, params, nil)
}

// Post performs a gated POST request.
func (c *Client) Post(ctx context.Context, endpoint string, body []byte) *Response {
	return c.Do(ctx, http.MethodPost, endpoint, nil, body)
}

// Put performs a gated PUT request.
func (c *Client) Put(ctx context.Context, endpoint string, body []byte) *Response {
	return c.Do(ctx, http.MethodPut, endpoint, nil, body)
}

// Delete performs a gated DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string) *Response {
	return c.Do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Do performs one gated request. Every verb goes through the gate: feedback
// from the latest response not yet applied is handed to the gate, a token is
// acquired, the call is made and the response is handled. The returned
// Response is never nil; failures are reported on Response.Err.
//
// Metrics are labelled with the label set by WithEndpointLabel, or with the
// path itself when ctx carries none.
func (c *Client) Do(ctx context.Context, method, endpoint string, params url.Values, body []byte) *Response {
	path := normalizeEndpoint(endpoint)
	label := endpointLabel(ctx, path)
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	if err := c.limiter.AdjustFromFeedback(ctx, c.takeHeader()); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to adjust rate limit from feedback")
	}

	release, err := c.limiter.Acquire(ctx, 1)
	if err != nil {
		return c.handle(method, path, label, nil, fmt.Errorf("rate limit gate: %w", err), start)
	}
	defer release()

	req, err := c.newRequest(ctx, method, path, params, body)
	if err != nil {
		return c.handle(method, path, label, nil, err, start)
	}

	c.logger.Debug().Str("endpoint", path).Str("method", method).Msg("Executing request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.handle(method, path, label, nil, &networkError{err: err}, start)
	}
	c.rememberHeader(resp.Header)

	return c.handle(method, path, label, resp, nil, start)
}

// FetchPage fetches one page of a paginated endpoint and reports the total
// page count from the X-Pages header (1 when absent).
func (c *Client) FetchPage(ctx context.Context, endpoint string, params url.Values, page int) ([]byte, int, error) {
	query := url.Values{}
	for k, v := range params {
		query[k] = append([]string(nil), v...)
	}
	query.Set("page", strconv.Itoa(page))

	resp := c.Get(ctx, endpoint, query)
	if !resp.OK() {
		return nil, 0, resp.Err
	}

	total := 1
	if raw := resp.Header.Get("X-Pages"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("parse X-Pages header: %w", err)
		}
		total = n
	}
	return resp.Body, total, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, body []byte) (*http.Request, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = append([]string(nil), v...)
	}
	return req, nil
}

// handle is the shared response path. It classifies, logs and counts the
// outcome and always returns a Response.
func (c *Client) handle(method, path, label string, resp *http.Response, err error, start time.Time) (out *Response) {
	out = &Response{Method: method, Endpoint: path}

	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("panic while handling response: %v", r)
			errorsTotal.WithLabelValues(string(ErrorClassUnexpected)).Inc()
			c.logger.Error().Interface("panic", r).Str("endpoint", path).
				Msg("Unexpected error while processing the response")
		}
		out.Duration = time.Since(start)
	}()

	if err != nil {
		out.Err = err
		class := classifyError(nil, err)
		errorsTotal.WithLabelValues(string(class)).Inc()
		requestsTotal.WithLabelValues(label, method, string(class)).Inc()

		if class == ErrorClassNetwork {
			c.logger.Error().Err(err).Str("endpoint", path).Str("method", method).
				Msg("Connection error while handling the request")
		} else {
			c.logger.Error().Err(err).Str("endpoint", path).Str("method", method).
				Msg("Unexpected error while handling the request")
		}
		return out
	}

	defer resp.Body.Close()

	out.StatusCode = resp.StatusCode
	out.Header = resp.Header

	body, readErr := io.ReadAll(resp.Body)
	out.Body = body
	requestsTotal.WithLabelValues(label, method, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		class := classifyError(resp, nil)
		out.Err = &HTTPError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    resp.Status,
			Body:       truncate(string(body), 512),
		}
		errorsTotal.WithLabelValues(string(class)).Inc()

		c.logger.Warn().
			Str("endpoint", path).
			Str("method", method).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Str("body", truncate(string(body), 512)).
			Msg("HTTP response error")
		return out
	}

	if readErr != nil {
		out.Err = fmt.Errorf("read response body: %w", readErr)
		errorsTotal.WithLabelValues(string(ErrorClassUnexpected)).Inc()
		c.logger.Error().Err(readErr).Str("endpoint", path).
			Msg("Unexpected error while processing the response")
	}
	return out
}

// takeHeader hands out the last response's headers once. Later calls get nil
// until another response arrives, so a quota report is never applied twice.
func (c *Client) takeHeader() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.lastHeader
	c.lastHeader = nil
	return h
}

func (c *Client) rememberHeader(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeader = h.Clone()
}

type endpointLabelKey struct{}

// WithEndpointLabel returns a context whose requests are counted under label
// instead of their path. Callers that expand path templates pass the template
// so every concrete resource shares one series.
func WithEndpointLabel(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, endpointLabelKey{}, label)
}

func endpointLabel(ctx context.Context, path string) string {
	if label, ok := ctx.Value(endpointLabelKey{}).(string); ok && label != "" {
		return label
	}
	return path
}

func normalizeEndpoint(endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		return "/" + endpoint
	}
	return endpoint
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// networkError marks failures of the round trip itself.
type networkError struct {
	err error
}

func (e *networkError) Error() string { return "network: " + e.err.Error() }
func (e *networkError) Unwrap() error { return e.err }

// IsNetworkError reports whether err came from the connection layer.
func IsNetworkError(err error) bool {
	var ne *networkError
	return errors.As(err, &ne)
}

// Package testutil provides a configurable mock upstream API for tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock upstream server that records every request.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requestCount int
	pathCounts   map[string]int
	methodCounts map[string]int
	lastRequest  *http.Request
}

// NewMockAPI starts a mock server. Unconfigured paths answer 200 with
// {"status":"ok"}.
func NewMockAPI() *MockAPI {
	m := &MockAPI{
		handlers:     make(map[string]http.HandlerFunc),
		pathCounts:   make(map[string]int),
		methodCounts: make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requestCount++
		m.pathCounts[r.URL.Path]++
		m.methodCounts[r.Method]++
		m.lastRequest = r.Clone(r.Context())
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()

		if ok {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))

	return m
}

// URL returns the server base URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts the server down.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.methodCounts = make(map[string]int)
	m.lastRequest = nil
}

// SetHandler installs a custom handler for path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse installs a fixed response for path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetPages serves a paginated endpoint: page n returns pages[n-1] and every
// page carries X-Pages.
func (m *MockAPI) SetPages(path string, pages []string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if raw := r.URL.Query().Get("page"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > len(pages) {
				http.Error(w, fmt.Sprintf(`{"error":"bad page %q"}`, raw), http.StatusNotFound)
				return
			}
			page = n
		}
		w.Header().Set("X-Pages", strconv.Itoa(len(pages)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(pages[page-1]))
	})
}

// RequestCount returns the number of requests received.
func (m *MockAPI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of requests received for path.
func (m *MockAPI) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// MethodCount returns the number of requests received with method.
func (m *MockAPI) MethodCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.methodCounts[method]
}

// LastRequest returns a copy of the most recent request, or nil.
func (m *MockAPI) LastRequest() *http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequest
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewQuotaResponse creates a 200 OK JSON response reporting remaining quota.
func NewQuotaResponse(body string, header string, remaining int) MockResponse {
	resp := NewJSONResponse(body)
	resp.Headers[header] = strconv.Itoa(remaining)
	return resp
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":  "30",
			"Content-Type": "application/json",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

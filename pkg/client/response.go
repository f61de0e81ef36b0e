package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Response is the outcome of one upstream call. It is returned for every
// call, failed or not; callers inspect StatusCode and Err themselves.
type Response struct {
	Method     string
	Endpoint   string
	StatusCode int // 0 when no response was received
	Header     http.Header
	Body       []byte
	Duration   time.Duration

	// Err is an *HTTPError for status >= 400, a network error, or an
	// unexpected failure. Nil on success.
	Err error
}

// OK reports whether a response arrived with a status below 400.
func (r *Response) OK() bool {
	return r.Err == nil && r.StatusCode > 0 && r.StatusCode < 400
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode %s: empty body", r.Endpoint)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", r.Endpoint, err)
	}
	return nil
}

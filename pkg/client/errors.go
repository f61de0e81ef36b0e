package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidConfig is returned by New for unusable configuration.
var ErrInvalidConfig = errors.New("invalid client configuration")

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents connection and timeout failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassUnexpected represents anything else that went wrong while
	// building the request or processing the response.
	ErrorClassUnexpected ErrorClass = "unexpected"
)

// HTTPError describes a response with status >= 400.
type HTTPError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %s error (status %d): %s: %s", e.ErrorClass, e.StatusCode, e.Message, e.Body)
	}
	return fmt.Sprintf("HTTP %s error (status %d): %s", e.ErrorClass, e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// classifyError categorizes a failure for logging and metrics.
func classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		if IsNetworkError(err) {
			return ErrorClassNetwork
		}
		return ErrorClassUnexpected
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

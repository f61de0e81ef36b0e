package requestor

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/Sternrassler/apigate/pkg/cache"
)

// ErrMissingParams is wrapped by every MissingParamsError.
var ErrMissingParams = errors.New("missing required parameters")

// MissingParamsError reports required parameters that were not set.
type MissingParamsError struct {
	Endpoint string
	Missing  []string
}

// Error implements the error interface.
func (e *MissingParamsError) Error() string {
	return fmt.Sprintf("%s: missing required params %v", e.Endpoint, e.Missing)
}

// Unwrap returns ErrMissingParams.
func (e *MissingParamsError) Unwrap() error {
	return ErrMissingParams
}

// Endpoint describes one request shape: a path, optionally with {name}
// placeholders, and the parameters that must be present before dispatch.
type Endpoint struct {
	Path     string
	Required []string
}

// Normalize returns e with a leading slash on Path.
func (e Endpoint) Normalize() Endpoint {
	if !strings.HasPrefix(e.Path, "/") {
		e.Path = "/" + e.Path
	}
	return e
}

// Missing returns the required parameters absent from params, sorted.
func (e Endpoint) Missing(params cache.Params) []string {
	var missing []string
	for _, name := range e.Required {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Validate returns a *MissingParamsError when required params are absent.
func (e Endpoint) Validate(params cache.Params) error {
	if missing := e.Missing(params); len(missing) > 0 {
		return &MissingParamsError{Endpoint: e.Path, Missing: missing}
	}
	return nil
}

// Expand fills {name} placeholders in the path from params and returns the
// remaining params as a query. Placeholder values are path-escaped.
func (e Endpoint) Expand(params cache.Params) (string, url.Values, error) {
	path := e.Path
	used := make(map[string]bool)

	for {
		start := strings.IndexByte(path, '{')
		if start < 0 {
			break
		}
		end := strings.IndexByte(path[start:], '}')
		if end < 0 {
			return "", nil, fmt.Errorf("%s: unterminated placeholder", e.Path)
		}
		end += start

		name := path[start+1 : end]
		value, ok := params[name]
		if !ok {
			return "", nil, &MissingParamsError{Endpoint: e.Path, Missing: []string{name}}
		}
		used[name] = true
		path = path[:start] + url.PathEscape(cache.FormatValue(value)) + path[end+1:]
	}

	query := url.Values{}
	for name, value := range params {
		if used[name] {
			continue
		}
		if values, ok := value.([]string); ok {
			query[name] = append([]string(nil), values...)
			continue
		}
		query.Set(name, cache.FormatValue(value))
	}
	return path, query, nil
}

package cache

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Params are the request parameters that, together with a namespace,
// identify a cached value.
type Params map[string]any

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Key represents a unique identifier for a cached value.
type Key struct {
	// Namespace is the base URL joined with the endpoint path
	// (e.g., "https://api.example.com/v1/items").
	Namespace string

	// Params are the request parameters (e.g., {"type_id": 34}).
	Params Params
}

// String generates a deterministic key string.
// Format: apigate:namespace:param1=val1:param2=val2
//
// Params are sorted by name and both names and values are query-escaped, so
// a value containing ':' cannot collide with another key.
//
// Example:
//
//	apigate:https://api.example.com/v1/items:page=2:type_id=34
func (k Key) String() string {
	parts := []string{"apigate", strings.TrimSuffix(k.Namespace, "/")}

	names := make([]string, 0, len(k.Params))
	for name := range k.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(FormatValue(k.Params[name])))
	}

	return strings.Join(parts, ":")
}

// FormatValue renders a parameter value as a string. Scalars use their usual
// text form; composite values are JSON encoded.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(val)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

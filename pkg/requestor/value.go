package requestor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// prototype holds an immutable default value as JSON. Every call to value
// decodes a fresh copy, so callers can never mutate the stored default.
type prototype[T any] struct {
	data []byte
}

// newPrototype encodes v and decodes it once, so a default that cannot make
// the round trip is rejected up front rather than on every fallback.
func newPrototype[T any](v T) (prototype[T], error) {
	data, err := json.Marshal(v)
	if err != nil {
		return prototype[T]{}, err
	}
	var decoded T
	if err := json.Unmarshal(data, &decoded); err != nil {
		return prototype[T]{}, fmt.Errorf("default value does not decode back into %T: %w", decoded, err)
	}
	return prototype[T]{data: data}, nil
}

func (p prototype[T]) value() T {
	var v T
	// newPrototype decoded the same bytes into a T already.
	_ = json.Unmarshal(p.data, &v)
	return v
}

// isEmptyData reports whether encoded data carries no value.
func isEmptyData(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// isEmpty reports whether v counts as "no result": nil, zero length
// collections and strings, and zero scalars.
func isEmpty[T any](v T) bool {
	if raw, ok := any(v).(json.RawMessage); ok {
		return isEmptyData(raw)
	}

	return isEmptyValue(reflect.ValueOf(&v).Elem())
}

func isEmptyValue(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.String, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer:
		return rv.IsNil()
	case reflect.Interface:
		return rv.IsNil() || isEmptyValue(rv.Elem())
	default:
		return rv.IsZero()
	}
}

package requestor

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/Sternrassler/apigate/pkg/cache"
)

func TestEndpoint_Normalize(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"v1/items", "/v1/items"},
		{"/v1/items", "/v1/items"},
		{"", "/"},
	}

	for _, tt := range tests {
		if got := (Endpoint{Path: tt.path}).Normalize().Path; got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestEndpoint_Validate(t *testing.T) {
	ep := Endpoint{Path: "/x", Required: []string{"b", "a"}}

	if err := ep.Validate(cache.Params{"a": 1, "b": 2}); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	err := ep.Validate(cache.Params{"c": 1})
	var mpe *MissingParamsError
	if !errors.As(err, &mpe) {
		t.Fatalf("Validate() error = %v, want *MissingParamsError", err)
	}
	if !reflect.DeepEqual(mpe.Missing, []string{"a", "b"}) {
		t.Errorf("Missing = %v, want [a b]", mpe.Missing)
	}

	// A present key with a nil value counts as set.
	if err := ep.Validate(cache.Params{"a": nil, "b": nil}); err != nil {
		t.Errorf("Validate() with nil values error = %v", err)
	}
}

func TestEndpoint_Expand(t *testing.T) {
	tests := []struct {
		name      string
		ep        Endpoint
		params    cache.Params
		wantPath  string
		wantQuery string
		wantErr   bool
	}{
		{
			name:      "no placeholders",
			ep:        Endpoint{Path: "/v1/orders"},
			params:    cache.Params{"type_id": 34, "page": 2},
			wantPath:  "/v1/orders",
			wantQuery: "page=2&type_id=34",
		},
		{
			name:      "placeholder removed from query",
			ep:        Endpoint{Path: "/v1/markets/{region_id}/orders"},
			params:    cache.Params{"region_id": 10000002, "order_type": "all"},
			wantPath:  "/v1/markets/10000002/orders",
			wantQuery: "order_type=all",
		},
		{
			name:     "placeholder escaped",
			ep:       Endpoint{Path: "/v1/names/{name}"},
			params:   cache.Params{"name": "a b/c"},
			wantPath: "/v1/names/a%20b%2Fc",
		},
		{
			name:      "string slice repeats",
			ep:        Endpoint{Path: "/v1/ids"},
			params:    cache.Params{"id": []string{"1", "2"}},
			wantPath:  "/v1/ids",
			wantQuery: "id=1&id=2",
		},
		{
			name:    "placeholder without param",
			ep:      Endpoint{Path: "/v1/markets/{region_id}"},
			params:  cache.Params{},
			wantErr: true,
		},
		{
			name:    "unterminated placeholder",
			ep:      Endpoint{Path: "/v1/markets/{region_id"},
			params:  cache.Params{"region_id": 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, query, err := tt.ep.Expand(tt.params)
			if tt.wantErr {
				if err == nil {
					t.Error("Expand() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expand() error = %v", err)
			}
			if path != tt.wantPath {
				t.Errorf("path = %q, want %q", path, tt.wantPath)
			}
			if query.Encode() != tt.wantQuery {
				t.Errorf("query = %q, want %q", query.Encode(), tt.wantQuery)
			}
		})
	}
}

func TestIsEmpty(t *testing.T) {
	var nilPtr *item

	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"nil slice", isEmpty[[]int](nil), true},
		{"empty slice", isEmpty([]int{}), true},
		{"slice", isEmpty([]int{1}), false},
		{"empty map", isEmpty(map[string]int{}), true},
		{"empty string", isEmpty(""), true},
		{"string", isEmpty("x"), false},
		{"zero int", isEmpty(0), true},
		{"int", isEmpty(3), false},
		{"nil pointer", isEmpty(nilPtr), true},
		{"pointer to zero struct", isEmpty(&item{}), false},
		{"zero struct", isEmpty(item{}), true},
		{"struct", isEmpty(item{ID: 1}), false},
		{"nil any", isEmpty[any](nil), true},
		{"any holding empty slice", isEmpty[any]([]any{}), true},
		{"raw null", isEmpty(json.RawMessage("null")), true},
		{"raw object", isEmpty(json.RawMessage(`{}`)), false},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: isEmpty() = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestPrototype_FreshCopies(t *testing.T) {
	p, err := newPrototype(map[string][]int{"a": {1, 2}})
	if err != nil {
		t.Fatalf("newPrototype() error = %v", err)
	}

	first := p.value()
	first["a"][0] = 99
	first["b"] = nil

	second := p.value()
	if !reflect.DeepEqual(second, map[string][]int{"a": {1, 2}}) {
		t.Errorf("value() = %v after mutating an earlier copy", second)
	}
}

func TestPrototype_RejectsDefaultThatDoesNotDecode(t *testing.T) {
	type labelled struct {
		Label fmt.Stringer `json:"label"`
	}

	if _, err := newPrototype(labelled{Label: time.Second}); err == nil {
		t.Error("newPrototype() should fail for a value in a non-empty interface field")
	}

	// A nil interface encodes as null and decodes fine.
	if _, err := newPrototype(labelled{}); err != nil {
		t.Errorf("newPrototype() error = %v for nil interface field", err)
	}
}

func TestPrototype_CopyKeepsOnlyJSONFields(t *testing.T) {
	type withHidden struct {
		Visible string `json:"visible"`
		Skipped string `json:"-"`
		hidden  string
	}

	p, err := newPrototype(withHidden{Visible: "v", Skipped: "s", hidden: "h"})
	if err != nil {
		t.Fatalf("newPrototype() error = %v", err)
	}
	if got := p.value(); got != (withHidden{Visible: "v"}) {
		t.Errorf("value() = %+v, want only the JSON-visible field", got)
	}
}

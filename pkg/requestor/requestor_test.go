package requestor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/Sternrassler/apigate/internal/testutil"
	"github.com/Sternrassler/apigate/pkg/cache"
	"github.com/Sternrassler/apigate/pkg/client"
)

// spyStore counts calls into a real memory-backed store.
type spyStore struct {
	cache.Store
	fetches  int
	contains int
	deletes  int
}

func newSpyStore() *spyStore {
	return &spyStore{Store: cache.NewManager(cache.NewMemoryBackend(), time.Minute)}
}

func (s *spyStore) FetchOrCompute(ctx context.Context, namespace string, compute cache.ComputeFunc, params cache.Params, save bool) ([]byte, error) {
	s.fetches++
	return s.Store.FetchOrCompute(ctx, namespace, compute, params, save)
}

func (s *spyStore) Contains(ctx context.Context, namespace string, params cache.Params) (bool, error) {
	s.contains++
	return s.Store.Contains(ctx, namespace, params)
}

func (s *spyStore) Delete(ctx context.Context, namespace string, params cache.Params) error {
	s.deletes++
	return s.Store.Delete(ctx, namespace, params)
}

func (s *spyStore) calls() int {
	return s.fetches + s.contains + s.deletes
}

// spyClient answers every GET with a fixed body.
type spyClient struct {
	body string
	gets int
}

func (c *spyClient) BaseURL() string { return "https://api.example.com" }

func (c *spyClient) Get(ctx context.Context, endpoint string, params url.Values) *client.Response {
	c.gets++
	return &client.Response{Method: "GET", Endpoint: endpoint, StatusCode: 200, Body: []byte(c.body)}
}

// stubFetch returns value on every call and counts calls.
func stubFetch[T any](value T, err error, calls *int) FetchFunc[T] {
	return func(ctx context.Context, c Client, ep Endpoint, params cache.Params) (T, error) {
		*calls++
		return value, err
	}
}

type item struct {
	ID    int      `json:"id"`
	Name  string   `json:"name"`
	Tags  []string `json:"tags"`
	Price float64  `json:"price"`
}

var itemEndpoint = Endpoint{Path: "v1/items/{item_id}", Required: []string{"item_id"}}

func TestNew_Validation(t *testing.T) {
	store := newSpyStore()
	c := &spyClient{}
	fetch := GetJSON[[]int]()

	tests := []struct {
		name  string
		build func() error
	}{
		{"nil store", func() error { _, err := New[[]int](nil, c, itemEndpoint, fetch, nil); return err }},
		{"nil client", func() error { _, err := New[[]int](store, nil, itemEndpoint, fetch, nil); return err }},
		{"nil fetch", func() error { _, err := New[[]int](store, c, itemEndpoint, nil, nil); return err }},
		{"unencodable default", func() error {
			_, err := New[chan int](store, c, itemEndpoint, GetJSON[chan int](), make(chan int))
			return err
		}},
		{"default that does not decode back", func() error {
			type described struct {
				Kind fmt.Stringer `json:"kind"`
			}
			_, err := New(store, c, itemEndpoint, GetJSON[described](), described{Kind: time.Minute})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.build(); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestRequestor_Namespace(t *testing.T) {
	r, err := New(newSpyStore(), &spyClient{}, itemEndpoint, GetJSON[item](), item{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := r.Namespace(); got != "https://api.example.com/v1/items/{item_id}" {
		t.Errorf("Namespace() = %q", got)
	}
	if r.Endpoint().Path != "/v1/items/{item_id}" {
		t.Errorf("Endpoint().Path = %q, want leading slash", r.Endpoint().Path)
	}
}

func TestRequestor_MissingParams(t *testing.T) {
	store := newSpyStore()
	c := &spyClient{body: `{"id":1}`}
	var calls int

	r, err := New(store, c, itemEndpoint, stubFetch(item{ID: 1}, nil, &calls), item{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r.SetParam("other", 1)

	_, err = r.Request(context.Background())
	var mpe *MissingParamsError
	if !errors.As(err, &mpe) {
		t.Fatalf("Request() error = %v, want *MissingParamsError", err)
	}
	if !errors.Is(err, ErrMissingParams) {
		t.Error("error should wrap ErrMissingParams")
	}
	if !reflect.DeepEqual(mpe.Missing, []string{"item_id"}) {
		t.Errorf("Missing = %v", mpe.Missing)
	}

	if err := r.RequestOnly(context.Background()); !errors.Is(err, ErrMissingParams) {
		t.Errorf("RequestOnly() error = %v, want ErrMissingParams", err)
	}

	if store.calls() != 0 || c.gets != 0 || calls != 0 {
		t.Errorf("store calls = %d, client gets = %d, fetch calls = %d; want no activity", store.calls(), c.gets, calls)
	}
}

func TestRequestor_RequestOnlyIdempotent(t *testing.T) {
	store := newSpyStore()
	var calls int

	r, _ := New(store, &spyClient{}, itemEndpoint, stubFetch(item{ID: 7, Name: "x"}, nil, &calls), item{})
	r.SetParam("item_id", 7)

	ctx := context.Background()
	if err := r.RequestOnly(ctx); err != nil {
		t.Fatalf("RequestOnly() error = %v", err)
	}
	if err := r.RequestOnly(ctx); err != nil {
		t.Fatalf("RequestOnly() error = %v", err)
	}

	if calls != 1 {
		t.Errorf("fetch calls = %d, want 1", calls)
	}
	if store.fetches != 1 {
		t.Errorf("store fetches = %d, want 1 (second call is a pure cache check)", store.fetches)
	}
}

func TestRequestor_RoundTrip(t *testing.T) {
	var calls int
	want := item{ID: 3, Name: "Tritanium", Tags: []string{"mineral", "ore"}, Price: 4.25}

	r, _ := New(newSpyStore(), &spyClient{}, itemEndpoint, stubFetch(want, nil, &calls), item{})
	r.SetParams(cache.Params{"item_id": 3}).Save(true)

	ctx := context.Background()
	first, err := r.Request(ctx)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if err := r.RequestOnly(ctx); err != nil {
		t.Fatalf("RequestOnly() error = %v", err)
	}
	second, err := r.Request(ctx)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	if !reflect.DeepEqual(first, want) || !reflect.DeepEqual(second, want) {
		t.Errorf("values = %+v / %+v, want %+v", first, second, want)
	}
	if calls != 1 {
		t.Errorf("fetch calls = %d, want 1", calls)
	}
}

func TestRequestor_SaveDisabled(t *testing.T) {
	var calls int
	r, _ := New(newSpyStore(), &spyClient{}, itemEndpoint, stubFetch(item{ID: 1}, nil, &calls), item{})
	r.SetParam("item_id", 1).Save(false)

	r.Request(context.Background())
	r.Request(context.Background())

	if calls != 2 {
		t.Errorf("fetch calls = %d, want 2", calls)
	}
}

func TestRequestor_DefaultIsCopied(t *testing.T) {
	var calls int
	ep := Endpoint{Path: "/v1/list"}

	r, _ := New(newSpyStore(), &spyClient{}, ep, stubFetch[[]string](nil, nil, &calls), []string{})

	got, err := r.Request(context.Background())
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("Request() = %#v, want empty non-nil slice", got)
	}
	got = append(got, "mutated")

	again, _ := r.Request(context.Background())
	if len(again) != 0 {
		t.Errorf("default changed after mutation: %v", again)
	}
	if calls != 2 {
		t.Errorf("fetch calls = %d, want 2 (empty results are not cached)", calls)
	}
}

func TestRequestor_DefaultMapNotShared(t *testing.T) {
	var calls int
	r, _ := New(newSpyStore(), &spyClient{}, Endpoint{Path: "/v1/prices"},
		stubFetch[map[string]int](nil, nil, &calls), map[string]int{"base": 1})

	first, _ := r.Request(context.Background())
	first["base"] = 99

	second, _ := r.Request(context.Background())
	if second["base"] != 1 {
		t.Errorf("second default = %v, want base=1", second)
	}
	if r.Default()["base"] != 1 {
		t.Errorf("Default() = %v", r.Default())
	}
}

func TestRequestor_FetchErrorDegradesToDefault(t *testing.T) {
	var calls int
	r, _ := New(newSpyStore(), &spyClient{}, Endpoint{Path: "/v1/list"},
		stubFetch[[]int](nil, errors.New("HTTP server error"), &calls), []int{})

	got, err := r.Request(context.Background())
	if err != nil {
		t.Fatalf("Request() error = %v, want nil", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Request() = %#v, want empty default", got)
	}
}

func TestRequestor_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := New(newSpyStore(), &spyClient{}, Endpoint{Path: "/v1/list"},
		func(ctx context.Context, c Client, ep Endpoint, params cache.Params) ([]int, error) {
			return nil, ctx.Err()
		}, []int{})

	if _, err := r.Request(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Request() error = %v, want context.Canceled", err)
	}
}

func TestRequestor_MarkForDeletion(t *testing.T) {
	store := newSpyStore()
	var calls int

	r, _ := New(store, &spyClient{}, itemEndpoint, stubFetch(item{ID: 5}, nil, &calls), item{})
	r.SetParam("item_id", 5)

	ctx := context.Background()
	r.Request(ctx)

	r.MarkForDeletion()
	if r.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", r.Pending())
	}

	r.Request(ctx)
	if store.deletes != 1 {
		t.Errorf("deletes = %d, want 1", store.deletes)
	}
	if calls != 2 {
		t.Errorf("fetch calls = %d, want 2 (refetched after deletion)", calls)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after Request, want 0", r.Pending())
	}

	// Pre-tasks run once
	r.Request(ctx)
	if store.deletes != 1 || calls != 2 {
		t.Errorf("deletes = %d, calls = %d; want 1, 2", store.deletes, calls)
	}
}

func TestRequestor_MarkForDeletionBeforeParams(t *testing.T) {
	store := newSpyStore()
	var calls int

	r, _ := New(store, &spyClient{}, itemEndpoint, stubFetch(item{ID: 5}, nil, &calls), item{})

	// Populate the cache through a second requestor.
	seed, _ := New(store, &spyClient{}, itemEndpoint, stubFetch(item{ID: 5}, nil, &calls), item{})
	seed.SetParam("item_id", 5).Request(context.Background())

	r.MarkForDeletion()
	if r.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 (no-op without required params)", r.Pending())
	}

	r.SetParam("item_id", 5)
	got, err := r.Request(context.Background())
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	if store.deletes != 0 {
		t.Errorf("deletes = %d, want 0", store.deletes)
	}
	if calls != 1 || got.ID != 5 {
		t.Errorf("fetch calls = %d, got = %+v; want cached value", calls, got)
	}
}

func TestRequestor_MarkForDeletionSnapshotsParams(t *testing.T) {
	store := newSpyStore()
	var calls int
	ctx := context.Background()

	r, _ := New(store, &spyClient{}, itemEndpoint, stubFetch(item{ID: 1}, nil, &calls), item{})
	r.SetParam("item_id", 1)
	r.Request(ctx)

	r.MarkForDeletion().SetParam("item_id", 2)
	r.Request(ctx)

	if ok, _ := store.Store.Contains(ctx, r.Namespace(), cache.Params{"item_id": 1}); ok {
		t.Error("entry for item_id=1 should have been deleted")
	}
	if ok, _ := store.Store.Contains(ctx, r.Namespace(), cache.Params{"item_id": 2}); !ok {
		t.Error("entry for item_id=2 should be cached")
	}
}

func TestRequestor_SetParamsCopies(t *testing.T) {
	r, _ := New(newSpyStore(), &spyClient{}, itemEndpoint, GetJSON[item](), item{})

	params := cache.Params{"item_id": 1}
	r.SetParams(params)
	params["item_id"] = 2

	if r.Params()["item_id"] != 1 {
		t.Errorf("Params() = %v, want item_id=1", r.Params())
	}
}

func TestRequestor_EndToEnd(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/v1/items/34", testutil.NewJSONResponse(`{"id":34,"name":"Tritanium","tags":["mineral"]}`))
	mock.SetResponse("/v1/items/404", testutil.NewNotFoundResponse())

	c, err := client.New(client.DefaultConfig(mock.URL()))
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	r, err := New(cache.NewManager(cache.NewMemoryBackend(), time.Minute), c, itemEndpoint, GetJSON[item](), item{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := r.SetParam("item_id", 34).Request(ctx)
		if err != nil {
			t.Fatalf("Request() error = %v", err)
		}
		if got.ID != 34 || got.Name != "Tritanium" {
			t.Errorf("Request() = %+v", got)
		}
	}

	if n := mock.PathCount("/v1/items/34"); n != 1 {
		t.Errorf("upstream hits = %d, want 1", n)
	}

	// Upstream errors degrade to the default.
	got, err := r.SetParam("item_id", 404).Request(ctx)
	if err != nil || got.ID != 0 {
		t.Errorf("Request() for missing item = %+v, %v; want default, nil", got, err)
	}
}

package terminus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kudzuproject/kudzu/pkg/stores"
)

// Mock terminus for route selection tests
type mockTerminus struct {
	mu    sync.Mutex
	name  string
	finds int
	saves int
	res   *Resource
	err   error
}

func (m *mockTerminus) Find(_ context.Context, _, _ string, _ FindOptions) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	return m.res, m.err
}

func (m *mockTerminus) Save(_ context.Context, _ string, _ *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	return m.err
}

func (m *mockTerminus) Name() string { return m.name }

func TestRouteSelectsStrategyFromOptions(t *testing.T) {
	remote := &mockTerminus{name: "rest", res: &Resource{Key: "n", Body: []byte(`{}`)}}
	cache := &mockTerminus{name: "cache", res: &Resource{Key: "n", Body: []byte(`{}`)}}
	route, err := NewRoute(remote, cache)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// IgnoreTerminus reaches only the cache
	if _, err := route.Find(ctx, KindCatalog, "n", FindOptions{IgnoreTerminus: true}); err != nil {
		t.Fatal(err)
	}
	if remote.finds != 0 || cache.finds != 1 {
		t.Errorf("expected cache-only find, got remote=%d cache=%d", remote.finds, cache.finds)
	}

	// IgnoreCache reaches only the remote
	if _, err := route.Find(ctx, KindCatalog, "n", FindOptions{IgnoreCache: true}); err != nil {
		t.Fatal(err)
	}
	if remote.finds != 1 || cache.finds != 1 {
		t.Errorf("expected remote find, got remote=%d cache=%d", remote.finds, cache.finds)
	}

	// Default prefers the remote when configured
	if _, err := route.Find(ctx, KindCatalog, "n", FindOptions{}); err != nil {
		t.Fatal(err)
	}
	if remote.finds != 2 {
		t.Errorf("expected default find to hit remote, got %d", remote.finds)
	}
}

func TestRouteWithoutRemote(t *testing.T) {
	cache := &mockTerminus{name: "cache"}
	route, err := NewRoute(nil, cache)
	if err != nil {
		t.Fatal(err)
	}
	if route.Remote() {
		t.Error("Remote() should be false without a remote terminus")
	}

	// IgnoreCache without a remote is a transport error, not a panic
	_, err = route.Find(context.Background(), KindCatalog, "n", FindOptions{IgnoreCache: true})
	if err == nil {
		t.Fatal("expected error for remote find without remote terminus")
	}
	var te *TransportError
	if !asTransportError(err, &te) {
		t.Fatalf("expected TransportError, got %T", err)
	}

	// Default falls through to the cache
	if _, err := route.Find(context.Background(), KindCatalog, "n", FindOptions{}); err != nil {
		t.Fatal(err)
	}
	if cache.finds != 1 {
		t.Errorf("expected cache find, got %d", cache.finds)
	}

	// Saves land in the cache
	if err := route.Save(context.Background(), KindReport, &Resource{Key: "r"}); err != nil {
		t.Fatal(err)
	}
	if cache.saves != 1 {
		t.Errorf("expected cache save, got %d", cache.saves)
	}
}

func asTransportError(err error, target **TransportError) bool {
	for err != nil {
		if te, ok := err.(*TransportError); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestRestFind(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		if r.Method == http.MethodPost {
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			gotBody, _ = json.Marshal(req)
		}
		fmt.Fprint(w, `{"name":"web01","resources":[]}`)
	}))
	defer server.Close()

	rest, err := NewRest(RestConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}

	// Without facts: GET
	res, err := rest.Find(context.Background(), KindCatalog, "web01", FindOptions{})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if gotMethod != http.MethodGet {
		t.Errorf("expected GET, got %s", gotMethod)
	}
	if gotPath != "/v1/catalogs/web01" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if res == nil || len(res.Body) == 0 {
		t.Fatal("expected resource body")
	}

	// With facts: POST carrying the fact payload
	_, err = rest.Find(context.Background(), KindCatalog, "web01", FindOptions{
		Facts:       map[string]any{"kernel": "Linux"},
		FactsFormat: "json",
	})
	if err != nil {
		t.Fatalf("Find with facts failed: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("expected POST with facts, got %s", gotMethod)
	}
	var posted map[string]any
	if err := json.Unmarshal(gotBody, &posted); err != nil {
		t.Fatalf("bad posted body: %v", err)
	}
	if posted["facts_format"] != "json" {
		t.Errorf("expected facts_format in body, got %v", posted)
	}
}

func TestRestFindAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	rest, err := NewRest(RestConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}

	res, err := rest.Find(context.Background(), KindCatalog, "web01", FindOptions{})
	if err != nil {
		t.Fatalf("404 should be absence, got error: %v", err)
	}
	if res != nil {
		t.Fatal("expected nil resource for 404")
	}
}

func TestRestFindServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	rest, err := NewRest(RestConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := rest.Find(context.Background(), KindCatalog, "web01", FindOptions{}); err == nil {
		t.Fatal("expected transport error for 500")
	}
}

func TestRestSave(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	rest, err := NewRest(RestConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}

	err = rest.Save(context.Background(), KindReport, &Resource{
		Key:  "report-1",
		Body: []byte(`{"id":"report-1"}`),
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("expected PUT, got %s", gotMethod)
	}
	if gotPath != "/v1/reports/report-1" {
		t.Errorf("unexpected path: %s", gotPath)
	}
}

func newCacheTerminus(t *testing.T) *Cache {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	cache, err := NewCache(store)
	if err != nil {
		t.Fatal(err)
	}
	return cache
}

func TestCacheCatalogRoundTrip(t *testing.T) {
	cache := newCacheTerminus(t)
	ctx := context.Background()

	// Absent before save
	res, err := cache.Find(ctx, KindCatalog, "web01", FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatal("expected absence before save")
	}

	payload := []byte(`{"name":"web01","version":"42","resources":[]}`)
	if err := cache.Save(ctx, KindCatalog, &Resource{Key: "web01", Body: payload}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	res, err = cache.Find(ctx, KindCatalog, "web01", FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected cached catalog")
	}
	if string(res.Body) != string(payload) {
		t.Errorf("payload mismatch: %s", res.Body)
	}
}

func TestCacheReportSave(t *testing.T) {
	cache := newCacheTerminus(t)
	ctx := context.Background()

	body := []byte(`{"id":"r-1","host":"web01","status":"applied"}`)
	if err := cache.Save(ctx, KindReport, &Resource{Key: "r-1", Body: body}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	res, err := cache.Find(ctx, KindReport, "r-1", FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected stored report")
	}
}

func TestCacheOverFailedStoreReturnsError(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "missing", "cache.db"),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err == nil {
		t.Fatal("expected Init to fail for a path in a missing directory")
	}

	cache, err := NewCache(store)
	if err != nil {
		t.Fatal(err)
	}

	// A store whose Init failed must surface errors, not crash: the
	// cache-fallback find and the report save both ride on this.
	if _, err := cache.Find(ctx, KindCatalog, "web01", FindOptions{IgnoreTerminus: true}); err == nil {
		t.Fatal("expected error finding over a failed store")
	}
	body := []byte(`{"id":"r-1","host":"web01","status":"failed"}`)
	if err := cache.Save(ctx, KindReport, &Resource{Key: "r-1", Body: body}); err == nil {
		t.Fatal("expected error saving over a failed store")
	}

	var terr *TransportError
	_, err = cache.Find(ctx, KindCatalog, "web01", FindOptions{})
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestCacheRejectsUnknownKind(t *testing.T) {
	cache := newCacheTerminus(t)

	if _, err := cache.Find(context.Background(), "node", "x", FindOptions{}); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
	if err := cache.Save(context.Background(), "node", &Resource{Key: "x"}); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}

// Package terminus implements the find/save resource-location contract
// used for catalogs and reports. A terminus is one backend strategy
// (remote REST service, local cache); the Route composite picks the
// strategy per request options so callers can reach a specific backend
// deliberately.
package terminus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Resource kinds routed through a terminus.
const (
	KindCatalog = "catalog"
	KindReport  = "report"
)

// Resource is an opaque payload identified by a key, typically the
// node's certificate name for catalogs and a report UUID for reports.
type Resource struct {
	// Key identifies the resource within its kind.
	Key string `json:"key"`

	// Body is the raw resource payload.
	Body json.RawMessage `json:"body"`
}

// FindOptions controls which backend strategy answers a find and what
// context rides along with it.
type FindOptions struct {
	// IgnoreCache bypasses the cache and forces the authoritative
	// backend, even when configuration nominally prefers the cache.
	IgnoreCache bool

	// IgnoreTerminus forces a cache-only lookup; the authoritative
	// backend is never consulted.
	IgnoreTerminus bool

	// Facts is the node's fact mapping, uploaded only when the active
	// strategy requires request context. Cache strategies ignore it.
	Facts map[string]any

	// FactsFormat is the wire format tag for Facts (e.g. "json").
	FactsFormat string
}

// Terminus is one backend strategy implementing resource location.
// Find returns (nil, nil) when the resource does not exist; errors are
// transport or storage failures. A terminus never retries.
type Terminus interface {
	// Find looks up a resource by kind and key.
	Find(ctx context.Context, kind, key string, opts FindOptions) (*Resource, error)

	// Save persists a resource.
	Save(ctx context.Context, kind string, res *Resource) error

	// Name identifies the strategy for logging.
	Name() string
}

// TransportError is a failure raised by a terminus strategy. Callers
// catch it and decide whether to fall back or give up; the terminus
// itself never retries.
type TransportError struct {
	// Op is the operation that failed (find, save).
	Op string

	// Kind is the resource kind involved.
	Kind string

	// Key is the resource key involved.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("terminus %s %s/%s: %v", e.Op, e.Kind, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Route is the configured pair of strategies: an optional remote
// terminus (the authoritative source) and a cache terminus. Selection
// happens per call from FindOptions, not by runtime type inspection.
type Route struct {
	remote Terminus
	cache  Terminus
}

// NewRoute builds a route. remote may be nil for cache-only setups;
// cache must not be nil.
func NewRoute(remote, cache Terminus) (*Route, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache terminus is required")
	}
	return &Route{remote: remote, cache: cache}, nil
}

// Remote reports whether an authoritative remote backend is configured.
// When true, fact collection is needed before catalog finds.
func (r *Route) Remote() bool {
	return r.remote != nil
}

// Find dispatches to the strategy selected by opts. Exactly one of the
// cache-bypass modes is honored per call: IgnoreTerminus wins over
// IgnoreCache, matching the retriever's deliberate two-step policy.
func (r *Route) Find(ctx context.Context, kind, key string, opts FindOptions) (*Resource, error) {
	switch {
	case opts.IgnoreTerminus:
		return r.cache.Find(ctx, kind, key, opts)
	case opts.IgnoreCache:
		if r.remote == nil {
			return nil, &TransportError{
				Op:   "find",
				Kind: kind,
				Key:  key,
				Err:  fmt.Errorf("no remote terminus configured"),
			}
		}
		return r.remote.Find(ctx, kind, key, opts)
	case r.remote != nil:
		return r.remote.Find(ctx, kind, key, opts)
	default:
		return r.cache.Find(ctx, kind, key, opts)
	}
}

// Save persists through the remote terminus when configured, else the
// cache, so server-less setups still record resources locally.
func (r *Route) Save(ctx context.Context, kind string, res *Resource) error {
	if r.remote != nil {
		return r.remote.Save(ctx, kind, res)
	}
	return r.cache.Save(ctx, kind, res)
}

// SaveCache persists directly to the cache strategy regardless of the
// remote configuration. Used for catalog save-through after a remote
// retrieval succeeds.
func (r *Route) SaveCache(ctx context.Context, kind string, res *Resource) error {
	return r.cache.Save(ctx, kind, res)
}

package terminus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kudzuproject/kudzu/pkg/stores"
)

// Cache is the local terminus strategy backed by the sqlite store. It
// ignores fact context on finds; there is no server to authenticate to.
type Cache struct {
	store stores.Store
}

// NewCache creates a cache terminus over an initialized store.
func NewCache(store stores.Store) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &Cache{store: store}, nil
}

// Name implements Terminus.
func (c *Cache) Name() string {
	return "cache"
}

// Find implements Terminus.
func (c *Cache) Find(ctx context.Context, kind, key string, _ FindOptions) (*Resource, error) {
	switch kind {
	case KindCatalog:
		cached, err := c.store.GetCatalog(ctx, key)
		if errors.Is(err, stores.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, &TransportError{Op: "find", Kind: kind, Key: key, Err: err}
		}
		return &Resource{Key: key, Body: cached.Payload}, nil

	case KindReport:
		stored, err := c.store.GetReport(ctx, key)
		if errors.Is(err, stores.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, &TransportError{Op: "find", Kind: kind, Key: key, Err: err}
		}
		return &Resource{Key: key, Body: stored.Payload}, nil

	default:
		return nil, &TransportError{
			Op:   "find",
			Kind: kind,
			Key:  key,
			Err:  fmt.Errorf("unsupported resource kind"),
		}
	}
}

// reportHeader is the subset of a report payload the store indexes on.
type reportHeader struct {
	ID     string `json:"id"`
	Host   string `json:"host"`
	Status string `json:"status"`
}

// Save implements Terminus.
func (c *Cache) Save(ctx context.Context, kind string, res *Resource) error {
	switch kind {
	case KindCatalog:
		var header struct {
			Version string `json:"version"`
		}
		// Version is advisory; an unparseable payload still gets cached.
		_ = json.Unmarshal(res.Body, &header)

		err := c.store.UpsertCatalog(ctx, &stores.CachedCatalog{
			Node:    res.Key,
			Payload: res.Body,
			Version: header.Version,
			SavedAt: time.Now().UTC(),
		})
		if err != nil {
			return &TransportError{Op: "save", Kind: kind, Key: res.Key, Err: err}
		}
		return nil

	case KindReport:
		var header reportHeader
		if err := json.Unmarshal(res.Body, &header); err != nil {
			return &TransportError{Op: "save", Kind: kind, Key: res.Key, Err: err}
		}
		if header.ID == "" {
			header.ID = res.Key
		}

		err := c.store.SaveReport(ctx, &stores.StoredReport{
			ID:        header.ID,
			Node:      header.Host,
			Status:    header.Status,
			Payload:   res.Body,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return &TransportError{Op: "save", Kind: kind, Key: res.Key, Err: err}
		}
		return nil

	default:
		return &TransportError{
			Op:   "save",
			Kind: kind,
			Key:  res.Key,
			Err:  fmt.Errorf("unsupported resource kind"),
		}
	}
}

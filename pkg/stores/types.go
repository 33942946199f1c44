package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// CachedCatalog is a catalog payload cached for one node.
type CachedCatalog struct {
	// Node is the node identity key (certificate name).
	Node string `json:"node"`

	// Payload is the raw catalog JSON as retrieved from the server.
	Payload []byte `json:"payload"`

	// Version is the catalog version string, if known.
	Version string `json:"version"`

	// SavedAt is when the catalog was cached.
	SavedAt time.Time `json:"saved_at"`
}

// StoredReport is a persisted run report.
type StoredReport struct {
	// ID is the report UUID.
	ID string `json:"id"`

	// Node is the node the report belongs to.
	Node string `json:"node"`

	// Status is the run's final status (applied, failed, skipped).
	Status string `json:"status"`

	// Payload is the serialized report.
	Payload []byte `json:"payload"`

	// CreatedAt is when the report was stored.
	CreatedAt time.Time `json:"created_at"`
}

// NodeFacts is the most recent fact set collected for a node.
type NodeFacts struct {
	// Node is the node identity key.
	Node string `json:"node"`

	// Format is the wire format tag of the payload (e.g. "json").
	Format string `json:"format"`

	// Payload is the serialized fact mapping.
	Payload []byte `json:"payload"`

	// CollectedAt is when the facts were collected.
	CollectedAt time.Time `json:"collected_at"`
}

// Store defines the interface for the local persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Catalog cache operations
	UpsertCatalog(ctx context.Context, c *CachedCatalog) error
	GetCatalog(ctx context.Context, node string) (*CachedCatalog, error)
	DeleteCatalog(ctx context.Context, node string) error

	// Report operations
	SaveReport(ctx context.Context, r *StoredReport) error
	GetReport(ctx context.Context, id string) (*StoredReport, error)
	ListReports(ctx context.Context, node string, limit, offset int) ([]*StoredReport, error)

	// Facts operations
	UpsertFacts(ctx context.Context, f *NodeFacts) error
	GetFacts(ctx context.Context, node string) (*NodeFacts, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

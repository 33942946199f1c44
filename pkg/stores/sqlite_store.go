package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// The agent is single-writer; a small pool is plenty.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// conn returns the open database handle, or an error when Init has not
// succeeded. Callers degrade to their normal error paths instead of
// dereferencing a nil handle.
func (s *SQLiteStore) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return s.db, nil
}

// UpsertCatalog stores or replaces the cached catalog for a node.
func (s *SQLiteStore) UpsertCatalog(ctx context.Context, c *CachedCatalog) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO catalogs (node, payload, version, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			saved_at = excluded.saved_at
	`

	if _, err := db.ExecContext(ctx, query, c.Node, c.Payload, c.Version, c.SavedAt); err != nil {
		return fmt.Errorf("failed to upsert catalog: %w", err)
	}

	return nil
}

// GetCatalog retrieves the cached catalog for a node. Returns ErrNotFound
// when no catalog is cached.
func (s *SQLiteStore) GetCatalog(ctx context.Context, node string) (*CachedCatalog, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	query := `
		SELECT node, payload, version, saved_at
		FROM catalogs
		WHERE node = ?
	`

	c := &CachedCatalog{}
	err = db.QueryRowContext(ctx, query, node).Scan(
		&c.Node,
		&c.Payload,
		&c.Version,
		&c.SavedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog: %w", err)
	}

	return c, nil
}

// DeleteCatalog removes the cached catalog for a node.
func (s *SQLiteStore) DeleteCatalog(ctx context.Context, node string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM catalogs WHERE node = ?`, node); err != nil {
		return fmt.Errorf("failed to delete catalog: %w", err)
	}
	return nil
}

// SaveReport stores a run report.
func (s *SQLiteStore) SaveReport(ctx context.Context, r *StoredReport) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO reports (id, node, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	if _, err := db.ExecContext(ctx, query, r.ID, r.Node, r.Status, r.Payload, r.CreatedAt); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	return nil
}

// GetReport retrieves a report by ID. Returns ErrNotFound when absent.
func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*StoredReport, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, node, status, payload, created_at
		FROM reports
		WHERE id = ?
	`

	r := &StoredReport{}
	err = db.QueryRowContext(ctx, query, id).Scan(
		&r.ID,
		&r.Node,
		&r.Status,
		&r.Payload,
		&r.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	return r, nil
}

// ListReports lists reports for a node, newest first.
func (s *SQLiteStore) ListReports(ctx context.Context, node string, limit, offset int) ([]*StoredReport, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, node, status, payload, created_at
		FROM reports
		WHERE node = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := db.QueryContext(ctx, query, node, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []*StoredReport{}
	for rows.Next() {
		r := &StoredReport{}
		if err := rows.Scan(&r.ID, &r.Node, &r.Status, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}

	return reports, nil
}

// UpsertFacts stores or replaces the fact set for a node.
func (s *SQLiteStore) UpsertFacts(ctx context.Context, f *NodeFacts) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO facts (node, format, payload, collected_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node) DO UPDATE SET
			format = excluded.format,
			payload = excluded.payload,
			collected_at = excluded.collected_at
	`

	if _, err := db.ExecContext(ctx, query, f.Node, f.Format, f.Payload, f.CollectedAt); err != nil {
		return fmt.Errorf("failed to upsert facts: %w", err)
	}

	return nil
}

// GetFacts retrieves the fact set for a node. Returns ErrNotFound when absent.
func (s *SQLiteStore) GetFacts(ctx context.Context, node string) (*NodeFacts, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	query := `
		SELECT node, format, payload, collected_at
		FROM facts
		WHERE node = ?
	`

	f := &NodeFacts{}
	err = db.QueryRowContext(ctx, query, node).Scan(
		&f.Node,
		&f.Format,
		&f.Payload,
		&f.CollectedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get facts: %w", err)
	}

	return f, nil
}

// HealthCheck verifies the database connection is usable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

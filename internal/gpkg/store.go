// Package gpkg provides the GeoPackage host-format pieces the feature index
// consumes: the SQLite store, gpkg_contents timestamps, the extension
// registry and feature table access.
package gpkg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	ferrors "github.com/arkilian/featureindex/internal/errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

// TimeFormat is the GeoPackage DATETIME text form.
const TimeFormat = "2006-01-02T15:04:05.000Z"

var timeLayouts = []string{
	TimeFormat,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// FormatTime renders t as a GeoPackage timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses the timestamp forms SQLite and go-sqlite3 produce.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("gpkg: unparseable timestamp %q", s)
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Options configures Open.
type Options struct {
	// ReadOnly opens the file with mode=ro; every index write is rejected.
	ReadOnly bool

	// Clock supplies "now" for last_change and last_indexed stamps.
	Clock func() time.Time

	// MaxOpenConns bounds the connection pool (default 4). Lazy results hold
	// a connection while they are being iterated.
	MaxOpenConns int

	// TableInfoCacheSize is the number of feature table descriptions kept
	// in memory (default 128).
	TableInfoCacheSize int
}

// Store is an open GeoPackage file.
type Store struct {
	db        *sql.DB
	path      string
	readOnly  bool
	clock     func() time.Time
	tableInfo *lru.Cache[string, *TableInfo]
}

// Open opens (creating if needed) the GeoPackage at path and initializes the
// core tables unless opened read-only.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_foreign_keys=1"
	if opts.ReadOnly {
		dsn += "&mode=ro"
	} else {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, ferrors.NewStorageError(ferrors.CodeSchemaSetup, "gpkg: failed to open database", err)
	}
	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	cacheSize := opts.TableInfoCacheSize
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, *TableInfo](cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("gpkg: failed to create table info cache: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Store{
		db:        db,
		path:      path,
		readOnly:  opts.ReadOnly,
		clock:     clock,
		tableInfo: cache,
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, ferrors.NewStorageError(ferrors.CodeSchemaSetup, "gpkg: failed to connect", err)
	}

	if !opts.ReadOnly {
		if err := s.initSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return ferrors.NewStorageError(ferrors.CodeSchemaSetup, "gpkg: failed to execute schema statement", err)
		}
	}
	return nil
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the file path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// ReadOnly reports whether writes are rejected.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// Now returns the store clock truncated to the stored precision.
func (s *Store) Now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

// CheckWritable returns a READ_ONLY error for read-only stores.
func (s *Store) CheckWritable() error {
	if s.readOnly {
		return ferrors.NewStorageError(ferrors.CodeReadOnly, "gpkg: write attempted on read-only store", nil)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// TableExists reports whether a table or virtual table named name exists.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("gpkg: failed to check table %s: %w", name, err)
	}
	return n > 0, nil
}

// WithFastWrites runs fn inside one transaction on a pinned connection with
// PRAGMA synchronous relaxed to OFF. The previous synchronous level is put
// back on every exit path, including when fn or the commit fails.
func (s *Store) WithFastWrites(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	if err := s.CheckWritable(); err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("gpkg: failed to acquire connection: %w", err)
	}
	defer conn.Close()

	var previous int
	if err := conn.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&previous); err != nil {
		return fmt.Errorf("gpkg: failed to read synchronous mode: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA synchronous = OFF"); err != nil {
		return fmt.Errorf("gpkg: failed to relax synchronous mode: %w", err)
	}
	defer func() {
		// Restore with a fresh context so a cancelled ctx cannot leave the
		// connection in fast-write mode.
		if _, rerr := conn.ExecContext(context.Background(), fmt.Sprintf("PRAGMA synchronous = %d", previous)); rerr != nil && err == nil {
			err = fmt.Errorf("gpkg: failed to restore synchronous mode: %w", rerr)
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("gpkg: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gpkg: failed to commit transaction: %w", err)
	}
	return nil
}

// QuoteIdent quotes an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

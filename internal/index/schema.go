// Package index provides the self-maintained bounding-box index of a feature
// table: per-table freshness records plus one envelope record per row.
package index

import (
	"context"
	"time"

	"github.com/arkilian/featureindex/internal/geom"
)

// Extension registration values for the geometry index.
const (
	ExtensionName       = "nga_geometry_index"
	ExtensionAuthor     = "nga"
	ExtensionDefinition = "http://ngageoint.github.io/GeoPackage/docs/extensions/geometry-index.html"
)

// Table and index names owned by this package.
const (
	TableIndexTable    = "table_index"
	GeometryIndexTable = "geometry_index"
	RangeIndexName     = "idx_geometry_index_range"
)

// TableIndexDDL creates the per-table freshness records.
const TableIndexDDL = `
CREATE TABLE IF NOT EXISTS table_index (
    table_name   TEXT NOT NULL PRIMARY KEY,
    last_indexed DATETIME
)`

// GeometryIndexDDL creates the per-row envelope records. Deleting a
// table_index row cascades to its geometry records.
const GeometryIndexDDL = `
CREATE TABLE IF NOT EXISTS geometry_index (
    table_name TEXT NOT NULL,
    geom_id    INTEGER NOT NULL,
    min_x      DOUBLE NOT NULL,
    max_x      DOUBLE NOT NULL,
    min_y      DOUBLE NOT NULL,
    max_y      DOUBLE NOT NULL,
    min_z      DOUBLE,
    max_z      DOUBLE,
    min_m      DOUBLE,
    max_m      DOUBLE,
    PRIMARY KEY (table_name, geom_id),
    CONSTRAINT fk_gi_table_name FOREIGN KEY (table_name)
        REFERENCES table_index(table_name) ON DELETE CASCADE
)`

// RangeIndexDDL creates the secondary index behind the envelope predicate.
const RangeIndexDDL = `
CREATE INDEX IF NOT EXISTS idx_geometry_index_range
    ON geometry_index(table_name, min_x, max_x, min_y, max_y)`

// DropRangeIndexSQL drops the secondary index before a bulk load.
const DropRangeIndexSQL = `DROP INDEX IF EXISTS idx_geometry_index_range`

// TableIndexRecord is one row of table_index. LastIndexed is nil until a
// pass completes.
type TableIndexRecord struct {
	TableName   string
	LastIndexed *time.Time
}

// GeometryIndexRecord is one row of geometry_index.
type GeometryIndexRecord struct {
	TableName string
	GeomID    int64
	Envelope  geom.Envelope
}

// Registrations gates whether a table/column is index-capable. It is
// implemented by gpkg.ExtensionRegistry.
type Registrations interface {
	HasRegistration(ctx context.Context, table, column string) (bool, error)
	Register(ctx context.Context, table, column string) error
	Unregister(ctx context.Context, table, column string) error
}

// Progress is a caller-supplied cancellation token. It is polled before
// each row of a bulk pass and told how many rows were processed.
type Progress interface {
	IsActive() bool
	AddProgress(n int)
}

// RowErrorHandler receives per-row failures of a bulk pass. The row is
// counted as not indexed and the pass continues.
type RowErrorHandler func(geomID int64, err error)

package gpkg

// Core GeoPackage tables the index subsystem reads and writes. Only the
// columns this module touches are load-bearing; the rest keep the files
// readable by other GeoPackage tooling.

// CreateSpatialRefSysTableSQL creates gpkg_spatial_ref_sys.
const CreateSpatialRefSysTableSQL = `
CREATE TABLE IF NOT EXISTS gpkg_spatial_ref_sys (
    srs_name TEXT NOT NULL,
    srs_id INTEGER PRIMARY KEY,
    organization TEXT NOT NULL,
    organization_coordsys_id INTEGER NOT NULL,
    definition TEXT NOT NULL,
    description TEXT
)`

// SeedSpatialRefSysSQL inserts the three spatial reference systems every
// GeoPackage must carry.
var SeedSpatialRefSysSQL = []string{
	`INSERT OR IGNORE INTO gpkg_spatial_ref_sys VALUES
		('WGS 84 geodetic', 4326, 'EPSG', 4326, 'GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]]', 'longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid')`,
	`INSERT OR IGNORE INTO gpkg_spatial_ref_sys VALUES
		('Undefined cartesian SRS', -1, 'NONE', -1, 'undefined', 'undefined cartesian coordinate reference system')`,
	`INSERT OR IGNORE INTO gpkg_spatial_ref_sys VALUES
		('Undefined geographic SRS', 0, 'NONE', 0, 'undefined', 'undefined geographic coordinate reference system')`,
}

// CreateContentsTableSQL creates gpkg_contents. last_change is the
// per-table modification timestamp the staleness check compares against.
const CreateContentsTableSQL = `
CREATE TABLE IF NOT EXISTS gpkg_contents (
    table_name TEXT NOT NULL PRIMARY KEY,
    data_type TEXT NOT NULL,
    identifier TEXT UNIQUE,
    description TEXT DEFAULT '',
    last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    min_x DOUBLE,
    min_y DOUBLE,
    max_x DOUBLE,
    max_y DOUBLE,
    srs_id INTEGER,
    CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
)`

// CreateGeometryColumnsTableSQL creates gpkg_geometry_columns.
const CreateGeometryColumnsTableSQL = `
CREATE TABLE IF NOT EXISTS gpkg_geometry_columns (
    table_name TEXT NOT NULL,
    column_name TEXT NOT NULL,
    geometry_type_name TEXT NOT NULL,
    srs_id INTEGER NOT NULL,
    z TINYINT NOT NULL,
    m TINYINT NOT NULL,
    CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
    CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
    CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
)`

// CreateExtensionsTableSQL creates the generic extension registry.
const CreateExtensionsTableSQL = `
CREATE TABLE IF NOT EXISTS gpkg_extensions (
    table_name TEXT,
    column_name TEXT,
    extension_name TEXT NOT NULL,
    definition TEXT NOT NULL,
    scope TEXT NOT NULL,
    CONSTRAINT ge_tce UNIQUE (table_name, column_name, extension_name)
)`

// AllSchemaSQL returns all SQL statements needed to initialize the core
// GeoPackage tables.
func AllSchemaSQL() []string {
	statements := []string{
		CreateSpatialRefSysTableSQL,
		CreateContentsTableSQL,
		CreateGeometryColumnsTableSQL,
		CreateExtensionsTableSQL,
	}
	return append(statements, SeedSpatialRefSysSQL...)
}

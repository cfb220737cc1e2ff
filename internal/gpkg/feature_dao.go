package gpkg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/geom"
)

// ColumnDef describes an attribute column of a feature table.
type ColumnDef struct {
	Name string
	Type string
}

// FeatureTableDef describes a feature table to create.
type FeatureTableDef struct {
	Table          string
	GeometryColumn string
	GeometryType   string
	SRSID          int32
	HasZ           bool
	HasM           bool
	Columns        []ColumnDef
}

// TableInfo describes an existing feature table.
type TableInfo struct {
	Table          string
	PKColumn       string
	GeometryColumn string
	GeometryType   string
	SRSID          int32
	Columns        []string
}

// FeatureRow is one row of a feature table. Values holds every column that
// is neither the primary key nor the geometry.
type FeatureRow struct {
	ID       int64
	Geometry []byte
	Values   map[string]interface{}
}

// Envelope computes the row's geometry envelope; nil when the geometry is
// null or empty.
func (r *FeatureRow) Envelope() (*geom.Envelope, error) {
	return geom.EnvelopeOf(r.Geometry)
}

// CreateFeatureTable creates a feature table with an INTEGER primary key
// named fid and registers it in gpkg_contents and gpkg_geometry_columns.
func (s *Store) CreateFeatureTable(ctx context.Context, def FeatureTableDef) error {
	if err := s.CheckWritable(); err != nil {
		return err
	}
	if def.GeometryColumn == "" {
		def.GeometryColumn = "geom"
	}
	if def.GeometryType == "" {
		def.GeometryType = "GEOMETRY"
	}

	cols := []string{
		"fid INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL",
		fmt.Sprintf("%s %s", QuoteIdent(def.GeometryColumn), def.GeometryType),
	}
	for _, c := range def.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", QuoteIdent(c.Name), c.Type))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("gpkg: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", QuoteIdent(def.Table), strings.Join(cols, ", "))); err != nil {
		return fmt.Errorf("gpkg: failed to create feature table %s: %w", def.Table, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, last_change, srs_id)
		 VALUES (?, 'features', ?, ?, ?)`,
		def.Table, def.Table, FormatTime(s.Now()), def.SRSID,
	); err != nil {
		return fmt.Errorf("gpkg: failed to register contents for %s: %w", def.Table, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		def.Table, def.GeometryColumn, def.GeometryType, def.SRSID, boolInt(def.HasZ), boolInt(def.HasM),
	); err != nil {
		return fmt.Errorf("gpkg: failed to register geometry column for %s: %w", def.Table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gpkg: failed to commit feature table %s: %w", def.Table, err)
	}
	s.tableInfo.Remove(def.Table)
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// TableInfo loads (and caches) the description of a feature table.
func (s *Store) TableInfo(ctx context.Context, table string) (*TableInfo, error) {
	if info, ok := s.tableInfo.Get(table); ok {
		return info, nil
	}

	info := &TableInfo{Table: table}
	err := s.db.QueryRowContext(ctx,
		`SELECT column_name, geometry_type_name, srs_id FROM gpkg_geometry_columns
		 WHERE table_name = ? ORDER BY column_name LIMIT 1`, table,
	).Scan(&info.GeometryColumn, &info.GeometryType, &info.SRSID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ferrors.NewStorageError(ferrors.CodeTableNotFound,
			fmt.Sprintf("gpkg: %s is not a feature table", table), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("gpkg: failed to read geometry column of %s: %w", table, err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("gpkg: failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    interface{}
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("gpkg: failed to scan column of %s: %w", table, err)
		}
		info.Columns = append(info.Columns, name)
		if pk == 1 {
			info.PKColumn = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gpkg: error iterating columns of %s: %w", table, err)
	}
	if info.PKColumn == "" {
		return nil, ferrors.NewStorageError(ferrors.CodeTableNotFound,
			fmt.Sprintf("gpkg: feature table %s has no integer primary key", table), nil)
	}

	s.tableInfo.Add(table, info)
	return info, nil
}

// QuerySpec is the canonical feature query. The zero value selects every
// column of every row ordered by primary key.
type QuerySpec struct {
	Distinct bool
	Columns  []string
	Where    string
	Args     []interface{}
	OrderBy  string
	Limit    int
	Offset   int
}

// Filter is an additional SQL predicate a backend ANDs into a QuerySpec.
type Filter struct {
	Clause string
	Args   []interface{}
}

// Query holds the three statements a lazy result needs: full rows, the row
// count and the primary keys. All share Args. IDs is empty when the rows are
// distinct over a projection that omits the primary key, since such rows
// have no single key.
type Query struct {
	Rows  string
	Count string
	IDs   string
	Args  []interface{}
}

// FeatureDao reads and writes one feature table.
type FeatureDao struct {
	store *Store
	info  *TableInfo
}

// NewFeatureDao opens a data access object for table.
func NewFeatureDao(ctx context.Context, store *Store, table string) (*FeatureDao, error) {
	info, err := store.TableInfo(ctx, table)
	if err != nil {
		return nil, err
	}
	return &FeatureDao{store: store, info: info}, nil
}

// Store returns the owning store.
func (d *FeatureDao) Store() *Store { return d.store }

// Info returns the table description.
func (d *FeatureDao) Info() *TableInfo { return d.info }

// Table returns the table name.
func (d *FeatureDao) Table() string { return d.info.Table }

// GeometryColumn returns the geometry column name.
func (d *FeatureDao) GeometryColumn() string { return d.info.GeometryColumn }

// PKColumn returns the primary key column name.
func (d *FeatureDao) PKColumn() string { return d.info.PKColumn }

// BuildQuery renders spec plus an optional backend filter.
func (d *FeatureDao) BuildQuery(spec QuerySpec, filter Filter) Query {
	table := QuoteIdent(d.info.Table)
	pk := QuoteIdent(d.info.PKColumn)

	var conds []string
	var args []interface{}
	if filter.Clause != "" {
		conds = append(conds, "("+filter.Clause+")")
		args = append(args, filter.Args...)
	}
	if spec.Where != "" {
		conds = append(conds, "("+spec.Where+")")
		args = append(args, spec.Args...)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	cols := "*"
	if len(spec.Columns) > 0 {
		quoted := make([]string, len(spec.Columns))
		for i, c := range spec.Columns {
			quoted[i] = QuoteIdent(c)
		}
		cols = strings.Join(quoted, ", ")
	}
	distinct := ""
	if spec.Distinct {
		distinct = "DISTINCT "
	}

	order := " ORDER BY " + pk
	if spec.OrderBy != "" {
		order = " ORDER BY " + spec.OrderBy
	} else if spec.Distinct {
		order = ""
	}
	page := ""
	if spec.Limit > 0 {
		page = fmt.Sprintf(" LIMIT %d", spec.Limit)
		if spec.Offset > 0 {
			page += fmt.Sprintf(" OFFSET %d", spec.Offset)
		}
	}

	rows := fmt.Sprintf("SELECT %s%s FROM %s%s%s%s", distinct, cols, table, where, order, page)
	ids := ""
	if !spec.Distinct || len(spec.Columns) == 0 || slices.Contains(spec.Columns, d.info.PKColumn) {
		idOrder := " ORDER BY " + pk
		if spec.OrderBy != "" {
			idOrder = " ORDER BY " + spec.OrderBy
		}
		ids = fmt.Sprintf("SELECT %s FROM %s%s%s%s", pk, table, where, idOrder, page)
	}
	return Query{
		Rows:  rows,
		Count: "SELECT COUNT(*) FROM (" + rows + ")",
		IDs:   ids,
		Args:  args,
	}
}

// ScanRow scans the current row of rows into a FeatureRow.
func (d *FeatureDao) ScanRow(rows *sql.Rows) (*FeatureRow, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("gpkg: failed to read result columns: %w", err)
	}
	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("gpkg: failed to scan %s row: %w", d.info.Table, err)
	}

	row := &FeatureRow{Values: make(map[string]interface{}, len(cols))}
	for i, c := range cols {
		switch c {
		case d.info.PKColumn:
			if id, ok := vals[i].(int64); ok {
				row.ID = id
			}
		case d.info.GeometryColumn:
			if blob, ok := vals[i].([]byte); ok {
				row.Geometry = blob
			}
		default:
			row.Values[c] = vals[i]
		}
	}
	return row, nil
}

// ScanGeometries reads up to limit (id, geometry) pairs with id > afterID in
// primary key order. It is the keyset page used by bulk indexing.
func (d *FeatureDao) ScanGeometries(ctx context.Context, q Querier, afterID int64, limit int) ([]FeatureRow, error) {
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s > ? ORDER BY %s LIMIT ?",
		QuoteIdent(d.info.PKColumn), QuoteIdent(d.info.GeometryColumn), QuoteIdent(d.info.Table),
		QuoteIdent(d.info.PKColumn), QuoteIdent(d.info.PKColumn))
	rows, err := q.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("gpkg: failed to scan %s: %w", d.info.Table, err)
	}
	defer rows.Close()

	var out []FeatureRow
	for rows.Next() {
		var r FeatureRow
		if err := rows.Scan(&r.ID, &r.Geometry); err != nil {
			return nil, fmt.Errorf("gpkg: failed to scan %s geometry: %w", d.info.Table, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gpkg: error iterating %s: %w", d.info.Table, err)
	}
	return out, nil
}

// Get returns the row with the given primary key, or nil when absent.
func (d *FeatureDao) Get(ctx context.Context, id int64) (*FeatureRow, error) {
	rows, err := d.store.db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", QuoteIdent(d.info.Table), QuoteIdent(d.info.PKColumn)), id)
	if err != nil {
		return nil, fmt.Errorf("gpkg: failed to get %s row %d: %w", d.info.Table, id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return d.ScanRow(rows)
}

// Count returns the number of rows in the table.
func (d *FeatureDao) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := d.store.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", QuoteIdent(d.info.Table))).Scan(&n); err != nil {
		return 0, fmt.Errorf("gpkg: failed to count %s: %w", d.info.Table, err)
	}
	return n, nil
}

// Insert writes row and advances the table's last_change. A zero row.ID lets
// SQLite assign the key; the stored key is returned and set on row.
func (d *FeatureDao) Insert(ctx context.Context, row *FeatureRow) (int64, error) {
	cols, args := d.assignments(row)
	if row.ID != 0 {
		cols = append([]string{QuoteIdent(d.info.PKColumn)}, cols...)
		args = append([]interface{}{row.ID}, args...)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", QuoteIdent(d.info.Table), strings.Join(cols, ", "), placeholders)

	var id int64
	err := d.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("gpkg: failed to insert into %s: %w", d.info.Table, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	row.ID = id
	return id, nil
}

// InsertBatch writes rows in one transaction with a single last_change
// update. Assigned keys are set on the rows.
func (d *FeatureDao) InsertBatch(ctx context.Context, rows []*FeatureRow) error {
	return d.write(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			cols, args := d.assignments(row)
			if row.ID != 0 {
				cols = append([]string{QuoteIdent(d.info.PKColumn)}, cols...)
				args = append([]interface{}{row.ID}, args...)
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", QuoteIdent(d.info.Table), strings.Join(cols, ", "), placeholders),
				args...)
			if err != nil {
				return fmt.Errorf("gpkg: failed to insert into %s: %w", d.info.Table, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			row.ID = id
		}
		return nil
	})
}

// Update rewrites row's geometry and values and advances last_change.
func (d *FeatureDao) Update(ctx context.Context, row *FeatureRow) error {
	cols, args := d.assignments(row)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	args = append(args, row.ID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", QuoteIdent(d.info.Table), strings.Join(sets, ", "), QuoteIdent(d.info.PKColumn))
	return d.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("gpkg: failed to update %s row %d: %w", d.info.Table, row.ID, err)
		}
		return nil
	})
}

// Delete removes the row with the given key and advances last_change.
func (d *FeatureDao) Delete(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := d.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s = ?", QuoteIdent(d.info.Table), QuoteIdent(d.info.PKColumn)), id)
		if err != nil {
			return fmt.Errorf("gpkg: failed to delete %s row %d: %w", d.info.Table, id, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (d *FeatureDao) assignments(row *FeatureRow) ([]string, []interface{}) {
	keys := make([]string, 0, len(row.Values))
	for k := range row.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cols := []string{QuoteIdent(d.info.GeometryColumn)}
	var geometry interface{}
	if row.Geometry != nil {
		geometry = row.Geometry
	}
	args := []interface{}{geometry}
	for _, k := range keys {
		cols = append(cols, QuoteIdent(k))
		args = append(args, row.Values[k])
	}
	return cols, args
}

func (d *FeatureDao) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := d.store.CheckWritable(); err != nil {
		return err
	}
	tx, err := d.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("gpkg: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := d.store.TouchLastChange(ctx, tx, d.info.Table); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gpkg: failed to commit %s write: %w", d.info.Table, err)
	}
	return nil
}

package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/geom"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/results"
)

// IsIndexed reports whether the table is registered, has a table_index
// record, and was indexed no earlier than its last content change.
func (x *Index) IsIndexed(ctx context.Context) (bool, error) {
	registered, err := x.regs.HasRegistration(ctx, x.Table(), x.Column())
	if err != nil || !registered {
		return false, err
	}
	last, err := x.LastIndexed(ctx)
	if err != nil || last == nil {
		return false, err
	}
	changed, err := x.store.LastChange(ctx, x.Table())
	if err != nil {
		return false, err
	}
	return !last.Before(changed), nil
}

// TableRecord returns the table's table_index row, or nil when there is none.
func (x *Index) TableRecord(ctx context.Context) (*TableIndexRecord, error) {
	ok, err := x.store.TableExists(ctx, TableIndexTable)
	if err != nil || !ok {
		return nil, err
	}
	var raw sql.NullString
	err = x.store.DB().QueryRowContext(ctx,
		"SELECT last_indexed FROM table_index WHERE table_name = ?", x.Table()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, x.setupError("failed to read table record", err)
	}
	rec := &TableIndexRecord{TableName: x.Table()}
	if raw.Valid {
		t, err := gpkg.ParseTime(raw.String)
		if err != nil {
			return nil, x.setupError("invalid last_indexed", err)
		}
		rec.LastIndexed = &t
	}
	return rec, nil
}

// LastIndexed returns when the table was last indexed, or nil.
func (x *Index) LastIndexed(ctx context.Context) (*time.Time, error) {
	rec, err := x.TableRecord(ctx)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.LastIndexed, nil
}

// rangeWhere renders the envelope predicate over geometry_index columns.
// Z and M are compared only when the query envelope carries them.
func (x *Index) rangeWhere(env *geom.Envelope, tolerance float64) (string, []interface{}, error) {
	conds := []string{"table_name = ?"}
	args := []interface{}{x.Table()}
	if env == nil {
		return conds[0], args, nil
	}
	if err := env.Validate(); err != nil {
		return "", nil, ferrors.Wrap(ferrors.ErrCategoryValidation, ferrors.CodeInvalidEnvelope,
			"index: invalid query envelope", err)
	}
	if tolerance <= 0 {
		tolerance = x.tolerance
	}
	axis := func(minCol, maxCol string, qMin, qMax float64) {
		conds = append(conds, minCol+" <= ?", maxCol+" >= ?")
		args = append(args, qMax+tolerance, qMin-tolerance)
	}
	axis("min_x", "max_x", env.MinX, env.MaxX)
	axis("min_y", "max_y", env.MinY, env.MaxY)
	if env.HasZ {
		axis("min_z", "max_z", env.MinZ, env.MaxZ)
	}
	if env.HasM {
		axis("min_m", "max_m", env.MinM, env.MaxM)
	}
	return strings.Join(conds, " AND "), args, nil
}

func (x *Index) filter(env *geom.Envelope, tolerance float64) (gpkg.Filter, error) {
	where, args, err := x.rangeWhere(env, tolerance)
	if err != nil {
		return gpkg.Filter{}, err
	}
	return gpkg.Filter{
		Clause: fmt.Sprintf("%s IN (SELECT geom_id FROM geometry_index WHERE %s)", gpkg.QuoteIdent(x.dao.PKColumn()), where),
		Args:   args,
	}, nil
}

// Query returns the feature rows whose indexed envelope intersects env
// (every indexed row when env is nil), shaped by spec. A tolerance of zero
// uses the index default.
func (x *Index) Query(ctx context.Context, env *geom.Envelope, tolerance float64, spec gpkg.QuerySpec) (results.Result, error) {
	if err := x.requireTables(ctx); err != nil {
		return nil, err
	}
	f, err := x.filter(env, tolerance)
	if err != nil {
		return nil, err
	}
	return results.NewQueryResult(ctx, x.store.DB(), x.dao, x.dao.BuildQuery(spec, f))
}

// Count returns how many rows Query would yield.
func (x *Index) Count(ctx context.Context, env *geom.Envelope, tolerance float64, spec gpkg.QuerySpec) (int64, error) {
	if err := x.requireTables(ctx); err != nil {
		return 0, err
	}
	f, err := x.filter(env, tolerance)
	if err != nil {
		return 0, err
	}
	q := x.dao.BuildQuery(spec, f)
	var n int64
	if err := x.store.DB().QueryRowContext(ctx, q.Count, q.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: failed to count %s: %w", x.Table(), err)
	}
	return n, nil
}

// QueryIDs yields the keys of indexed rows intersecting env in key order,
// read from geometry_index alone.
func (x *Index) QueryIDs(ctx context.Context, env *geom.Envelope, tolerance float64) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		if err := x.requireTables(ctx); err != nil {
			yield(0, err)
			return
		}
		where, args, err := x.rangeWhere(env, tolerance)
		if err != nil {
			yield(0, err)
			return
		}
		rows, err := x.store.DB().QueryContext(ctx,
			"SELECT geom_id FROM geometry_index WHERE "+where+" ORDER BY geom_id", args...)
		if err != nil {
			yield(0, fmt.Errorf("index: failed to query ids: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				yield(0, fmt.Errorf("index: failed to scan id: %w", err))
				return
			}
			if !yield(id, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(0, fmt.Errorf("index: error iterating ids: %w", err))
		}
	}
}

// Record returns the geometry record of one row, or nil.
func (x *Index) Record(ctx context.Context, geomID int64) (*GeometryIndexRecord, error) {
	if err := x.requireTables(ctx); err != nil {
		return nil, err
	}
	var (
		rec                    = &GeometryIndexRecord{TableName: x.Table(), GeomID: geomID}
		minZ, maxZ, minM, maxM sql.NullFloat64
	)
	env := &rec.Envelope
	err := x.store.DB().QueryRowContext(ctx,
		`SELECT min_x, max_x, min_y, max_y, min_z, max_z, min_m, max_m
		 FROM geometry_index WHERE table_name = ? AND geom_id = ?`, x.Table(), geomID,
	).Scan(&env.MinX, &env.MaxX, &env.MinY, &env.MaxY, &minZ, &maxZ, &minM, &maxM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: failed to read record %d: %w", geomID, err)
	}
	if minZ.Valid && maxZ.Valid {
		env.HasZ, env.MinZ, env.MaxZ = true, minZ.Float64, maxZ.Float64
	}
	if minM.Valid && maxM.Valid {
		env.HasM, env.MinM, env.MaxM = true, minM.Float64, maxM.Float64
	}
	return rec, nil
}

// BoundingBox returns the union of all indexed envelopes, or nil when the
// table has no records.
func (x *Index) BoundingBox(ctx context.Context) (*geom.Envelope, error) {
	if err := x.requireTables(ctx); err != nil {
		return nil, err
	}
	var minX, maxX, minY, maxY sql.NullFloat64
	err := x.store.DB().QueryRowContext(ctx,
		`SELECT MIN(min_x), MAX(max_x), MIN(min_y), MAX(max_y)
		 FROM geometry_index WHERE table_name = ?`, x.Table(),
	).Scan(&minX, &maxX, &minY, &maxY)
	if err != nil {
		return nil, fmt.Errorf("index: failed to compute bounding box: %w", err)
	}
	if !minX.Valid {
		return nil, nil
	}
	env := geom.NewEnvelope(minX.Float64, minY.Float64, maxX.Float64, maxY.Float64)
	return &env, nil
}

func (x *Index) requireTables(ctx context.Context) error {
	ok, err := x.tablesExist(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ferrors.NewIndexError(ferrors.CodeTableNotIndexed,
			"index: geometry index tables do not exist", nil).WithTable(x.Table(), x.Column())
	}
	return nil
}

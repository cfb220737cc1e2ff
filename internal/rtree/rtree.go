// Package rtree manages the trigger-maintained SQLite R*Tree spatial index of
// a feature table. Once created the store keeps it current on every write;
// this package only creates, drops and queries it.
package rtree

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/geom"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/logging"
	"github.com/arkilian/featureindex/internal/results"
)

// Extension registration values for the R*Tree index.
const (
	ExtensionName       = "gpkg_rtree_index"
	ExtensionDefinition = "http://www.geopackage.org/spec/#extension_rtree"
)

var triggerSuffixes = []string{"insert", "update1", "update2", "update3", "update4", "delete"}

// Backend is the R*Tree index of one feature table column.
type Backend struct {
	store  *gpkg.Store
	dao    *gpkg.FeatureDao
	regs   *gpkg.ExtensionRegistry
	logger *logging.Logger
}

// New returns the backend for dao's table and geometry column.
func New(store *gpkg.Store, dao *gpkg.FeatureDao, logger *logging.Logger) *Backend {
	return &Backend{
		store:  store,
		dao:    dao,
		regs:   gpkg.NewExtensionRegistry(store, ExtensionName, ExtensionDefinition, gpkg.ScopeWriteOnly),
		logger: logging.OrNoop(logger).WithTable(dao.Table(), dao.GeometryColumn()),
	}
}

// TableName returns the virtual table name, rtree_<table>_<column>.
func (b *Backend) TableName() string {
	return fmt.Sprintf("rtree_%s_%s", b.dao.Table(), b.dao.GeometryColumn())
}

// Has reports whether the extension is registered and the virtual table exists.
func (b *Backend) Has(ctx context.Context) (bool, error) {
	registered, err := b.regs.HasRegistration(ctx, b.dao.Table(), b.dao.GeometryColumn())
	if err != nil || !registered {
		return false, err
	}
	return b.store.TableExists(ctx, b.TableName())
}

// Create builds the virtual table, loads every non-empty geometry and
// installs the maintenance triggers, replacing any previous R*Tree.
func (b *Backend) Create(ctx context.Context) error {
	if err := b.store.CheckWritable(); err != nil {
		return err
	}
	if err := b.dropObjects(ctx); err != nil {
		return err
	}

	rt := gpkg.QuoteIdent(b.TableName())
	t := gpkg.QuoteIdent(b.dao.Table())
	c := gpkg.QuoteIdent(b.dao.GeometryColumn())
	i := gpkg.QuoteIdent(b.dao.PKColumn())

	err := b.store.WithFastWrites(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("CREATE VIRTUAL TABLE %s USING rtree(id, minx, maxx, miny, maxy)", rt)); err != nil {
			return fmt.Errorf("rtree: failed to create virtual table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT OR REPLACE INTO %s
			 SELECT %s, ST_MinX(%s), ST_MaxX(%s), ST_MinY(%s), ST_MaxY(%s) FROM %s
			 WHERE %s NOT NULL AND NOT ST_IsEmpty(%s)`,
			rt, i, c, c, c, c, t, c, c)); err != nil {
			return fmt.Errorf("rtree: failed to load virtual table: %w", err)
		}
		for _, ddl := range b.triggerDDL() {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("rtree: failed to create trigger: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return ferrors.NewIndexError(ferrors.CodeSchemaSetup, "rtree: failed to create index", err).
			WithTable(b.dao.Table(), b.dao.GeometryColumn())
	}
	if err := b.regs.Register(ctx, b.dao.Table(), b.dao.GeometryColumn()); err != nil {
		return err
	}
	b.logger.Info("rtree: created", "virtual_table", b.TableName())
	return nil
}

func (b *Backend) triggerName(suffix string) string {
	return gpkg.QuoteIdent(b.TableName() + "_" + suffix)
}

func (b *Backend) triggerDDL() []string {
	rt := gpkg.QuoteIdent(b.TableName())
	t := gpkg.QuoteIdent(b.dao.Table())
	c := gpkg.QuoteIdent(b.dao.GeometryColumn())
	i := gpkg.QuoteIdent(b.dao.PKColumn())

	upsertNew := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s VALUES (NEW.%s, ST_MinX(NEW.%s), ST_MaxX(NEW.%s), ST_MinY(NEW.%s), ST_MaxY(NEW.%s));",
		rt, i, c, c, c, c)
	present := fmt.Sprintf("(NEW.%s NOT NULL AND NOT ST_IsEmpty(NEW.%s))", c, c)
	absent := fmt.Sprintf("(NEW.%s IS NULL OR ST_IsEmpty(NEW.%s))", c, c)

	return []string{
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT ON %s WHEN %s BEGIN %s END",
			b.triggerName("insert"), t, present, upsertNew),
		fmt.Sprintf("CREATE TRIGGER %s AFTER UPDATE OF %s ON %s WHEN OLD.%s = NEW.%s AND %s BEGIN %s END",
			b.triggerName("update1"), c, t, i, i, present, upsertNew),
		fmt.Sprintf("CREATE TRIGGER %s AFTER UPDATE OF %s ON %s WHEN OLD.%s = NEW.%s AND %s BEGIN DELETE FROM %s WHERE id = OLD.%s; END",
			b.triggerName("update2"), c, t, i, i, absent, rt, i),
		fmt.Sprintf("CREATE TRIGGER %s AFTER UPDATE ON %s WHEN OLD.%s != NEW.%s AND %s BEGIN DELETE FROM %s WHERE id = OLD.%s; %s END",
			b.triggerName("update3"), t, i, i, present, rt, i, upsertNew),
		fmt.Sprintf("CREATE TRIGGER %s AFTER UPDATE ON %s WHEN OLD.%s != NEW.%s AND %s BEGIN DELETE FROM %s WHERE id IN (OLD.%s, NEW.%s); END",
			b.triggerName("update4"), t, i, i, absent, rt, i, i),
		fmt.Sprintf("CREATE TRIGGER %s AFTER DELETE ON %s WHEN OLD.%s NOT NULL BEGIN DELETE FROM %s WHERE id = OLD.%s; END",
			b.triggerName("delete"), t, c, rt, i),
	}
}

// Drop removes the triggers, the virtual table and the registration.
func (b *Backend) Drop(ctx context.Context) error {
	if err := b.store.CheckWritable(); err != nil {
		return err
	}
	if err := b.dropObjects(ctx); err != nil {
		return err
	}
	return b.regs.Unregister(ctx, b.dao.Table(), b.dao.GeometryColumn())
}

func (b *Backend) dropObjects(ctx context.Context) error {
	stmts := make([]string, 0, len(triggerSuffixes)+1)
	for _, s := range triggerSuffixes {
		stmts = append(stmts, "DROP TRIGGER IF EXISTS "+b.triggerName(s))
	}
	stmts = append(stmts, "DROP TABLE IF EXISTS "+gpkg.QuoteIdent(b.TableName()))
	for _, stmt := range stmts {
		if _, err := b.store.DB().ExecContext(ctx, stmt); err != nil {
			return ferrors.NewIndexError(ferrors.CodeSchemaSetup, "rtree: failed to drop index", err).
				WithTable(b.dao.Table(), b.dao.GeometryColumn())
		}
	}
	return nil
}

// filter renders the id subquery for env. The R*Tree holds X and Y only, so a
// query envelope with Z or M is refused.
func (b *Backend) filter(env *geom.Envelope, tolerance float64) (gpkg.Filter, error) {
	pk := gpkg.QuoteIdent(b.dao.PKColumn())
	rt := gpkg.QuoteIdent(b.TableName())
	if env == nil {
		return gpkg.Filter{Clause: fmt.Sprintf("%s IN (SELECT id FROM %s)", pk, rt)}, nil
	}
	if err := env.Validate(); err != nil {
		return gpkg.Filter{}, ferrors.Wrap(ferrors.ErrCategoryValidation, ferrors.CodeInvalidEnvelope,
			"rtree: invalid query envelope", err)
	}
	if env.HasZ || env.HasM {
		return gpkg.Filter{}, ferrors.NewQueryError(ferrors.CodeUnsupportedQuery,
			"rtree: index has no z or m extents")
	}
	if tolerance <= 0 {
		tolerance = geom.DefaultTolerance
	}
	conds := []string{"minx <= ?", "maxx >= ?", "miny <= ?", "maxy >= ?"}
	return gpkg.Filter{
		Clause: fmt.Sprintf("%s IN (SELECT id FROM %s WHERE %s)", pk, rt, strings.Join(conds, " AND ")),
		Args: []interface{}{
			env.MaxX + tolerance, env.MinX - tolerance,
			env.MaxY + tolerance, env.MinY - tolerance,
		},
	}, nil
}

// Query returns the feature rows whose R*Tree box intersects env.
func (b *Backend) Query(ctx context.Context, env *geom.Envelope, tolerance float64, spec gpkg.QuerySpec) (results.Result, error) {
	f, err := b.filter(env, tolerance)
	if err != nil {
		return nil, err
	}
	return results.NewQueryResult(ctx, b.store.DB(), b.dao, b.dao.BuildQuery(spec, f))
}

// Count returns how many rows Query would yield.
func (b *Backend) Count(ctx context.Context, env *geom.Envelope, tolerance float64, spec gpkg.QuerySpec) (int64, error) {
	f, err := b.filter(env, tolerance)
	if err != nil {
		return 0, err
	}
	q := b.dao.BuildQuery(spec, f)
	var n int64
	if err := b.store.DB().QueryRowContext(ctx, q.Count, q.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("rtree: failed to count %s: %w", b.dao.Table(), err)
	}
	return n, nil
}

// BoundingBox returns the union of the R*Tree boxes, or nil when empty.
func (b *Backend) BoundingBox(ctx context.Context) (*geom.Envelope, error) {
	var minX, maxX, minY, maxY sql.NullFloat64
	err := b.store.DB().QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MIN(minx), MAX(maxx), MIN(miny), MAX(maxy) FROM %s", gpkg.QuoteIdent(b.TableName())),
	).Scan(&minX, &maxX, &minY, &maxY)
	if err != nil {
		return nil, fmt.Errorf("rtree: failed to compute bounding box: %w", err)
	}
	if !minX.Valid {
		return nil, nil
	}
	env := geom.NewEnvelope(minX.Float64, minY.Float64, maxX.Float64, maxY.Float64)
	return &env, nil
}

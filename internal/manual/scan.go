// Package manual answers feature queries without any spatial index by
// decoding every geometry of the table and testing its envelope.
package manual

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/geom"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/logging"
	"github.com/arkilian/featureindex/internal/results"
)

// Scanner is the brute-force query path of one feature table column.
type Scanner struct {
	store  *gpkg.Store
	dao    *gpkg.FeatureDao
	logger *logging.Logger
}

// New returns a scanner for dao's table.
func New(store *gpkg.Store, dao *gpkg.FeatureDao, logger *logging.Logger) *Scanner {
	return &Scanner{
		store:  store,
		dao:    dao,
		logger: logging.OrNoop(logger).WithTable(dao.Table(), dao.GeometryColumn()),
	}
}

func (s *Scanner) notNull() gpkg.Filter {
	return gpkg.Filter{Clause: gpkg.QuoteIdent(s.dao.GeometryColumn()) + " IS NOT NULL"}
}

func checkShape(env *geom.Envelope, spec gpkg.QuerySpec) error {
	if env == nil {
		return nil
	}
	if spec.Distinct && len(spec.Columns) > 0 {
		return ferrors.NewQueryError(ferrors.CodeUnsupportedQuery,
			"manual: distinct column queries with an envelope are not supported without an index")
	}
	if err := env.Validate(); err != nil {
		return ferrors.Wrap(ferrors.ErrCategoryValidation, ferrors.CodeInvalidEnvelope,
			"manual: invalid query envelope", err)
	}
	return nil
}

// Query returns rows with a non-null geometry, restricted to those whose
// envelope intersects env when env is set. The matched rows are ordered and
// paged by spec the same way an indexed query would be.
func (s *Scanner) Query(ctx context.Context, env *geom.Envelope, tolerance float64, spec gpkg.QuerySpec) (results.Result, error) {
	if err := checkShape(env, spec); err != nil {
		return nil, err
	}
	if env == nil {
		return results.NewQueryResult(ctx, s.store.DB(), s.dao, s.dao.BuildQuery(spec, s.notNull()))
	}
	ids, err := s.match(ctx, env, tolerance, spec)
	if err != nil {
		return nil, err
	}
	return results.NewIDSetResult(ctx, s.store.DB(), s.dao, ids, spec)
}

// Count returns how many rows Query would yield.
func (s *Scanner) Count(ctx context.Context, env *geom.Envelope, tolerance float64, spec gpkg.QuerySpec) (int64, error) {
	if err := checkShape(env, spec); err != nil {
		return 0, err
	}
	filter := s.notNull()
	if env != nil {
		ids, err := s.match(ctx, env, tolerance, spec)
		if err != nil {
			return 0, err
		}
		filter = results.KeyFilter(s.dao, ids)
	}
	q := s.dao.BuildQuery(spec, filter)
	var n int64
	if err := s.store.DB().QueryRowContext(ctx, q.Count, q.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("manual: failed to count %s: %w", s.dao.Table(), err)
	}
	return n, nil
}

// BoundingBox returns the union of every geometry envelope, or nil.
func (s *Scanner) BoundingBox(ctx context.Context) (*geom.Envelope, error) {
	var acc *geom.Envelope
	err := s.each(ctx, gpkg.QuerySpec{}, func(id int64, env geom.Envelope) bool {
		acc = geom.Extend(acc, env)
		return true
	})
	return acc, err
}

// match collects the keys of every row intersecting env that satisfies
// spec's where clause. Ordering and paging are left to the caller.
func (s *Scanner) match(ctx context.Context, env *geom.Envelope, tolerance float64, spec gpkg.QuerySpec) (*roaring64.Bitmap, error) {
	if tolerance <= 0 {
		tolerance = geom.DefaultTolerance
	}
	ids := roaring64.New()
	err := s.each(ctx, gpkg.QuerySpec{Where: spec.Where, Args: spec.Args}, func(id int64, e geom.Envelope) bool {
		if e.Intersects(*env, tolerance) {
			ids.Add(uint64(id))
		}
		return true
	})
	return ids, err
}

// each calls fn with the envelope of every non-empty geometry in key order
// until fn returns false. Undecodable geometries are logged and skipped.
func (s *Scanner) each(ctx context.Context, spec gpkg.QuerySpec, fn func(id int64, env geom.Envelope) bool) error {
	spec.Columns = []string{s.dao.PKColumn(), s.dao.GeometryColumn()}
	q := s.dao.BuildQuery(spec, s.notNull())
	rows, err := s.store.DB().QueryContext(ctx, q.Rows, q.Args...)
	if err != nil {
		return fmt.Errorf("manual: failed to scan %s: %w", s.dao.Table(), err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("manual: failed to scan %s row: %w", s.dao.Table(), err)
		}
		env, err := geom.EnvelopeOf(blob)
		if err != nil {
			s.logger.Warn("manual: skipping undecodable geometry", "geom_id", id, "error", err)
			continue
		}
		if env == nil {
			continue
		}
		if !fn(id, *env) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("manual: error iterating %s: %w", s.dao.Table(), err)
	}
	return nil
}

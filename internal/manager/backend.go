package manager

import (
	"context"

	"github.com/arkilian/featureindex/internal/geom"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/index"
	"github.com/arkilian/featureindex/internal/results"
	"github.com/arkilian/featureindex/internal/rtree"
)

// Searcher answers envelope queries over one feature table.
type Searcher interface {
	Query(ctx context.Context, env *geom.Envelope, tolerance float64, spec gpkg.QuerySpec) (results.Result, error)
	Count(ctx context.Context, env *geom.Envelope, tolerance float64, spec gpkg.QuerySpec) (int64, error)
	BoundingBox(ctx context.Context) (*geom.Envelope, error)
}

// Backend is one index implementation the manager federates over.
type Backend interface {
	Searcher

	Kind() Kind
	IsIndexed(ctx context.Context) (bool, error)
	Index(ctx context.Context, force bool) (int, error)
	IndexRow(ctx context.Context, row *gpkg.FeatureRow) (bool, error)
	DeleteIndexForRow(ctx context.Context, id int64) (bool, error)
	DeleteIndex(ctx context.Context) (bool, error)
}

type primaryBackend struct {
	x *index.Index
}

// NewPrimaryBackend adapts the geometry_index engine.
func NewPrimaryBackend(x *index.Index) Backend {
	return primaryBackend{x: x}
}

func (primaryBackend) Kind() Kind { return Primary }

func (b primaryBackend) IsIndexed(ctx context.Context) (bool, error) {
	return b.x.IsIndexed(ctx)
}

func (b primaryBackend) Index(ctx context.Context, force bool) (int, error) {
	return b.x.Index(ctx, force)
}

func (b primaryBackend) IndexRow(ctx context.Context, row *gpkg.FeatureRow) (bool, error) {
	return b.x.IndexRow(ctx, row)
}

func (b primaryBackend) DeleteIndexForRow(ctx context.Context, id int64) (bool, error) {
	n, err := b.x.DeleteIndexForGeometry(ctx, id)
	return n > 0, err
}

func (b primaryBackend) DeleteIndex(ctx context.Context) (bool, error) {
	return b.x.DeleteIndex(ctx)
}

func (b primaryBackend) Query(ctx context.Context, env *geom.Envelope, tolerance float64, spec gpkg.QuerySpec) (results.Result, error) {
	return b.x.Query(ctx, env, tolerance, spec)
}

func (b primaryBackend) Count(ctx context.Context, env *geom.Envelope, tolerance float64, spec gpkg.QuerySpec) (int64, error) {
	return b.x.Count(ctx, env, tolerance, spec)
}

func (b primaryBackend) BoundingBox(ctx context.Context) (*geom.Envelope, error) {
	return b.x.BoundingBox(ctx)
}

type alternateBackend struct {
	*rtree.Backend
	dao *gpkg.FeatureDao
}

// NewAlternateBackend adapts the R*Tree. Its triggers keep it current, so
// the row-level operations only report success.
func NewAlternateBackend(b *rtree.Backend, dao *gpkg.FeatureDao) Backend {
	return alternateBackend{Backend: b, dao: dao}
}

func (alternateBackend) Kind() Kind { return Alternate }

func (b alternateBackend) IsIndexed(ctx context.Context) (bool, error) {
	return b.Has(ctx)
}

func (b alternateBackend) Index(ctx context.Context, force bool) (int, error) {
	if !force {
		has, err := b.Has(ctx)
		if err != nil {
			return 0, err
		}
		if has {
			return 0, nil
		}
	}
	if err := b.Create(ctx); err != nil {
		return 0, err
	}
	n, err := b.dao.Count(ctx)
	return int(n), err
}

func (alternateBackend) IndexRow(context.Context, *gpkg.FeatureRow) (bool, error) {
	return true, nil
}

func (alternateBackend) DeleteIndexForRow(context.Context, int64) (bool, error) {
	return true, nil
}

func (b alternateBackend) DeleteIndex(ctx context.Context) (bool, error) {
	has, err := b.Has(ctx)
	if err != nil {
		return false, err
	}
	if err := b.Drop(ctx); err != nil {
		return false, err
	}
	return has, nil
}

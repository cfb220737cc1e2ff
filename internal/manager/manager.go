// Package manager federates the spatial index backends of a feature table.
// Queries go to the first backend in preference order that reports itself
// indexed; when none does, or every attempt fails, they fall back to a full
// table scan.
package manager

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/geom"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/index"
	"github.com/arkilian/featureindex/internal/logging"
	"github.com/arkilian/featureindex/internal/manual"
	"github.com/arkilian/featureindex/internal/observability"
	"github.com/arkilian/featureindex/internal/results"
	"github.com/arkilian/featureindex/internal/rtree"
)

// Options configures a Manager.
type Options struct {
	// Order is the query preference; empty means DefaultOrder.
	Order []Kind

	// Preferred serves index and row calls that pass None.
	Preferred Kind

	// ContinueOnError tries the next backend when one fails.
	ContinueOnError bool

	ChunkSize  int
	Tolerance  float64
	Progress   index.Progress
	OnRowError index.RowErrorHandler
	Logger     *logging.Logger

	// Stats, when set, records which location served each query.
	Stats *observability.QueryStats
}

// DefaultOptions returns the options of a federating manager.
func DefaultOptions() Options {
	return Options{
		Order:           slices.Clone(DefaultOrder),
		Preferred:       None,
		ContinueOnError: true,
	}
}

// QueryOptions describes a federated query. A nil Envelope matches every
// row with a geometry.
type QueryOptions struct {
	Envelope  *geom.Envelope
	Tolerance float64
	gpkg.QuerySpec
}

// Manager federates the index backends of one feature table.
type Manager struct {
	table           string
	backends        map[Kind]Backend
	fallback        Searcher
	primary         *index.Index
	order           []Kind
	preferred       Kind
	continueOnError bool
	tolerance       float64
	stats           *observability.QueryStats
	logger          *logging.Logger
}

// New builds a manager over the primary and alternate backends of table.
func New(ctx context.Context, store *gpkg.Store, table string, opts Options) (*Manager, error) {
	dao, err := gpkg.NewFeatureDao(ctx, store, table)
	if err != nil {
		return nil, err
	}
	logger := logging.OrNoop(opts.Logger)
	x := index.New(store, dao, index.Options{
		ChunkSize:  opts.ChunkSize,
		Tolerance:  opts.Tolerance,
		Progress:   opts.Progress,
		OnRowError: opts.OnRowError,
		Logger:     logger,
	})
	m, err := NewWithBackends(table, []Backend{
		NewPrimaryBackend(x),
		NewAlternateBackend(rtree.New(store, dao, logger), dao),
	}, manual.New(store, dao, logger), opts)
	if err != nil {
		return nil, err
	}
	m.primary = x
	m.logger = logger.WithTable(table, dao.GeometryColumn())
	return m, nil
}

// NewWithBackends builds a manager over the given backends, one per kind.
func NewWithBackends(table string, backends []Backend, fallback Searcher, opts Options) (*Manager, error) {
	m := &Manager{
		table:           table,
		backends:        make(map[Kind]Backend, len(backends)),
		fallback:        fallback,
		continueOnError: opts.ContinueOnError,
		tolerance:       opts.Tolerance,
		stats:           opts.Stats,
		logger:          logging.OrNoop(opts.Logger).WithTable(table, ""),
	}
	if m.tolerance <= 0 {
		m.tolerance = geom.DefaultTolerance
	}
	for _, b := range backends {
		m.backends[b.Kind()] = b
	}
	order := opts.Order
	if len(order) == 0 {
		order = DefaultOrder
	}
	if err := m.SetOrder(order...); err != nil {
		return nil, err
	}
	if err := m.SetPreferred(opts.Preferred); err != nil {
		return nil, err
	}
	return m, nil
}

// Table returns the managed feature table.
func (m *Manager) Table() string { return m.table }

// Preferred returns the kind used by calls that pass None.
func (m *Manager) Preferred() Kind { return m.preferred }

// SetPreferred sets the kind used by calls that pass None.
func (m *Manager) SetPreferred(k Kind) error {
	if k != None {
		if _, err := m.backend(k); err != nil {
			return err
		}
	}
	m.preferred = k
	return nil
}

// ContinueOnError reports whether failed backends are skipped.
func (m *Manager) ContinueOnError() bool { return m.continueOnError }

// SetContinueOnError sets whether failed backends are skipped.
func (m *Manager) SetContinueOnError(v bool) { m.continueOnError = v }

// SetProgress sets the token polled by primary index passes.
func (m *Manager) SetProgress(p index.Progress) {
	if m.primary != nil {
		m.primary.SetProgress(p)
	}
}

func (m *Manager) backend(k Kind) (Backend, error) {
	switch k {
	case Primary, Alternate:
		if b, ok := m.backends[k]; ok {
			return b, nil
		}
		return nil, unsupported(k)
	default:
		return nil, unsupported(k)
	}
}

func (m *Manager) resolve(k Kind) (Backend, error) {
	if k == None {
		if m.preferred == None {
			return nil, ferrors.NewValidationError(ferrors.CodeUnsupportedKind,
				"no index kind given and no preferred kind set").WithTable(m.table, "")
		}
		k = m.preferred
	}
	return m.backend(k)
}

func (m *Manager) backendsFor(kinds []Kind) ([]Backend, error) {
	out := make([]Backend, 0, len(kinds))
	for _, k := range kinds {
		b, err := m.backend(k)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Order returns the query preference order.
func (m *Manager) Order() []Kind { return slices.Clone(m.order) }

// SetOrder replaces the query preference order.
func (m *Manager) SetOrder(kinds ...Kind) error {
	if _, err := m.backendsFor(kinds); err != nil {
		return err
	}
	order := make([]Kind, 0, len(kinds))
	for _, k := range kinds {
		if !slices.Contains(order, k) {
			order = append(order, k)
		}
	}
	m.order = order
	return nil
}

// Prioritize moves kinds to the front of the preference order, keeping the
// relative order of the others.
func (m *Manager) Prioritize(kinds ...Kind) error {
	if _, err := m.backendsFor(kinds); err != nil {
		return err
	}
	order := make([]Kind, 0, len(m.order)+len(kinds))
	for _, k := range kinds {
		if !slices.Contains(order, k) {
			order = append(order, k)
		}
	}
	for _, k := range m.order {
		if !slices.Contains(order, k) {
			order = append(order, k)
		}
	}
	m.order = order
	return nil
}

func (m *Manager) allKinds() []Kind {
	var kinds []Kind
	for _, k := range []Kind{Primary, Alternate} {
		if _, ok := m.backends[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Retain deletes the index of every backend not listed and reports whether
// any was deleted.
func (m *Manager) Retain(ctx context.Context, kinds ...Kind) (bool, error) {
	if _, err := m.backendsFor(kinds); err != nil {
		return false, err
	}
	deleted := false
	for _, k := range m.allKinds() {
		if slices.Contains(kinds, k) {
			continue
		}
		ok, err := m.backends[k].DeleteIndex(ctx)
		if err != nil {
			return deleted, err
		}
		deleted = deleted || ok
	}
	return deleted, nil
}

// Index builds the index of kind, or of the preferred kind for None, and
// returns the number of rows indexed.
func (m *Manager) Index(ctx context.Context, kind Kind, force bool) (int, error) {
	b, err := m.resolve(kind)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := b.Index(ctx, force)
	IndexDuration.WithLabelValues(m.table, b.Kind().String()).Observe(time.Since(start).Seconds())
	if n > 0 {
		RowsIndexed.WithLabelValues(m.table, b.Kind().String()).Add(float64(n))
	}
	if err != nil {
		return n, err
	}
	m.logger.Debug("manager: index built", "kind", b.Kind().String(), "indexed", n, "force", force)
	return n, nil
}

// IndexKinds builds each listed index, or every index in preference order
// when kinds is empty, and returns the largest row count.
func (m *Manager) IndexKinds(ctx context.Context, kinds []Kind, force bool) (int, error) {
	if len(kinds) == 0 {
		kinds = m.order
	}
	if _, err := m.backendsFor(kinds); err != nil {
		return 0, err
	}
	most := 0
	for _, k := range kinds {
		n, err := m.Index(ctx, k, force)
		if err != nil {
			return most, err
		}
		most = max(most, n)
	}
	return most, nil
}

// IsIndexed reports whether kind's index is current. None asks whether any
// backend is.
func (m *Manager) IsIndexed(ctx context.Context, kind Kind) (bool, error) {
	if kind == None {
		return m.IsIndexedAny(ctx)
	}
	b, err := m.backend(kind)
	if err != nil {
		return false, err
	}
	return b.IsIndexed(ctx)
}

// IsIndexedAny reports whether any backend in the preference order is current.
func (m *Manager) IsIndexedAny(ctx context.Context) (bool, error) {
	for _, err := range m.Locations(ctx) {
		return err == nil, err
	}
	return false, nil
}

// IndexedKinds returns the current backends in preference order.
func (m *Manager) IndexedKinds(ctx context.Context) ([]Kind, error) {
	var kinds []Kind
	for _, k := range m.order {
		ok, err := m.backends[k].IsIndexed(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

// DeleteIndex deletes kind's index, or the preferred kind's for None.
func (m *Manager) DeleteIndex(ctx context.Context, kind Kind) (bool, error) {
	b, err := m.resolve(kind)
	if err != nil {
		return false, err
	}
	return b.DeleteIndex(ctx)
}

// DeleteAllIndexes deletes every backend's index.
func (m *Manager) DeleteAllIndexes(ctx context.Context) (bool, error) {
	return m.Retain(ctx)
}

// IndexRow updates kind's index for one row.
func (m *Manager) IndexRow(ctx context.Context, row *gpkg.FeatureRow, kind Kind) (bool, error) {
	b, err := m.resolve(kind)
	if err != nil {
		return false, err
	}
	return b.IndexRow(ctx, row)
}

// IndexRowKinds updates each listed index for one row, or every current
// index when kinds is empty, and reports whether any indexed it.
func (m *Manager) IndexRowKinds(ctx context.Context, row *gpkg.FeatureRow, kinds []Kind) (bool, error) {
	return m.eachKind(ctx, kinds, func(b Backend) (bool, error) {
		return b.IndexRow(ctx, row)
	})
}

// DeleteIndexForRow removes one row from kind's index.
func (m *Manager) DeleteIndexForRow(ctx context.Context, id int64, kind Kind) (bool, error) {
	b, err := m.resolve(kind)
	if err != nil {
		return false, err
	}
	return b.DeleteIndexForRow(ctx, id)
}

// DeleteIndexForRowKinds removes one row from each listed index, or every
// current index when kinds is empty, and reports whether any removed it.
func (m *Manager) DeleteIndexForRowKinds(ctx context.Context, id int64, kinds []Kind) (bool, error) {
	return m.eachKind(ctx, kinds, func(b Backend) (bool, error) {
		return b.DeleteIndexForRow(ctx, id)
	})
}

func (m *Manager) eachKind(ctx context.Context, kinds []Kind, fn func(Backend) (bool, error)) (bool, error) {
	if len(kinds) == 0 {
		var err error
		if kinds, err = m.IndexedKinds(ctx); err != nil {
			return false, err
		}
	}
	backends, err := m.backendsFor(kinds)
	if err != nil {
		return false, err
	}
	done := false
	for _, b := range backends {
		ok, err := fn(b)
		if err != nil {
			return done, err
		}
		done = done || ok
	}
	return done, nil
}

// Locations yields the kinds in preference order whose index is current at
// the moment each is reached. A failed check is logged and skipped when
// continue-on-error is set; otherwise it is yielded with its kind and the
// sequence ends.
func (m *Manager) Locations(ctx context.Context) iter.Seq2[Kind, error] {
	order := slices.Clone(m.order)
	return func(yield func(Kind, error) bool) {
		for _, k := range order {
			ok, err := m.backends[k].IsIndexed(ctx)
			if err != nil {
				if !m.continueOnError {
					yield(k, err)
					return
				}
				m.logger.Warn("manager: index check failed", "kind", k.String(), "error", err)
				continue
			}
			if ok && !yield(k, nil) {
				return
			}
		}
	}
}

// federate runs try against the first current backend that succeeds, then
// against the fallback.
func federate[T any](ctx context.Context, m *Manager, op string, try func(Searcher) (T, error)) (T, error) {
	var zero T
	for k, err := range m.Locations(ctx) {
		if err != nil {
			BackendErrors.WithLabelValues(m.table, op, k.String()).Inc()
			return zero, ferrors.Wrap(ferrors.ErrCategoryQuery, ferrors.CodeBackendFailed,
				fmt.Sprintf("manager: %s index check for %s failed", k, op), err).WithTable(m.table, "")
		}
		v, err := try(m.backends[k])
		if err == nil {
			QueryCount.WithLabelValues(m.table, op, k.String()).Inc()
			m.stats.RecordQuery(m.table, k.String())
			return v, nil
		}
		BackendErrors.WithLabelValues(m.table, op, k.String()).Inc()
		if !m.continueOnError {
			return zero, ferrors.Wrap(ferrors.ErrCategoryQuery, ferrors.CodeBackendFailed,
				fmt.Sprintf("manager: %s via %s index failed", op, k), err).WithTable(m.table, "")
		}
		m.logger.Warn("manager: backend failed, trying next", "operation", op, "kind", k.String(), "error", err)
	}
	FallbackCount.WithLabelValues(m.table, op).Inc()
	QueryCount.WithLabelValues(m.table, op, observability.ScanLocation).Inc()
	m.stats.RecordQuery(m.table, observability.ScanLocation)
	m.logger.Debug("manager: using table scan", "operation", op)
	return try(m.fallback)
}

func (m *Manager) queryTolerance(opts QueryOptions) float64 {
	if opts.Tolerance > 0 {
		return opts.Tolerance
	}
	return m.tolerance
}

// Query returns the rows matching opts from the first usable backend.
func (m *Manager) Query(ctx context.Context, opts QueryOptions) (results.Result, error) {
	tol := m.queryTolerance(opts)
	return federate(ctx, m, "query", func(s Searcher) (results.Result, error) {
		return s.Query(ctx, opts.Envelope, tol, opts.QuerySpec)
	})
}

// Count returns the number of rows matching opts.
func (m *Manager) Count(ctx context.Context, opts QueryOptions) (int64, error) {
	tol := m.queryTolerance(opts)
	return federate(ctx, m, "count", func(s Searcher) (int64, error) {
		return s.Count(ctx, opts.Envelope, tol, opts.QuerySpec)
	})
}

// BoundingBox returns the envelope of every indexed geometry, or nil for an
// empty table.
func (m *Manager) BoundingBox(ctx context.Context) (*geom.Envelope, error) {
	return federate(ctx, m, "bounding_box", func(s Searcher) (*geom.Envelope, error) {
		return s.BoundingBox(ctx)
	})
}

// QueryChunk returns one page of the rows matching opts, in key order.
func (m *Manager) QueryChunk(ctx context.Context, opts QueryOptions, limit, offset int) (results.Result, error) {
	opts.Limit = limit
	opts.Offset = offset
	return m.Query(ctx, opts)
}

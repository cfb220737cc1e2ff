package index

import (
	"context"
	"fmt"

	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/geom"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/logging"
)

// DefaultChunkSize is the number of rows scanned per bulk-index transaction.
const DefaultChunkSize = 1000

// Options configures an Index.
type Options struct {
	// ChunkSize is the number of rows per bulk-index transaction.
	ChunkSize int

	// Tolerance widens query envelopes; zero means geom.DefaultTolerance.
	Tolerance float64

	// Progress is polled during bulk passes; nil never cancels.
	Progress Progress

	// OnRowError receives per-row bulk failures; nil ignores them.
	OnRowError RowErrorHandler

	// Registrations defaults to the store's gpkg_extensions registry.
	Registrations Registrations

	Logger *logging.Logger
}

// Index is the geometry index of one feature table column.
type Index struct {
	store      *gpkg.Store
	dao        *gpkg.FeatureDao
	regs       Registrations
	chunkSize  int
	tolerance  float64
	progress   Progress
	onRowError RowErrorHandler
	logger     *logging.Logger
}

// NewRegistrations returns the gpkg_extensions registry for this index.
func NewRegistrations(store *gpkg.Store) *gpkg.ExtensionRegistry {
	return gpkg.NewExtensionRegistry(store, ExtensionName, ExtensionDefinition, gpkg.ScopeReadWrite)
}

// New creates the index for dao's table and geometry column.
func New(store *gpkg.Store, dao *gpkg.FeatureDao, opts Options) *Index {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = geom.DefaultTolerance
	}
	if opts.Registrations == nil {
		opts.Registrations = NewRegistrations(store)
	}
	if opts.OnRowError == nil {
		opts.OnRowError = func(int64, error) {}
	}
	return &Index{
		store:      store,
		dao:        dao,
		regs:       opts.Registrations,
		chunkSize:  opts.ChunkSize,
		tolerance:  opts.Tolerance,
		progress:   opts.Progress,
		onRowError: opts.OnRowError,
		logger:     logging.OrNoop(opts.Logger).WithTable(dao.Table(), dao.GeometryColumn()),
	}
}

// Table returns the indexed table name.
func (x *Index) Table() string { return x.dao.Table() }

// Column returns the indexed geometry column name.
func (x *Index) Column() string { return x.dao.GeometryColumn() }

// Tolerance returns the default query tolerance.
func (x *Index) Tolerance() float64 { return x.tolerance }

// SetProgress replaces the cancellation token used by later passes.
func (x *Index) SetProgress(p Progress) { x.progress = p }

// SetChunkSize changes the bulk pass chunk size.
func (x *Index) SetChunkSize(n int) {
	if n > 0 {
		x.chunkSize = n
	}
}

func (x *Index) active() bool {
	return x.progress == nil || x.progress.IsActive()
}

func (x *Index) tablesExist(ctx context.Context) (bool, error) {
	for _, name := range []string{TableIndexTable, GeometryIndexTable} {
		ok, err := x.store.TableExists(ctx, name)
		if err != nil {
			return false, x.setupError("failed to check index tables", err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (x *Index) setupError(msg string, err error) error {
	return ferrors.NewIndexError(ferrors.CodeSchemaSetup, fmt.Sprintf("index: %s", msg), err).
		WithTable(x.Table(), x.Column())
}

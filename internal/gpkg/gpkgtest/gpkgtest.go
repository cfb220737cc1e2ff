// Package gpkgtest holds fixtures shared by the tests of packages that sit on
// top of a GeoPackage store.
package gpkgtest

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arkilian/featureindex/internal/geom"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/stretchr/testify/require"
)

// Clock is a deterministic clock. Every reading advances it by Step so two
// consecutive stamps never collapse into the same millisecond.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewClock starts a clock at a fixed instant with a 1ms step.
func NewClock() *Clock {
	return &Clock{
		now:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Step: time.Millisecond,
	}
}

// Now returns the current reading and advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.Step)
	return t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// OpenStore opens a store in a temp directory, closed when the test ends.
// A nil Clock in opts is replaced with NewClock().
func OpenStore(t testing.TB, opts gpkg.Options) *gpkg.Store {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = NewClock().Now
	}
	path := filepath.Join(t.TempDir(), "test.gpkg")
	store, err := gpkg.Open(context.Background(), path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// CreatePointTable creates a feature table with a name attribute and returns
// its data access object.
func CreatePointTable(t testing.TB, store *gpkg.Store, table string) *gpkg.FeatureDao {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateFeatureTable(ctx, gpkg.FeatureTableDef{
		Table:          table,
		GeometryColumn: "geom",
		GeometryType:   "POINT",
		SRSID:          4326,
		Columns:        []gpkg.ColumnDef{{Name: "name", Type: "TEXT"}},
	}))
	dao, err := gpkg.NewFeatureDao(ctx, store, table)
	require.NoError(t, err)
	return dao
}

// Blob encodes g as a GeoPackage geometry blob.
func Blob(t testing.TB, g orb.Geometry) []byte {
	t.Helper()
	b, err := geom.Encode(g, 4326)
	require.NoError(t, err)
	return b
}

// WKB encodes g as little-endian WKB, the body of a GeoPackage blob.
func WKB(g orb.Geometry) ([]byte, error) {
	return wkb.Marshal(g, binary.LittleEndian)
}

// InsertGeometries inserts one row per geometry in a single transaction and
// returns the assigned keys in order. A nil entry inserts a null geometry.
func InsertGeometries(t testing.TB, dao *gpkg.FeatureDao, geoms []orb.Geometry) []int64 {
	t.Helper()
	rows := make([]*gpkg.FeatureRow, len(geoms))
	for i, g := range geoms {
		row := &gpkg.FeatureRow{Values: map[string]interface{}{"name": "f"}}
		if g != nil {
			row.Geometry = Blob(t, g)
		}
		rows[i] = row
	}
	require.NoError(t, dao.InsertBatch(context.Background(), rows))
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

// InsertGrid inserts n points at (i, i) for i in [0, n) and returns their keys.
func InsertGrid(t testing.TB, dao *gpkg.FeatureDao, n int) []int64 {
	t.Helper()
	geoms := make([]orb.Geometry, n)
	for i := range geoms {
		geoms[i] = orb.Point{float64(i), float64(i)}
	}
	return InsertGeometries(t, dao, geoms)
}

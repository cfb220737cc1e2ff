package index

import (
	"context"
	"sync"
	"testing"

	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/geom"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/gpkg/gpkgtest"
	"github.com/arkilian/featureindex/internal/results"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, opts Options) (*Index, *gpkg.FeatureDao, *gpkg.Store) {
	t.Helper()
	store := gpkgtest.OpenStore(t, gpkg.Options{})
	dao := gpkgtest.CreatePointTable(t, store, "features")
	return New(store, dao, opts), dao, store
}

func envPtr(minX, minY, maxX, maxY float64) *geom.Envelope {
	e := geom.NewEnvelope(minX, minY, maxX, maxY)
	return &e
}

func queryIDs(t *testing.T, x *Index, env *geom.Envelope) []int64 {
	t.Helper()
	r, err := x.Query(context.Background(), env, 0, gpkg.QuerySpec{})
	require.NoError(t, err)
	defer r.Close()
	ids, err := results.CollectIDs(r)
	require.NoError(t, err)
	return ids
}

// TestStaleness tests that writes without reindexing invalidate the index.
func TestStaleness(t *testing.T) {
	ctx := context.Background()
	x, dao, _ := newTestIndex(t, Options{})
	gpkgtest.InsertGrid(t, dao, 5)

	indexed, err := x.IsIndexed(ctx)
	require.NoError(t, err)
	assert.False(t, indexed)

	n, err := x.Index(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	indexed, err = x.IsIndexed(ctx)
	require.NoError(t, err)
	assert.True(t, indexed)

	row := &gpkg.FeatureRow{Geometry: gpkgtest.Blob(t, orb.Point{100, 100})}
	_, err = dao.Insert(ctx, row)
	require.NoError(t, err)
	indexed, err = x.IsIndexed(ctx)
	require.NoError(t, err)
	assert.False(t, indexed)

	ok, err := x.IndexRow(ctx, row)
	require.NoError(t, err)
	assert.True(t, ok)
	indexed, err = x.IsIndexed(ctx)
	require.NoError(t, err)
	assert.True(t, indexed)
	assert.Equal(t, []int64{row.ID}, queryIDs(t, x, envPtr(99, 99, 101, 101)))
}

// TestIndex_Idempotent tests that a second unforced pass does nothing.
func TestIndex_Idempotent(t *testing.T) {
	ctx := context.Background()
	x, dao, _ := newTestIndex(t, Options{})
	gpkgtest.InsertGrid(t, dao, 10)

	n, err := x.Index(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	first, err := x.LastIndexed(ctx)
	require.NoError(t, err)

	n, err = x.Index(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	second, err := x.LastIndexed(ctx)
	require.NoError(t, err)
	assert.Equal(t, *first, *second)

	n, err = x.Index(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

// TestIndexRow_RoundTrip tests that an exact-envelope query finds the row.
func TestIndexRow_RoundTrip(t *testing.T) {
	ctx := context.Background()
	x, dao, _ := newTestIndex(t, Options{})
	_, err := x.Index(ctx, true)
	require.NoError(t, err)

	poly := orb.Polygon{{{1.5, 2.25}, {7.125, 2.25}, {7.125, 9.75}, {1.5, 9.75}, {1.5, 2.25}}}
	row := &gpkg.FeatureRow{Geometry: gpkgtest.Blob(t, poly)}
	_, err = dao.Insert(ctx, row)
	require.NoError(t, err)
	ok, err := x.IndexRow(ctx, row)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := x.Record(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, geom.NewEnvelope(1.5, 2.25, 7.125, 9.75), rec.Envelope)

	assert.Contains(t, queryIDs(t, x, &rec.Envelope), row.ID)
}

// TestQuery_ToleranceBoundary tests the default tolerance on the max_x edge.
func TestQuery_ToleranceBoundary(t *testing.T) {
	ctx := context.Background()
	x, dao, _ := newTestIndex(t, Options{})
	ids := gpkgtest.InsertGeometries(t, dao, []orb.Geometry{orb.LineString{{5, 0}, {10, 1}}})
	_, err := x.Index(ctx, true)
	require.NoError(t, err)

	assert.Equal(t, ids, queryIDs(t, x, envPtr(10.0+5e-15, 0, 20, 1)))
	assert.Empty(t, queryIDs(t, x, envPtr(10.1, 0, 20, 1)))

	n, err := x.Count(ctx, envPtr(10.0, 1, 11, 2), 0, gpkg.QuerySpec{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "touching boxes are included")
}

// TestIndex_Cancellation tests that a cancelled pass leaves the table not
// indexed and the next pass reprocesses every row.
func TestIndex_Cancellation(t *testing.T) {
	ctx := context.Background()
	tracker := NewBudgetTracker(1000)
	x, dao, _ := newTestIndex(t, Options{ChunkSize: 1000, Progress: tracker})
	gpkgtest.InsertGrid(t, dao, 2500)

	n, err := x.Index(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.Equal(t, 1000, tracker.Processed())

	indexed, err := x.IsIndexed(ctx)
	require.NoError(t, err)
	assert.False(t, indexed)
	last, err := x.LastIndexed(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	x.SetProgress(nil)
	n, err = x.Index(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2500, n)
	indexed, err = x.IsIndexed(ctx)
	require.NoError(t, err)
	assert.True(t, indexed)
}

// TestIndex_CancelledReindexClearsStamp tests that cancelling a forced pass
// over a previously current index marks it not indexed.
func TestIndex_CancelledReindexClearsStamp(t *testing.T) {
	ctx := context.Background()
	x, dao, _ := newTestIndex(t, Options{ChunkSize: 10})
	gpkgtest.InsertGrid(t, dao, 30)
	_, err := x.Index(ctx, true)
	require.NoError(t, err)

	tracker := NewTracker()
	tracker.Cancel()
	x.SetProgress(tracker)
	n, err := x.Index(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	indexed, err := x.IsIndexed(ctx)
	require.NoError(t, err)
	assert.False(t, indexed)
}

// TestEndToEnd tests a 2500 row table indexed in three chunks.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	x, dao, _ := newTestIndex(t, Options{ChunkSize: 1000})
	ids := gpkgtest.InsertGrid(t, dao, 2500)

	n, err := x.Index(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2500, n)

	indexed, err := x.IsIndexed(ctx)
	require.NoError(t, err)
	assert.True(t, indexed)

	count, err := x.Count(ctx, nil, 0, gpkg.QuerySpec{})
	require.NoError(t, err)
	assert.Equal(t, int64(2500), count)

	// Row 42 sits alone at (41, 41).
	row42 := ids[41]
	only42 := envPtr(41, 41, 41, 41)
	assert.Equal(t, []int64{row42}, queryIDs(t, x, only42))

	_, err = dao.Delete(ctx, row42)
	require.NoError(t, err)
	deleted, err := x.DeleteIndexForGeometry(ctx, row42)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	r, err := x.Query(ctx, only42, 0, gpkg.QuerySpec{})
	require.NoError(t, err)
	require.NotNil(t, r)
	defer r.Close()
	assert.Equal(t, int64(0), r.Count())
	rows, err := results.Collect(r)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// TestIndex_RowErrorsDoNotEndScan tests that failing rows are reported and
// that a chunk whose first row fails does not terminate the pass.
func TestIndex_RowErrorsDoNotEndScan(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	failed := map[int64]error{}
	x, dao, _ := newTestIndex(t, Options{
		ChunkSize: 2,
		OnRowError: func(id int64, err error) {
			mu.Lock()
			failed[id] = err
			mu.Unlock()
		},
	})

	bad := []byte("not a geometry")
	rows := []*gpkg.FeatureRow{
		{Geometry: bad},
		{Geometry: gpkgtest.Blob(t, orb.Point{1, 1})},
		{Geometry: bad},
		{Geometry: gpkgtest.Blob(t, orb.Point{2, 2})},
		{},
	}
	require.NoError(t, dao.InsertBatch(ctx, rows))

	n, err := x.Index(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, failed, 2)
	assert.True(t, ferrors.HasCode(failed[rows[0].ID], ferrors.CodeRowIndexFailed))
	assert.Contains(t, failed, rows[2].ID)
	assert.Equal(t, []int64{rows[1].ID, rows[3].ID}, queryIDs(t, x, nil))
}

// TestIndex_ZM tests that Z and M extents are stored and only constrain
// queries that carry them.
func TestIndex_ZM(t *testing.T) {
	ctx := context.Background()
	x, dao, _ := newTestIndex(t, Options{})

	body, err := gpkgtest.WKB(orb.Point{1, 1})
	require.NoError(t, err)
	zEnv := geom.NewEnvelope(1, 1, 1, 1).WithZ(5, 6)
	rows := []*gpkg.FeatureRow{
		{Geometry: geom.EncodeRaw(body, 4326, &zEnv, false)},
		{Geometry: gpkgtest.Blob(t, orb.Point{1, 1})},
	}
	require.NoError(t, dao.InsertBatch(ctx, rows))
	_, err = x.Index(ctx, true)
	require.NoError(t, err)

	rec, err := x.Record(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.True(t, rec.Envelope.HasZ)
	assert.False(t, rec.Envelope.HasM)
	assert.Equal(t, 6.0, rec.Envelope.MaxZ)

	xy := envPtr(0, 0, 2, 2)
	assert.Len(t, queryIDs(t, x, xy), 2)

	inZ := geom.NewEnvelope(0, 0, 2, 2).WithZ(5.5, 7)
	assert.Equal(t, []int64{rows[0].ID}, queryIDs(t, x, &inZ))

	outZ := geom.NewEnvelope(0, 0, 2, 2).WithZ(10, 11)
	assert.Empty(t, queryIDs(t, x, &outZ))
}

// TestIndexRow_RequiresTableRecord tests the fatal path of per-row indexing.
func TestIndexRow_RequiresTableRecord(t *testing.T) {
	ctx := context.Background()
	x, _, _ := newTestIndex(t, Options{})

	_, err := x.IndexRow(ctx, &gpkg.FeatureRow{ID: 1})
	require.Error(t, err)
	assert.True(t, ferrors.HasCode(err, ferrors.CodeTableNotIndexed))
	assert.Contains(t, err.Error(), "table=features")
}

// TestIndexRow_NullGeometryRemovesRecord tests that clearing a geometry drops
// its record.
func TestIndexRow_NullGeometryRemovesRecord(t *testing.T) {
	ctx := context.Background()
	x, dao, _ := newTestIndex(t, Options{})
	ids := gpkgtest.InsertGrid(t, dao, 2)
	_, err := x.Index(ctx, true)
	require.NoError(t, err)

	ok, err := x.IndexRow(ctx, &gpkg.FeatureRow{ID: ids[0]})
	require.NoError(t, err)
	assert.False(t, ok)
	rec, err := x.Record(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// TestDeleteIndex tests removal of records and registration.
func TestDeleteIndex(t *testing.T) {
	ctx := context.Background()
	x, dao, store := newTestIndex(t, Options{})
	gpkgtest.InsertGrid(t, dao, 4)
	_, err := x.Index(ctx, true)
	require.NoError(t, err)

	deleted, err := x.DeleteIndex(ctx)
	require.NoError(t, err)
	assert.True(t, deleted)

	indexed, err := x.IsIndexed(ctx)
	require.NoError(t, err)
	assert.False(t, indexed)

	registered, err := NewRegistrations(store).HasRegistration(ctx, "features", "geom")
	require.NoError(t, err)
	assert.False(t, registered)

	var records int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM geometry_index").Scan(&records))
	assert.Equal(t, 0, records)

	deleted, err = x.DeleteIndex(ctx)
	require.NoError(t, err)
	assert.False(t, deleted)
}

// TestIndex_ClearsOnlyOwnTable tests that reindexing one table keeps the
// records of another.
func TestIndex_ClearsOnlyOwnTable(t *testing.T) {
	ctx := context.Background()
	x, dao, store := newTestIndex(t, Options{})
	gpkgtest.InsertGrid(t, dao, 3)
	other := gpkgtest.CreatePointTable(t, store, "other")
	gpkgtest.InsertGrid(t, other, 7)
	y := New(store, other, Options{})

	_, err := y.Index(ctx, true)
	require.NoError(t, err)
	_, err = x.Index(ctx, true)
	require.NoError(t, err)

	n, err := y.Count(ctx, nil, 0, gpkg.QuerySpec{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

// TestIndex_RangeIndexRebuilt tests the unindex/reindex cycle around a pass.
func TestIndex_RangeIndexRebuilt(t *testing.T) {
	ctx := context.Background()
	x, dao, store := newTestIndex(t, Options{})
	gpkgtest.InsertGrid(t, dao, 3)
	_, err := x.Index(ctx, true)
	require.NoError(t, err)

	hasIndex := func() bool {
		var n int
		require.NoError(t, store.DB().QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", RangeIndexName).Scan(&n))
		return n == 1
	}
	assert.True(t, hasIndex())
	require.NoError(t, x.Unindex(ctx))
	assert.False(t, hasIndex())
	require.NoError(t, x.Reindex(ctx))
	assert.True(t, hasIndex())
}

// TestBoundingBoxAndQueryIDs tests the aggregate and id-only lookups.
func TestBoundingBoxAndQueryIDs(t *testing.T) {
	ctx := context.Background()
	x, dao, _ := newTestIndex(t, Options{})
	ids := gpkgtest.InsertGeometries(t, dao, []orb.Geometry{orb.Point{-3, 4}, orb.Point{8, -2}, nil})

	_, err := x.Index(ctx, true)
	require.NoError(t, err)

	bbox, err := x.BoundingBox(ctx)
	require.NoError(t, err)
	require.NotNil(t, bbox)
	assert.Equal(t, geom.NewEnvelope(-3, -2, 8, 4), *bbox)

	var got []int64
	for id, err := range x.QueryIDs(ctx, envPtr(0, -5, 10, 0), 0) {
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []int64{ids[1]}, got)
}

// TestQuery_InvalidEnvelope tests that an inverted query box is rejected.
func TestQuery_InvalidEnvelope(t *testing.T) {
	ctx := context.Background()
	x, _, _ := newTestIndex(t, Options{})
	_, err := x.Index(ctx, true)
	require.NoError(t, err)

	_, err = x.Query(ctx, envPtr(5, 0, 1, 1), 0, gpkg.QuerySpec{})
	assert.True(t, ferrors.HasCode(err, ferrors.CodeInvalidEnvelope))
}

// TestIndex_ReadOnly tests that a read-only store cannot be indexed.
func TestIndex_ReadOnly(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/ro.gpkg"
	rw, err := gpkg.Open(ctx, path, gpkg.Options{})
	require.NoError(t, err)
	gpkgtest.CreatePointTable(t, rw, "features")
	_, err = rw.DB().Exec("PRAGMA journal_mode=DELETE")
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro, err := gpkg.Open(ctx, path, gpkg.Options{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()
	dao, err := gpkg.NewFeatureDao(ctx, ro, "features")
	require.NoError(t, err)

	_, err = New(ro, dao, Options{}).Index(ctx, true)
	assert.True(t, ferrors.HasCode(err, ferrors.CodeReadOnly))
}

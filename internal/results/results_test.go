package results

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/gpkg/gpkgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, n int) (*gpkg.Store, *gpkg.FeatureDao, []int64) {
	t.Helper()
	store := gpkgtest.OpenStore(t, gpkg.Options{})
	dao := gpkgtest.CreatePointTable(t, store, "pts")
	ids := gpkgtest.InsertGrid(t, dao, n)
	return store, dao, ids
}

// TestQueryResult_CountAndRows tests count precomputation and row streaming.
func TestQueryResult_CountAndRows(t *testing.T) {
	ctx := context.Background()
	store, dao, ids := setup(t, 5)

	q := dao.BuildQuery(gpkg.QuerySpec{Where: "fid > ?", Args: []interface{}{ids[1]}}, gpkg.Filter{})
	r, err := NewQueryResult(ctx, store.DB(), dao, q)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(3), r.Count())
	rows, err := Collect(r)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ids[2], rows[0].ID)
	assert.NotNil(t, rows[0].Geometry)
}

// TestQueryResult_SinglePass tests that a second iteration yields ErrConsumed.
func TestQueryResult_SinglePass(t *testing.T) {
	ctx := context.Background()
	store, dao, ids := setup(t, 3)

	r, err := NewQueryResult(ctx, store.DB(), dao, dao.BuildQuery(gpkg.QuerySpec{}, gpkg.Filter{}))
	require.NoError(t, err)
	defer r.Close()

	got, err := CollectIDs(r)
	require.NoError(t, err)
	assert.Equal(t, ids, got)

	_, err = Collect(r)
	assert.ErrorIs(t, err, ErrConsumed)
	_, err = CollectIDs(r)
	assert.ErrorIs(t, err, ErrConsumed)
}

// TestQueryResult_EarlyBreakAndClose tests that breaking out releases the
// cursor and that Close is idempotent.
func TestQueryResult_EarlyBreakAndClose(t *testing.T) {
	ctx := context.Background()
	store, dao, _ := setup(t, 10)

	r, err := NewQueryResult(ctx, store.DB(), dao, dao.BuildQuery(gpkg.QuerySpec{}, gpkg.Filter{}))
	require.NoError(t, err)

	seen := 0
	for _, err := range r.Rows() {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
	assert.Equal(t, 0, store.DB().Stats().InUse)
}

// TestQueryResult_ClosedBeforeIteration tests iterating a closed result.
func TestQueryResult_ClosedBeforeIteration(t *testing.T) {
	ctx := context.Background()
	store, dao, _ := setup(t, 1)

	r, err := NewQueryResult(ctx, store.DB(), dao, dao.BuildQuery(gpkg.QuerySpec{}, gpkg.Filter{}))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = Collect(r)
	assert.ErrorIs(t, err, ErrClosed)
}

// TestIDSetResult tests key-set results, including sets larger than
// SQLite's bound variable limit.
func TestIDSetResult(t *testing.T) {
	ctx := context.Background()
	store, dao, ids := setup(t, 1200)

	set := roaring64.New()
	for i, id := range ids {
		if i%2 == 0 {
			set.Add(uint64(id))
		}
	}
	r, err := NewIDSetResult(ctx, store.DB(), dao, set, gpkg.QuerySpec{})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(600), r.Count())

	rows, err := Collect(r)
	require.NoError(t, err)
	require.Len(t, rows, 600)
	for i, row := range rows {
		assert.Equal(t, ids[2*i], row.ID)
	}

	narrowed, err := NewIDSetResult(ctx, store.DB(), dao, roaring64.BitmapOf(uint64(ids[0])),
		gpkg.QuerySpec{Columns: []string{"fid", "name"}})
	require.NoError(t, err)
	defer narrowed.Close()
	rows, err = Collect(narrowed)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ids[0], rows[0].ID)
	assert.Nil(t, rows[0].Geometry)
	assert.Equal(t, "f", rows[0].Values["name"])
}

// TestIDSetResult_Shaped tests that ordering and paging apply to the set.
func TestIDSetResult_Shaped(t *testing.T) {
	ctx := context.Background()
	store, dao, ids := setup(t, 6)

	set := roaring64.BitmapOf(uint64(ids[1]), uint64(ids[3]), uint64(ids[4]))
	r, err := NewIDSetResult(ctx, store.DB(), dao, set, gpkg.QuerySpec{OrderBy: `"fid" DESC`, Offset: 1, Limit: 1})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(1), r.Count())
	got, err := CollectIDs(r)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[3]}, got)

	empty, err := NewIDSetResult(ctx, store.DB(), dao, nil, gpkg.QuerySpec{})
	require.NoError(t, err)
	defer empty.Close()
	assert.Equal(t, int64(0), empty.Count())
}

// TestQueryResult_DistinctIDs tests that ids are refused for distinct rows
// that carry no primary key, and served when they do.
func TestQueryResult_DistinctIDs(t *testing.T) {
	ctx := context.Background()
	store, dao, ids := setup(t, 3)

	r, err := NewQueryResult(ctx, store.DB(), dao,
		dao.BuildQuery(gpkg.QuerySpec{Distinct: true, Columns: []string{"name"}}, gpkg.Filter{}))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(1), r.Count())
	_, err = CollectIDs(r)
	assert.True(t, ferrors.HasCode(err, ferrors.CodeUnsupportedQuery))

	keyed, err := NewQueryResult(ctx, store.DB(), dao,
		dao.BuildQuery(gpkg.QuerySpec{Distinct: true, Columns: []string{"fid", "name"}}, gpkg.Filter{}))
	require.NoError(t, err)
	defer keyed.Close()
	assert.Equal(t, int64(3), keyed.Count())
	got, err := CollectIDs(keyed)
	require.NoError(t, err)
	assert.Equal(t, ids, got)
}

// TestEmpty tests the empty result.
func TestEmpty(t *testing.T) {
	r := Empty()
	assert.Equal(t, int64(0), r.Count())
	rows, err := Collect(r)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoError(t, r.Close())
}

// TestConcat tests sequential exhaustion and summed counts.
func TestConcat(t *testing.T) {
	ctx := context.Background()
	store, dao, ids := setup(t, 6)

	first, err := NewQueryResult(ctx, store.DB(), dao,
		dao.BuildQuery(gpkg.QuerySpec{Where: "fid <= ?", Args: []interface{}{ids[1]}}, gpkg.Filter{}))
	require.NoError(t, err)
	second, err := NewIDSetResult(ctx, store.DB(), dao, roaring64.BitmapOf(uint64(ids[5]), uint64(ids[4])), gpkg.QuerySpec{})
	require.NoError(t, err)

	r := Concat(first, Empty(), second)
	defer r.Close()
	assert.Equal(t, int64(4), r.Count())

	got, err := CollectIDs(r)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0], ids[1], ids[4], ids[5]}, got)

	_, err = CollectIDs(r)
	assert.ErrorIs(t, err, ErrConsumed)
}

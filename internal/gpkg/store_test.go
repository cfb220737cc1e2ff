package gpkg_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/gpkg/gpkgtest"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpen_CreatesCoreTables tests that a fresh file gets the core tables.
func TestOpen_CreatesCoreTables(t *testing.T) {
	ctx := context.Background()
	store := gpkgtest.OpenStore(t, gpkg.Options{})

	for _, table := range []string{"gpkg_spatial_ref_sys", "gpkg_contents", "gpkg_geometry_columns", "gpkg_extensions"} {
		ok, err := store.TableExists(ctx, table)
		require.NoError(t, err)
		assert.True(t, ok, table)
	}
}

// TestReadOnly_RejectsWrites tests that every write path fails with READ_ONLY.
func TestReadOnly_RejectsWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ro.gpkg")

	rw, err := gpkg.Open(ctx, path, gpkg.Options{})
	require.NoError(t, err)
	gpkgtest.CreatePointTable(t, rw, "pts")
	_, err = rw.DB().Exec("PRAGMA journal_mode=DELETE")
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro, err := gpkg.Open(ctx, path, gpkg.Options{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	assert.True(t, ro.ReadOnly())
	assert.True(t, ferrors.HasCode(ro.CheckWritable(), ferrors.CodeReadOnly))
	assert.True(t, ferrors.HasCode(ro.SetLastChange(ctx, "pts", time.Now()), ferrors.CodeReadOnly))

	err = ro.WithFastWrites(ctx, func(tx *sql.Tx) error { return nil })
	assert.True(t, ferrors.HasCode(err, ferrors.CodeReadOnly))

	dao, err := gpkg.NewFeatureDao(ctx, ro, "pts")
	require.NoError(t, err)
	_, err = dao.Insert(ctx, &gpkg.FeatureRow{})
	assert.True(t, ferrors.HasCode(err, ferrors.CodeReadOnly))

	reg := gpkg.NewExtensionRegistry(ro, "ext", "def", gpkg.ScopeReadWrite)
	assert.True(t, ferrors.HasCode(reg.Register(ctx, "pts", "geom"), ferrors.CodeReadOnly))
}

func synchronousMode(t *testing.T, db *sql.DB) int {
	t.Helper()
	var mode int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&mode))
	return mode
}

// TestWithFastWrites_RestoresSynchronous tests that the durability mode is put
// back after success and after failure.
func TestWithFastWrites_RestoresSynchronous(t *testing.T) {
	ctx := context.Background()
	store := gpkgtest.OpenStore(t, gpkg.Options{MaxOpenConns: 1})
	before := synchronousMode(t, store.DB())

	err := store.WithFastWrites(ctx, func(tx *sql.Tx) error {
		var mode int
		require.NoError(t, tx.QueryRow("PRAGMA synchronous").Scan(&mode))
		assert.Equal(t, 0, mode)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, before, synchronousMode(t, store.DB()))

	boom := errors.New("boom")
	err = store.WithFastWrites(ctx, func(tx *sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, synchronousMode(t, store.DB()))
}

// TestWithFastWrites_RollsBackOnError tests that a failing fn leaves no writes.
func TestWithFastWrites_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := gpkgtest.OpenStore(t, gpkg.Options{})
	dao := gpkgtest.CreatePointTable(t, store, "pts")

	err := store.WithFastWrites(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO pts (geom, name) VALUES (NULL, 'x')`)
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	n, err := dao.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// TestLastChange_AdvancesOnWrites tests that DAO writes stamp gpkg_contents.
func TestLastChange_AdvancesOnWrites(t *testing.T) {
	ctx := context.Background()
	store := gpkgtest.OpenStore(t, gpkg.Options{})
	dao := gpkgtest.CreatePointTable(t, store, "pts")

	created, err := store.LastChange(ctx, "pts")
	require.NoError(t, err)

	ids := gpkgtest.InsertGrid(t, dao, 3)
	inserted, err := store.LastChange(ctx, "pts")
	require.NoError(t, err)
	assert.True(t, inserted.After(created))

	_, err = dao.Delete(ctx, ids[0])
	require.NoError(t, err)
	deleted, err := store.LastChange(ctx, "pts")
	require.NoError(t, err)
	assert.True(t, deleted.After(inserted))

	_, err = store.LastChange(ctx, "missing")
	assert.True(t, ferrors.HasCode(err, ferrors.CodeTableNotFound))
}

// TestTimeFormat tests the stored timestamp form round-trips.
func TestTimeFormat(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 123000000, time.UTC)
	s := gpkg.FormatTime(ts)
	assert.Equal(t, "2024-05-06T07:08:09.123Z", s)

	parsed, err := gpkg.ParseTime(s)
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))

	_, err = gpkg.ParseTime("yesterday")
	assert.Error(t, err)
}

// TestExtensionRegistry tests idempotent register and unregister.
func TestExtensionRegistry(t *testing.T) {
	ctx := context.Background()
	store := gpkgtest.OpenStore(t, gpkg.Options{})
	reg := gpkg.NewExtensionRegistry(store, "nga_geometry_index", "http://example.com", gpkg.ScopeReadWrite)

	ok, err := reg.HasRegistration(ctx, "pts", "geom")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.Register(ctx, "pts", "geom"))
	require.NoError(t, reg.Register(ctx, "pts", "geom"))
	ok, err = reg.HasRegistration(ctx, "pts", "geom")
	require.NoError(t, err)
	assert.True(t, ok)

	var rows int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM gpkg_extensions").Scan(&rows))
	assert.Equal(t, 1, rows)

	require.NoError(t, reg.Unregister(ctx, "pts", "geom"))
	ok, err = reg.HasRegistration(ctx, "pts", "geom")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestGeometryFunctions tests the SQL functions installed by the driver.
func TestGeometryFunctions(t *testing.T) {
	store := gpkgtest.OpenStore(t, gpkg.Options{})
	blob := gpkgtest.Blob(t, orb.LineString{{1, 2}, {3, 5}})

	var minX, maxX, minY, maxY float64
	var empty bool
	require.NoError(t, store.DB().QueryRow(
		"SELECT ST_MinX(?), ST_MaxX(?), ST_MinY(?), ST_MaxY(?), ST_IsEmpty(?)",
		blob, blob, blob, blob, blob,
	).Scan(&minX, &maxX, &minY, &maxY, &empty))
	assert.Equal(t, []float64{1, 3, 2, 5}, []float64{minX, maxX, minY, maxY})
	assert.False(t, empty)

	var nullMin sql.NullFloat64
	require.NoError(t, store.DB().QueryRow("SELECT ST_MinX(NULL), ST_IsEmpty(NULL)").Scan(&nullMin, &empty))
	assert.False(t, nullMin.Valid)
	assert.True(t, empty)
}

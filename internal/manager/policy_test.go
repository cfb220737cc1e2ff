package manager

import (
	"context"
	"testing"
	"time"

	"github.com/arkilian/featureindex/internal/config"
	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/gpkg/gpkgtest"
	"github.com/arkilian/featureindex/internal/observability"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, tables ...string) (*Registry, map[string]*gpkg.FeatureDao) {
	t.Helper()
	store := gpkgtest.OpenStore(t, gpkg.Options{})
	daos := make(map[string]*gpkg.FeatureDao, len(tables))
	for _, table := range tables {
		daos[table] = gpkgtest.CreatePointTable(t, store, table)
		gpkgtest.InsertGrid(t, daos[table], 5)
	}
	return NewRegistry(store, DefaultOptions()), daos
}

// TestPolicy_IndexesStaleTables verifies that every listed kind is built for
// stale tables and nothing is rebuilt while current.
func TestPolicy_IndexesStaleTables(t *testing.T) {
	ctx := context.Background()
	reg, daos := newTestRegistry(t, "roads", "rivers")
	p, err := NewPolicy(reg, config.PolicyConfig{Kinds: []string{"primary"}, CheckInterval: time.Minute}, nil)
	require.NoError(t, err)

	actions, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Action{
		{Type: ActionIndex, Table: "roads", Kind: Primary},
		{Type: ActionIndex, Table: "rivers", Kind: Primary},
	}, actions)

	actions, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)

	_, err = daos["rivers"].Insert(ctx, &gpkg.FeatureRow{Geometry: gpkgtest.Blob(t, orb.Point{1, 2})})
	require.NoError(t, err)
	actions, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Action{{Type: ActionIndex, Table: "rivers", Kind: Primary}}, actions)
}

// TestPolicy_ScanThreshold verifies that only tables answered by repeated
// table scans are indexed when a threshold is set.
func TestPolicy_ScanThreshold(t *testing.T) {
	ctx := context.Background()
	store := gpkgtest.OpenStore(t, gpkg.Options{})
	for _, table := range []string{"roads", "rivers"} {
		gpkgtest.InsertGrid(t, gpkgtest.CreatePointTable(t, store, table), 5)
	}
	opts := DefaultOptions()
	opts.Stats = observability.NewQueryStats(time.Hour)
	reg := NewRegistry(store, opts)

	p, err := NewPolicy(reg, config.PolicyConfig{Kinds: []string{"primary"}, ScanThreshold: 2}, nil)
	require.NoError(t, err)

	roads, err := reg.Get(ctx, "roads")
	require.NoError(t, err)
	_, err = roads.Count(ctx, QueryOptions{})
	require.NoError(t, err)

	actions, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)

	_, err = roads.Count(ctx, QueryOptions{})
	require.NoError(t, err)
	actions, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Action{{Type: ActionIndex, Table: "roads", Kind: Primary}}, actions)

	_, ok := reg.Stats().Table("roads")
	assert.False(t, ok, "statistics are reset after indexing")

	_, err = roads.Count(ctx, QueryOptions{})
	require.NoError(t, err)
	s, ok := reg.Stats().Table("roads")
	require.True(t, ok)
	assert.Equal(t, int64(0), s.Scans)
	assert.Equal(t, int64(1), s.Served["primary"])
}

// TestPolicy_DropUnlisted verifies that unlisted indexes are dropped only
// when configured.
func TestPolicy_DropUnlisted(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, "roads")
	m, err := reg.Get(ctx, "roads")
	require.NoError(t, err)
	_, err = m.Index(ctx, Alternate, false)
	require.NoError(t, err)

	keep, err := NewPolicy(reg, config.PolicyConfig{Kinds: []string{"primary"}, Tables: []string{"roads"}}, nil)
	require.NoError(t, err)
	actions, err := keep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Action{{Type: ActionIndex, Table: "roads", Kind: Primary}}, actions)

	drop, err := NewPolicy(reg, config.PolicyConfig{Kinds: []string{"primary"}, DropUnlisted: true}, nil)
	require.NoError(t, err)
	actions, err = drop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Action{{Type: ActionDrop, Table: "roads", Kind: Alternate}}, actions)

	has, err := m.IsIndexed(ctx, Alternate)
	require.NoError(t, err)
	assert.False(t, has)
}

// TestPolicy_RejectsUnknownKind verifies configuration validation.
func TestPolicy_RejectsUnknownKind(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := NewPolicy(reg, config.PolicyConfig{Kinds: []string{"quadtree"}}, nil)
	assert.True(t, ferrors.HasCode(err, ferrors.CodeUnsupportedKind))
}

// TestPolicy_RunStopsOnCancel verifies that Run returns once the context ends.
func TestPolicy_RunStopsOnCancel(t *testing.T) {
	reg, _ := newTestRegistry(t, "roads")
	p, err := NewPolicy(reg, config.PolicyConfig{Kinds: []string{"primary"}, CheckInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		m, err := reg.Get(context.Background(), "roads")
		if err != nil {
			return false
		}
		ok, err := m.IsIndexed(context.Background(), Primary)
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("policy did not stop")
	}
}

// TestRegistry verifies manager caching and unknown tables.
func TestRegistry(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, "roads")

	a, err := reg.Get(ctx, "roads")
	require.NoError(t, err)
	b, err := reg.Get(ctx, "roads")
	require.NoError(t, err)
	assert.Same(t, a, b)

	reg.Forget("roads")
	c, err := reg.Get(ctx, "roads")
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	_, err = reg.Get(ctx, "missing")
	assert.True(t, ferrors.HasCode(err, ferrors.CodeTableNotFound))

	tables, err := reg.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"roads"}, tables)
}

// TestOptionsFromConfig verifies the conversion of index configuration.
func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Index
	cfg.Order = []string{"primary"}
	cfg.Preferred = "alternate"
	cfg.ContinueOnError = false

	opts, err := OptionsFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []Kind{Primary}, opts.Order)
	assert.Equal(t, Alternate, opts.Preferred)
	assert.False(t, opts.ContinueOnError)
	assert.Equal(t, 1000, opts.ChunkSize)

	cfg.Preferred = "btree"
	_, err = OptionsFromConfig(cfg, nil)
	assert.Error(t, err)
}

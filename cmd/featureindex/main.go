// Package main implements the featureindex binary: index maintenance and
// spatial queries over GeoPackage feature tables, plus an HTTP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/arkilian/featureindex/internal/app"
	"github.com/arkilian/featureindex/internal/config"
	"github.com/arkilian/featureindex/internal/geom"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/logging"
	"github.com/arkilian/featureindex/internal/manager"
	"github.com/arkilian/featureindex/internal/results"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config     string           `help:"Configuration file (YAML or JSON)." short:"c" type:"path"`
	GeoPackage string           `help:"GeoPackage file; overrides the configuration." short:"g" name:"geopackage" type:"path"`
	Logging    string           `help:"Logging verbosity." short:"l" placeholder:"debug|info|warn|error"`
	Version    kong.VersionFlag `help:"Print version information and quit." short:"v"`
}

type cli struct {
	Globals

	Index  IndexCmd  `cmd:"" help:"Builds or refreshes an index for a feature table."`
	Status StatusCmd `cmd:"" help:"Shows which indexes exist for a feature table."`
	Query  QueryCmd  `cmd:"" help:"Prints the features inside a bounding box as JSON lines."`
	Count  CountCmd  `cmd:"" help:"Counts the features inside a bounding box."`
	Extent ExtentCmd `cmd:"" help:"Prints the bounding box of a feature table."`
	Drop   DropCmd   `cmd:"" help:"Deletes an index of a feature table."`
	Tables TablesCmd `cmd:"" help:"Lists the feature tables."`
	Serve  ServeCmd  `cmd:"" help:"Runs the HTTP server."`
}

// env carries the loaded configuration into the commands.
type env struct {
	cfg    *config.Config
	logger *logging.Logger
}

// open opens the store and a manager for table.
func (e *env) open(ctx context.Context, table string, readOnly bool) (*gpkg.Store, *manager.Manager, error) {
	store, err := gpkg.Open(ctx, e.cfg.GeoPackage, gpkg.Options{
		ReadOnly:           readOnly || e.cfg.ReadOnly,
		MaxOpenConns:       e.cfg.Index.MaxOpenConns,
		TableInfoCacheSize: e.cfg.Index.TableInfoCacheSize,
	})
	if err != nil {
		return nil, nil, err
	}
	if table == "" {
		return store, nil, nil
	}
	opts, err := manager.OptionsFromConfig(e.cfg.Index, e.logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	m, err := manager.New(ctx, store, table, opts)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, m, nil
}

// TableArg is the feature table positional argument.
type TableArg struct {
	Table string `arg:"" help:"Feature table name."`
}

// BBoxFlag is the optional query envelope.
type BBoxFlag struct {
	BBox string `help:"Bounding box minx,miny,maxx,maxy; empty matches every feature." name:"bbox"`
}

func (b BBoxFlag) options() (manager.QueryOptions, error) {
	var opts manager.QueryOptions
	if b.BBox == "" {
		return opts, nil
	}
	e, err := geom.ParseEnvelope(b.BBox)
	if err != nil {
		return opts, err
	}
	opts.Envelope = &e
	return opts, nil
}

// IndexCmd builds an index.
type IndexCmd struct {
	TableArg
	Kind  string `help:"Index kind: primary or alternate; empty indexes every kind in the order." default:""`
	Force bool   `help:"Rebuild even when the index is current."`
}

func (c *IndexCmd) Run(e *env) error {
	ctx := context.Background()
	store, m, err := e.open(ctx, c.Table, false)
	if err != nil {
		return err
	}
	defer store.Close()

	var n int
	if c.Kind == "" {
		n, err = m.IndexKinds(ctx, nil, c.Force)
	} else {
		kind, perr := manager.ParseKind(c.Kind)
		if perr != nil {
			return perr
		}
		n, err = m.Index(ctx, kind, c.Force)
	}
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d features of %s\n", n, c.Table)
	return nil
}

// StatusCmd reports index state.
type StatusCmd struct {
	TableArg
}

func (c *StatusCmd) Run(e *env) error {
	ctx := context.Background()
	store, m, err := e.open(ctx, c.Table, true)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, kind := range m.Order() {
		ok, err := m.IsIndexed(ctx, kind)
		if err != nil {
			return err
		}
		fmt.Printf("%-10s indexed=%t\n", kind, ok)
	}
	return nil
}

// QueryCmd prints features.
type QueryCmd struct {
	TableArg
	BBoxFlag
	Limit  int `help:"Maximum number of features; 0 means no limit."`
	Offset int `help:"Number of matching features to skip."`
}

func (c *QueryCmd) Run(e *env) error {
	ctx := context.Background()
	store, m, err := e.open(ctx, c.Table, true)
	if err != nil {
		return err
	}
	defer store.Close()

	opts, err := c.options()
	if err != nil {
		return err
	}
	var res results.Result
	if c.Limit > 0 {
		res, err = m.QueryChunk(ctx, opts, c.Limit, c.Offset)
	} else {
		res, err = m.Query(ctx, opts)
	}
	if err != nil {
		return err
	}
	defer res.Close()

	enc := json.NewEncoder(os.Stdout)
	for row, err := range res.Rows() {
		if err != nil {
			return err
		}
		out := map[string]interface{}{"fid": row.ID}
		if g, derr := geom.Decode(row.Geometry); derr == nil && !g.Empty {
			out["bbox"] = []float64{g.Envelope.MinX, g.Envelope.MinY, g.Envelope.MaxX, g.Envelope.MaxY}
		}
		for k, v := range row.Values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			out[k] = v
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}

// CountCmd counts features.
type CountCmd struct {
	TableArg
	BBoxFlag
}

func (c *CountCmd) Run(e *env) error {
	ctx := context.Background()
	store, m, err := e.open(ctx, c.Table, true)
	if err != nil {
		return err
	}
	defer store.Close()

	opts, err := c.options()
	if err != nil {
		return err
	}
	n, err := m.Count(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

// ExtentCmd prints the bounding box.
type ExtentCmd struct {
	TableArg
}

func (c *ExtentCmd) Run(e *env) error {
	ctx := context.Background()
	store, m, err := e.open(ctx, c.Table, true)
	if err != nil {
		return err
	}
	defer store.Close()

	box, err := m.BoundingBox(ctx)
	if err != nil {
		return err
	}
	if box == nil {
		fmt.Println("empty")
		return nil
	}
	fmt.Printf("%g,%g,%g,%g\n", box.MinX, box.MinY, box.MaxX, box.MaxY)
	return nil
}

// DropCmd deletes indexes.
type DropCmd struct {
	TableArg
	Kind string `help:"Index kind: primary, alternate or all." default:"all"`
}

func (c *DropCmd) Run(e *env) error {
	ctx := context.Background()
	store, m, err := e.open(ctx, c.Table, false)
	if err != nil {
		return err
	}
	defer store.Close()

	var deleted bool
	if c.Kind == "all" {
		deleted, err = m.DeleteAllIndexes(ctx)
	} else {
		kind, perr := manager.ParseKind(c.Kind)
		if perr != nil {
			return perr
		}
		deleted, err = m.DeleteIndex(ctx, kind)
	}
	if err != nil {
		return err
	}
	fmt.Printf("deleted=%t\n", deleted)
	return nil
}

// TablesCmd lists feature tables.
type TablesCmd struct{}

func (c *TablesCmd) Run(e *env) error {
	ctx := context.Background()
	store, _, err := e.open(ctx, "", true)
	if err != nil {
		return err
	}
	defer store.Close()

	tables, err := store.FeatureTables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		fmt.Println(t)
	}
	return nil
}

// ServeCmd runs the HTTP server until SIGINT or SIGTERM.
type ServeCmd struct {
	Addr   string `help:"Listen address; overrides the configuration."`
	Policy bool   `help:"Run the background reindex policy."`
}

func (c *ServeCmd) Run(e *env) error {
	if c.Addr != "" {
		e.cfg.HTTP.Addr = c.Addr
	}
	if c.Policy {
		e.cfg.Policy.Enabled = true
	}

	application, err := app.New(e.cfg, e.logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.logger.Info("received shutdown signal")
	return application.Stop(context.Background())
}

// loadConfig layers defaults, .env, the config file, the environment and
// the global flags.
func loadConfig(g Globals) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if g.Config != "" {
		var err error
		if cfg, err = config.LoadFromFile(g.Config); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)

	if g.GeoPackage != "" {
		cfg.GeoPackage = g.GeoPackage
	}
	if g.Logging != "" {
		cfg.Log.Level = g.Logging
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	var c cli
	ctx := kong.Parse(
		&c,
		kong.Name("featureindex"),
		kong.Description("Maintains and queries spatial indexes of GeoPackage feature tables."),
		kong.UsageOnError(),
		kong.Vars{
			"version": fmt.Sprintf("%s (commit: %s)", version, commit),
		},
	)

	cfg, err := loadConfig(c.Globals)
	ctx.FatalIfErrorf(err)

	logger := logging.NewFromConfig(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	ctx.FatalIfErrorf(ctx.Run(&env{cfg: cfg, logger: logger}))
}

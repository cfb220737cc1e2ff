// Package config provides the configuration of the feature index tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "FEATUREINDEX_"

// Config holds the configuration shared by the CLI and the server.
type Config struct {
	// GeoPackage is the path of the GeoPackage file to index
	GeoPackage string `json:"geopackage" yaml:"geopackage"`

	// ReadOnly opens the file read-only; indexing commands then fail
	ReadOnly bool `json:"read_only" yaml:"read_only"`

	// HTTP server configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Index manager configuration
	Index IndexConfig `json:"index" yaml:"index"`

	// Background reindex policy configuration
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// MaxLimit caps the page size of feature queries
	MaxLimit int `json:"max_limit" yaml:"max_limit"`
}

// IndexConfig holds index manager configuration.
type IndexConfig struct {
	// ChunkSize is the number of rows per bulk-index transaction
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// Tolerance widens query envelopes on every side
	Tolerance float64 `json:"tolerance" yaml:"tolerance"`

	// Order is the backend preference for queries: primary, alternate
	Order []string `json:"order" yaml:"order"`

	// Preferred is the backend used when a call names none: none, primary, alternate
	Preferred string `json:"preferred" yaml:"preferred"`

	// ContinueOnError falls through to the next backend when one fails
	ContinueOnError bool `json:"continue_on_error" yaml:"continue_on_error"`

	// MaxOpenConns bounds the SQLite connection pool
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`

	// TableInfoCacheSize is the number of table descriptions kept in memory
	TableInfoCacheSize int `json:"table_info_cache_size" yaml:"table_info_cache_size"`
}

// PolicyConfig holds the background reindex policy configuration.
type PolicyConfig struct {
	// Enabled runs the policy loop in serve mode
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CheckInterval is the interval between staleness checks
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// Kinds are the backends kept current
	Kinds []string `json:"kinds" yaml:"kinds"`

	// Tables limits the policy to these tables; empty means every feature table
	Tables []string `json:"tables" yaml:"tables"`

	// DropUnlisted deletes indexes of kinds not listed in Kinds
	DropUnlisted bool `json:"drop_unlisted" yaml:"drop_unlisted"`

	// ScanThreshold, when positive, indexes only tables that served at
	// least this many queries by table scan within StatsWindow
	ScanThreshold int `json:"scan_threshold" yaml:"scan_threshold"`

	// StatsWindow is how long query statistics are kept
	StatsWindow time.Duration `json:"stats_window" yaml:"stats_window"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Format is text or json
	Format string `json:"format" yaml:"format"`

	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		GeoPackage: "./data/features.gpkg",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxLimit:     10000,
		},
		Index: IndexConfig{
			ChunkSize:          1000,
			Tolerance:          1e-14,
			Order:              []string{"alternate", "primary"},
			Preferred:          "none",
			ContinueOnError:    true,
			MaxOpenConns:       4,
			TableInfoCacheSize: 128,
		},
		Policy: PolicyConfig{
			Enabled:       false,
			CheckInterval: 5 * time.Minute,
			Kinds:         []string{"primary"},
			StatsWindow:   time.Hour,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Resolve fills empty fields with their defaults.
func (c *Config) Resolve() {
	d := DefaultConfig()
	if c.GeoPackage == "" {
		c.GeoPackage = d.GeoPackage
	}
	if len(c.Index.Order) == 0 {
		c.Index.Order = d.Index.Order
	}
	if c.Index.Preferred == "" {
		c.Index.Preferred = d.Index.Preferred
	}
	if c.Policy.CheckInterval <= 0 {
		c.Policy.CheckInterval = d.Policy.CheckInterval
	}
	if len(c.Policy.Kinds) == 0 {
		c.Policy.Kinds = d.Policy.Kinds
	}
	if c.Policy.StatsWindow <= 0 {
		c.Policy.StatsWindow = d.Policy.StatsWindow
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

func validKind(kind string, allowNone bool) bool {
	switch strings.ToLower(kind) {
	case "primary", "alternate":
		return true
	case "none":
		return allowNone
	default:
		return false
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.GeoPackage == "" {
		return fmt.Errorf("geopackage is required")
	}

	if c.Index.ChunkSize <= 0 {
		return fmt.Errorf("index.chunk_size must be positive, got %d", c.Index.ChunkSize)
	}

	if c.Index.Tolerance < 0 {
		return fmt.Errorf("index.tolerance must not be negative, got %g", c.Index.Tolerance)
	}

	for _, k := range c.Index.Order {
		if !validKind(k, false) {
			return fmt.Errorf("invalid index.order entry: %s (must be primary or alternate)", k)
		}
	}

	if !validKind(c.Index.Preferred, true) {
		return fmt.Errorf("invalid index.preferred: %s (must be none, primary, or alternate)", c.Index.Preferred)
	}

	for _, k := range c.Policy.Kinds {
		if !validKind(k, false) {
			return fmt.Errorf("invalid policy.kinds entry: %s (must be primary or alternate)", k)
		}
	}

	if c.Policy.ScanThreshold < 0 {
		return fmt.Errorf("policy.scan_threshold must not be negative, got %d", c.Policy.ScanThreshold)
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the FEATUREINDEX_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "GEOPACKAGE"); v != "" {
		cfg.GeoPackage = v
	}
	if v := os.Getenv(EnvPrefix + "READ_ONLY"); v != "" {
		cfg.ReadOnly = v == "true" || v == "1"
	}

	// HTTP configuration
	if v := os.Getenv(EnvPrefix + "HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv(EnvPrefix + "HTTP_MAX_LIMIT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.MaxLimit)
	}

	// Index configuration
	if v := os.Getenv(EnvPrefix + "INDEX_CHUNK_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Index.ChunkSize)
	}
	if v := os.Getenv(EnvPrefix + "INDEX_TOLERANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Index.Tolerance = f
		}
	}
	if v := os.Getenv(EnvPrefix + "INDEX_ORDER"); v != "" {
		cfg.Index.Order = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "INDEX_PREFERRED"); v != "" {
		cfg.Index.Preferred = v
	}
	if v := os.Getenv(EnvPrefix + "INDEX_CONTINUE_ON_ERROR"); v != "" {
		cfg.Index.ContinueOnError = v == "true" || v == "1"
	}

	// Policy configuration
	if v := os.Getenv(EnvPrefix + "POLICY_ENABLED"); v != "" {
		cfg.Policy.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv(EnvPrefix + "POLICY_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Policy.CheckInterval = d
		}
	}
	if v := os.Getenv(EnvPrefix + "POLICY_KINDS"); v != "" {
		cfg.Policy.Kinds = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "POLICY_TABLES"); v != "" {
		cfg.Policy.Tables = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "POLICY_SCAN_THRESHOLD"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Policy.ScanThreshold)
	}

	// Log configuration
	if v := os.Getenv(EnvPrefix + "LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// EnsureDirectories creates the directory holding the GeoPackage file.
func (c *Config) EnsureDirectories() error {
	dir := filepath.Dir(c.GeoPackage)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

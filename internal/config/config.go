// Package config provides unified configuration for the glue-athena-utils
// binaries: backend selection, per-backend settings, rewrite defaults, and
// the query-result cache.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chriscugliotta/glue-athena-utils/internal/database"
)

// Backend selects the database implementation.
type Backend string

const (
	BackendAthena Backend = "athena"
	BackendSQLite Backend = "sqlite"
)

// Config holds the unified configuration for all binaries.
type Config struct {
	// Backend selects the database implementation: athena, sqlite
	Backend Backend `json:"backend" yaml:"backend"`

	// Athena configuration (for the athena backend)
	Athena database.AthenaConfig `json:"athena" yaml:"athena"`

	// SQLite configuration (for the sqlite backend)
	SQLite database.SQLiteConfig `json:"sqlite" yaml:"sqlite"`

	// Rewrite defaults
	Rewrite RewriteConfig `json:"rewrite" yaml:"rewrite"`

	// Cache configuration for query results
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Migration configuration
	Migration MigrationConfig `json:"migration" yaml:"migration"`
}

// RewriteConfig holds defaults for rewrite operations.
type RewriteConfig struct {
	// ChunkSize is the maximum number of partitions per statement
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// BackupSuffix is appended to a table's name to form its backup's name
	BackupSuffix string `json:"backup_suffix" yaml:"backup_suffix"`
}

// CacheConfig holds query-result cache configuration.
type CacheConfig struct {
	// Dir is the directory cache files are written to; empty disables caching
	Dir string `json:"dir" yaml:"dir"`

	// Mode is the refresh mode: always, never, if_needed
	Mode string `json:"mode" yaml:"mode"`
}

// MigrationConfig holds migration service configuration.
type MigrationConfig struct {
	// Dir is the directory holding version subdirectories (v1, v2, ...)
	Dir string `json:"dir" yaml:"dir"`

	// VersionTable overrides the version table's name
	VersionTable string `json:"version_table" yaml:"version_table"`

	// VersionLocation is the version table's storage location (athena only)
	VersionLocation string `json:"version_location" yaml:"version_location"`

	// PollAttempts bounds the wait for another process's migration lock
	PollAttempts int `json:"poll_attempts" yaml:"poll_attempts"`

	// PollDelay is the wait between lock checks
	PollDelay time.Duration `json:"poll_delay" yaml:"poll_delay"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendSQLite,
		SQLite: database.SQLiteConfig{
			Path: "./data/gau.db",
		},
		Athena: database.AthenaConfig{
			MaxAttempts:  5,
			BaseDelay:    30 * time.Second,
			PollInterval: time.Second,
		},
		Rewrite: RewriteConfig{
			ChunkSize:    100,
			BackupSuffix: "__backup",
		},
		Cache: CacheConfig{
			Mode: "if_needed",
		},
		Migration: MigrationConfig{
			VersionTable: "version",
			PollAttempts: 20,
			PollDelay:    15 * time.Second,
		},
	}
}

// Load reads configuration from an optional file, then applies environment
// overrides. A .env file in the working directory is loaded first if
// present. path may be empty, in which case defaults plus environment
// apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

// LoadFromEnv applies environment variable overrides.
// Environment variables use the GAU_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GAU_BACKEND"); v != "" {
		cfg.Backend = Backend(v)
	}

	// Athena configuration
	if v := os.Getenv("GAU_ATHENA_REGION"); v != "" {
		cfg.Athena.Region = v
	}
	if v := os.Getenv("GAU_ATHENA_DATABASE"); v != "" {
		cfg.Athena.Database = v
	}
	if v := os.Getenv("GAU_ATHENA_WORKGROUP"); v != "" {
		cfg.Athena.Workgroup = v
	}
	if v := os.Getenv("GAU_ATHENA_OUTPUT_PREFIX"); v != "" {
		cfg.Athena.OutputPrefix = v
	}
	if v := os.Getenv("GAU_ATHENA_DATABASE_PREFIX"); v != "" {
		cfg.Athena.DatabasePrefix = v
	}
	if v := os.Getenv("GAU_ATHENA_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Athena.MaxAttempts)
	}
	if v := os.Getenv("GAU_ATHENA_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Athena.BaseDelay = d
		}
	}

	// SQLite configuration
	if v := os.Getenv("GAU_SQLITE_PATH"); v != "" {
		cfg.SQLite.Path = v
	}

	// Rewrite configuration
	if v := os.Getenv("GAU_REWRITE_CHUNK_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Rewrite.ChunkSize)
	}
	if v := os.Getenv("GAU_REWRITE_BACKUP_SUFFIX"); v != "" {
		cfg.Rewrite.BackupSuffix = v
	}

	// Cache configuration
	if v := os.Getenv("GAU_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("GAU_CACHE_MODE"); v != "" {
		cfg.Cache.Mode = v
	}

	// Migration configuration
	if v := os.Getenv("GAU_MIGRATION_DIR"); v != "" {
		cfg.Migration.Dir = v
	}
	if v := os.Getenv("GAU_MIGRATION_VERSION_TABLE"); v != "" {
		cfg.Migration.VersionTable = v
	}
	if v := os.Getenv("GAU_MIGRATION_VERSION_LOCATION"); v != "" {
		cfg.Migration.VersionLocation = v
	}
}

// Connect opens a connection to the configured backend. Backend selection
// happens once, here; everything downstream works against the Connection
// interface.
func (c *Config) Connect(ctx context.Context) (database.Connection, error) {
	switch c.Backend {
	case BackendAthena:
		return database.NewAthenaConnection(ctx, c.Athena)
	default:
		return database.NewSQLiteConnection(c.SQLite)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAthena, BackendSQLite:
		// Valid backends
	default:
		return fmt.Errorf("invalid backend: %s (must be athena or sqlite)", c.Backend)
	}

	if c.Backend == BackendAthena && c.Athena.Database == "" {
		return fmt.Errorf("athena.database is required when backend is athena")
	}

	if c.Rewrite.ChunkSize <= 0 {
		return fmt.Errorf("rewrite.chunk_size must be positive, got %d", c.Rewrite.ChunkSize)
	}

	switch c.Cache.Mode {
	case "", "always", "never", "if_needed":
		// Valid modes
	default:
		return fmt.Errorf("invalid cache mode: %s (must be always, never, or if_needed)", c.Cache.Mode)
	}

	return nil
}

package kvstore

import (
	"context"
	"fmt"
)

// Driver identifiers accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Driver string
	// Path is the database file for sqlite and the directory for file.
	Path  string
	Redis RedisConfig
}

// Open creates the store selected by cfg.Driver. An empty driver means sqlite.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	switch driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite driver requires a path")
		}
		return OpenSQLite(cfg.Path)
	case DriverFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file driver requires a path")
		}
		return OpenFile(cfg.Path)
	case DriverRedis:
		return OpenRedis(ctx, cfg.Redis)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}

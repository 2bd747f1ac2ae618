package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
)

// RefreshMode controls when a cached query is re-executed.
type RefreshMode string

const (
	// RefreshAlways always executes the query and overwrites the cache.
	RefreshAlways RefreshMode = "always"

	// RefreshNever always returns the cached result, failing if absent.
	RefreshNever RefreshMode = "never"

	// RefreshIfNeeded executes the query only when no cached result exists.
	RefreshIfNeeded RefreshMode = "if_needed"
)

// QueryCache caches query results on local disk, keyed by a hash of the
// rendered SQL. Loading from a remote engine can take minutes per query;
// caching lets later pipeline stages be re-run and tested without waiting
// on the slow first stage each time.
type QueryCache struct {
	conn Connection
	dir  string
	mode RefreshMode
}

// NewQueryCache creates a cache over the given connection. Results are
// stored as snappy-compressed JSON files under dir.
func NewQueryCache(conn Connection, dir string, mode RefreshMode) (*QueryCache, error) {
	switch mode {
	case RefreshAlways, RefreshNever, RefreshIfNeeded:
	default:
		return nil, gauerrors.Newf(gauerrors.ErrCategoryConfiguration, gauerrors.CodeInvalidConfig,
			"invalid cache refresh mode: %q", mode)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, gauerrors.NewStorageError(gauerrors.CodeUploadFailed, "failed to create cache directory", err)
	}
	return &QueryCache{conn: conn, dir: dir, mode: mode}, nil
}

// Query returns the result for the given SQL, from cache when the refresh
// mode allows it.
func (c *QueryCache) Query(ctx context.Context, sqlText string) (*Result, error) {
	path := c.cachePath(sqlText)

	if c.mode != RefreshAlways {
		if result, err := readCached(path); err == nil {
			log.Printf("database: cache hit at %s", filepath.Base(path))
			return result, nil
		} else if c.mode == RefreshNever {
			return nil, gauerrors.NewStorageError(gauerrors.CodeDownloadFailed,
				fmt.Sprintf("cache refresh is %q but no cached result exists at %s", RefreshNever, path), err)
		}
	}

	result, err := c.conn.Query(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	if err := writeCached(path, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Invalidate removes the cached result for the given SQL, if any.
func (c *QueryCache) Invalidate(sqlText string) error {
	err := os.Remove(c.cachePath(sqlText))
	if err != nil && !os.IsNotExist(err) {
		return gauerrors.NewStorageError(gauerrors.CodeDeleteRefused, "failed to remove cached result", err)
	}
	return nil
}

// cachePath derives a stable file name from the rendered SQL text.
func (c *QueryCache) cachePath(sqlText string) string {
	h1, h2 := murmur3.Sum128([]byte(sqlText))
	return filepath.Join(c.dir, fmt.Sprintf("%016x%016x.json.sz", h1, h2))
}

func readCached(path string) (*Result, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func writeCached(path string, result *Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return gauerrors.NewInternalError("failed to marshal query result", err)
	}
	if err := os.WriteFile(path, snappy.Encode(nil, raw), 0644); err != nil {
		return gauerrors.NewStorageError(gauerrors.CodeUploadFailed, "failed to write cached result", err)
	}
	return nil
}

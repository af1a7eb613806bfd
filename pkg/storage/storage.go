// Package storage abstracts the object store that holds the medallion layers.
//
// Keys are slash-separated paths such as
// "bronze/run_id=2024-06-01/_manifest.json". Every backend makes a single Put
// atomic with respect to readers: a Get either sees the previous object or
// the complete new one.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Cerresi/bees-case/pkg/config"
	"github.com/Cerresi/bees-case/pkg/errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New(errors.ErrorTypeNotFound, "object not found")

// Store is an object store keyed by slash-separated paths.
type Store interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error
	// Get reads the object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Close releases backend resources.
	Close() error
}

// New creates the Store selected by cfg.Type.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "fs":
		return NewFSStore(cfg.Root)
	case "memory":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3Store(ctx, cfg)
	case "gcs":
		return NewGCSStore(ctx, cfg)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported storage type: %s", cfg.Type)
	}
}

func notFound(key string) error {
	return fmt.Errorf("%s: %w", key, ErrNotFound)
}

// joinKey prepends a bucket prefix to key.
func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func trimKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

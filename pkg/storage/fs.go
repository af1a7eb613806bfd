package storage

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/Cerresi/bees-case/pkg/errors"
)

const tempPrefix = ".tmp-"

// FSStore keeps objects as files below a root directory. Puts go through a
// temp file and a rename so readers never observe a partial object.
type FSStore struct {
	fs afero.Fs
}

// NewFSStore creates a store rooted at dir on the local disk.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "storage root is required for fs storage")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid storage root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to create storage root")
	}
	return &FSStore{fs: afero.NewBasePathFs(afero.NewOsFs(), abs)}, nil
}

// NewMemoryStore creates an in-memory store, used by tests and dry runs.
func NewMemoryStore() *FSStore {
	return &FSStore{fs: afero.NewBasePathFs(afero.NewMemMapFs(), "/")}
}

// Put implements Store.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := filepath.FromSlash(key)
	dir := filepath.Dir(name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to create directory").WithDetail("key", key)
	}

	tmp, err := afero.TempFile(s.fs, dir, tempPrefix+"*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to create temp file").WithDetail("key", key)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to write object").WithDetail("key", key)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to close object").WithDetail("key", key)
	}
	if err := s.fs.Rename(tmpName, name); err != nil {
		_ = s.fs.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to commit object").WithDetail("key", key)
	}
	return nil
}

// Get implements Store.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, filepath.FromSlash(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(key)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read object").WithDetail("key", key)
	}
	return data, nil
}

// List implements Store.
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := prefix
	if !strings.HasSuffix(root, "/") {
		root = path.Dir(root)
	}
	root = filepath.FromSlash(strings.TrimSuffix(root, "/"))
	if root == "" {
		root = "."
	}
	if ok, _ := afero.DirExists(s.fs, root); !ok {
		return nil, nil
	}

	var keys []string
	err := afero.Walk(s.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) {
			return nil
		}
		key := strings.TrimPrefix(filepath.ToSlash(p), "./")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to list objects").WithDetail("prefix", prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Store.
func (s *FSStore) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.fs.Remove(filepath.FromSlash(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to delete object").WithDetail("key", key)
		}
	}
	return nil
}

// Close implements Store.
func (s *FSStore) Close() error { return nil }

package storage

import (
	"context"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Cerresi/bees-case/pkg/config"
	"github.com/Cerresi/bees-case/pkg/errors"
)

// GCSStore keeps objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore creates a store using application default credentials, or
// cfg.CredentialsFile when set. cfg.Endpoint points the client at an
// emulator.
func NewGCSStore(ctx context.Context, cfg config.StorageConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "bucket is required for gcs storage")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create GCS client")
	}
	return &GCSStore{client: client, bucket: client.Bucket(cfg.Bucket), prefix: cfg.Prefix}, nil
}

// Put implements Store. The object becomes visible only when the writer is
// closed successfully.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	w := s.bucket.Object(joinKey(s.prefix, key)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to write to GCS").WithDetail("key", key)
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to close GCS writer").WithDetail("key", key)
	}
	return nil
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.Object(joinKey(s.prefix, key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, notFound(key)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to open GCS object").WithDetail("key", key)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read GCS object").WithDetail("key", key)
	}
	return data, nil
}

// List implements Store.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: joinKey(s.prefix, prefix)})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to list GCS objects").WithDetail("prefix", prefix)
		}
		keys = append(keys, trimKey(s.prefix, attrs.Name))
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Store.
func (s *GCSStore) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		err := s.bucket.Object(joinKey(s.prefix, key)).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to delete GCS object").WithDetail("key", key)
		}
	}
	return nil
}

// Close implements Store.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

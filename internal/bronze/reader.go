package bronze

import (
	"bytes"
	"context"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Cerresi/bees-case/internal/layout"
	"github.com/Cerresi/bees-case/pkg/compression"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/models"
	"github.com/Cerresi/bees-case/pkg/storage"
)

// Reader reads committed Bronze batches.
type Reader struct {
	store  storage.Store
	logger *zap.Logger
}

// NewReader creates a reader.
func NewReader(store storage.Store, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{store: store, logger: logger.With(zap.String("component", "bronze_reader"))}
}

// Manifest returns the manifest of the run's committed batch.
func (r *Reader) Manifest(ctx context.Context, runID string) (*layout.Manifest, error) {
	m, err := layout.ReadManifest(ctx, r.store, layout.Bronze, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.New(errors.ErrorTypeNoInputData, "no committed bronze batch").WithDetail("run_id", runID)
		}
		return nil, err
	}
	return m, nil
}

// ReadBatch returns every entry of the run's committed batch in page and
// position order. A missing or empty batch is ErrorTypeNoInputData.
func (r *Reader) ReadBatch(ctx context.Context, runID string) ([]models.BronzeEntry, error) {
	m, err := r.Manifest(ctx, runID)
	if err != nil {
		return nil, err
	}

	var entries []models.BronzeEntry
	for _, key := range m.Objects {
		data, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read bronze page").WithDetail("key", key)
		}
		c, err := compression.ForKey(key)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "unknown bronze page codec").WithDetail("key", key)
		}
		if data, err = c.Decompress(data); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decompress bronze page").WithDetail("key", key)
		}

		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var entry models.BronzeEntry
			if err := gojson.Unmarshal(line, &entry); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeInternal, "corrupt bronze entry").WithDetail("key", key)
			}
			entries = append(entries, entry)
		}
	}

	if len(entries) == 0 {
		return nil, errors.New(errors.ErrorTypeNoInputData, "bronze batch is empty").WithDetail("run_id", runID)
	}
	r.logger.Debug("bronze batch read", zap.String("run_id", runID), zap.Int("entries", len(entries)))
	return entries, nil
}

package silver

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Cerresi/bees-case/internal/layout"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/formats/columnar"
	"github.com/Cerresi/bees-case/pkg/models"
	"github.com/Cerresi/bees-case/pkg/storage"
)

// Partition is the committed content of one Silver partition.
type Partition struct {
	Key     models.PartitionKey
	Records []models.SilverRecord
}

// Reader reads a run's committed Silver layer.
type Reader struct {
	store  storage.Store
	logger *zap.Logger
}

// NewReader creates a reader.
func NewReader(store storage.Store, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{store: store, logger: logger.With(zap.String("component", "silver_reader"))}
}

// Manifest returns the manifest of the run's committed Silver layer.
func (r *Reader) Manifest(ctx context.Context, runID string) (*layout.Manifest, error) {
	m, err := layout.ReadManifest(ctx, r.store, layout.Silver, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.New(errors.ErrorTypeNoInputData, "no committed silver layer").WithDetail("run_id", runID)
		}
		return nil, err
	}
	return m, nil
}

// ReadPartitions returns every committed partition in key order. A run with
// no committed partitions is ErrorTypeNoInputData.
func (r *Reader) ReadPartitions(ctx context.Context, runID string) ([]Partition, error) {
	m, err := r.Manifest(ctx, runID)
	if err != nil {
		return nil, err
	}

	var partitions []Partition
	for _, object := range m.Objects {
		key, err := parsePartitionPath(m.Relative(object))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "unexpected silver object").WithDetail("key", object)
		}
		data, err := r.store.Get(ctx, object)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read silver partition").WithDetail("key", object)
		}
		records, err := columnar.SilverCodec.Decode(ctx, data, nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode silver partition").WithDetail("key", object)
		}
		partitions = append(partitions, Partition{Key: key, Records: records})
	}

	if len(partitions) == 0 {
		return nil, errors.New(errors.ErrorTypeNoInputData, "silver layer has no partitions").WithDetail("run_id", runID)
	}
	r.logger.Debug("silver partitions read", zap.String("run_id", runID), zap.Int("partitions", len(partitions)))
	return partitions, nil
}

// parsePartitionPath reads the key from "country=<c>/state=<s>/<file>".
func parsePartitionPath(rel string) (models.PartitionKey, error) {
	parts := strings.Split(rel, "/")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "country=") || !strings.HasPrefix(parts[1], "state=") {
		return models.PartitionKey{}, errors.Newf(errors.ErrorTypeInternal, "malformed partition path %q", rel)
	}
	country, err := layout.UnescapeValue(strings.TrimPrefix(parts[0], "country="))
	if err != nil {
		return models.PartitionKey{}, err
	}
	state, err := layout.UnescapeValue(strings.TrimPrefix(parts[1], "state="))
	if err != nil {
		return models.PartitionKey{}, err
	}
	return models.PartitionKey{Country: country, State: state}, nil
}

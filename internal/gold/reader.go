package gold

import (
	"context"

	"go.uber.org/zap"

	"github.com/Cerresi/bees-case/internal/layout"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/formats/columnar"
	"github.com/Cerresi/bees-case/pkg/models"
	"github.com/Cerresi/bees-case/pkg/storage"
)

// Reader reads a run's committed Gold tables.
type Reader struct {
	store  storage.Store
	logger *zap.Logger
}

// NewReader creates a reader.
func NewReader(store storage.Store, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{store: store, logger: logger.With(zap.String("component", "gold_reader"))}
}

// ReadAggregates returns the per-state table of the run.
func (r *Reader) ReadAggregates(ctx context.Context, runID string) ([]models.GoldAggregate, error) {
	data, err := r.table(ctx, runID, StateTable)
	if err != nil {
		return nil, err
	}
	rows, err := columnar.GoldStateCodec.Decode(ctx, data, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode state aggregates")
	}
	return rows, nil
}

// ReadCountryAggregates returns the per-country table of the run.
func (r *Reader) ReadCountryAggregates(ctx context.Context, runID string) ([]models.CountryAggregate, error) {
	data, err := r.table(ctx, runID, CountryTable)
	if err != nil {
		return nil, err
	}
	rows, err := columnar.GoldCountryCodec.Decode(ctx, data, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode country aggregates")
	}
	return rows, nil
}

func (r *Reader) table(ctx context.Context, runID, name string) ([]byte, error) {
	m, err := layout.ReadManifest(ctx, r.store, layout.Gold, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.New(errors.ErrorTypeNoInputData, "no committed gold layer").WithDetail("run_id", runID)
		}
		return nil, err
	}
	for _, key := range m.Objects {
		if m.Relative(key) != name {
			continue
		}
		data, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read gold table").WithDetail("key", key)
		}
		return data, nil
	}
	return nil, errors.Newf(errors.ErrorTypeNotFound, "gold table %s missing from manifest", name).WithDetail("run_id", runID)
}

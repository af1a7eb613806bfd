// Package gold computes brewery counts per (country, state, type) and per
// (country, type) from a run's Silver layer.
package gold

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Cerresi/bees-case/internal/bronze"
	"github.com/Cerresi/bees-case/internal/layout"
	"github.com/Cerresi/bees-case/internal/silver"
	"github.com/Cerresi/bees-case/pkg/config"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/formats/columnar"
	"github.com/Cerresi/bees-case/pkg/metrics"
	"github.com/Cerresi/bees-case/pkg/models"
	"github.com/Cerresi/bees-case/pkg/observability"
	"github.com/Cerresi/bees-case/pkg/storage"
)

// Object names of the Gold tables inside an attempt.
const (
	StateTable   = "brewery_counts_by_state" + columnar.Extension
	CountryTable = "brewery_counts_by_country" + columnar.Extension
)

// Summary describes one Gold aggregation.
type Summary struct {
	RunID         string    `json:"run_id"`
	Attempt       string    `json:"attempt"`
	SilverRecords int64     `json:"silver_records"`
	Partitions    int       `json:"partitions"`
	StateRows     int       `json:"state_rows"`
	CountryRows   int       `json:"country_rows"`
	RunTimestamp  time.Time `json:"run_timestamp"`
}

// Aggregator builds the Gold layer of a run.
type Aggregator struct {
	store  storage.Store
	silver *silver.Reader
	bronze *bronze.Reader
	writer *columnar.WriterConfig
	logger *zap.Logger
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store storage.Store, cfg *config.Config, logger *zap.Logger) (*Aggregator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := columnar.ParseCompression(cfg.Storage.ParquetCompression); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid parquet compression")
	}
	writer := columnar.DefaultWriterConfig()
	writer.Compression = cfg.Storage.ParquetCompression
	return &Aggregator{
		store:  store,
		silver: silver.NewReader(store, logger),
		bronze: bronze.NewReader(store, logger),
		writer: writer,
		logger: logger.With(zap.String("component", "gold_aggregator")),
	}, nil
}

type groupKey struct {
	partition   models.PartitionKey
	breweryType models.BreweryType
}

// Aggregate recomputes the run's Gold tables from its committed Silver
// layer and replaces any earlier Gold output of the run.
func (a *Aggregator) Aggregate(ctx context.Context, runID string) (summary *Summary, err error) {
	ctx, span := observability.StartSpan(ctx, "gold.aggregate", attribute.String("run_id", runID))
	defer func() { observability.EndSpan(span, err) }()

	partitions, err := a.silver.ReadPartitions(ctx, runID)
	if err != nil {
		return nil, err
	}
	runTS, err := a.runTimestamp(ctx, runID)
	if err != nil {
		return nil, err
	}

	summary = &Summary{RunID: runID, Partitions: len(partitions), RunTimestamp: runTS}
	counts := make(map[groupKey]int64)
	for _, p := range partitions {
		for i := range p.Records {
			counts[groupKey{partition: p.Key, breweryType: p.Records[i].BreweryType}]++
			summary.SilverRecords++
		}
	}

	stateRows := stateAggregates(counts, runTS)
	countryRows := countryAggregates(stateRows)
	summary.StateRows = len(stateRows)
	summary.CountryRows = len(countryRows)

	stateData, err := columnar.GoldStateCodec.Encode(stateRows, a.writer)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to encode state aggregates")
	}
	countryData, err := columnar.GoldCountryCodec.Encode(countryRows, a.writer)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to encode country aggregates")
	}

	attempt := layout.Begin(a.store, layout.Gold, runID, a.logger)
	summary.Attempt = attempt.ID()
	abort := func() {
		if err := attempt.Abort(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("failed to discard staged tables", zap.String("run_id", runID), zap.Error(err))
		}
	}

	if err := attempt.Put(ctx, StateTable, stateData); err != nil {
		abort()
		return nil, err
	}
	if err := attempt.Put(ctx, CountryTable, countryData); err != nil {
		abort()
		return nil, err
	}
	if _, err := attempt.Commit(ctx, map[string]int64{
		"silver_records": summary.SilverRecords,
		"state_rows":     int64(summary.StateRows),
		"country_rows":   int64(summary.CountryRows),
	}); err != nil {
		abort()
		return nil, err
	}

	metrics.StageRecords.WithLabelValues("aggregate", "read").Add(float64(summary.SilverRecords))
	metrics.StageRecords.WithLabelValues("aggregate", "written").Add(float64(summary.StateRows + summary.CountryRows))

	a.logger.Info("gold layer committed",
		zap.String("run_id", runID),
		zap.String("attempt", summary.Attempt),
		zap.Int64("silver_records", summary.SilverRecords),
		zap.Int("state_rows", summary.StateRows),
		zap.Int("country_rows", summary.CountryRows),
		zap.Time("run_timestamp", runTS))
	return summary, nil
}

// runTimestamp prefers the logical time carried by the run id and falls
// back to the timestamp pinned by the run's first Bronze commit, which Silver
// carries forward when the Bronze batch is gone.
func (a *Aggregator) runTimestamp(ctx context.Context, runID string) (time.Time, error) {
	if ts, ok := layout.LogicalTime(runID); ok {
		return ts, nil
	}
	m, err := a.bronze.Manifest(ctx, runID)
	if err == nil {
		return m.RunTime(), nil
	}
	if !errors.IsType(err, errors.ErrorTypeNoInputData) {
		return time.Time{}, err
	}
	sm, err := a.silver.Manifest(ctx, runID)
	if err != nil {
		return time.Time{}, err
	}
	return sm.RunTime(), nil
}

// stateAggregates turns group counts into rows sorted by country, state and
// brewery type. Groups with a zero count are omitted.
func stateAggregates(counts map[groupKey]int64, runTS time.Time) []models.GoldAggregate {
	rows := make([]models.GoldAggregate, 0, len(counts))
	for k, n := range counts {
		if n == 0 {
			continue
		}
		rows = append(rows, models.GoldAggregate{
			Country:      k.partition.Country,
			State:        k.partition.State,
			BreweryType:  k.breweryType,
			Count:        n,
			RunTimestamp: runTS,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Country != rows[j].Country {
			return rows[i].Country < rows[j].Country
		}
		if rows[i].State != rows[j].State {
			return rows[i].State < rows[j].State
		}
		return rows[i].BreweryType < rows[j].BreweryType
	})
	return rows
}

// countryAggregates rolls sorted state rows up to (country, type).
func countryAggregates(stateRows []models.GoldAggregate) []models.CountryAggregate {
	idx := make(map[[2]string]int)
	var rows []models.CountryAggregate
	for _, r := range stateRows {
		k := [2]string{r.Country, string(r.BreweryType)}
		if i, ok := idx[k]; ok {
			rows[i].Count += r.Count
			continue
		}
		idx[k] = len(rows)
		rows = append(rows, models.CountryAggregate{
			Country:      r.Country,
			BreweryType:  r.BreweryType,
			Count:        r.Count,
			RunTimestamp: r.RunTimestamp,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Country != rows[j].Country {
			return rows[i].Country < rows[j].Country
		}
		return rows[i].BreweryType < rows[j].BreweryType
	})
	return rows
}

// Package silver turns a committed Bronze batch into validated, deduplicated
// brewery records stored as one Parquet object per (country, state)
// partition. Records failing validation go to the rejects log.
package silver

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	gojson "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Cerresi/bees-case/internal/bronze"
	"github.com/Cerresi/bees-case/internal/layout"
	"github.com/Cerresi/bees-case/pkg/config"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/formats/columnar"
	"github.com/Cerresi/bees-case/pkg/metrics"
	"github.com/Cerresi/bees-case/pkg/models"
	"github.com/Cerresi/bees-case/pkg/observability"
	"github.com/Cerresi/bees-case/pkg/storage"
)

// PartFile is the object name of a partition's data inside its directory.
const PartFile = "part-00000" + columnar.Extension

// Summary describes one Silver transform.
type Summary struct {
	RunID      string `json:"run_id"`
	Attempt    string `json:"attempt"`
	Read       int    `json:"records_read"`
	Rejected   int    `json:"rejected"`
	Duplicates int    `json:"duplicates_dropped"`
	Written    int    `json:"written"`
	Partitions int    `json:"partitions"`
	RejectsKey string `json:"rejects_key,omitempty"`
}

// Transformer builds the Silver layer of a run.
type Transformer struct {
	store      storage.Store
	bronze     *bronze.Reader
	normalizer *Normalizer
	writer     *columnar.WriterConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewTransformer creates a transformer over store.
func NewTransformer(store storage.Store, cfg *config.Config, logger *zap.Logger) (*Transformer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := columnar.ParseCompression(cfg.Storage.ParquetCompression); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid parquet compression")
	}
	writer := columnar.DefaultWriterConfig()
	writer.Compression = cfg.Storage.ParquetCompression
	return &Transformer{
		store:      store,
		bronze:     bronze.NewReader(store, logger),
		normalizer: NewNormalizer(cfg.Transform),
		writer:     writer,
		logger:     logger.With(zap.String("component", "silver_transformer")),
		now:        time.Now,
	}, nil
}

// PartitionPath is the relative directory of a partition.
func PartitionPath(key models.PartitionKey) string {
	return fmt.Sprintf("country=%s/state=%s/", layout.EscapeValue(key.Country), layout.EscapeValue(key.State))
}

// candidate is a valid record with the Bronze coordinates used for dedup.
type candidate struct {
	record    *models.SilverRecord
	fetchedAt time.Time
	page      int
	position  int
}

func (c candidate) supersedes(o candidate) bool {
	if !c.fetchedAt.Equal(o.fetchedAt) {
		return c.fetchedAt.After(o.fetchedAt)
	}
	if c.page != o.page {
		return c.page > o.page
	}
	return c.position > o.position
}

// Transform rebuilds the run's Silver layer from its committed Bronze batch
// and replaces any earlier Silver output of the run. Invalid records are
// logged as rejects and never fail the run.
func (t *Transformer) Transform(ctx context.Context, runID string) (summary *Summary, err error) {
	ctx, span := observability.StartSpan(ctx, "silver.transform", attribute.String("run_id", runID))
	defer func() { observability.EndSpan(span, err) }()

	entries, err := t.bronze.ReadBatch(ctx, runID)
	if err != nil {
		return nil, err
	}

	bm, err := t.bronze.Manifest(ctx, runID)
	if err != nil {
		return nil, err
	}

	attempt := layout.Begin(t.store, layout.Silver, runID, t.logger)
	attempt.PinRunTimestamp(bm.RunTime())
	summary = &Summary{RunID: runID, Attempt: attempt.ID(), Read: len(entries)}

	rejectedAt := t.now().UTC()
	var rejects []models.RejectEntry
	best := make(map[string]candidate, len(entries))
	valid := 0

	for _, entry := range entries {
		rec, externalID, verr := t.normalizer.project(runID, entry)
		if verr != nil {
			reason := verr.Error()
			var e *errors.Error
			if errors.As(verr, &e) {
				reason = e.Message
			}
			rejects = append(rejects, models.RejectEntry{
				RunID:      runID,
				Page:       entry.Page,
				Position:   entry.Position,
				ExternalID: externalID,
				Reason:     reason,
				RejectedAt: rejectedAt,
				Record:     entry.Record,
			})
			metrics.Rejects.WithLabelValues(metrics.RejectReasonLabel(reason)).Inc()
			continue
		}
		valid++
		c := candidate{record: rec, fetchedAt: entry.FetchedAt, page: entry.Page, position: entry.Position}
		if prev, ok := best[rec.ID]; !ok || c.supersedes(prev) {
			best[rec.ID] = c
		}
	}
	summary.Rejected = len(rejects)
	summary.Duplicates = valid - len(best)

	records := make([]*models.SilverRecord, 0, len(best))
	for _, c := range best {
		records = append(records, c.record)
	}
	CanonicalCasing(records)

	partitions := make(map[models.PartitionKey][]models.SilverRecord)
	for _, rec := range records {
		key := rec.Partition()
		partitions[key] = append(partitions[key], *rec)
	}
	keys := make([]models.PartitionKey, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	var rejectsKey string
	abort := func() {
		cleanup := context.WithoutCancel(ctx)
		if err := attempt.Abort(cleanup); err != nil {
			t.logger.Warn("failed to discard staged partitions", zap.String("run_id", runID), zap.Error(err))
		}
		if rejectsKey != "" {
			if err := t.store.Delete(cleanup, rejectsKey); err != nil {
				t.logger.Warn("failed to discard rejects object", zap.String("key", rejectsKey), zap.Error(err))
			}
		}
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			abort()
			return nil, err
		}
		rows := partitions[key]
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
		data, err := columnar.SilverCodec.Encode(rows, t.writer)
		if err != nil {
			abort()
			return nil, errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to encode silver partition").
				WithDetail("partition", key.String())
		}
		if err := attempt.Put(ctx, PartitionPath(key)+PartFile, data); err != nil {
			abort()
			return nil, err
		}
		summary.Written += len(rows)
	}
	summary.Partitions = len(keys)

	if len(rejects) > 0 {
		rejectsKey = layout.RejectsKey(runID, rejectedAt, attempt.ID())
		if err := t.writeRejects(ctx, rejectsKey, rejects); err != nil {
			rejectsKey = ""
			abort()
			return nil, err
		}
		summary.RejectsKey = rejectsKey
	}

	if _, err := attempt.Commit(ctx, map[string]int64{
		"records_read":       int64(summary.Read),
		"rejected":           int64(summary.Rejected),
		"duplicates_dropped": int64(summary.Duplicates),
		"written":            int64(summary.Written),
		"partitions":         int64(summary.Partitions),
	}); err != nil {
		abort()
		return nil, err
	}

	metrics.StageRecords.WithLabelValues("transform", "read").Add(float64(summary.Read))
	metrics.StageRecords.WithLabelValues("transform", "rejected").Add(float64(summary.Rejected))
	metrics.StageRecords.WithLabelValues("transform", "duplicate").Add(float64(summary.Duplicates))
	metrics.StageRecords.WithLabelValues("transform", "written").Add(float64(summary.Written))

	t.logger.Info("silver layer committed",
		zap.String("run_id", runID),
		zap.String("attempt", summary.Attempt),
		zap.Int("read", summary.Read),
		zap.Int("rejected", summary.Rejected),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("written", summary.Written),
		zap.Int("partitions", summary.Partitions))
	return summary, nil
}

func (t *Transformer) writeRejects(ctx context.Context, key string, rejects []models.RejectEntry) error {
	var buf bytes.Buffer
	for i := range rejects {
		line, err := gojson.Marshal(&rejects[i])
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to encode reject entry")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := t.store.Put(ctx, key, buf.Bytes()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to append rejects").WithDetail("key", key)
	}
	return nil
}

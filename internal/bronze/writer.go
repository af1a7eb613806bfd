// Package bronze persists raw source pages, one JSON-lines object per page,
// and reads a committed batch back for the Silver stage.
package bronze

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Cerresi/bees-case/internal/layout"
	"github.com/Cerresi/bees-case/pkg/compression"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/models"
	"github.com/Cerresi/bees-case/pkg/storage"
)

// Summary describes a persisted Bronze batch.
type Summary struct {
	RunID   string `json:"run_id"`
	Attempt string `json:"attempt"`
	Pages   int    `json:"pages"`
	Entries int    `json:"entries"`
}

// Writer persists pages for a run.
type Writer struct {
	store      storage.Store
	compressor compression.Compressor
	logger     *zap.Logger
	now        func() time.Time
}

// NewWriter creates a writer compressing page objects with codec
// ("none", "gzip", "zstd", "snappy" or "lz4").
func NewWriter(store storage.Store, codec string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	algo, err := compression.ParseAlgorithm(codec)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid bronze compression")
	}
	c, err := compression.NewCompressor(algo)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid bronze compression")
	}
	return &Writer{
		store:      store,
		compressor: c,
		logger:     logger.With(zap.String("component", "bronze_writer")),
		now:        time.Now,
	}, nil
}

// PageKey is the object name of a page inside an attempt.
func (w *Writer) PageKey(page int) string {
	return fmt.Sprintf("page=%05d.jsonl%s", page, w.compressor.Extension())
}

// Persist consumes pages and commits them as the run's Bronze batch,
// replacing any earlier batch of the run. If pages yields an error, the
// staged objects are discarded and that error is returned unchanged.
func (w *Writer) Persist(ctx context.Context, runID string, pages iter.Seq2[models.Page, error]) (*Summary, error) {
	attempt := layout.Begin(w.store, layout.Bronze, runID, w.logger)
	summary := &Summary{RunID: runID, Attempt: attempt.ID()}

	abort := func() {
		// staged objects are removed even when ctx is already cancelled
		if err := attempt.Abort(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn("failed to discard staged pages", zap.String("run_id", runID), zap.Error(err))
		}
	}

	for page, err := range pages {
		if err != nil {
			abort()
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			abort()
			return nil, err
		}

		data, err := w.encodePage(runID, page)
		if err != nil {
			abort()
			return nil, err
		}
		if err := attempt.Put(ctx, w.PageKey(page.Index), data); err != nil {
			abort()
			return nil, err
		}
		summary.Pages++
		summary.Entries += len(page.Records)
	}

	runTS, err := w.runTimestamp(ctx, runID)
	if err != nil {
		abort()
		return nil, err
	}
	attempt.PinRunTimestamp(runTS)

	if _, err := attempt.Commit(ctx, map[string]int64{
		"pages":   int64(summary.Pages),
		"entries": int64(summary.Entries),
	}); err != nil {
		abort()
		return nil, err
	}

	w.logger.Info("bronze batch committed",
		zap.String("run_id", runID),
		zap.String("attempt", summary.Attempt),
		zap.Int("pages", summary.Pages),
		zap.Int("entries", summary.Entries))
	return summary, nil
}

// runTimestamp keeps the timestamp of the run's first Bronze commit, so a
// re-ingest of a run id does not move its Gold run_timestamp. A first commit
// uses the logical time of the run id, or the current time.
func (w *Writer) runTimestamp(ctx context.Context, runID string) (time.Time, error) {
	prev, err := layout.ReadManifest(ctx, w.store, layout.Bronze, runID)
	switch {
	case err == nil:
		return prev.RunTime(), nil
	case errors.Is(err, storage.ErrNotFound):
	case errors.IsType(err, errors.ErrorTypeInternal):
		w.logger.Warn("ignoring unreadable bronze manifest", zap.String("run_id", runID), zap.Error(err))
	default:
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to read bronze manifest").
			WithDetail("run_id", runID)
	}
	if ts, ok := layout.LogicalTime(runID); ok {
		return ts, nil
	}
	return w.now().UTC().Truncate(time.Microsecond), nil
}

func (w *Writer) encodePage(runID string, page models.Page) ([]byte, error) {
	var buf bytes.Buffer
	for pos, rec := range page.Records {
		line, err := gojson.Marshal(models.BronzeEntry{
			RunID:     runID,
			Page:      page.Index,
			Position:  pos,
			FetchedAt: page.FetchedAt,
			Record:    rec,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to encode bronze entry").
				WithDetail("page", page.Index).
				WithDetail("position", pos)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	data, err := w.compressor.Compress(buf.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to compress bronze page").
			WithDetail("page", page.Index)
	}
	return data, nil
}

package bronze

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cerresi/bees-case/internal/layout"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/models"
	"github.com/Cerresi/bees-case/pkg/storage"
	"github.com/Cerresi/bees-case/pkg/testutil"
)

var fetchedAt = time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)

func page(index int, records ...string) models.Page {
	p := models.Page{Index: index, FetchedAt: fetchedAt}
	for _, r := range records {
		p.Records = append(p.Records, models.RawRecord(r))
	}
	return p
}

func pagesOf(pages []models.Page, failAfter int, failure error) iter.Seq2[models.Page, error] {
	return func(yield func(models.Page, error) bool) {
		for i, p := range pages {
			if failure != nil && i == failAfter {
				yield(models.Page{}, failure)
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// failingStore fails every Put after the first n.
type failingStore struct {
	storage.Store
	n int
}

func (s *failingStore) Put(ctx context.Context, key string, data []byte) error {
	if s.n <= 0 {
		return errors.New(errors.ErrorTypeWriteFailure, "disk full")
	}
	s.n--
	return s.Store.Put(ctx, key, data)
}

func TestPersistAndRead(t *testing.T) {
	for _, codec := range []string{"none", "gzip", "zstd", "snappy", "lz4"} {
		t.Run(codec, func(t *testing.T) {
			ctx := testutil.TestContext(t)
			store := storage.NewMemoryStore()
			w, err := NewWriter(store, codec, testutil.TestLogger(t))
			require.NoError(t, err)

			pages := []models.Page{
				page(1, `{"id":"a"}`, `{"id":"b"}`),
				page(2, `{"id":"c"}`),
			}
			summary, err := w.Persist(ctx, "2024-06-01", pagesOf(pages, 0, nil))
			require.NoError(t, err)
			assert.Equal(t, 2, summary.Pages)
			assert.Equal(t, 3, summary.Entries)

			entries, err := NewReader(store, testutil.TestLogger(t)).ReadBatch(ctx, "2024-06-01")
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, models.BronzeEntry{
				RunID: "2024-06-01", Page: 2, Position: 0, FetchedAt: fetchedAt, Record: models.RawRecord(`{"id":"c"}`),
			}, entries[2])
			assert.Equal(t, 1, entries[1].Position)
		})
	}
}

func TestPersistSourceErrorLeavesNothing(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := storage.NewMemoryStore()
	w, err := NewWriter(store, "none", nil)
	require.NoError(t, err)

	sourceErr := errors.New(errors.ErrorTypeSourceUnavailable, "page 2 unavailable after 3 attempts")
	pages := []models.Page{page(1, `{"id":"a"}`), page(2, `{"id":"b"}`)}
	_, err = w.Persist(ctx, "r1", pagesOf(pages, 1, sourceErr))
	require.Error(t, err)
	assert.Same(t, sourceErr, err)

	keys, err := store.List(ctx, layout.RunPrefix(layout.Bronze, "r1"))
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = NewReader(store, nil).ReadBatch(ctx, "r1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNoInputData))
}

func TestPersistFailureKeepsPreviousBatch(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := storage.NewMemoryStore()
	w, err := NewWriter(store, "none", nil)
	require.NoError(t, err)

	_, err = w.Persist(ctx, "r1", pagesOf([]models.Page{page(1, `{"id":"old"}`)}, 0, nil))
	require.NoError(t, err)

	_, err = w.Persist(ctx, "r1", pagesOf([]models.Page{page(1, `{"id":"new"}`), page(2, `{"id":"x"}`)}, 1,
		errors.New(errors.ErrorTypeSourceUnavailable, "boom")))
	require.Error(t, err)

	entries, err := NewReader(store, nil).ReadBatch(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"id":"old"}`, string(entries[0].Record))
}

func TestPersistReplacesBatch(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := storage.NewMemoryStore()
	w, err := NewWriter(store, "gzip", nil)
	require.NoError(t, err)

	_, err = w.Persist(ctx, "r1", pagesOf([]models.Page{page(1, `{"id":"a"}`, `{"id":"b"}`), page(2, `{"id":"c"}`)}, 0, nil))
	require.NoError(t, err)
	_, err = w.Persist(ctx, "r1", pagesOf([]models.Page{page(1, `{"id":"z"}`)}, 0, nil))
	require.NoError(t, err)

	entries, err := NewReader(store, nil).ReadBatch(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"id":"z"}`, string(entries[0].Record))

	keys, err := store.List(ctx, layout.RunPrefix(layout.Bronze, "r1"))
	require.NoError(t, err)
	assert.Len(t, keys, 2, "manifest plus one page object")
}

func TestPersistPinsRunTimestamp(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := storage.NewMemoryStore()
	w, err := NewWriter(store, "none", nil)
	require.NoError(t, err)

	first := time.Date(2024, 6, 2, 8, 0, 0, 123456789, time.UTC)
	w.now = func() time.Time { return first }
	_, err = w.Persist(ctx, "run-42", pagesOf([]models.Page{page(1, `{"id":"a"}`)}, 0, nil))
	require.NoError(t, err)

	w.now = func() time.Time { return first.Add(time.Hour) }
	_, err = w.Persist(ctx, "run-42", pagesOf([]models.Page{page(1, `{"id":"b"}`)}, 0, nil))
	require.NoError(t, err)

	m, err := NewReader(store, nil).Manifest(ctx, "run-42")
	require.NoError(t, err)
	require.NotNil(t, m.RunTimestamp)
	assert.Equal(t, first.Truncate(time.Microsecond), m.RunTime())

	_, err = w.Persist(ctx, "2024-06-01", pagesOf([]models.Page{page(1, `{"id":"a"}`)}, 0, nil))
	require.NoError(t, err)
	m, err = NewReader(store, nil).Manifest(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), m.RunTime())
}

func TestPersistWriteFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	mem := storage.NewMemoryStore()
	w, err := NewWriter(&failingStore{Store: mem, n: 1}, "none", nil)
	require.NoError(t, err)

	_, err = w.Persist(ctx, "r1", pagesOf([]models.Page{page(1, `{"id":"a"}`), page(2, `{"id":"b"}`)}, 0, nil))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeWriteFailure))

	keys, err := mem.List(ctx, "bronze/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestReadEmptyBatch(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := storage.NewMemoryStore()
	w, err := NewWriter(store, "none", nil)
	require.NoError(t, err)

	summary, err := w.Persist(ctx, "r1", pagesOf(nil, 0, nil))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Entries)

	_, err = NewReader(store, nil).ReadBatch(ctx, "r1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNoInputData))
}

func TestInvalidCodec(t *testing.T) {
	_, err := NewWriter(storage.NewMemoryStore(), "rar", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestPageKey(t *testing.T) {
	w, err := NewWriter(storage.NewMemoryStore(), "zstd", nil)
	require.NoError(t, err)
	assert.Equal(t, "page=00007.jsonl.zst", w.PageKey(7))
}

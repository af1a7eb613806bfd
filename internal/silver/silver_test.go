package silver

import (
	"bytes"
	"context"
	"iter"
	"strings"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cerresi/bees-case/internal/bronze"
	"github.com/Cerresi/bees-case/internal/layout"
	"github.com/Cerresi/bees-case/pkg/config"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/models"
	"github.com/Cerresi/bees-case/pkg/storage"
	"github.com/Cerresi/bees-case/pkg/testutil"
)

const runID = "2024-06-01"

var t0 = time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)

func page(index int, at time.Time, records ...testutil.Brewery) models.Page {
	p := models.Page{Index: index, FetchedAt: at}
	for _, r := range records {
		p.Records = append(p.Records, models.RawRecord(r.JSON()))
	}
	return p
}

func seq(pages ...models.Page) iter.Seq2[models.Page, error] {
	return func(yield func(models.Page, error) bool) {
		for _, p := range pages {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func ingest(t *testing.T, store storage.Store, pages ...models.Page) {
	t.Helper()
	w, err := bronze.NewWriter(store, "none", testutil.TestLogger(t))
	require.NoError(t, err)
	_, err = w.Persist(testutil.TestContext(t), runID, seq(pages...))
	require.NoError(t, err)
}

func newTransformer(t *testing.T, store storage.Store) *Transformer {
	t.Helper()
	tr, err := NewTransformer(store, testutil.TestConfig("http://unused"), testutil.TestLogger(t))
	require.NoError(t, err)
	tr.now = func() time.Time { return t0.Add(time.Hour) }
	return tr
}

func readRejects(t *testing.T, store storage.Store) []models.RejectEntry {
	t.Helper()
	ctx := testutil.TestContext(t)
	keys, err := store.List(ctx, layout.RunPrefix(layout.Rejects, runID))
	require.NoError(t, err)
	var out []models.RejectEntry
	for _, key := range keys {
		data, err := store.Get(ctx, key)
		require.NoError(t, err)
		for _, line := range bytes.Split(bytes.TrimSpace(data), []byte{'\n'}) {
			var e models.RejectEntry
			require.NoError(t, gojson.Unmarshal(line, &e))
			out = append(out, e)
		}
	}
	return out
}

func byKey(parts []Partition) map[models.PartitionKey][]models.SilverRecord {
	m := make(map[models.PartitionKey][]models.SilverRecord, len(parts))
	for _, p := range parts {
		m[p.Key] = p.Records
	}
	return m
}

func TestTransformPartitionsByCountryAndState(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := storage.NewMemoryStore()
	ingest(t, store, page(1, t0,
		testutil.NewBrewery("b2", "Golden Road", "large", "United States", "California"),
		testutil.NewBrewery("b1", "Anchor", "micro", "United States", "California"),
		testutil.NewBrewery("b3", "Galway Bay", "micro", "Ireland", ""),
	))

	summary, err := newTransformer(t, store).Transform(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Read)
	assert.Equal(t, 3, summary.Written)
	assert.Equal(t, 2, summary.Partitions)
	assert.Zero(t, summary.Rejected)
	assert.Empty(t, summary.RejectsKey)

	parts, err := NewReader(store, testutil.TestLogger(t)).ReadPartitions(ctx, runID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, models.PartitionKey{Country: "Ireland", State: models.UnspecifiedState}, parts[0].Key)
	assert.Equal(t, models.PartitionKey{Country: "US", State: "California"}, parts[1].Key)

	us := parts[1].Records
	require.Len(t, us, 2)
	assert.Equal(t, "b1", us[0].ID)
	assert.Equal(t, "b2", us[1].ID)
	assert.Equal(t, models.BreweryType("large"), us[1].BreweryType)
	assert.Equal(t, runID, us[0].RunID)

	ie := parts[0].Records
	require.Len(t, ie, 1)
	assert.Nil(t, ie[0].State)
}

func TestTransformMergesCaseVariants(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := storage.NewMemoryStore()
	ingest(t, store, page(1, t0,
		testutil.NewBrewery("o1", "Great Lakes", "micro", "United States", "ohio"),
		testutil.NewBrewery("o2", "Rhinegeist", "micro", "United States", "Ohio"),
		testutil.NewBrewery("o3", "Jackie O's", "micro", "United States", "OHIO"),
		testutil.NewBrewery("i1", "Galway Bay", "micro", "ireland", ""),
		testutil.NewBrewery("i2", "Rascals", "micro", "Ireland", ""),
	))

	summary, err := newTransformer(t, store).Transform(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Partitions)

	parts, err := NewReader(store, testutil.TestLogger(t)).ReadPartitions(ctx, runID)
	require.NoError(t, err)
	got := byKey(parts)
	assert.Len(t, got[models.PartitionKey{Country: "US", State: "Ohio"}], 3)
	assert.Len(t, got[models.PartitionKey{Country: "Ireland", State: models.UnspecifiedState}], 2)
}

func TestTransformDedupKeepsLatestFetch(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := storage.NewMemoryStore()
	ingest(t, store,
		page(1, t0.Add(time.Minute), testutil.NewBrewery("x", "Newer", "micro", "Ireland", "")),
		page(2, t0, testutil.NewBrewery("x", "Older", "micro", "Ireland", "")),
	)

	summary, err := newTransformer(t, store).Transform(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 1, summary.Written)

	parts, err := NewReader(store, nil).ReadPartitions(ctx, runID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Len(t, parts[0].Records, 1)
	assert.Equal(t, "Newer", parts[0].Records[0].Name)
}

func TestTransformDedupTieBreaks(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := storage.NewMemoryStore()
	ingest(t, store,
		page(1, t0, testutil.NewBrewery("x", "Page one", "micro", "Ireland", "")),
		page(2, t0,
			testutil.NewBrewery("x", "Page two first", "micro", "Ireland", ""),
			testutil.NewBrewery("x", "Page two second", "micro", "Ireland", ""),
		),
	)

	summary, err := newTransformer(t, store).Transform(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Duplicates)

	parts, err := NewReader(store, nil).ReadPartitions(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "Page two second", parts[0].Records[0].Name)
}

func TestTransformRejects(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := storage.NewMemoryStore()

	noName := testutil.NewBrewery("r1", "", "micro", "Ireland", "")
	noName.Name = nil
	noCountry := testutil.NewBrewery("r2", "Somewhere", "micro", "", "")
	noCountry.Country = nil

	p := page(1, t0,
		testutil.NewBrewery("ok", "Fine", "micro", "Ireland", ""),
		noName,
		noCountry,
		testutil.NewBrewery("r3", "Taproom Annex", "location", "Ireland", ""),
		testutil.NewBrewery("r4", "Stateless", "micro", "United States", ""),
	)
	p.Records = append(p.Records, models.RawRecord(`[1,2,3]`), models.RawRecord(`{"name":"No id","country":"Ireland"}`))
	ingest(t, store, p)

	summary, err := newTransformer(t, store).Transform(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 7, summary.Read)
	assert.Equal(t, 6, summary.Rejected)
	assert.Equal(t, 1, summary.Written)
	assert.NotEmpty(t, summary.RejectsKey)

	rejects := readRejects(t, store)
	require.Len(t, rejects, 6)
	reasons := make(map[int]string)
	for _, r := range rejects {
		assert.Equal(t, runID, r.RunID)
		assert.Equal(t, 1, r.Page)
		assert.Equal(t, t0.Add(time.Hour), r.RejectedAt)
		reasons[r.Position] = r.Reason
	}
	assert.Equal(t, "missing required field: name", reasons[1])
	assert.Equal(t, "missing required field: country", reasons[2])
	assert.Equal(t, "excluded brewery type: location", reasons[3])
	assert.Equal(t, "missing required field: state", reasons[4])
	assert.True(t, strings.HasPrefix(reasons[5], "malformed record: "), reasons[5])
	assert.Equal(t, "missing required field: id", reasons[6])

	assert.Equal(t, "r1", rejects[0].ExternalID)
	assert.JSONEq(t, noName.JSON(), string(rejects[0].Record))
}

func TestTransformRerunIsByteIdentical(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := storage.NewMemoryStore()
	ingest(t, store, page(1, t0,
		testutil.NewBrewery("b1", "Anchor", "micro", "United States", "California"),
		testutil.NewBrewery("b2", "Galway Bay", "brewpub", "Ireland", ""),
		testutil.NewBrewery("b3", "Pike", "micro", "United States", "Washington"),
	))

	snapshot := func() map[string][]byte {
		m, err := layout.ReadManifest(ctx, store, layout.Silver, runID)
		require.NoError(t, err)
		out := make(map[string][]byte)
		for _, key := range m.Objects {
			data, err := store.Get(ctx, key)
			require.NoError(t, err)
			out[m.Relative(key)] = data
		}
		return out
	}

	tr := newTransformer(t, store)
	_, err := tr.Transform(ctx, runID)
	require.NoError(t, err)
	first := snapshot()

	_, err = tr.Transform(ctx, runID)
	require.NoError(t, err)
	second := snapshot()

	require.Len(t, first, 3)
	assert.Equal(t, first, second)

	// the earlier attempt is gone once the rerun commits
	keys, err := store.List(ctx, layout.RunPrefix(layout.Silver, runID))
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func TestTransformWithoutBronze(t *testing.T) {
	_, err := newTransformer(t, storage.NewMemoryStore()).Transform(testutil.TestContext(t), runID)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNoInputData))
}

func TestTransformCancelledLeavesPreviousLayer(t *testing.T) {
	store := storage.NewMemoryStore()
	ingest(t, store, page(1, t0, testutil.NewBrewery("b1", "Anchor", "micro", "Ireland", "")))

	tr := newTransformer(t, store)
	_, err := tr.Transform(testutil.TestContext(t), runID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Transform(ctx, runID)
	require.Error(t, err)

	parts, err := NewReader(store, nil).ReadPartitions(testutil.TestContext(t), runID)
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}

func TestReadPartitionsWithoutSilver(t *testing.T) {
	_, err := NewReader(storage.NewMemoryStore(), nil).ReadPartitions(testutil.TestContext(t), runID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNoInputData))
}

func TestNewTransformerRejectsBadCompression(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Storage.ParquetCompression = "rar"
	_, err := NewTransformer(storage.NewMemoryStore(), cfg, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestPartitionPathRoundTrip(t *testing.T) {
	key := models.PartitionKey{Country: "Côte d'Ivoire", State: "A/B"}
	got, err := parsePartitionPath(PartitionPath(key) + PartFile)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = parsePartitionPath("country=US/part-00000.parquet")
	assert.Error(t, err)
}

package layout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/storage"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "bronze/run_id=2024-06-01/", RunPrefix(Bronze, "2024-06-01"))
	assert.Equal(t, "gold/run_id=a%2Fb/_manifest.json", ManifestKey(Gold, "a/b"))
	assert.Equal(t, "silver/run_id=r1/attempt=x/", AttemptPrefix(Silver, "r1", "x"))

	at := time.Unix(0, 42)
	assert.Equal(t, "rejects/run_id=r1/00000000000000000042-x.jsonl", RejectsKey("r1", at, "x"))

	v, err := UnescapeValue(EscapeValue("New South Wales/NSW"))
	require.NoError(t, err)
	assert.Equal(t, "New South Wales/NSW", v)
}

func TestCommitReplacesPreviousAttempt(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	logger := zaptest.NewLogger(t)

	first := Begin(store, Silver, "r1", logger)
	require.NoError(t, first.Put(ctx, "a.parquet", []byte("1")))
	require.NoError(t, first.Put(ctx, "b.parquet", []byte("1")))
	_, err := first.Commit(ctx, map[string]int64{"written": 2})
	require.NoError(t, err)

	second := Begin(store, Silver, "r1", logger)
	require.NoError(t, second.Put(ctx, "a.parquet", []byte("2")))
	m, err := second.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{second.Key("a.parquet")}, m.Objects)
	assert.Equal(t, "a.parquet", m.Relative(m.Objects[0]))

	keys, err := store.List(ctx, RunPrefix(Silver, "r1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ManifestKey(Silver, "r1"), second.Key("a.parquet")}, keys)

	read, err := ReadManifest(ctx, store, Silver, "r1")
	require.NoError(t, err)
	assert.Equal(t, second.ID(), read.Attempt)
	assert.Equal(t, Silver, read.Layer)
}

func TestAbortLeavesCommittedOutput(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	committed := Begin(store, Bronze, "r1", nil)
	require.NoError(t, committed.Put(ctx, "page=00001.jsonl", []byte("{}")))
	_, err := committed.Commit(ctx, nil)
	require.NoError(t, err)

	failed := Begin(store, Bronze, "r1", nil)
	require.NoError(t, failed.Put(ctx, "page=00001.jsonl", []byte("partial")))
	require.NoError(t, failed.Abort(ctx))

	keys, err := store.List(ctx, RunPrefix(Bronze, "r1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ManifestKey(Bronze, "r1"), committed.Key("page=00001.jsonl")}, keys)

	m, err := ReadManifest(ctx, store, Bronze, "r1")
	require.NoError(t, err)
	assert.Equal(t, committed.ID(), m.Attempt)
}

func TestReadManifestMissing(t *testing.T) {
	_, err := ReadManifest(context.Background(), storage.NewMemoryStore(), Gold, "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCommitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := storage.NewMemoryStore()
	a := Begin(store, Gold, "r1", nil)
	require.NoError(t, a.Put(ctx, "x.parquet", []byte("x")))
	cancel()

	_, err := a.Commit(ctx, nil)
	require.Error(t, err)
	_, err = ReadManifest(context.Background(), store, Gold, "r1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCommitRecordsPinnedRunTimestamp(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	plain := Begin(store, Bronze, "r1", nil)
	m, err := plain.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, m.RunTimestamp)
	assert.Equal(t, m.CommittedAt.Truncate(time.Microsecond), m.RunTime())

	pinned := time.Date(2024, 6, 1, 3, 0, 0, 999, time.FixedZone("x", 3600))
	a := Begin(store, Bronze, "r1", nil)
	a.PinRunTimestamp(pinned)
	_, err = a.Commit(ctx, nil)
	require.NoError(t, err)

	read, err := ReadManifest(ctx, store, Bronze, "r1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC), read.RunTime())
}

func TestLogicalTime(t *testing.T) {
	tests := []struct {
		runID string
		want  time.Time
		ok    bool
	}{
		{"2024-06-01", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"2024-06-01T03:00:00Z", time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC), true},
		{"scheduled__2024-06-01T03:00:00+00:00", time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC), true},
		{"manual__2024-06-01T05:30:00+02:00", time.Date(2024, 6, 1, 3, 30, 0, 0, time.UTC), true},
		{"adhoc-run", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := LogicalTime(tt.runID)
		assert.Equal(t, tt.ok, ok, tt.runID)
		assert.True(t, tt.want.Equal(got), tt.runID)
	}
}

// Package layout defines where each medallion layer lives in the object
// store and how a stage commits its output.
//
// A stage writes every object of a run under a fresh attempt prefix
//
//	<layer>/run_id=<id>/attempt=<uuid>/...
//
// and then publishes the attempt by writing <layer>/run_id=<id>/_manifest.json.
// Readers only follow the manifest, so a run's layer output is replaced all at
// once, and objects of an interrupted attempt are never visible. Older
// attempts are removed after the manifest is written.
package layout

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/storage"
)

// Layer names a top-level storage area.
type Layer string

// Layers, in pipeline order, plus the rejects log.
const (
	Bronze  Layer = "bronze"
	Silver  Layer = "silver"
	Gold    Layer = "gold"
	Rejects Layer = "rejects"
)

// ManifestName is the object that commits a run's layer output.
const ManifestName = "_manifest.json"

// EscapeValue makes a run id or partition value safe for a single key segment.
func EscapeValue(v string) string {
	return url.PathEscape(v)
}

// UnescapeValue reverses EscapeValue.
func UnescapeValue(v string) (string, error) {
	return url.PathUnescape(v)
}

// RunPrefix is the key prefix of a run's output in layer, with a trailing slash.
func RunPrefix(layer Layer, runID string) string {
	return fmt.Sprintf("%s/run_id=%s/", layer, EscapeValue(runID))
}

// ManifestKey is the key of the manifest committing a run's layer output.
func ManifestKey(layer Layer, runID string) string {
	return RunPrefix(layer, runID) + ManifestName
}

// AttemptPrefix is the staging prefix of one write attempt.
func AttemptPrefix(layer Layer, runID, attempt string) string {
	return RunPrefix(layer, runID) + "attempt=" + attempt + "/"
}

// RejectsKey is the key of one transform attempt's rejects object. Keys sort
// by time, so the log reads in append order.
func RejectsKey(runID string, at time.Time, attempt string) string {
	return fmt.Sprintf("%s%020d-%s.jsonl", RunPrefix(Rejects, runID), at.UnixNano(), attempt)
}

// LogicalTime extracts the scheduled time from run ids such as
// "2024-06-01", "2024-06-01T03:00:00Z" or "scheduled__2024-06-01T03:00:00+00:00".
func LogicalTime(runID string) (time.Time, bool) {
	v := runID
	if _, after, ok := strings.Cut(v, "__"); ok {
		v = after
	}
	for _, format := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(format, v); err == nil {
			return ts.UTC().Truncate(time.Microsecond), true
		}
	}
	return time.Time{}, false
}

// Manifest records a committed attempt.
type Manifest struct {
	Layer       Layer            `json:"layer"`
	RunID       string           `json:"run_id"`
	Attempt     string           `json:"attempt"`
	CommittedAt time.Time        `json:"committed_at"`
	Objects     []string         `json:"objects"`
	Stats       map[string]int64 `json:"stats,omitempty"`

	// RunTimestamp is fixed by the run's first Bronze commit and carried
	// forward by every later commit of the run.
	RunTimestamp *time.Time `json:"run_timestamp,omitempty"`
}

// RunTime returns the pinned run timestamp, or the commit time for
// manifests written without one, at microsecond precision.
func (m *Manifest) RunTime() time.Time {
	ts := m.CommittedAt
	if m.RunTimestamp != nil {
		ts = *m.RunTimestamp
	}
	return ts.UTC().Truncate(time.Microsecond)
}

// Relative returns key with the attempt prefix removed.
func (m *Manifest) Relative(key string) string {
	return strings.TrimPrefix(key, AttemptPrefix(m.Layer, m.RunID, m.Attempt))
}

// ReadManifest loads the committed manifest of a run. It returns an error
// wrapping storage.ErrNotFound when the run has no committed output.
func ReadManifest(ctx context.Context, store storage.Store, layer Layer, runID string) (*Manifest, error) {
	data, err := store.Get(ctx, ManifestKey(layer, runID))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := gojson.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "corrupt manifest").
			WithDetail("key", ManifestKey(layer, runID))
	}
	return &m, nil
}

// Attempt stages the objects of one stage invocation.
type Attempt struct {
	store  storage.Store
	layer  Layer
	runID  string
	id     string
	staged []string
	runTS  *time.Time
	logger *zap.Logger
}

// Begin starts a new write attempt for a run.
func Begin(store storage.Store, layer Layer, runID string, logger *zap.Logger) *Attempt {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Attempt{
		store:  store,
		layer:  layer,
		runID:  runID,
		id:     id,
		logger: logger.With(zap.String("layer", string(layer)), zap.String("attempt", id)),
	}
}

// ID returns the attempt id.
func (a *Attempt) ID() string { return a.id }

// Key returns the full key of rel inside the attempt prefix.
func (a *Attempt) Key(rel string) string {
	return AttemptPrefix(a.layer, a.runID, a.id) + rel
}

// Put stages one object.
func (a *Attempt) Put(ctx context.Context, rel string, data []byte) error {
	key := a.Key(rel)
	if err := a.store.Put(ctx, key, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to stage object").WithDetail("key", key)
	}
	a.staged = append(a.staged, key)
	return nil
}

// PinRunTimestamp sets the run timestamp recorded by Commit.
func (a *Attempt) PinRunTimestamp(ts time.Time) {
	ts = ts.UTC().Truncate(time.Microsecond)
	a.runTS = &ts
}

// Staged returns the keys written so far.
func (a *Attempt) Staged() []string {
	return append([]string(nil), a.staged...)
}

// Commit publishes the attempt and removes older attempts of the run.
func (a *Attempt) Commit(ctx context.Context, stats map[string]int64) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := &Manifest{
		Layer:        a.layer,
		RunID:        a.runID,
		Attempt:      a.id,
		CommittedAt:  time.Now().UTC(),
		Objects:      a.Staged(),
		Stats:        stats,
		RunTimestamp: a.runTS,
	}
	if m.Objects == nil {
		m.Objects = []string{}
	}
	data, err := gojson.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode manifest")
	}
	if err := a.store.Put(ctx, ManifestKey(a.layer, a.runID), data); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to commit manifest").
			WithDetail("key", ManifestKey(a.layer, a.runID))
	}

	// The manifest is authoritative from here; stale attempts are garbage.
	if err := a.removeStale(ctx); err != nil {
		a.logger.Warn("failed to remove stale attempts", zap.Error(err))
	}
	a.logger.Debug("attempt committed", zap.Int("objects", len(m.Objects)))
	return m, nil
}

// Abort deletes the objects staged so far. The committed output of the run,
// if any, is untouched.
func (a *Attempt) Abort(ctx context.Context) error {
	if len(a.staged) == 0 {
		return nil
	}
	if err := a.store.Delete(ctx, a.staged...); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "failed to discard staged objects")
	}
	a.logger.Debug("attempt aborted", zap.Int("objects", len(a.staged)))
	a.staged = nil
	return nil
}

func (a *Attempt) removeStale(ctx context.Context) error {
	runPrefix := RunPrefix(a.layer, a.runID)
	keys, err := a.store.List(ctx, runPrefix)
	if err != nil {
		return err
	}
	current := AttemptPrefix(a.layer, a.runID, a.id)
	manifest := ManifestKey(a.layer, a.runID)
	var stale []string
	for _, key := range keys {
		if key == manifest || strings.HasPrefix(key, current) {
			continue
		}
		stale = append(stale, key)
	}
	if len(stale) == 0 {
		return nil
	}
	return a.store.Delete(ctx, stale...)
}

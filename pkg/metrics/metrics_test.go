package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(Rejects.WithLabelValues("missing_required_field"))
	Rejects.WithLabelValues(RejectReasonLabel("missing required field: name")).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Rejects.WithLabelValues("missing_required_field")))

	before = testutil.ToFloat64(StageRecords.WithLabelValues("ingest", "written"))
	StageRecords.WithLabelValues("ingest", "written").Add(5)
	assert.Equal(t, before+5, testutil.ToFloat64(StageRecords.WithLabelValues("ingest", "written")))
}

func TestRejectReasonLabel(t *testing.T) {
	assert.Equal(t, "excluded_brewery_type", RejectReasonLabel("excluded brewery type: location"))
	assert.Equal(t, "malformed_record", RejectReasonLabel("malformed record: invalid character"))
	assert.Equal(t, "other", RejectReasonLabel("other"))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "success", Status(nil))
	assert.Equal(t, "failure", Status(errors.New("boom")))
}

func TestPush(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	StageDuration.WithLabelValues("ingest", "success").Observe(0.2)
	require.NoError(t, Push(context.Background(), server.URL, "breweries", "2024-06-01"))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/metrics/job/breweries/run_id/2024-06-01", gotPath)
}

func TestTimer(t *testing.T) {
	timer := NewTimer("stage")
	time.Sleep(time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), time.Millisecond)
}

func TestTimerObserveStage(t *testing.T) {
	before := testutil.CollectAndCount(StageDuration)
	elapsed := NewTimer("timer_observe").ObserveStage(errors.New("boom"))
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))
	assert.Equal(t, before+1, testutil.CollectAndCount(StageDuration))

	NewTimer("timer_observe").ObserveStage(errors.New("again"))
	assert.Equal(t, before+1, testutil.CollectAndCount(StageDuration), "same stage and status share a series")
}

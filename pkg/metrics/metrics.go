// Package metrics provides Prometheus metrics for the brewery pipeline.
//
// # Overview
//
// The pipeline runs as short-lived batch commands, so metrics are registered
// on the default registry and pushed to a Pushgateway when a command
// finishes (see Push). The metrics are:
//   - breweries_stage_records_total: records handled per stage and kind
//   - breweries_source_requests_total: source API requests by outcome
//   - breweries_rejects_total: Silver rejects by reason
//   - breweries_stage_duration_seconds: stage wall time by status
//
// # Basic Usage
//
//	timer := metrics.NewTimer("transform")
//	summary, err := transformer.Transform(ctx, runID)
//	timer.ObserveStage(err)
//	metrics.StageRecords.WithLabelValues("transform", "written").Add(float64(summary.Written))
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Request outcomes for SourceRequests.
const (
	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable"
	OutcomeRejected  = "rejected"
)

var (
	// StageRecords counts records per stage and kind (read, written, rejected, duplicate)
	StageRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breweries_stage_records_total",
			Help: "Records handled by a pipeline stage",
		},
		[]string{"stage", "kind"},
	)

	// SourceRequests counts source API requests by outcome
	SourceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breweries_source_requests_total",
			Help: "Requests sent to the source API",
		},
		[]string{"outcome"},
	)

	// Rejects counts Silver rejects by reason category
	Rejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breweries_rejects_total",
			Help: "Records routed to the rejects log",
		},
		[]string{"reason"},
	)

	// StageDuration tracks stage wall time
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "breweries_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"stage", "status"},
	)
)

// Status maps a stage error to the status label.
func Status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RejectReasonLabel reduces a reject reason to a low-cardinality label:
// "missing required field: name" becomes "missing_required_field".
func RejectReasonLabel(reason string) string {
	head, _, _ := strings.Cut(reason, ":")
	return strings.ReplaceAll(strings.TrimSpace(head), " ", "_")
}

// Push sends the default registry to a Pushgateway, grouped by job and run id.
func Push(ctx context.Context, gatewayURL, job, runID string) error {
	pusher := push.New(gatewayURL, job).Gatherer(prometheus.DefaultGatherer)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{start: time.Now(), name: name}
}

// Stop returns the elapsed time since the timer was created.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveStage stops the timer and records the elapsed time in
// StageDuration under the timer's name and the status of err.
func (t *Timer) ObserveStage(err error) time.Duration {
	elapsed := t.Stop()
	StageDuration.WithLabelValues(t.name, Status(err)).Observe(elapsed.Seconds())
	return elapsed
}

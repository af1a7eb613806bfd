// Package pipeline coordinates the medallion stages for one run id.
//
// # Overview
//
// The Coordinator invokes the stages in order:
//   - Ingest: Source Client pages into a Bronze batch
//   - Transform: Bronze batch into Silver partitions and the rejects log
//   - Aggregate: Silver partitions into Gold tables
//
// Scheduling is external: a scheduler invokes one stage at a time with a
// run id, and each stage is independently re-runnable for that run id. The
// Coordinator adds what every invocation needs around a stage: the run
// lock, the ledger record, metrics, a trace span and an outcome
// notification.
//
// # Basic Usage
//
//	coord, err := pipeline.NewCoordinator(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer coord.Close()
//
//	summary, err := coord.Run(ctx, "2024-06-01")
package pipeline

import (
	"context"
	"iter"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Cerresi/bees-case/internal/bronze"
	"github.com/Cerresi/bees-case/internal/gold"
	"github.com/Cerresi/bees-case/internal/silver"
	"github.com/Cerresi/bees-case/pkg/config"
	"github.com/Cerresi/bees-case/pkg/connector/sources/openbrewerydb"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/logger"
	"github.com/Cerresi/bees-case/pkg/metrics"
	"github.com/Cerresi/bees-case/pkg/models"
	"github.com/Cerresi/bees-case/pkg/observability"
	"github.com/Cerresi/bees-case/pkg/storage"
)

// PageSource yields source pages. openbrewerydb.Client implements it.
type PageSource interface {
	Pages(ctx context.Context, pageSize int) iter.Seq2[models.Page, error]
}

// RunSummary collects the summaries of a full run.
type RunSummary struct {
	RunID     string          `json:"run_id"`
	Ingest    *bronze.Summary `json:"ingest,omitempty"`
	Transform *silver.Summary `json:"transform,omitempty"`
	Aggregate *gold.Summary   `json:"aggregate,omitempty"`
}

// Coordinator runs the pipeline stages.
type Coordinator struct {
	cfg         *config.Config
	store       storage.Store
	source      PageSource
	bronze      *bronze.Writer
	transformer *silver.Transformer
	aggregator  *gold.Aggregator
	locker      RunLocker
	ledger      Ledger
	notifier    Notifier
	logger      *zap.Logger

	closers []func() error
	now     func() time.Time
}

// Option overrides a Coordinator dependency.
type Option func(*Coordinator)

// WithStore uses store instead of the configured storage backend.
func WithStore(store storage.Store) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithSource uses source instead of the Open Brewery DB client.
func WithSource(source PageSource) Option {
	return func(c *Coordinator) { c.source = source }
}

// WithLocker uses locker instead of the configured run locker.
func WithLocker(locker RunLocker) Option {
	return func(c *Coordinator) { c.locker = locker }
}

// WithLedger uses ledger instead of the configured ledger.
func WithLedger(ledger Ledger) Option {
	return func(c *Coordinator) { c.ledger = ledger }
}

// WithNotifier uses notifier instead of the configured notifier.
func WithNotifier(notifier Notifier) Option {
	return func(c *Coordinator) { c.notifier = notifier }
}

// NewCoordinator builds a coordinator from cfg. Dependencies not supplied
// through options are created from the configuration and closed by Close.
func NewCoordinator(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (*Coordinator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}

	c := &Coordinator{cfg: cfg, logger: log.With(zap.String("component", "coordinator")), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.buildDefaults(ctx, log); err != nil {
		_ = c.Close()
		return nil, err
	}

	var err error
	if c.bronze, err = bronze.NewWriter(c.store, cfg.Storage.BronzeCompression, log); err != nil {
		_ = c.Close()
		return nil, err
	}
	if c.transformer, err = silver.NewTransformer(c.store, cfg, log); err != nil {
		_ = c.Close()
		return nil, err
	}
	if c.aggregator, err = gold.NewAggregator(c.store, cfg, log); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) buildDefaults(ctx context.Context, log *zap.Logger) error {
	if c.store == nil {
		store, err := storage.New(ctx, c.cfg.Storage)
		if err != nil {
			return err
		}
		c.store = store
		c.closers = append(c.closers, store.Close)
	}

	if c.source == nil {
		client, err := openbrewerydb.NewClient(c.cfg, log)
		if err != nil {
			return err
		}
		c.source = client
		c.closers = append(c.closers, client.Close)
	}

	var pool *pgxpool.Pool
	postgres := func() (*pgxpool.Pool, error) {
		if pool != nil {
			return pool, nil
		}
		p, err := pgxpool.New(ctx, c.cfg.Coordinator.PostgresDSN)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create postgres pool")
		}
		pool = p
		c.closers = append(c.closers, func() error { p.Close(); return nil })
		return p, nil
	}

	if c.locker == nil {
		switch c.cfg.Coordinator.Lock {
		case "postgres":
			p, err := postgres()
			if err != nil {
				return err
			}
			c.locker = NewPostgresLocker(p)
		default:
			c.locker = NewMemoryLocker()
		}
	}

	if c.ledger == nil {
		switch c.cfg.Coordinator.Ledger {
		case "postgres":
			p, err := postgres()
			if err != nil {
				return err
			}
			ledger, err := NewPostgresLedger(ctx, p)
			if err != nil {
				return err
			}
			c.ledger = ledger
		default:
			c.ledger = NewMemoryLedger()
		}
		c.closers = append(c.closers, c.ledger.Close)
	}

	if c.notifier == nil {
		switch c.cfg.Coordinator.Notifier {
		case "kafka":
			n, err := NewKafkaNotifier(c.cfg.Coordinator.KafkaBrokers, c.cfg.Coordinator.KafkaTopic)
			if err != nil {
				return err
			}
			c.notifier = n
		default:
			c.notifier = NewLogNotifier(log)
		}
		c.closers = append(c.closers, c.notifier.Close)
	}
	return nil
}

// Store returns the object store the stages write to.
func (c *Coordinator) Store() storage.Store {
	return c.store
}

// Close releases the dependencies the coordinator created, in reverse order.
func (c *Coordinator) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

// Ingest fetches every source page and commits them as the run's Bronze batch.
func (c *Coordinator) Ingest(ctx context.Context, runID string) (*bronze.Summary, error) {
	var summary *bronze.Summary
	err := c.locked(ctx, runID, func(ctx context.Context) error {
		var err error
		summary, err = c.ingest(ctx, runID)
		return err
	})
	return summary, err
}

// Transform builds the run's Silver layer from its Bronze batch.
func (c *Coordinator) Transform(ctx context.Context, runID string) (*silver.Summary, error) {
	var summary *silver.Summary
	err := c.locked(ctx, runID, func(ctx context.Context) error {
		var err error
		summary, err = c.transform(ctx, runID)
		return err
	})
	return summary, err
}

// Aggregate builds the run's Gold tables from its Silver layer.
func (c *Coordinator) Aggregate(ctx context.Context, runID string) (*gold.Summary, error) {
	var summary *gold.Summary
	err := c.locked(ctx, runID, func(ctx context.Context) error {
		var err error
		summary, err = c.aggregate(ctx, runID)
		return err
	})
	return summary, err
}

// Run executes ingest, transform and aggregate under one run lock and stops
// at the first failing stage. The summary holds every completed stage.
func (c *Coordinator) Run(ctx context.Context, runID string) (*RunSummary, error) {
	summary := &RunSummary{RunID: runID}
	err := c.locked(ctx, runID, func(ctx context.Context) error {
		var err error
		if summary.Ingest, err = c.ingest(ctx, runID); err != nil {
			return err
		}
		if summary.Transform, err = c.transform(ctx, runID); err != nil {
			return err
		}
		summary.Aggregate, err = c.aggregate(ctx, runID)
		return err
	})
	return summary, err
}

// History returns the ledger records of a run.
func (c *Coordinator) History(ctx context.Context, runID string) ([]StageRecord, error) {
	return c.ledger.History(ctx, runID)
}

func (c *Coordinator) ingest(ctx context.Context, runID string) (*bronze.Summary, error) {
	var summary *bronze.Summary
	err := c.stage(ctx, runID, StageIngest, func(ctx context.Context) (any, error) {
		var err error
		summary, err = c.bronze.Persist(ctx, runID, c.source.Pages(ctx, c.cfg.Source.PageSize))
		if err == nil {
			metrics.StageRecords.WithLabelValues(StageIngest, "written").Add(float64(summary.Entries))
		}
		return summary, err
	})
	return summary, err
}

func (c *Coordinator) transform(ctx context.Context, runID string) (*silver.Summary, error) {
	var summary *silver.Summary
	err := c.stage(ctx, runID, StageTransform, func(ctx context.Context) (any, error) {
		var err error
		summary, err = c.transformer.Transform(ctx, runID)
		return summary, err
	})
	return summary, err
}

func (c *Coordinator) aggregate(ctx context.Context, runID string) (*gold.Summary, error) {
	var summary *gold.Summary
	err := c.stage(ctx, runID, StageAggregate, func(ctx context.Context) (any, error) {
		var err error
		summary, err = c.aggregator.Aggregate(ctx, runID)
		return summary, err
	})
	return summary, err
}

func validRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New(errors.ErrorTypeConfig, "run id is required")
	}
	return nil
}

func (c *Coordinator) locked(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	release, err := c.locker.Acquire(ctx, runID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// stage wraps one stage invocation with its timeout, span, metrics, ledger
// records and notification.
func (c *Coordinator) stage(ctx context.Context, runID, name string, fn func(ctx context.Context) (any, error)) (err error) {
	if c.cfg.Timeouts.Stage > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeouts.Stage)
		defer cancel()
	}
	ctx = logger.ContextWithRun(ctx, runID, name)
	log := logger.FromContext(ctx, c.logger)

	ctx, span := observability.StartSpan(ctx, "pipeline."+name, attribute.String("run_id", runID))
	defer func() { observability.EndSpan(span, err) }()

	timer := metrics.NewTimer(name)
	started := c.now().UTC()
	if lerr := c.ledger.Record(ctx, StageRecord{RunID: runID, Stage: name, Status: StatusStarted, StartedAt: started}); lerr != nil {
		log.Warn("failed to record stage start", zap.Error(lerr))
	}
	log.Info("stage started")

	result, err := fn(ctx)

	elapsed := timer.ObserveStage(err)
	finished := c.now().UTC()

	rec := StageRecord{RunID: runID, Stage: name, Status: StatusSucceeded, StartedAt: started, FinishedAt: &finished}
	event := Event{RunID: runID, Stage: name, Status: StatusSucceeded, StartedAt: started, FinishedAt: finished, DurationMS: elapsed.Milliseconds()}
	if err != nil {
		rec.Status, event.Status = StatusFailed, StatusFailed
		rec.ErrorType, event.ErrorType = string(errors.TypeOf(err)), string(errors.TypeOf(err))
		rec.Error, event.Error = err.Error(), err.Error()
		log.Error("stage failed", zap.Error(err), zap.String("error_type", rec.ErrorType), zap.Duration("elapsed", elapsed))
	} else {
		if data, merr := gojson.Marshal(result); merr == nil {
			rec.Summary, event.Summary = data, data
		}
		log.Info("stage succeeded", zap.Duration("elapsed", elapsed))
	}

	// Bookkeeping runs even when the stage context has expired.
	bg := context.WithoutCancel(ctx)
	if lerr := c.ledger.Record(bg, rec); lerr != nil {
		log.Warn("failed to record stage outcome", zap.Error(lerr))
	}
	if nerr := c.notifier.Notify(bg, event); nerr != nil {
		log.Warn("failed to send stage notification", zap.Error(nerr))
	}
	return err
}

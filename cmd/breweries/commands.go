package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Cerresi/bees-case/internal/gold"
	"github.com/Cerresi/bees-case/internal/pipeline"
	"github.com/Cerresi/bees-case/internal/report"
	"github.com/Cerresi/bees-case/pkg/config"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/logger"
	"github.com/Cerresi/bees-case/pkg/metrics"
	"github.com/Cerresi/bees-case/pkg/observability"
	"github.com/Cerresi/bees-case/pkg/storage"
)

const serviceName = "breweries"

// loadConfig reads the configuration file, if any, and applies flag and
// BREWERIES_* environment overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load configuration")
		}
		cfg = loaded
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Observability.LogLevel = level
	}
	if typ := v.GetString("storage-type"); typ != "" {
		cfg.Storage.Type = typ
	}
	if root := v.GetString("storage-root"); root != "" {
		cfg.Storage.Root = root
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}
	return cfg, nil
}

// env is the per-invocation setup shared by commands.
type env struct {
	cfg      *config.Config
	log      *zap.Logger
	shutdown observability.ShutdownFunc
}

func setup(v *viper.Viper) (*env, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
		Encoding:    cfg.Observability.LogEncoding,
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	e := &env{cfg: cfg, log: logger.Get(), shutdown: func(context.Context) error { return nil }}

	if cfg.Observability.EnableTracing {
		shutdown, err := observability.Init(observability.TracingConfigFrom(cfg.Observability, serviceName, version))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize tracing")
		}
		e.shutdown = shutdown
	}
	return e, nil
}

// finish flushes traces, pushes metrics and syncs the logger.
func (e *env) finish(job, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.shutdown(ctx); err != nil {
		e.log.Warn("failed to flush traces", zap.Error(err))
	}
	if e.cfg.Observability.EnableMetrics && e.cfg.Observability.PushgatewayURL != "" {
		if err := metrics.Push(ctx, e.cfg.Observability.PushgatewayURL, serviceName+"_"+job, runID); err != nil {
			e.log.Warn("failed to push metrics", zap.Error(err))
		}
	}
	_ = logger.Sync()
}

func writeJSON(w io.Writer, value any) error {
	data, err := gojson.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func addRunIDFlag(cmd *cobra.Command) {
	cmd.Flags().String("run-id", "", "Run id, usually the scheduler's logical date (env BREWERIES_RUN_ID)")
}

// runID prefers the command's --run-id flag over BREWERIES_RUN_ID.
func runID(cmd *cobra.Command, v *viper.Viper) (string, error) {
	id, _ := cmd.Flags().GetString("run-id")
	if id == "" {
		id = v.GetString("run-id")
	}
	if id == "" {
		return "", errors.New(errors.ErrorTypeConfig, "--run-id is required")
	}
	return id, nil
}

func newStageCommand(v *viper.Viper, stage, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   stage,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := runID(cmd, v)
			if err != nil {
				return err
			}
			e, err := setup(v)
			if err != nil {
				return err
			}
			defer e.finish(stage, id)

			ctx := cmd.Context()
			coord, err := pipeline.NewCoordinator(ctx, e.cfg, e.log)
			if err != nil {
				return err
			}
			defer func() {
				if err := coord.Close(); err != nil {
					e.log.Warn("failed to close coordinator", zap.Error(err))
				}
			}()

			summary, err := runStage(ctx, coord, stage, id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
	addRunIDFlag(cmd)
	return cmd
}

func runStage(ctx context.Context, coord *pipeline.Coordinator, stage, runID string) (any, error) {
	switch stage {
	case pipeline.StageIngest:
		return coord.Ingest(ctx, runID)
	case pipeline.StageTransform:
		return coord.Transform(ctx, runID)
	case pipeline.StageAggregate:
		return coord.Aggregate(ctx, runID)
	default:
		return coord.Run(ctx, runID)
	}
}

func newReportCommand(v *viper.Viper) *cobra.Command {
	opts := report.DefaultOptions()
	var format string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize a run's Gold tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "json" && format != "text" {
				return errors.Newf(errors.ErrorTypeConfig, "unknown format %q", format)
			}
			id, err := runID(cmd, v)
			if err != nil {
				return err
			}
			e, err := setup(v)
			if err != nil {
				return err
			}
			defer e.finish("report", id)

			ctx := cmd.Context()
			store, err := storage.New(ctx, e.cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := report.Generate(ctx, gold.NewReader(store, e.log), id, opts)
			if err != nil {
				return err
			}
			if format == "text" {
				return r.WriteText(cmd.OutOrStdout())
			}
			return r.WriteJSON(cmd.OutOrStdout())
		},
	}
	addRunIDFlag(cmd)
	cmd.Flags().IntVar(&opts.TopN, "top", opts.TopN, "Number of countries and states to rank")
	cmd.Flags().StringVar(&opts.Country, "country", opts.Country, "Country whose states and types are reported")
	cmd.Flags().Float64Var(&opts.OthersThreshold, "others-threshold", opts.OthersThreshold, "Percent under which types are grouped as others")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or text")
	return cmd
}

func newHistoryCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the ledger records of a run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := runID(cmd, v)
			if err != nil {
				return err
			}
			e, err := setup(v)
			if err != nil {
				return err
			}
			defer e.finish("history", id)

			// a memory ledger starts empty in every process
			if e.cfg.Coordinator.Ledger != "postgres" {
				return errors.New(errors.ErrorTypeConfig, "history requires coordinator.ledger: postgres")
			}

			coord, err := pipeline.NewCoordinator(cmd.Context(), e.cfg, e.log)
			if err != nil {
				return err
			}
			defer coord.Close()

			history, err := coord.History(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), history)
		},
	}
	addRunIDFlag(cmd)
	return cmd
}

func newConfigCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the pipeline configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the effective configuration, defaults plus overrides, as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return errors.Newf(errors.ErrorTypeConfig, "%s already exists (use --force to overwrite)", path)
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write configuration")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "breweries v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

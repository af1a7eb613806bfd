package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Cerresi/bees-case/pkg/errors"
)

var version = "0.1.0"

// Exit codes by error category, so a scheduler can tell retryable failures
// from configuration mistakes.
const (
	exitFailure           = 1
	exitConfig            = 2
	exitConflict          = 3
	exitNoInputData       = 4
	exitSourceUnavailable = 5
)

func exitCode(err error) int {
	switch errors.TypeOf(err) {
	case "":
		return 0
	case errors.ErrorTypeConfig:
		return exitConfig
	case errors.ErrorTypeConflict:
		return exitConflict
	case errors.ErrorTypeNoInputData:
		return exitNoInputData
	case errors.ErrorTypeSourceUnavailable:
		return exitSourceUnavailable
	default:
		return exitFailure
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("BREWERIES")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "breweries",
		Short: "Brewery medallion pipeline",
		Long: `breweries ingests the Open Brewery DB API into a Bronze layer, curates it into
partitioned Silver Parquet files and aggregates brewery counts into Gold tables.

Each stage is invoked for a run id and can be re-run for the same run id:

  breweries ingest --run-id 2024-06-01
  breweries transform --run-id 2024-06-01
  breweries aggregate --run-id 2024-06-01

The stage summary is printed as JSON on stdout; logs go to stderr.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "Path to the YAML configuration file (env BREWERIES_CONFIG)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (env BREWERIES_LOG_LEVEL)")
	flags.String("storage-type", "", "Storage backend: fs, memory, s3, gcs (env BREWERIES_STORAGE_TYPE)")
	flags.String("storage-root", "", "Root directory of the fs backend (env BREWERIES_STORAGE_ROOT)")
	for _, name := range []string{"config", "log-level", "storage-type", "storage-root"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newStageCommand(v, "ingest", "Fetch every source page into the run's Bronze batch"),
		newStageCommand(v, "transform", "Build the run's Silver partitions from its Bronze batch"),
		newStageCommand(v, "aggregate", "Build the run's Gold tables from its Silver partitions"),
		newStageCommand(v, "run", "Run ingest, transform and aggregate in order"),
		newReportCommand(v),
		newHistoryCommand(v),
		newConfigCommand(v),
		newVersionCommand(),
	)
	return root
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := newRootCommand(newViper())
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

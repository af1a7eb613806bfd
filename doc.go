// Package breweries is a medallion pipeline over the Open Brewery DB API.
//
// A run, identified by a run id such as the scheduler's logical date, moves
// through three stages, each independently re-runnable:
//
//	ingest     source pages  -> bronze/run_id=<id>/       raw JSON pages, as fetched
//	transform  bronze batch  -> silver/run_id=<id>/       Parquet partitioned by country/state
//	aggregate  silver layer  -> gold/run_id=<id>/         brewery counts by state and by country
//
// Every stage stages its objects under a fresh attempt and publishes them
// with a single manifest write, so readers see either the previous complete
// layer or the new one. Records that fail validation go to
// rejects/run_id=<id>/ instead of being dropped silently.
//
// # Quick Start
//
//	breweries run --run-id 2024-06-01 -c configs/pipeline.yaml
//	breweries report --run-id 2024-06-01 --format text
//
// or, from Go:
//
//	cfg := config.NewDefaultConfig()
//	coord, err := pipeline.NewCoordinator(ctx, cfg, logger.Get())
//	if err != nil {
//	    return err
//	}
//	defer coord.Close()
//	summary, err := coord.Run(ctx, "2024-06-01")
//
// # Key Packages
//
//	internal/bronze    - Raw page persistence and batch reading
//	internal/silver    - Normalization, validation, dedup and partitioned Parquet
//	internal/gold      - Aggregated count tables
//	internal/pipeline  - Coordinator, run locks, stage ledger and notifications
//	internal/report    - Rankings and type distribution over Gold
//	pkg/connector      - Open Brewery DB client
//	pkg/storage        - Object store over filesystem, memory, S3 and GCS
//	pkg/formats        - Parquet codecs
//	pkg/config         - Configuration loading and validation
//	pkg/errors         - Typed errors
//	pkg/logger         - Structured logging
//	pkg/metrics        - Prometheus collectors
package breweries
